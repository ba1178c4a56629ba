// Package audit defines the append-only, tamper-evident audit trail entry.
package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Action identifies the kind of audited operation.
type Action string

const (
	ActionCreate       Action = "CREATE"
	ActionUpdate       Action = "UPDATE"
	ActionDelete       Action = "DELETE"
	ActionMove         Action = "MOVE"
	ActionApprove      Action = "APPROVE"
	ActionReject       Action = "REJECT"
	ActionLogin        Action = "LOGIN"
	ActionLogout       Action = "LOGOUT"
	ActionAccessDenied Action = "ACCESS_DENIED"
	ActionError        Action = "ERROR"
)

// RequestMeta captures the request context an entry was produced under.
type RequestMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Method    string `json:"method,omitempty"`
	URL       string `json:"url,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Entry is a single immutable record of a mutation attempt.
// Fields are never updated after creation; IntegrityHash is recomputable
// from the entry's own stored fields at any time.
type Entry struct {
	ID            string          `json:"id"`
	Action        Action          `json:"action"`
	ResourceType  string          `json:"resource_type"`
	ResourceID    string          `json:"resource_id"`
	ActorID       string          `json:"actor_id"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Description   string          `json:"description,omitempty"`
	Meta          RequestMeta     `json:"meta"`
	IntegrityHash string          `json:"integrity_hash"`
	CreatedAt     time.Time       `json:"created_at"`
}

// hashPayload is the canonical form covered by the integrity hash.
// All fields are concrete types (no maps) so json.Marshal produces a
// deterministic byte sequence across runs and architectures.
type hashPayload struct {
	Action       Action          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ActorID      string          `json:"actor_id"`
	Timestamp    string          `json:"ts"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
}

// ComputeHash returns the hex sha256 of the entry's canonical payload.
// The hash covers only this entry's fields; entries are not chained.
func ComputeHash(e *Entry) (string, error) {
	payload := hashPayload{
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		ActorID:      e.ActorID,
		Timestamp:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		Before:       e.Before,
		After:        e.After,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Seal computes and stores the integrity hash. Call once, at creation.
func (e *Entry) Seal() error {
	h, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.IntegrityHash = h
	return nil
}

// Verify recomputes the hash from the entry's stored fields and compares it
// to the stored IntegrityHash. A mismatch signals post-hoc tampering.
func Verify(e *Entry) bool {
	h, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h), []byte(e.IntegrityHash)) == 1
}

// Filter narrows trail queries.
type Filter struct {
	Actions []Action   `json:"actions,omitempty"`
	After   *time.Time `json:"after,omitempty"`
	Before  *time.Time `json:"before,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// SummaryRow is one (action, resource type) bucket of an activity summary.
type SummaryRow struct {
	Action       Action `json:"action"`
	ResourceType string `json:"resource_type"`
	Count        int    `json:"count"`
}
