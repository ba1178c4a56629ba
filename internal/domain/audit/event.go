package audit

import (
	"encoding/json"
	"time"
)

// Event is the queue payload emitted by services when a mutation happens.
// The recorder turns an Event into a sealed Entry; producers never write
// to the audit store directly.
type Event struct {
	Action       Action          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	ActorID      string          `json:"actor_id"`
	Before       json.RawMessage `json:"before,omitempty"`
	After        json.RawMessage `json:"after,omitempty"`
	Description  string          `json:"description,omitempty"`
	Meta         RequestMeta     `json:"meta"`
	OccurredAt   time.Time       `json:"occurred_at"`
}
