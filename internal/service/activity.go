package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/port/auditstore"
	"github.com/plankhq/plank/internal/port/cache"
)

// TrailEntry is an audit entry annotated with the result of recomputing its
// integrity hash at read time. Tampered entries are returned, flagged, never
// hidden: an auditor needs to see that something was altered.
type TrailEntry struct {
	audit.Entry
	Verified bool `json:"verified"`
}

// ActivityService answers trail and replay queries over the audit store.
type ActivityService struct {
	store      auditstore.Store
	cache      cache.Cache
	summaryTTL time.Duration
}

// NewActivityService creates a new ActivityService. The cache holds activity
// summaries only; trail queries always hit the store.
func NewActivityService(store auditstore.Store, c cache.Cache, summaryTTL time.Duration) *ActivityService {
	return &ActivityService{store: store, cache: c, summaryTTL: summaryTTL}
}

// ResourceTrail returns the audit history of one resource, newest first,
// each entry verified against its stored integrity hash.
func (s *ActivityService) ResourceTrail(ctx context.Context, resourceType, resourceID string, f audit.Filter) ([]TrailEntry, error) {
	entries, err := s.store.ListByResource(ctx, resourceType, resourceID, f)
	if err != nil {
		return nil, fmt.Errorf("resource trail: %w", err)
	}
	return verifyAll(entries), nil
}

// UserActivity returns the audit history produced by one actor, newest first.
func (s *ActivityService) UserActivity(ctx context.Context, actorID string, f audit.Filter) ([]TrailEntry, error) {
	entries, err := s.store.ListByActor(ctx, actorID, f)
	if err != nil {
		return nil, fmt.Errorf("user activity: %w", err)
	}
	return verifyAll(entries), nil
}

// Summary returns per (action, resource type) counts over the trailing
// window. Results are cached briefly; the summary feeds dashboards and does
// not need per-request freshness.
func (s *ActivityService) Summary(ctx context.Context, window time.Duration) ([]audit.SummaryRow, error) {
	key := "audit:summary:" + window.String()

	if s.cache != nil {
		if data, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var rows []audit.SummaryRow
			if err := json.Unmarshal(data, &rows); err == nil {
				return rows, nil
			}
		}
	}

	rows, err := s.store.Summary(ctx, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("activity summary: %w", err)
	}

	if s.cache != nil {
		if data, err := json.Marshal(rows); err == nil {
			if err := s.cache.Set(ctx, key, data, s.summaryTTL); err != nil {
				slog.Debug("failed to cache activity summary", "error", err)
			}
		}
	}
	return rows, nil
}

func verifyAll(entries []audit.Entry) []TrailEntry {
	out := make([]TrailEntry, len(entries))
	for i := range entries {
		out[i] = TrailEntry{Entry: entries[i], Verified: audit.Verify(&entries[i])}
	}
	return out
}
