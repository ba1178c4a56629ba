package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/plankhq/plank/internal/adapter/otel"
	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/port/auditstore"
	"github.com/plankhq/plank/internal/port/messagequeue"
	"github.com/plankhq/plank/internal/resilience"
)

// Recorder consumes audit events from the queue and persists them as sealed
// entries. Persistence is best-effort: a failed append is retried once,
// then logged and dropped so the queue never backs up behind a dead store.
// A circuit breaker fails fast while the store is known to be down.
type Recorder struct {
	store   auditstore.Store
	breaker *resilience.Breaker
	metrics *otel.Metrics
}

// NewRecorder creates a Recorder guarded by the given breaker.
func NewRecorder(store auditstore.Store, breaker *resilience.Breaker, metrics *otel.Metrics) *Recorder {
	return &Recorder{store: store, breaker: breaker, metrics: metrics}
}

// Record turns an event into a sealed entry and appends it to the store.
// The integrity hash is computed here, before the first write, so the
// stored hash always covers the values as originally recorded.
func (r *Recorder) Record(ctx context.Context, ev audit.Event) error {
	entry := &audit.Entry{
		ID:           uuid.NewString(),
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		ActorID:      ev.ActorID,
		Before:       ev.Before,
		After:        ev.After,
		Description:  ev.Description,
		Meta:         ev.Meta,
		CreatedAt:    ev.OccurredAt,
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := entry.Seal(); err != nil {
		return fmt.Errorf("seal audit entry: %w", err)
	}

	ctx, span := otel.StartAuditSpan(ctx, entry.ID, string(entry.Action))
	defer span.End()

	err := r.breaker.Execute(func() error {
		return r.store.Append(ctx, entry)
	})
	if err != nil {
		// One immediate retry covers transient faults; beyond that the
		// entry is dropped rather than blocking the consumer.
		err = r.breaker.Execute(func() error {
			return r.store.Append(ctx, entry)
		})
	}
	if err != nil {
		if r.metrics != nil {
			r.metrics.AuditWriteFailures.Add(ctx, 1)
		}
		return fmt.Errorf("append audit entry: %w", err)
	}

	if r.metrics != nil {
		r.metrics.AuditWrites.Add(ctx, 1)
	}
	return nil
}

// StartConsumer subscribes the recorder to the audit subject. The handler
// always reports success to the queue: a dropped entry is logged, not
// redelivered, because redelivery would also re-fail while the store is down
// and the breaker already provides the recovery window.
func (r *Recorder) StartConsumer(ctx context.Context, queue messagequeue.Queue) (cancel func(), err error) {
	return queue.Subscribe(ctx, messagequeue.SubjectAuditRecord, func(ctx context.Context, subject string, data []byte) error {
		var ev audit.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Error("discarding malformed audit event", "subject", subject, "error", err)
			return nil
		}
		if err := r.Record(ctx, ev); err != nil {
			slog.Error("audit entry dropped", "action", ev.Action, "resource_id", ev.ResourceID, "error", err)
		}
		return nil
	})
}
