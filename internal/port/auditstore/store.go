// Package auditstore defines the port interface for the append-only audit trail.
package auditstore

import (
	"context"
	"time"

	"github.com/plankhq/plank/internal/domain/audit"
)

// Store is the port interface for persisting and querying audit entries.
// Entries are append-only: there is no update or delete operation.
type Store interface {
	// Append persists a new entry. The entry must already be sealed.
	Append(ctx context.Context, e *audit.Entry) error

	// ListByResource returns entries for one resource, newest first.
	ListByResource(ctx context.Context, resourceType, resourceID string, f audit.Filter) ([]audit.Entry, error)

	// ListByActor returns entries produced by one actor, newest first.
	ListByActor(ctx context.Context, actorID string, f audit.Filter) ([]audit.Entry, error)

	// Summary returns per (action, resource type) counts since the window start.
	Summary(ctx context.Context, since time.Time) ([]audit.SummaryRow, error)
}
