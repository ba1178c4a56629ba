package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plankhq/plank/internal/domain/audit"
)

// AuditStore implements auditstore.Store using PostgreSQL (append-only).
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Append inserts a new entry into the audit_log table.
// The table has no update path; immutability is enforced by only ever
// issuing INSERTs against it.
func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, resource_type, resource_id, actor_id,
		   before, after, description, ip, user_agent, method, url, request_id,
		   integrity_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, string(e.Action), e.ResourceType, e.ResourceID, e.ActorID,
		e.Before, e.After, e.Description, e.Meta.IP, e.Meta.UserAgent,
		e.Meta.Method, e.Meta.URL, e.Meta.RequestID, e.IntegrityHash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, action, resource_type, resource_id, actor_id, before, after,
	description, ip, user_agent, method, url, request_id, integrity_hash, created_at`

// scanEntry scans a row into an audit.Entry.
func scanEntry(scanner interface{ Scan(dest ...any) error }, e *audit.Entry) error {
	return scanner.Scan(
		&e.ID, &e.Action, &e.ResourceType, &e.ResourceID, &e.ActorID,
		&e.Before, &e.After, &e.Description, &e.Meta.IP, &e.Meta.UserAgent,
		&e.Meta.Method, &e.Meta.URL, &e.Meta.RequestID, &e.IntegrityHash, &e.CreatedAt,
	)
}

// buildFilter appends WHERE predicates for an audit.Filter starting at argIdx.
func buildFilter(f audit.Filter, conditions []string, args []any, argIdx int) ([]string, []any, int) {
	if len(f.Actions) > 0 {
		actions := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			actions[i] = string(a)
		}
		conditions = append(conditions, fmt.Sprintf("action = ANY($%d)", argIdx))
		args = append(args, actions)
		argIdx++
	}
	if f.After != nil {
		conditions = append(conditions, fmt.Sprintf("created_at > $%d", argIdx))
		args = append(args, *f.After)
		argIdx++
	}
	if f.Before != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *f.Before)
		argIdx++
	}
	return conditions, args, argIdx
}

func (s *AuditStore) list(ctx context.Context, conditions []string, args []any, argIdx int, f audit.Filter) ([]audit.Entry, error) {
	conditions, args, argIdx = buildFilter(f, conditions, args, argIdx)

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(
		`SELECT %s FROM audit_log WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		auditColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := scanEntry(rows, &e); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListByResource returns entries for one resource, newest first.
func (s *AuditStore) ListByResource(ctx context.Context, resourceType, resourceID string, f audit.Filter) ([]audit.Entry, error) {
	return s.list(ctx,
		[]string{"resource_type = $1", "resource_id = $2"},
		[]any{resourceType, resourceID}, 3, f)
}

// ListByActor returns entries produced by one actor, newest first.
func (s *AuditStore) ListByActor(ctx context.Context, actorID string, f audit.Filter) ([]audit.Entry, error) {
	return s.list(ctx, []string{"actor_id = $1"}, []any{actorID}, 2, f)
}

// Summary returns per (action, resource type) counts since the window start.
func (s *AuditStore) Summary(ctx context.Context, since time.Time) ([]audit.SummaryRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT action, resource_type, COUNT(*) FROM audit_log
		 WHERE created_at >= $1
		 GROUP BY action, resource_type
		 ORDER BY action, resource_type`, since)
	if err != nil {
		return nil, fmt.Errorf("audit summary: %w", err)
	}
	defer rows.Close()

	var summary []audit.SummaryRow
	for rows.Next() {
		var row audit.SummaryRow
		if err := rows.Scan(&row.Action, &row.ResourceType, &row.Count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		summary = append(summary, row)
	}
	return summary, rows.Err()
}
