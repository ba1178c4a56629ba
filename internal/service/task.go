package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/plankhq/plank/internal/adapter/otel"
	"github.com/plankhq/plank/internal/authz"
	"github.com/plankhq/plank/internal/domain"
	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/port/database"
	"github.com/plankhq/plank/internal/port/messagequeue"
)

// TaskService owns the task lifecycle: creation, descriptive updates, and
// the stage transition engine. Every mutation attempt, including denied
// ones, produces an audit event on the queue. Queue publication is
// fire-and-forget: a failed publish is logged, never returned to the caller.
type TaskService struct {
	store   database.Store
	queue   messagequeue.Queue
	metrics *otel.Metrics
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, queue messagequeue.Queue, metrics *otel.Metrics) *TaskService {
	return &TaskService{store: store, queue: queue, metrics: metrics}
}

// List returns all tasks, optionally filtered by project.
func (s *TaskService) List(ctx context.Context, projectID string) ([]task.Task, error) {
	return s.store.ListTasks(ctx, projectID)
}

// Get returns a task by ID.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// Create creates a new task in the backlog stage.
//
// Employees may only create personal tasks: the task is assigned to the
// actor and scoped to the actor's team. Leads, managing directors, and
// admins may assign freely.
func (s *TaskService) Create(ctx context.Context, actor *user.User, req task.CreateRequest, meta audit.RequestMeta) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if actor.Role == user.RoleEmployee {
		if req.AssigneeID != "" && req.AssigneeID != actor.ID {
			s.emitDenied(ctx, actor, "task", "", "employees create self-assigned tasks only", meta)
			return nil, fmt.Errorf("create task: %w", domain.ErrForbidden)
		}
		req.AssigneeID = actor.ID
	}
	if req.TeamID == "" {
		req.TeamID = actor.TeamID
	}

	t, err := s.store.CreateTask(ctx, actor.ID, req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.emit(ctx, audit.Event{
		Action:       audit.ActionCreate,
		ResourceType: "task",
		ResourceID:   t.ID,
		ActorID:      actor.ID,
		After:        snapshot(t),
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
	return t, nil
}

// UpdateFields applies a partial update to the task's descriptive fields.
// Stage is not reachable through this path.
func (s *TaskService) UpdateFields(ctx context.Context, actor *user.User, id string, req task.UpdateRequest, meta audit.RequestMeta) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if d := authz.CanPerform(actor, t, user.ActionEdit); !d.Allowed {
		s.emitDenied(ctx, actor, "task", t.ID, d.Reason, meta)
		return nil, fmt.Errorf("update task: %w", domain.ErrForbidden)
	}

	before := snapshot(t)
	req.Apply(t)
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}

	s.emit(ctx, audit.Event{
		Action:       audit.ActionUpdate,
		ResourceType: "task",
		ResourceID:   t.ID,
		ActorID:      actor.ID,
		Before:       before,
		After:        snapshot(t),
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
	return t, nil
}

// Move advances a task one stage forward along the workflow graph.
//
// from is the stage the caller last observed; when empty, the current
// stored stage is used. The stage write is a compare-and-set on that
// expected stage, so a resubmitted move whose precondition went stale
// returns domain.ErrConflict instead of applying twice.
//
// A task cannot be moved out of review: leaving review requires an
// explicit Approve or Reject.
func (s *TaskService) Move(ctx context.Context, actor *user.User, id string, from, to task.Stage, meta audit.RequestMeta) (*task.Task, error) {
	ctx, span := otel.StartTransitionSpan(ctx, id, "move")
	defer span.End()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	// Authorization comes before any transition validation: an unrelated
	// actor gets a plain denial, never an error that reveals the task's
	// current stage.
	if d := authz.CanPerform(actor, t, user.ActionMove); !d.Allowed {
		s.countDenied(ctx)
		s.emitDenied(ctx, actor, "task", t.ID, d.Reason, meta)
		return nil, fmt.Errorf("move task: %w", domain.ErrForbidden)
	}

	expected := t.Stage
	if from != "" {
		expected = from
	}

	if expected == task.StageReview {
		slog.Warn("move attempted out of review", "task_id", t.ID, "to", to)
		return nil, fmt.Errorf("tasks leave review only by approval or rejection: %w", domain.ErrInvalidTransition)
	}
	if !task.CanMove(expected, to) {
		// A correctly constrained client never requests an edge outside the graph.
		slog.Warn("invalid stage transition requested", "task_id", t.ID, "from", expected, "to", to)
		return nil, fmt.Errorf("cannot move from %s to %s: %w", expected, to, domain.ErrInvalidTransition)
	}

	return s.applyTransition(ctx, actor, t, expected, to, audit.ActionMove, fmt.Sprintf("moved %s to %s", expected, to), meta)
}

// Approve moves a task from review to done. Only a transition of a task
// currently in review is approvable.
func (s *TaskService) Approve(ctx context.Context, actor *user.User, id string, meta audit.RequestMeta) (*task.Task, error) {
	ctx, span := otel.StartTransitionSpan(ctx, id, "approve")
	defer span.End()

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if d := authz.CanPerform(actor, t, user.ActionApprove); !d.Allowed {
		s.countDenied(ctx)
		s.emitDenied(ctx, actor, "task", t.ID, d.Reason, meta)
		return nil, fmt.Errorf("approve task: %w", domain.ErrForbidden)
	}

	if t.Stage != task.StageReview {
		// Approval asserts the task is in review; a different stored stage
		// means the caller's view is stale.
		return nil, fmt.Errorf("task is not in review: %w", domain.ErrConflict)
	}

	return s.applyTransition(ctx, actor, t, task.StageReview, task.StageDone, audit.ActionApprove, "review approved", meta)
}

// Reject sends a task from review back to in_progress. A non-empty reason
// is mandatory: the rejected worker must learn why.
func (s *TaskService) Reject(ctx context.Context, actor *user.User, id, reason string, meta audit.RequestMeta) (*task.Task, error) {
	ctx, span := otel.StartTransitionSpan(ctx, id, "reject")
	defer span.End()

	if reason == "" {
		return nil, fmt.Errorf("rejection reason is required: %w", domain.ErrValidation)
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if d := authz.CanPerform(actor, t, user.ActionReject); !d.Allowed {
		s.countDenied(ctx)
		s.emitDenied(ctx, actor, "task", t.ID, d.Reason, meta)
		return nil, fmt.Errorf("reject task: %w", domain.ErrForbidden)
	}

	if t.Stage != task.StageReview {
		return nil, fmt.Errorf("task is not in review: %w", domain.ErrConflict)
	}

	return s.applyTransition(ctx, actor, t, task.StageReview, task.StageInProgress, audit.ActionReject, "review rejected: "+reason, meta)
}

// Delete removes a task. Deletion sits outside the stage lifecycle and is
// only granted to privileged roles or the creator.
func (s *TaskService) Delete(ctx context.Context, actor *user.User, id string, meta audit.RequestMeta) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}

	if d := authz.CanPerform(actor, t, user.ActionDelete); !d.Allowed {
		s.emitDenied(ctx, actor, "task", t.ID, d.Reason, meta)
		return fmt.Errorf("delete task: %w", domain.ErrForbidden)
	}

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	s.emit(ctx, audit.Event{
		Action:       audit.ActionDelete,
		ResourceType: "task",
		ResourceID:   t.ID,
		ActorID:      actor.ID,
		Before:       snapshot(t),
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
	return nil
}

// applyTransition performs the compare-and-set stage write and records the
// outcome. The expected stage is the one the actor's copy of the task held;
// a concurrent writer invalidates the attempt rather than stacking on it.
func (s *TaskService) applyTransition(ctx context.Context, actor *user.User, t *task.Task, expected, to task.Stage, action audit.Action, description string, meta audit.RequestMeta) (*task.Task, error) {
	before := snapshot(t)

	updated, err := s.store.CompareAndSetStage(ctx, t.ID, expected, to)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) && s.metrics != nil {
			s.metrics.TransitionConflicts.Add(ctx, 1)
		}
		return nil, fmt.Errorf("apply transition: %w", err)
	}
	if s.metrics != nil {
		s.metrics.TransitionsApplied.Add(ctx, 1)
	}

	s.emit(ctx, audit.Event{
		Action:       action,
		ResourceType: "task",
		ResourceID:   updated.ID,
		ActorID:      actor.ID,
		Before:       before,
		After:        snapshot(updated),
		Description:  description,
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
	s.publish(ctx, messagequeue.SubjectTaskChanged, updated)

	return updated, nil
}

// emit publishes an audit event to the recorder's subject.
func (s *TaskService) emit(ctx context.Context, ev audit.Event) {
	publishEvent(ctx, s.queue, ev)
}

// publishEvent ships one audit event to the recorder, fire-and-forget.
// A nil queue (offline tooling) drops the event.
func publishEvent(ctx context.Context, q messagequeue.Queue, ev audit.Event) {
	if q == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("failed to marshal audit event", "action", ev.Action, "error", err)
		return
	}
	if err := q.Publish(ctx, messagequeue.SubjectAuditRecord, data); err != nil {
		slog.Error("failed to publish audit event", "action", ev.Action, "error", err)
	}
}

// emitDenied records a refused mutation attempt. The denial reason lands in
// the audit trail but never in the API response.
func (s *TaskService) emitDenied(ctx context.Context, actor *user.User, resourceType, resourceID, reason string, meta audit.RequestMeta) {
	actorID := ""
	if actor != nil {
		actorID = actor.ID
	}
	s.emit(ctx, audit.Event{
		Action:       audit.ActionAccessDenied,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      actorID,
		Description:  reason,
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
}

func (s *TaskService) countDenied(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.TransitionsDenied.Add(ctx, 1)
	}
}

func (s *TaskService) publish(ctx context.Context, subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal queue payload", "subject", subject, "error", err)
		return
	}
	if err := s.queue.Publish(ctx, subject, data); err != nil {
		slog.Error("failed to publish to queue", "subject", subject, "error", err)
	}
}

// snapshot serializes a task for the before/after fields of an audit event.
func snapshot(t *task.Task) json.RawMessage {
	data, err := json.Marshal(t)
	if err != nil {
		slog.Error("failed to snapshot task", "task_id", t.ID, "error", err)
		return nil
	}
	return data
}
