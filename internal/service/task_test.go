package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plankhq/plank/internal/domain"
	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/domain/project"
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/port/messagequeue"
)

// mockQueue implements messagequeue.Queue for testing.
type mockQueue struct {
	published []struct {
		subject string
		data    []byte
	}
	publishErr error
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, struct {
		subject string
		data    []byte
	}{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Close() error { return nil }

// auditEvents decodes the events published on the audit subject.
func (q *mockQueue) auditEvents(t *testing.T) []audit.Event {
	t.Helper()
	var events []audit.Event
	for _, p := range q.published {
		if p.subject != messagequeue.SubjectAuditRecord {
			continue
		}
		var ev audit.Event
		if err := json.Unmarshal(p.data, &ev); err != nil {
			t.Fatalf("malformed audit event: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

// mockStore implements database.Store in memory.
type mockStore struct {
	projects  []project.Project
	users     []user.User
	tasks     []task.Task
	updateErr error
	deleted   []string

	// beforeCAS runs at the top of CompareAndSetStage, simulating a
	// concurrent writer that sneaks in between read and write.
	beforeCAS func(*mockStore)
}

func (s *mockStore) ListProjects(_ context.Context) ([]project.Project, error) {
	return s.projects, nil
}

func (s *mockStore) GetProject(_ context.Context, id string) (*project.Project, error) {
	for i := range s.projects {
		if s.projects[i].ID == id {
			return &s.projects[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) CreateProject(_ context.Context, ownerID string, req project.CreateRequest) (*project.Project, error) {
	p := project.Project{
		ID:      fmt.Sprintf("p%d", len(s.projects)+1),
		Name:    req.Name,
		TeamID:  req.TeamID,
		OwnerID: ownerID,
	}
	s.projects = append(s.projects, p)
	return &p, nil
}

func (s *mockStore) ListUsers(_ context.Context) ([]user.User, error) { return s.users, nil }

func (s *mockStore) GetUser(_ context.Context, id string) (*user.User, error) {
	for i := range s.users {
		if s.users[i].ID == id {
			return &s.users[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) GetUserByEmail(_ context.Context, email string) (*user.User, error) {
	for i := range s.users {
		if s.users[i].Email == email {
			return &s.users[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) GetUserByAPIKeyHash(_ context.Context, hash string) (*user.User, error) {
	for i := range s.users {
		if s.users[i].APIKeyHash == hash {
			return &s.users[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) CreateUser(_ context.Context, u *user.User) error {
	u.ID = fmt.Sprintf("u%d", len(s.users)+1)
	s.users = append(s.users, *u)
	return nil
}

func (s *mockStore) ListTasks(_ context.Context, projectID string) ([]task.Task, error) {
	if projectID == "" {
		return s.tasks, nil
	}
	var out []task.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			t := s.tasks[i]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) CreateTask(_ context.Context, creatorID string, req task.CreateRequest) (*task.Task, error) {
	t := task.Task{
		ID:         fmt.Sprintf("t%d", len(s.tasks)+1),
		ProjectID:  req.ProjectID,
		Title:      req.Title,
		Stage:      task.StageBacklog,
		Status:     task.StatusNew,
		Priority:   req.Priority,
		CreatorID:  creatorID,
		AssigneeID: req.AssigneeID,
		TeamID:     req.TeamID,
		Version:    1,
		CreatedAt:  time.Now(),
	}
	s.tasks = append(s.tasks, t)
	return &t, nil
}

func (s *mockStore) UpdateTask(_ context.Context, t *task.Task) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	for i := range s.tasks {
		if s.tasks[i].ID == t.ID {
			if s.tasks[i].Version != t.Version {
				return domain.ErrConflict
			}
			t.Version++
			s.tasks[i] = *t
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *mockStore) CompareAndSetStage(_ context.Context, id string, expected, next task.Stage) (*task.Task, error) {
	if s.beforeCAS != nil {
		hook := s.beforeCAS
		s.beforeCAS = nil
		hook(s)
	}
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			if s.tasks[i].Stage != expected {
				return nil, domain.ErrConflict
			}
			s.tasks[i].Stage = next
			s.tasks[i].Status = task.DeriveStatus(next)
			s.tasks[i].Version++
			t := s.tasks[i]
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *mockStore) DeleteTask(_ context.Context, id string) error {
	for i := range s.tasks {
		if s.tasks[i].ID == id {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			s.deleted = append(s.deleted, id)
			return nil
		}
	}
	return domain.ErrNotFound
}

// --- fixtures ---

func reviewTask() task.Task {
	return task.Task{
		ID:         "t1",
		ProjectID:  "p1",
		Title:      "Ship the feature",
		Stage:      task.StageReview,
		Status:     task.StatusInProgress,
		CreatorID:  "creator",
		AssigneeID: "assignee",
		TeamID:     "team-a",
		Version:    3,
	}
}

func teamLead() *user.User {
	return &user.User{ID: "l1", Role: user.RoleTeamLead, TeamID: "team-a", Enabled: true}
}

// --- TaskService tests ---

func TestTaskServiceCreateEmployeeSelfAssigns(t *testing.T) {
	store := &mockStore{}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	emp := &user.User{ID: "e1", Role: user.RoleEmployee, TeamID: "team-a", Enabled: true}
	got, err := svc.Create(context.Background(), emp, task.CreateRequest{ProjectID: "p1", Title: "My task"}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AssigneeID != "e1" {
		t.Errorf("employee task must be self-assigned, got %q", got.AssigneeID)
	}
	if got.TeamID != "team-a" {
		t.Errorf("team must default to the actor's team, got %q", got.TeamID)
	}
	if got.Stage != task.StageBacklog {
		t.Errorf("new task must start in backlog, got %s", got.Stage)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionCreate {
		t.Fatalf("expected one CREATE event, got %+v", events)
	}
}

func TestTaskServiceCreateEmployeeCannotAssignOthers(t *testing.T) {
	queue := &mockQueue{}
	svc := NewTaskService(&mockStore{}, queue, nil)

	emp := &user.User{ID: "e1", Role: user.RoleEmployee, Enabled: true}
	_, err := svc.Create(context.Background(), emp, task.CreateRequest{ProjectID: "p1", Title: "x", AssigneeID: "e2"}, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionAccessDenied {
		t.Fatalf("expected one ACCESS_DENIED event, got %+v", events)
	}
}

func TestTaskServiceCreateLeadAssignsFreely(t *testing.T) {
	svc := NewTaskService(&mockStore{}, &mockQueue{}, nil)

	got, err := svc.Create(context.Background(), teamLead(), task.CreateRequest{ProjectID: "p1", Title: "x", AssigneeID: "e2"}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AssigneeID != "e2" {
		t.Errorf("lead must be able to assign others, got %q", got.AssigneeID)
	}
}

func TestTaskServiceMoveByAssignee(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{
		ID: "t1", ProjectID: "p1", Title: "x",
		Stage: task.StageTodo, CreatorID: "creator", AssigneeID: "assignee", TeamID: "team-a", Version: 1,
	}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	assignee := &user.User{ID: "assignee", Role: user.RoleEmployee, Enabled: true}
	got, err := svc.Move(context.Background(), assignee, "t1", "", task.StageInProgress, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stage != task.StageInProgress {
		t.Errorf("expected in_progress, got %s", got.Stage)
	}
	if got.Status != task.StatusInProgress {
		t.Errorf("status must follow stage, got %s", got.Status)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionMove {
		t.Fatalf("expected one MOVE event, got %+v", events)
	}
	var after task.Task
	if err := json.Unmarshal(events[0].After, &after); err != nil {
		t.Fatalf("malformed after snapshot: %v", err)
	}
	if after.Stage != task.StageInProgress {
		t.Errorf("after snapshot stage = %s, want in_progress", after.Stage)
	}
}

func TestTaskServiceMoveSkippingStages(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageBacklog, CreatorID: "c", Version: 1}}}
	svc := NewTaskService(store, &mockQueue{}, nil)

	admin := &user.User{ID: "a1", Role: user.RoleAdmin, Enabled: true}
	_, err := svc.Move(context.Background(), admin, "t1", "", task.StageReview, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTaskServiceMoveBackward(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageInProgress, CreatorID: "c", Version: 1}}}
	svc := NewTaskService(store, &mockQueue{}, nil)

	admin := &user.User{ID: "a1", Role: user.RoleAdmin, Enabled: true}
	_, err := svc.Move(context.Background(), admin, "t1", "", task.StageTodo, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTaskServiceMoveOutOfReviewRefused(t *testing.T) {
	// Even an admin cannot plain-move a reviewed task to done.
	store := &mockStore{tasks: []task.Task{reviewTask()}}
	svc := NewTaskService(store, &mockQueue{}, nil)

	admin := &user.User{ID: "a1", Role: user.RoleAdmin, Enabled: true}
	_, err := svc.Move(context.Background(), admin, "t1", "", task.StageDone, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	got, _ := store.GetTask(context.Background(), "t1")
	if got.Stage != task.StageReview {
		t.Errorf("stage must remain review, got %s", got.Stage)
	}
}

func TestTaskServiceMoveConflict(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageTodo, CreatorID: "creator", Version: 1}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	creator := &user.User{ID: "creator", Role: user.RoleEmployee, Enabled: true}

	// A concurrent writer advances the task between read and write.
	store.beforeCAS = func(s *mockStore) {
		s.tasks[0].Stage = task.StageInProgress
		s.tasks[0].Version++
	}

	_, err := svc.Move(context.Background(), creator, "t1", "", task.StageInProgress, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// A losing attempt records nothing.
	if events := queue.auditEvents(t); len(events) != 0 {
		t.Errorf("lost transition must not emit audit events, got %+v", events)
	}
}

func TestTaskServiceMoveStalePreconditionNotReapplied(t *testing.T) {
	// The move todo -> in_progress already happened; resubmitting it with
	// the old observed stage must conflict, not apply again.
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageInProgress, CreatorID: "creator", Version: 2}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	creator := &user.User{ID: "creator", Role: user.RoleEmployee, Enabled: true}
	_, err := svc.Move(context.Background(), creator, "t1", task.StageTodo, task.StageInProgress, audit.RequestMeta{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, _ := store.GetTask(context.Background(), "t1")
	if got.Version != 2 {
		t.Errorf("resubmission must not touch the task, version = %d", got.Version)
	}
	if events := queue.auditEvents(t); len(events) != 0 {
		t.Errorf("resubmission must not emit audit events, got %+v", events)
	}
}

// A reviewed task rejected by an unrelated employee: denied, stage unchanged,
// and the refused attempt lands in the audit trail.
func TestTaskServiceRejectByUnrelatedEmployee(t *testing.T) {
	store := &mockStore{tasks: []task.Task{reviewTask()}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	stranger := &user.User{ID: "nobody", Role: user.RoleEmployee, TeamID: "team-b", Enabled: true}
	_, err := svc.Reject(context.Background(), stranger, "t1", "not good enough", audit.RequestMeta{})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	got, _ := store.GetTask(context.Background(), "t1")
	if got.Stage != task.StageReview {
		t.Errorf("stage must remain review, got %s", got.Stage)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionAccessDenied {
		t.Fatalf("expected one ACCESS_DENIED event, got %+v", events)
	}
}

// An unrelated actor is denied before any transition validation runs, so a
// malformed request never reveals whether the edge was valid or what stage
// the task is in.
func TestTaskServiceUnrelatedActorDeniedBeforeStageChecks(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageBacklog, CreatorID: "c", TeamID: "team-a", Version: 1}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	stranger := &user.User{ID: "nobody", Role: user.RoleEmployee, TeamID: "team-b", Enabled: true}

	// Out-of-graph move: forbidden, not an invalid-transition error.
	if _, err := svc.Move(context.Background(), stranger, "t1", "", task.StageReview, audit.RequestMeta{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("move: expected ErrForbidden, got %v", err)
	}
	// Approve of a task that is not in review: forbidden, not a conflict.
	if _, err := svc.Approve(context.Background(), stranger, "t1", audit.RequestMeta{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("approve: expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Reject(context.Background(), stranger, "t1", "bad", audit.RequestMeta{}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("reject: expected ErrForbidden, got %v", err)
	}

	got, _ := store.GetTask(context.Background(), "t1")
	if got.Stage != task.StageBacklog || got.Version != 1 {
		t.Errorf("task must be untouched, got stage=%s version=%d", got.Stage, got.Version)
	}
	events := queue.auditEvents(t)
	if len(events) != 3 {
		t.Fatalf("expected three ACCESS_DENIED events, got %+v", events)
	}
	for _, ev := range events {
		if ev.Action != audit.ActionAccessDenied {
			t.Errorf("unexpected event action %s", ev.Action)
		}
	}
}

// A reviewed task approved by the lead of its owning team: applied, stage
// becomes done, and exactly one APPROVE entry with after.stage == done.
func TestTaskServiceApproveByTeamLead(t *testing.T) {
	store := &mockStore{tasks: []task.Task{reviewTask()}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	got, err := svc.Approve(context.Background(), teamLead(), "t1", audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stage != task.StageDone {
		t.Errorf("expected done, got %s", got.Stage)
	}
	if got.Status != task.StatusCompleted {
		t.Errorf("status must follow stage to completed, got %s", got.Status)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 {
		t.Fatalf("expected exactly one audit event, got %d", len(events))
	}
	if events[0].Action != audit.ActionApprove {
		t.Errorf("expected APPROVE, got %s", events[0].Action)
	}
	var after task.Task
	if err := json.Unmarshal(events[0].After, &after); err != nil {
		t.Fatalf("malformed after snapshot: %v", err)
	}
	if after.Stage != task.StageDone {
		t.Errorf("after snapshot stage = %s, want done", after.Stage)
	}
}

func TestTaskServiceApproveOutsideReview(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageTodo, TeamID: "team-a", Version: 1}}}
	svc := NewTaskService(store, &mockQueue{}, nil)

	_, err := svc.Approve(context.Background(), teamLead(), "t1", audit.RequestMeta{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestTaskServiceRejectRequiresReason(t *testing.T) {
	store := &mockStore{tasks: []task.Task{reviewTask()}}
	svc := NewTaskService(store, &mockQueue{}, nil)

	_, err := svc.Reject(context.Background(), teamLead(), "t1", "", audit.RequestMeta{})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestTaskServiceRejectReturnsToInProgress(t *testing.T) {
	store := &mockStore{tasks: []task.Task{reviewTask()}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	got, err := svc.Reject(context.Background(), teamLead(), "t1", "tests missing", audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Stage != task.StageInProgress {
		t.Errorf("expected in_progress, got %s", got.Stage)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionReject {
		t.Fatalf("expected one REJECT event, got %+v", events)
	}
	if events[0].Description != "review rejected: tests missing" {
		t.Errorf("rejection reason must be recorded, got %q", events[0].Description)
	}
}

func TestTaskServiceUpdateFieldsEmitsBeforeAfter(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Title: "old", Stage: task.StageTodo, CreatorID: "creator", Version: 1}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	creator := &user.User{ID: "creator", Role: user.RoleEmployee, Enabled: true}
	title := "new"
	got, err := svc.UpdateFields(context.Background(), creator, "t1", task.UpdateRequest{Title: &title}, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Title != "new" {
		t.Errorf("expected updated title, got %q", got.Title)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionUpdate {
		t.Fatalf("expected one UPDATE event, got %+v", events)
	}
	var before, after task.Task
	if err := json.Unmarshal(events[0].Before, &before); err != nil {
		t.Fatalf("malformed before snapshot: %v", err)
	}
	if err := json.Unmarshal(events[0].After, &after); err != nil {
		t.Fatalf("malformed after snapshot: %v", err)
	}
	if before.Title != "old" || after.Title != "new" {
		t.Errorf("snapshots = %q -> %q, want old -> new", before.Title, after.Title)
	}
}

func TestTaskServiceDeleteDenied(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageTodo, CreatorID: "creator", AssigneeID: "assignee", Version: 1}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	assignee := &user.User{ID: "assignee", Role: user.RoleEmployee, Enabled: true}
	err := svc.Delete(context.Background(), assignee, "t1", audit.RequestMeta{})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if len(store.deleted) != 0 {
		t.Error("denied delete must not remove the task")
	}
}

func TestTaskServiceDeleteByCreator(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageTodo, CreatorID: "creator", Version: 1}}}
	queue := &mockQueue{}
	svc := NewTaskService(store, queue, nil)

	creator := &user.User{ID: "creator", Role: user.RoleEmployee, Enabled: true}
	if err := svc.Delete(context.Background(), creator, "t1", audit.RequestMeta{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	events := queue.auditEvents(t)
	if len(events) != 1 || events[0].Action != audit.ActionDelete {
		t.Fatalf("expected one DELETE event, got %+v", events)
	}
	if events[0].Before == nil {
		t.Error("delete event must carry the final snapshot")
	}
}

func TestTaskServicePublishFailureDoesNotFailMutation(t *testing.T) {
	store := &mockStore{tasks: []task.Task{{ID: "t1", Stage: task.StageTodo, CreatorID: "creator", Version: 1}}}
	queue := &mockQueue{publishErr: errors.New("nats down")}
	svc := NewTaskService(store, queue, nil)

	creator := &user.User{ID: "creator", Role: user.RoleEmployee, Enabled: true}
	got, err := svc.Move(context.Background(), creator, "t1", "", task.StageInProgress, audit.RequestMeta{})
	if err != nil {
		t.Fatalf("mutation must succeed even when the queue is down: %v", err)
	}
	if got.Stage != task.StageInProgress {
		t.Errorf("expected in_progress, got %s", got.Stage)
	}
}
