package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/domain/project"
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/middleware"
	"github.com/plankhq/plank/internal/service"
)

// Handlers aggregates all HTTP handlers with their service dependencies.
type Handlers struct {
	tasks    *service.TaskService
	projects *service.ProjectService
	activity *service.ActivityService
	auth     *service.AuthService

	// ready reports whether backing stores are reachable.
	ready func(ctx context.Context) error
}

// NewHandlers creates the handler set.
func NewHandlers(tasks *service.TaskService, projects *service.ProjectService, activity *service.ActivityService, auth *service.AuthService, ready func(ctx context.Context) error) *Handlers {
	return &Handlers{tasks: tasks, projects: projects, activity: activity, auth: auth, ready: ready}
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Health reports process liveness.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the backing stores accept traffic.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// Login verifies credentials and returns the matching user.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[user.LoginRequest](w, r)
	if !ok {
		return
	}
	u, err := h.auth.Login(r.Context(), req, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Logout records the end of the caller's session.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	h.auth.Logout(r.Context(), u, requestMeta(r))
	w.WriteHeader(http.StatusNoContent)
}

// Me returns the authenticated user.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromContext(r.Context())
	if u == nil {
		writeError(w, http.StatusUnauthorized, "authorization required")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// ListUsers returns all registered users.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.auth.ListUsers(r.Context())
	if err != nil {
		writeDomainError(w, err, "users not found")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// GetUser returns one user by ID.
func (h *Handlers) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.auth.GetUser(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

type createUserResponse struct {
	User   *user.User `json:"user"`
	APIKey string     `json:"api_key"`
}

// CreateUser registers a new user. The response carries the plaintext API
// key exactly once.
func (h *Handlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[user.CreateRequest](w, r)
	if !ok {
		return
	}
	u, apiKey, err := h.auth.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusCreated, createUserResponse{User: u, APIKey: apiKey})
}

// UserActivity returns the audit entries produced by one user.
func (h *Handlers) UserActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := h.activity.UserActivity(r.Context(), urlParam(r, "id"), auditFilter(r))
	if err != nil {
		writeDomainError(w, err, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// ListProjects returns all project boards.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.projects.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "projects not found")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

// GetProject returns one project by ID.
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.projects.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CreateProject creates a new project board.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}
	p, err := h.projects.Create(r.Context(), middleware.UserFromContext(r.Context()), req, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

// ListProjectTasks returns the tasks of one project.
func (h *Handlers) ListProjectTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.List(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// CreateTask creates a task on a project board.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}
	req.ProjectID = urlParam(r, "id")
	t, err := h.tasks.Create(r.Context(), middleware.UserFromContext(r.Context()), req, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTask returns one task by ID.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTask applies a partial update to a task's descriptive fields.
func (h *Handlers) UpdateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.UpdateRequest](w, r)
	if !ok {
		return
	}
	t, err := h.tasks.UpdateFields(r.Context(), middleware.UserFromContext(r.Context()), urlParam(r, "id"), req, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type moveRequest struct {
	To task.Stage `json:"to"`
	// From is the stage the client last saw. Optional; when set, a stale
	// value turns the move into a 409 instead of a silent re-apply.
	From task.Stage `json:"from,omitempty"`
}

// MoveTask advances a task one stage forward.
func (h *Handlers) MoveTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[moveRequest](w, r)
	if !ok {
		return
	}
	t, err := h.tasks.Move(r.Context(), middleware.UserFromContext(r.Context()), urlParam(r, "id"), req.From, req.To, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ApproveTask moves a reviewed task to done.
func (h *Handlers) ApproveTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Approve(r.Context(), middleware.UserFromContext(r.Context()), urlParam(r, "id"), requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectTask sends a reviewed task back to in_progress.
func (h *Handlers) RejectTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rejectRequest](w, r)
	if !ok {
		return
	}
	t, err := h.tasks.Reject(r.Context(), middleware.UserFromContext(r.Context()), urlParam(r, "id"), req.Reason, requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// DeleteTask removes a task.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	err := h.tasks.Delete(r.Context(), middleware.UserFromContext(r.Context()), urlParam(r, "id"), requestMeta(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TaskTrail returns the audit history of one task.
func (h *Handlers) TaskTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.activity.ResourceTrail(r.Context(), "task", urlParam(r, "id"), auditFilter(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// ResourceTrail returns the audit history of any resource by type and ID.
func (h *Handlers) ResourceTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.activity.ResourceTrail(r.Context(), urlParam(r, "type"), urlParam(r, "id"), auditFilter(r))
	if err != nil {
		writeDomainError(w, err, "resource not found")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// ActivitySummary returns per-action counts over a trailing window.
// The window defaults to 24h and is parsed from the ?window= query.
func (h *Handlers) ActivitySummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}

	rows, err := h.activity.Summary(r.Context(), window)
	if err != nil {
		writeDomainError(w, err, "summary unavailable")
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// auditFilter parses the trail query parameters.
func auditFilter(r *http.Request) audit.Filter {
	q := r.URL.Query()
	var f audit.Filter

	if raw := q.Get("actions"); raw != "" {
		for _, a := range strings.Split(raw, ",") {
			if a = strings.TrimSpace(a); a != "" {
				f.Actions = append(f.Actions, audit.Action(strings.ToUpper(a)))
			}
		}
	}
	if raw := q.Get("after"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.After = &t
		}
	}
	if raw := q.Get("before"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			f.Before = &t
		}
	}
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			f.Limit = n
		}
	}
	return f
}
