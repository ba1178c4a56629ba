package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/middleware"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Auth
		r.Post("/auth/login", h.Login)
		r.Post("/auth/logout", h.Logout)
		r.Get("/auth/me", h.Me)

		// Users (management is admin-only; activity is open to leads and up)
		r.With(middleware.RequireRole(user.RoleAdmin)).Get("/users", h.ListUsers)
		r.With(middleware.RequireRole(user.RoleAdmin)).Post("/users", h.CreateUser)
		r.With(middleware.RequireRole(user.RoleAdmin)).Get("/users/{id}", h.GetUser)
		r.With(middleware.RequireRole(user.RoleAdmin, user.RoleManagingDirector, user.RoleTeamLead)).
			Get("/users/{id}/activity", h.UserActivity)

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)

		// Tasks (nested under projects)
		r.Get("/projects/{id}/tasks", h.ListProjectTasks)
		r.Post("/projects/{id}/tasks", h.CreateTask)

		// Tasks (direct access)
		r.Get("/tasks/{id}", h.GetTask)
		r.Put("/tasks/{id}", h.UpdateTask)
		r.Delete("/tasks/{id}", h.DeleteTask)
		r.Post("/tasks/{id}/move", h.MoveTask)
		r.Post("/tasks/{id}/approve", h.ApproveTask)
		r.Post("/tasks/{id}/reject", h.RejectTask)
		r.Get("/tasks/{id}/audit", h.TaskTrail)

		// Audit
		r.Get("/audit/{type}/{id}", h.ResourceTrail)
		r.With(middleware.RequireRole(user.RoleAdmin, user.RoleManagingDirector)).
			Get("/audit/summary", h.ActivitySummary)
	})
}
