package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/plankhq/plank/internal/domain"
	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/domain/project"
	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/port/database"
	"github.com/plankhq/plank/internal/port/messagequeue"
)

// ProjectService manages project boards.
type ProjectService struct {
	store database.Store
	queue messagequeue.Queue
}

// NewProjectService creates a new ProjectService.
func NewProjectService(store database.Store, queue messagequeue.Queue) *ProjectService {
	return &ProjectService{store: store, queue: queue}
}

// List returns all projects.
func (s *ProjectService) List(ctx context.Context) ([]project.Project, error) {
	return s.store.ListProjects(ctx)
}

// Get returns a project by ID.
func (s *ProjectService) Get(ctx context.Context, id string) (*project.Project, error) {
	return s.store.GetProject(ctx, id)
}

// Create creates a new project board. Employees cannot create boards; they
// work inside boards set up by a lead or above.
func (s *ProjectService) Create(ctx context.Context, actor *user.User, req project.CreateRequest, meta audit.RequestMeta) (*project.Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if actor.Role == user.RoleEmployee {
		publishEvent(ctx, s.queue, audit.Event{
			Action:       audit.ActionAccessDenied,
			ResourceType: "project",
			ActorID:      actor.ID,
			Description:  "employees cannot create projects",
			Meta:         meta,
			OccurredAt:   time.Now().UTC(),
		})
		return nil, fmt.Errorf("create project: %w", domain.ErrForbidden)
	}
	if req.TeamID == "" {
		req.TeamID = actor.TeamID
	}

	p, err := s.store.CreateProject(ctx, actor.ID, req)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	after, err := json.Marshal(p)
	if err != nil {
		slog.Error("failed to snapshot project", "project_id", p.ID, "error", err)
	}
	publishEvent(ctx, s.queue, audit.Event{
		Action:       audit.ActionCreate,
		ResourceType: "project",
		ResourceID:   p.ID,
		ActorID:      actor.ID,
		After:        after,
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
	return p, nil
}
