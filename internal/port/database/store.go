// Package database defines the primary storage port (interface).
package database

import (
	"context"

	"github.com/plankhq/plank/internal/domain/project"
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
)

// Store is the port interface for canonical entity storage.
type Store interface {
	// --- Projects ---
	ListProjects(ctx context.Context) ([]project.Project, error)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	CreateProject(ctx context.Context, ownerID string, req project.CreateRequest) (*project.Project, error)

	// --- Users ---
	ListUsers(ctx context.Context) ([]user.User, error)
	GetUser(ctx context.Context, id string) (*user.User, error)
	GetUserByEmail(ctx context.Context, email string) (*user.User, error)
	GetUserByAPIKeyHash(ctx context.Context, keyHash string) (*user.User, error)
	CreateUser(ctx context.Context, u *user.User) error

	// --- Tasks ---
	ListTasks(ctx context.Context, projectID string) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	CreateTask(ctx context.Context, creatorID string, req task.CreateRequest) (*task.Task, error)

	// UpdateTask persists descriptive fields with an optimistic version
	// check; returns domain.ErrConflict when the version moved.
	UpdateTask(ctx context.Context, t *task.Task) error

	// CompareAndSetStage atomically advances the task's stage. The update
	// applies only when the stored stage still equals expected; otherwise
	// domain.ErrConflict is returned and the caller must refetch and retry.
	CompareAndSetStage(ctx context.Context, id string, expected, next task.Stage) (*task.Task, error)

	// DeleteTask removes a task. Deletion is a privileged operation outside
	// the stage lifecycle; the lifecycle itself never removes records.
	DeleteTask(ctx context.Context, id string) error
}
