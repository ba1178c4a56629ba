package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/plankhq/plank/internal/domain"
	"github.com/plankhq/plank/internal/domain/project"
	"github.com/plankhq/plank/internal/domain/task"
	"github.com/plankhq/plank/internal/domain/user"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Projects ---

const projectColumns = `id, name, description, team_id, owner_id, version, created_at, updated_at`

func scanProject(row pgx.Row) (project.Project, error) {
	var p project.Project
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.TeamID, &p.OwnerID, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM projects ORDER BY created_at DESC`, projectColumns))
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM projects WHERE id = $1`, projectColumns), id)

	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

func (s *Store) CreateProject(ctx context.Context, ownerID string, req project.CreateRequest) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO projects (name, description, team_id, owner_id)
		 VALUES ($1, $2, $3, $4)
		 RETURNING %s`, projectColumns),
		req.Name, req.Description, req.TeamID, ownerID)

	p, err := scanProject(row)
	if err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

// --- Users ---

const userColumns = `id, email, name, role, team_id, password_hash, api_key_hash, enabled, created_at, updated_at`

func scanUser(row pgx.Row) (user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.TeamID, &u.PasswordHash, &u.APIKeyHash, &u.Enabled, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM users ORDER BY created_at`, userColumns))
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *Store) GetUser(ctx context.Context, id string) (*user.User, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE id = $1`, userColumns), id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get user %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*user.User, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE email = $1`, userColumns), email)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get user by email: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

func (s *Store) GetUserByAPIKeyHash(ctx context.Context, keyHash string) (*user.User, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM users WHERE api_key_hash = $1`, userColumns), keyHash)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get user by api key: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get user by api key: %w", err)
	}
	return &u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, role, team_id, password_hash, api_key_hash, enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at, updated_at`,
		u.Email, u.Name, string(u.Role), u.TeamID, u.PasswordHash, u.APIKeyHash, u.Enabled)
	if err := row.Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// --- Tasks ---

const taskColumns = `id, project_id, title, description, stage, priority, creator_id,
	COALESCE(assignee_id::text, ''), team_id, tags, start_date, due_date, version, created_at, updated_at`

func scanTask(row pgx.Row) (task.Task, error) {
	var t task.Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Stage, &t.Priority,
		&t.CreatorID, &t.AssigneeID, &t.TeamID, &t.Tags, &t.StartDate, &t.DueDate,
		&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	t.Status = task.DeriveStatus(t.Stage)
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE project_id = $1 ORDER BY created_at DESC`, taskColumns),
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns), id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

func (s *Store) CreateTask(ctx context.Context, creatorID string, req task.CreateRequest) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO tasks (project_id, title, description, priority, creator_id, assignee_id, team_id, tags, start_date, due_date)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, '')::uuid, $7, $8, $9, $10)
		 RETURNING %s`, taskColumns),
		req.ProjectID, req.Title, req.Description, string(req.Priority), creatorID,
		req.AssigneeID, req.TeamID, req.Tags, req.StartDate, req.DueDate)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

// UpdateTask persists the descriptive fields under an optimistic version check.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET title = $2, description = $3, priority = $4,
		   assignee_id = NULLIF($5, '')::uuid, tags = $6, start_date = $7, due_date = $8,
		   version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $9`,
		t.ID, t.Title, t.Description, string(t.Priority), t.AssigneeID, t.Tags,
		t.StartDate, t.DueDate, t.Version)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrConflict)
	}
	t.Version++
	return nil
}

// CompareAndSetStage advances the stage in a single conditional UPDATE.
// The WHERE stage = expected predicate is the entire concurrency story:
// a losing concurrent writer matches zero rows and gets ErrConflict.
func (s *Store) CompareAndSetStage(ctx context.Context, id string, expected, next task.Stage) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE tasks SET stage = $3, version = version + 1, updated_at = now()
		 WHERE id = $1 AND stage = $2
		 RETURNING %s`, taskColumns),
		id, string(expected), string(next))

	t, err := scanTask(row)
	if err == nil {
		return &t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("compare-and-set stage %s: %w", id, err)
	}

	// Zero rows: distinguish a missing task from a stage mismatch.
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("compare-and-set stage %s: %w", id, err)
	}
	if !exists {
		return nil, fmt.Errorf("compare-and-set stage %s: %w", id, domain.ErrNotFound)
	}
	return nil, fmt.Errorf("compare-and-set stage %s: expected %s: %w", id, expected, domain.ErrConflict)
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete task %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
