// Package task defines the Task domain entity and its kanban stage graph.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/plankhq/plank/internal/domain"
)

// Stage is the kanban workflow position of a task.
type Stage string

const (
	StageBacklog    Stage = "backlog"
	StageTodo       Stage = "todo"
	StageInProgress Stage = "in_progress"
	StageReview     Stage = "review"
	StageDone       Stage = "done"
)

// Status is the legacy four-value lifecycle view. It is never stored:
// it is derived from Stage so the two representations cannot diverge.
type Status string

const (
	StatusNew        Status = "new"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Priority orders tasks within a stage column.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// ValidStages is the set of all stages.
var ValidStages = map[Stage]bool{
	StageBacklog:    true,
	StageTodo:       true,
	StageInProgress: true,
	StageReview:     true,
	StageDone:       true,
}

// next maps each stage to its single forward-adjacent stage.
// The graph is linear: backlog → todo → in_progress → review → done.
var next = map[Stage]Stage{
	StageBacklog:    StageTodo,
	StageTodo:       StageInProgress,
	StageInProgress: StageReview,
	StageReview:     StageDone,
}

// NextStage returns the forward-adjacent stage, or false from done.
func NextStage(s Stage) (Stage, bool) {
	n, ok := next[s]
	return n, ok
}

// CanMove reports whether from→to is the forward edge of the graph.
// Skipping stages is never a valid move.
func CanMove(from, to Stage) bool {
	return next[from] == to && to != ""
}

// DeriveStatus projects a stage onto the legacy four-value status field.
func DeriveStatus(s Stage) Status {
	switch s {
	case StageBacklog:
		return StatusNew
	case StageTodo:
		return StatusScheduled
	case StageInProgress, StageReview:
		return StatusInProgress
	case StageDone:
		return StatusCompleted
	default:
		return StatusNew
	}
}

// Task represents a tracked unit of work on a project board.
type Task struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Stage       Stage      `json:"stage"`
	Status      Status     `json:"status"` // derived from Stage, read-only
	Priority    Priority   `json:"priority"`
	CreatorID   string     `json:"creator_id"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	TeamID      string     `json:"team_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Version     int        `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	ProjectID   string     `json:"project_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	AssigneeID  string     `json:"assignee_id,omitempty"`
	TeamID      string     `json:"team_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Validate checks that the CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required: %w", domain.ErrValidation)
	}
	if len(r.Title) > 255 {
		return fmt.Errorf("title exceeds 255 characters: %w", domain.ErrValidation)
	}
	if r.ProjectID == "" {
		return fmt.Errorf("project_id is required: %w", domain.ErrValidation)
	}
	if r.Priority == "" {
		r.Priority = PriorityMedium
	}
	switch r.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("unknown priority %q: %w", r.Priority, domain.ErrValidation)
	}
	if r.StartDate != nil && r.DueDate != nil && r.DueDate.Before(*r.StartDate) {
		return fmt.Errorf("due_date precedes start_date: %w", domain.ErrValidation)
	}
	return nil
}

// UpdateRequest holds the mutable descriptive fields of a task.
// Stage is deliberately absent: stage moves go through the transition engine.
type UpdateRequest struct {
	Title       *string    `json:"title,omitempty"`
	Description *string    `json:"description,omitempty"`
	Priority    *Priority  `json:"priority,omitempty"`
	AssigneeID  *string    `json:"assignee_id,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
}

// Validate checks the fields that are present.
func (r *UpdateRequest) Validate() error {
	if r.Title != nil {
		if strings.TrimSpace(*r.Title) == "" {
			return fmt.Errorf("title must not be empty: %w", domain.ErrValidation)
		}
		if len(*r.Title) > 255 {
			return fmt.Errorf("title exceeds 255 characters: %w", domain.ErrValidation)
		}
	}
	if r.Priority != nil {
		switch *r.Priority {
		case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		default:
			return fmt.Errorf("unknown priority %q: %w", *r.Priority, domain.ErrValidation)
		}
	}
	return nil
}

// Apply copies the present fields of the request onto the task.
func (r *UpdateRequest) Apply(t *Task) {
	if r.Title != nil {
		t.Title = *r.Title
	}
	if r.Description != nil {
		t.Description = *r.Description
	}
	if r.Priority != nil {
		t.Priority = *r.Priority
	}
	if r.AssigneeID != nil {
		t.AssigneeID = *r.AssigneeID
	}
	if r.Tags != nil {
		t.Tags = r.Tags
	}
	if r.StartDate != nil {
		t.StartDate = r.StartDate
	}
	if r.DueDate != nil {
		t.DueDate = r.DueDate
	}
}
