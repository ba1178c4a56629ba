// Package user defines the user domain model for authentication and authorization.
package user

import (
	"fmt"
	"net/mail"
	"time"

	"github.com/plankhq/plank/internal/domain"
)

// Role represents the authorization level of a user.
type Role string

const (
	RoleAdmin            Role = "admin"
	RoleManagingDirector Role = "managing_director"
	RoleTeamLead         Role = "team_lead"
	RoleEmployee         Role = "employee"
)

// ValidRoles is the set of all valid user roles.
var ValidRoles = map[Role]bool{
	RoleAdmin:            true,
	RoleManagingDirector: true,
	RoleTeamLead:         true,
	RoleEmployee:         true,
}

// Action is a task operation subject to authorization.
type Action string

const (
	ActionEdit    Action = "edit"
	ActionDelete  Action = "delete"
	ActionMove    Action = "move"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// RoleCapabilities is the capability table: the actions a role may perform
// purely by virtue of its role, before any relationship to the task is
// considered. Relationship rules (creator, assignee, team membership) are
// layered on top by the authorization evaluator.
var RoleCapabilities = map[Role]map[Action]bool{
	RoleAdmin: {
		ActionEdit: true, ActionDelete: true, ActionMove: true,
		ActionApprove: true, ActionReject: true,
	},
	RoleManagingDirector: {
		ActionEdit: true, ActionDelete: true, ActionMove: true,
		ActionApprove: true, ActionReject: true,
	},
	// Team leads and employees hold no unconditional capabilities; their
	// permissions depend on the task relationship evaluated per request.
	RoleTeamLead: {},
	RoleEmployee: {},
}

// IsApprovalAction reports whether the action is part of the restricted
// approval subset (leaving the review stage).
func IsApprovalAction(a Action) bool {
	return a == ActionApprove || a == ActionReject
}

// APIKeyPrefix is prepended to generated API keys for identification.
const APIKeyPrefix = "plk_"

// User represents a registered actor in the tracker.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	TeamID       string    `json:"team_id,omitempty"`
	PasswordHash string    `json:"-"` // bcrypt, never serialized
	APIKeyHash   string    `json:"-"` // SHA-256 hex, never serialized
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateRequest is the input for registering a new user.
type CreateRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Role     Role   `json:"role"`
	TeamID   string `json:"team_id,omitempty"`
	Password string `json:"password"` //nolint:gosec // request field, not a hardcoded secret
}

// Validate checks that the CreateRequest has all required fields.
func (r *CreateRequest) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("email is required: %w", domain.ErrValidation)
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return fmt.Errorf("invalid email format: %w", domain.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrValidation)
	}
	if !ValidRoles[r.Role] {
		return fmt.Errorf("invalid role %q: %w", r.Role, domain.ErrValidation)
	}
	if len(r.Password) < 8 {
		return fmt.Errorf("password must be at least 8 characters: %w", domain.ErrValidation)
	}
	return nil
}

// LoginRequest is the input for credential verification.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"` //nolint:gosec // request field, not a hardcoded secret
}

// Validate checks that the LoginRequest has all required fields.
func (r *LoginRequest) Validate() error {
	if r.Email == "" {
		return fmt.Errorf("email is required: %w", domain.ErrValidation)
	}
	if r.Password == "" {
		return fmt.Errorf("password is required: %w", domain.ErrValidation)
	}
	return nil
}
