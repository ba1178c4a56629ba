package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/plankhq/plank/internal/config"
	"github.com/plankhq/plank/internal/domain"
	"github.com/plankhq/plank/internal/domain/audit"
	"github.com/plankhq/plank/internal/domain/user"
	"github.com/plankhq/plank/internal/port/database"
	"github.com/plankhq/plank/internal/port/messagequeue"
)

// AuthService handles user registration, credential verification, and API
// key validation. Passwords are bcrypt-hashed; API keys are stored as
// SHA-256 hashes so the raw key is only ever visible at creation time.
type AuthService struct {
	store database.Store
	queue messagequeue.Queue
	cfg   config.Auth
}

// NewAuthService creates a new AuthService.
func NewAuthService(store database.Store, queue messagequeue.Queue, cfg config.Auth) *AuthService {
	return &AuthService{store: store, queue: queue, cfg: cfg}
}

// Register creates a new user and returns it together with the plaintext
// API key. The key is shown exactly once; only its hash is stored.
func (s *AuthService) Register(ctx context.Context, req user.CreateRequest) (*user.User, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}

	pwHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cfg.BcryptCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	rawKey, err := generateRandomToken(32)
	if err != nil {
		return nil, "", fmt.Errorf("generate api key: %w", err)
	}
	plainKey := user.APIKeyPrefix + rawKey

	u := &user.User{
		Email:        req.Email,
		Name:         req.Name,
		Role:         req.Role,
		TeamID:       req.TeamID,
		PasswordHash: string(pwHash),
		APIKeyHash:   hashSHA256(plainKey),
		Enabled:      true,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, "", fmt.Errorf("create user: %w", err)
	}
	return u, plainKey, nil
}

// Login verifies a user's credentials. Both the unknown-email and
// wrong-password paths return the same error so the endpoint cannot be used
// to probe which accounts exist. Every attempt lands in the audit trail.
func (s *AuthService) Login(ctx context.Context, req user.LoginRequest, meta audit.RequestMeta) (*user.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	u, err := s.store.GetUserByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.emitAuth(ctx, audit.ActionAccessDenied, "", "unknown email", meta)
			return nil, fmt.Errorf("invalid credentials: %w", domain.ErrForbidden)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	if !u.Enabled {
		s.emitAuth(ctx, audit.ActionAccessDenied, u.ID, "account disabled", meta)
		return nil, fmt.Errorf("invalid credentials: %w", domain.ErrForbidden)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)); err != nil {
		s.emitAuth(ctx, audit.ActionAccessDenied, u.ID, "wrong password", meta)
		return nil, fmt.Errorf("invalid credentials: %w", domain.ErrForbidden)
	}

	s.emitAuth(ctx, audit.ActionLogin, u.ID, "", meta)
	return u, nil
}

// Logout records the end of a session. Session state itself lives outside
// this core; only the audit fact is kept here.
func (s *AuthService) Logout(ctx context.Context, u *user.User, meta audit.RequestMeta) {
	s.emitAuth(ctx, audit.ActionLogout, u.ID, "", meta)
}

// ValidateAPIKey resolves a raw API key to its user via SHA-256 hash lookup.
func (s *AuthService) ValidateAPIKey(ctx context.Context, rawKey string) (*user.User, error) {
	u, err := s.store.GetUserByAPIKeyHash(ctx, hashSHA256(rawKey))
	if err != nil {
		return nil, fmt.Errorf("invalid api key: %w", domain.ErrForbidden)
	}
	if !u.Enabled {
		return nil, fmt.Errorf("invalid api key: %w", domain.ErrForbidden)
	}
	return u, nil
}

// ListUsers returns all registered users.
func (s *AuthService) ListUsers(ctx context.Context) ([]user.User, error) {
	return s.store.ListUsers(ctx)
}

// GetUser returns a user by ID.
func (s *AuthService) GetUser(ctx context.Context, id string) (*user.User, error) {
	return s.store.GetUser(ctx, id)
}

func (s *AuthService) emitAuth(ctx context.Context, action audit.Action, actorID, description string, meta audit.RequestMeta) {
	publishEvent(ctx, s.queue, audit.Event{
		Action:       action,
		ResourceType: "session",
		ActorID:      actorID,
		Description:  description,
		Meta:         meta,
		OccurredAt:   time.Now().UTC(),
	})
}

func hashSHA256(data string) string {
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

func generateRandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
