package user

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/costwatchdog/engine/internal/dbtx"
	"github.com/costwatchdog/engine/pkg/auth"
)

// Service encapsulates user account business logic: creation, role/scope
// updates, notification preferences, and deactivation.
type Service struct {
	store  *Store
	logger *slog.Logger
}

// NewService creates a user Service backed by the given database connection.
func NewService(db dbtx.DBTX, logger *slog.Logger) *Service {
	return &Service{
		store:  NewStore(db),
		logger: logger,
	}
}

// List returns all non-deleted users.
func (s *Service) List(ctx context.Context) ([]Response, error) {
	users, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	items := make([]Response, 0, len(users))
	for i := range users {
		items = append(items, users[i].ToResponse())
	}
	return items, nil
}

// Get returns a single user by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Response, error) {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return Response{}, fmt.Errorf("getting user: %w", err)
	}
	return u.ToResponse(), nil
}

// Create hashes the requested password with Argon2id and inserts a new user.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Response, error) {
	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return Response{}, fmt.Errorf("hashing password: %w", err)
	}

	u, err := s.store.Create(ctx, CreateParams{
		Email: req.Email, PasswordHash: hash, Role: req.Role,
		AllowedLocationIDs: req.AllowedLocationIDs, AllowedCostCenterIDs: req.AllowedCostCenterIDs,
	})
	if err != nil {
		return Response{}, fmt.Errorf("creating user: %w", err)
	}
	return u.ToResponse(), nil
}

// Update changes a user's role and location/cost-center scope.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Response, error) {
	u, err := s.store.Update(ctx, id, UpdateParams{
		Role: req.Role, AllowedLocationIDs: req.AllowedLocationIDs, AllowedCostCenterIDs: req.AllowedCostCenterIDs,
	})
	if err != nil {
		return Response{}, fmt.Errorf("updating user: %w", err)
	}
	return u.ToResponse(), nil
}

// UpdateNotificationSettings replaces the caller's own alert-notification
// preferences.
func (s *Service) UpdateNotificationSettings(ctx context.Context, id uuid.UUID, settings NotificationSettings) (Response, error) {
	if err := s.store.UpdateNotificationSettings(ctx, id, settings); err != nil {
		return Response{}, fmt.Errorf("updating notification settings: %w", err)
	}
	return s.Get(ctx, id)
}

// ChangePassword rehashes and stores a new password for a user. Callers are
// responsible for verifying the old password (or reset token) beforehand and
// for terminating existing sessions afterward.
func (s *Service) ChangePassword(ctx context.Context, id uuid.UUID, newPassword string) error {
	hash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, id, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a user.
func (s *Service) Deactivate(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	return nil
}
