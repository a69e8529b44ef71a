package user

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

// Store provides database operations for users.
type Store struct {
	db dbtx.DBTX
}

// NewStore creates a user Store.
func NewStore(db dbtx.DBTX) *Store {
	return &Store{db: db}
}

const userColumns = `id, email, password_hash, role, allowed_location_ids, allowed_cost_center_ids,
	is_active, deleted_at, notification_settings, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var u User
	var passwordHash *string
	var settings []byte
	err := row.Scan(
		&u.ID, &u.Email, &passwordHash, &u.Role, &u.AllowedLocationIDs, &u.AllowedCostCenterIDs,
		&u.IsActive, &u.DeletedAt, &settings, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	if passwordHash != nil {
		u.PasswordHash = *passwordHash
	}
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &u.NotificationSettings)
	}
	return u, nil
}

// List returns every non-deleted user, ordered by email.
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users WHERE deleted_at IS NULL ORDER BY email`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Get returns a single user by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// GetByEmail returns a single user by email.
func (s *Store) GetByEmail(ctx context.Context, email string) (User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email))
	return scanUser(row)
}

// CreateParams holds parameters for creating a user.
type CreateParams struct {
	Email                string
	PasswordHash         string
	Role                 string
	AllowedLocationIDs   []uuid.UUID
	AllowedCostCenterIDs []uuid.UUID
}

// Create inserts a new user with default notification settings (critical
// and warning alerts on, info off).
func (s *Store) Create(ctx context.Context, p CreateParams) (User, error) {
	defaultSettings, _ := json.Marshal(NotificationSettings{Critical: true, Warning: true, Info: false})
	row := s.db.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, role, allowed_location_ids, allowed_cost_center_ids, notification_settings)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+userColumns,
		p.Email, p.PasswordHash, p.Role, p.AllowedLocationIDs, p.AllowedCostCenterIDs, defaultSettings)
	return scanUser(row)
}

// UpdateParams holds the editable fields of a user update.
type UpdateParams struct {
	Role                 string
	AllowedLocationIDs   []uuid.UUID
	AllowedCostCenterIDs []uuid.UUID
}

// Update updates role and location/cost-center scope.
func (s *Store) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (User, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE users SET role = $2, allowed_location_ids = $3, allowed_cost_center_ids = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING `+userColumns,
		id, p.Role, p.AllowedLocationIDs, p.AllowedCostCenterIDs)
	return scanUser(row)
}

// UpdatePasswordHash sets a user's password hash.
func (s *Store) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("updating password hash: %w", err)
	}
	return nil
}

// UpdateNotificationSettings replaces a user's notification preferences.
func (s *Store) UpdateNotificationSettings(ctx context.Context, id uuid.UUID, settings NotificationSettings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshaling notification settings: %w", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE users SET notification_settings = $2, updated_at = now() WHERE id = $1`, id, payload)
	if err != nil {
		return fmt.Errorf("updating notification settings: %w", err)
	}
	return nil
}

// Deactivate soft-deletes a user: is_active becomes false and deleted_at is
// set to now.
func (s *Store) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE users SET is_active = false, deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL`,
		id, time.Now())
	if err != nil {
		return fmt.Errorf("deactivating user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
