// Package user implements the User entity spec §3 defines: account
// identity, role, and the location/cost-center scoping that non-admin
// roles are restricted to.
package user

import (
	"time"

	"github.com/google/uuid"
)

// NotificationSettings controls which alert severities a user receives
// email/in-app notifications for.
type NotificationSettings struct {
	Critical bool `json:"critical"`
	Warning  bool `json:"warning"`
	Info     bool `json:"info"`
}

// User is an account in the system, per spec §3. Non-admin roles are
// scoped to AllowedLocationIDs/AllowedCostCenterIDs.
type User struct {
	ID                   uuid.UUID
	Email                string
	PasswordHash         string
	Role                 string
	AllowedLocationIDs   []uuid.UUID
	AllowedCostCenterIDs []uuid.UUID
	IsActive             bool
	DeletedAt            *time.Time
	NotificationSettings NotificationSettings
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateRequest is the JSON body for POST /api/v1/users.
type CreateRequest struct {
	Email                string      `json:"email" validate:"required,email"`
	Password             string      `json:"password" validate:"required,min=12"`
	Role                 string      `json:"role" validate:"required"`
	AllowedLocationIDs   []uuid.UUID `json:"allowedLocationIds"`
	AllowedCostCenterIDs []uuid.UUID `json:"allowedCostCenterIds"`
}

// UpdateRequest is the JSON body for PUT /api/v1/users/:id.
type UpdateRequest struct {
	Role                 string      `json:"role" validate:"required"`
	AllowedLocationIDs   []uuid.UUID `json:"allowedLocationIds"`
	AllowedCostCenterIDs []uuid.UUID `json:"allowedCostCenterIds"`
}

// Response is the JSON response for a single user. PasswordHash never
// appears here.
type Response struct {
	ID                   uuid.UUID            `json:"id"`
	Email                string               `json:"email"`
	Role                 string               `json:"role"`
	AllowedLocationIDs   []uuid.UUID          `json:"allowedLocationIds"`
	AllowedCostCenterIDs []uuid.UUID          `json:"allowedCostCenterIds"`
	IsActive             bool                 `json:"isActive"`
	NotificationSettings NotificationSettings `json:"notificationSettings"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// ToResponse converts a User to its public DTO.
func (u User) ToResponse() Response {
	return Response{
		ID: u.ID, Email: u.Email, Role: u.Role,
		AllowedLocationIDs: u.AllowedLocationIDs, AllowedCostCenterIDs: u.AllowedCostCenterIDs,
		IsActive: u.IsActive, NotificationSettings: u.NotificationSettings,
		CreatedAt: u.CreatedAt, UpdatedAt: u.UpdatedAt,
	}
}
