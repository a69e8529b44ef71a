package auth

import (
	"context"

	"github.com/google/uuid"
)

// Role is the fixed five-level role set spec §3/§4.6 defines. Roles are
// checked by exact match or by RequireMinRole's privilege ordering.
const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
	RoleAuditor = "auditor"
)

// roleLevel orders roles for RequireMinRole hierarchical checks. Auditor
// sits below viewer in write privilege but is not comparable to it in read
// scope (auditor sees audit_log, viewer sees cost data) — RequireMinRole is
// only used for admin/manager/analyst/viewer write-privilege gates; auditor
// routes use RequireRole(RoleAuditor, RoleAdmin) explicitly instead.
var roleLevel = map[string]int{
	RoleAdmin:   40,
	RoleManager: 30,
	RoleAnalyst: 20,
	RoleViewer:  10,
	RoleAuditor: 10,
}

// IsValidRole reports whether role is one of the five recognized roles.
func IsValidRole(role string) bool {
	_, ok := roleLevel[role]
	return ok
}

// AuthMethod records how a request's identity was established.
type AuthMethod string

const (
	MethodSession AuthMethod = "session"
	MethodAPIKey  AuthMethod = "api_key"
)

// Identity is the authenticated caller attached to a request's context by
// Middleware.
type Identity struct {
	UserID   uuid.UUID
	Email    string
	Role     string
	JTI      string // session id; empty for API-key auth
	APIKeyID *uuid.UUID
	Method   AuthMethod
}

// AllowedLocationIDs and AllowedCostCenterIDs scope a non-admin user's data
// visibility; they're loaded by the caller (pkg/user) and attached here
// rather than baked into the JWT, so revoking location access takes effect
// on the next request instead of waiting for token expiry.
type ScopedIdentity struct {
	Identity
	AllowedLocationIDs   []uuid.UUID
	AllowedCostCenterIDs []uuid.UUID
}

type contextKey int

const identityContextKey contextKey = iota

// NewContext attaches an Identity to ctx.
func NewContext(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// FromContext returns the Identity attached to ctx, or nil if none.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityContextKey).(*Identity)
	return id
}
