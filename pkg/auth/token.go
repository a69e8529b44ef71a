// Package auth implements the Authentication Core: Argon2id passwords, the
// JWT access/refresh pair sharing a session id (jti), rotating refresh-token
// families with theft detection, a Redis session registry, progressive
// lockout, TOTP MFA, API keys, password reset, and CSRF double-submit.
// Adapted from the teacher's session-JWT issuance shape and middleware
// precedence chain, generalized to the token-family semantics the teacher
// itself doesn't implement.
package auth

import (
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
)

const (
	issuer           = "cost-watchdog"
	audience         = "cost-watchdog-api"
	defaultAccessTTL = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
)

// TokenType distinguishes access from refresh tokens so one can never be
// presented where the other is expected.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims are the custom (non-registered) claims carried by both access and
// refresh tokens. FamilyID is only meaningful on refresh tokens.
type Claims struct {
	UserID   string    `json:"userId"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	JTI      string    `json:"jti"`
	FamilyID string    `json:"fid,omitempty"`
	Type     TokenType `json:"typ"`
}

// Pair is the access/refresh token pair issued on login and on every
// refresh rotation. Both share JTI; the refresh token additionally carries
// FamilyID.
type Pair struct {
	AccessToken  string
	RefreshToken string
	JTI          string
	FamilyID     string
	AccessExpiry time.Time
	RefreshExpiry time.Time
}

// TokenManager issues and validates HS256 JWTs per spec §4.6.
type TokenManager struct {
	signingKey []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenManager creates a TokenManager. The secret must be at least 32
// characters — callers in production must treat a shorter secret as a fatal
// startup error (apperr.FatalConfig), per spec §6/§7.
func NewTokenManager(secret string, accessTTL, refreshTTL time.Duration) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("auth secret must be at least 32 characters, got %d", len(secret))
	}
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	return &TokenManager{signingKey: []byte(secret), accessTTL: accessTTL, refreshTTL: refreshTTL}, nil
}

// IssuePair creates a new access/refresh pair under a fresh jti, either
// starting a new token family (familyID == "") or continuing an existing
// one (rotation).
func (tm *TokenManager) IssuePair(userID, email, role, familyID string) (Pair, error) {
	jti := uuid.New().String()
	if familyID == "" {
		familyID = uuid.New().String()
	}
	now := time.Now()

	access, accessExp, err := tm.sign(Claims{UserID: userID, Email: email, Role: role, JTI: jti, Type: TokenAccess}, now, tm.accessTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("signing access token: %w", err)
	}
	refresh, refreshExp, err := tm.sign(Claims{UserID: userID, Email: email, Role: role, JTI: jti, FamilyID: familyID, Type: TokenRefresh}, now, tm.refreshTTL)
	if err != nil {
		return Pair{}, fmt.Errorf("signing refresh token: %w", err)
	}

	return Pair{
		AccessToken: access, RefreshToken: refresh,
		JTI: jti, FamilyID: familyID,
		AccessExpiry: accessExp, RefreshExpiry: refreshExp,
	}, nil
}

func (tm *TokenManager) sign(claims Claims, now time.Time, ttl time.Duration) (string, time.Time, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: tm.signingKey},
		(&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("creating signer: %w", err)
	}
	expiry := now.Add(ttl)
	registered := jwt.Claims{
		Issuer:    issuer,
		Audience:  jwt.Audience{audience},
		Subject:   claims.UserID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		Expiry:    jwt.NewNumericDate(expiry),
		ID:        claims.JTI,
	}
	token, err := jwt.Signed(signer).Claims(registered).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return token, expiry, nil
}

// ParseAndVerify validates signature, issuer/audience/expiry, and that the
// token is of the expected type, returning its claims plus issued-at (used
// by blacklist checks).
func (tm *TokenManager) ParseAndVerify(raw string, want TokenType) (Claims, time.Time, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return Claims{}, time.Time{}, fmt.Errorf("parsing token: %w", err)
	}

	var registered jwt.Claims
	var custom Claims
	if err := tok.Claims(tm.signingKey, &registered, &custom); err != nil {
		return Claims{}, time.Time{}, fmt.Errorf("verifying token signature: %w", err)
	}

	if err := registered.ValidateWithLeeway(jwt.Expected{
		Issuer:   issuer,
		AnyAudience: jwt.Audience{audience},
		Time:     time.Now(),
	}, 5*time.Second); err != nil {
		return Claims{}, time.Time{}, fmt.Errorf("validating claims: %w", err)
	}

	if custom.Type != want {
		return Claims{}, time.Time{}, fmt.Errorf("expected %s token, got %s", want, custom.Type)
	}

	var iat time.Time
	if registered.IssuedAt != nil {
		iat = registered.IssuedAt.Time()
	}
	return custom, iat, nil
}
