package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
	"github.com/costwatchdog/engine/pkg/ratelimit"
)

// ErrInvalidCredentials is returned for every rejected credential check —
// wrong password, unknown email, and inactive/deleted account alike — so the
// response never discloses which case applies. A locked account gets
// ErrAccountLocked instead.
var ErrInvalidCredentials = errors.New("auth: invalid email or password")

// ErrAccountLocked is returned separately from ErrInvalidCredentials only so
// the HTTP layer can surface a distinct, already-locked-out message; it
// still carries no information about whether the supplied password was
// correct.
var ErrAccountLocked = errors.New("auth: account temporarily locked")

// ErrMFARequired signals the password check passed but a TOTP or backup
// code is still needed to complete login.
var ErrMFARequired = errors.New("auth: mfa code required")

// LoginRequest is the JSON body for POST /auth/login.
type LoginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	MFACode    string `json:"mfaCode,omitempty"`
	BackupCode string `json:"backupCode,omitempty"`
}

// AuthenticatedUser is the subset of user fields login responses carry.
type AuthenticatedUser struct {
	ID    uuid.UUID
	Email string
	Role  string
}

// LoginResult is what a successful Login/Refresh call returns.
type LoginResult struct {
	Pair Pair
	User AuthenticatedUser
}

// Service implements the login/refresh/logout flows of spec §4.6: password
// verification with timing equalization, progressive lockout, optional MFA,
// session-fixation-safe token issuance, and refresh-token family rotation
// with theft detection.
type Service struct {
	db            dbtx.DBTX
	tokens        *TokenManager
	families      *FamilyStore
	sessions      *SessionRegistry
	blacklist     *Blacklist
	lockout       *LockoutStore
	mfa           *MFAStore
	loginAttempts *LoginAttemptStore
	rateLimiter   *ratelimit.Limiter
	logger        *slog.Logger
}

// NewService wires a login Service from its component stores.
func NewService(
	db dbtx.DBTX,
	tokens *TokenManager,
	families *FamilyStore,
	sessions *SessionRegistry,
	blacklist *Blacklist,
	lockout *LockoutStore,
	mfa *MFAStore,
	loginAttempts *LoginAttemptStore,
	rateLimiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Service {
	return &Service{
		db: db, tokens: tokens, families: families, sessions: sessions,
		blacklist: blacklist, lockout: lockout, mfa: mfa,
		loginAttempts: loginAttempts, rateLimiter: rateLimiter, logger: logger,
	}
}

type userRow struct {
	ID           uuid.UUID
	Email        string
	PasswordHash *string
	Role         string
	IsActive     bool
	DeletedAt    *time.Time
}

func (s *Service) findUserByEmail(ctx context.Context, email string) (userRow, error) {
	var u userRow
	err := s.db.QueryRow(ctx, `
		SELECT id, email, password_hash, role, is_active, deleted_at
		FROM users WHERE email = $1`, normalizeEmail(email)).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.IsActive, &u.DeletedAt)
	if err != nil {
		return userRow{}, err
	}
	return u, nil
}

// Login authenticates an email/password pair (plus MFA code if the account
// is enrolled) and, on success, issues a fresh token pair under a brand new
// session id and token family — logging in never reuses an existing jti or
// family, preventing session fixation across logins.
func (s *Service) Login(ctx context.Context, req LoginRequest, ip, userAgent string) (LoginResult, error) {
	email := normalizeEmail(req.Email)

	if s.rateLimiter != nil {
		res, err := s.rateLimiter.Allow(ctx, "auth", "ip:"+ip)
		if err == nil && !res.Allowed {
			return LoginResult{}, ErrInvalidCredentials
		}
	}

	if lock, err := s.lockout.Check(ctx, email); err == nil && lock.Locked {
		s.recordAttempt(ctx, email, ip, false, "locked")
		return LoginResult{}, ErrAccountLocked
	}

	user, err := s.findUserByEmail(ctx, email)
	if errors.Is(err, pgx.ErrNoRows) {
		dummyHash(req.Password)
		s.recordAttempt(ctx, email, ip, false, "unknown_email")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, fmt.Errorf("looking up user: %w", err)
	}

	if !user.IsActive || user.DeletedAt != nil || user.PasswordHash == nil || *user.PasswordHash == "" {
		dummyHash(req.Password)
		s.recordAttempt(ctx, email, ip, false, "inactive")
		return LoginResult{}, ErrInvalidCredentials
	}

	if !VerifyPassword(req.Password, *user.PasswordHash) {
		s.lockout.RecordFailure(ctx, email)
		s.recordAttempt(ctx, email, ip, false, "bad_password")
		return LoginResult{}, ErrInvalidCredentials
	}

	if s.mfa != nil {
		enrolled, err := s.mfa.IsEnrolled(ctx, user.ID)
		if err != nil {
			return LoginResult{}, fmt.Errorf("checking mfa enrollment: %w", err)
		}
		if enrolled {
			switch {
			case req.BackupCode != "":
				if err := s.mfa.VerifyBackupCode(ctx, user.ID, req.BackupCode); err != nil {
					s.lockout.RecordFailure(ctx, email)
					s.recordAttempt(ctx, email, ip, false, "bad_mfa")
					return LoginResult{}, ErrInvalidCredentials
				}
			case req.MFACode != "":
				if err := s.mfa.VerifyCode(ctx, user.ID, req.MFACode); err != nil {
					s.lockout.RecordFailure(ctx, email)
					s.recordAttempt(ctx, email, ip, false, "bad_mfa")
					return LoginResult{}, ErrInvalidCredentials
				}
			default:
				return LoginResult{}, ErrMFARequired
			}
		}
	}

	s.lockout.RecordSuccess(ctx, email)
	s.recordAttempt(ctx, email, ip, true, "")

	// Session fixation prevention (spec §4.6 step 4): tear down every
	// session and invalidate every token family that existed before this
	// login, so nothing minted before the user authenticated survives it.
	if err := s.invalidateAllSessions(ctx, user.ID.String()); err != nil {
		return LoginResult{}, fmt.Errorf("invalidating prior sessions: %w", err)
	}

	pair, err := s.tokens.IssuePair(user.ID.String(), user.Email, user.Role, "")
	if err != nil {
		return LoginResult{}, fmt.Errorf("issuing token pair: %w", err)
	}
	if err := s.families.Register(ctx, pair.FamilyID, pair.JTI); err != nil {
		return LoginResult{}, fmt.Errorf("registering token family: %w", err)
	}

	device, browser, os := parseUserAgent(userAgent)
	err = s.sessions.Create(ctx, Session{
		JTI: pair.JTI, FamilyID: pair.FamilyID, UserID: user.ID.String(), Email: user.Email,
		IP: ip, Device: device, Browser: browser, OS: os,
		CreatedAt: time.Now(), LastSeenAt: time.Now(),
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("creating session: %w", err)
	}

	return LoginResult{Pair: pair, User: AuthenticatedUser{ID: user.ID, Email: user.Email, Role: user.Role}}, nil
}

// Refresh redeems a refresh token for a new pair, rotating the token
// family. A replayed (already-rotated-away) refresh token is treated as
// theft: every session in the family is torn down and every issued jti is
// blacklisted.
func (s *Service) Refresh(ctx context.Context, refreshToken, ip, userAgent string) (LoginResult, error) {
	claims, _, err := s.tokens.ParseAndVerify(refreshToken, TokenRefresh)
	if err != nil {
		return LoginResult{}, fmt.Errorf("parsing refresh token: %w", err)
	}

	if revoked, err := s.blacklist.IsJTIRevoked(ctx, claims.JTI); err == nil && revoked {
		return LoginResult{}, ErrInvalidCredentials
	}

	pair, err := s.tokens.IssuePair(claims.UserID, claims.Email, claims.Role, claims.FamilyID)
	if err != nil {
		return LoginResult{}, fmt.Errorf("issuing refreshed pair: %w", err)
	}

	if claims.FamilyID == "" {
		// Legacy refresh token minted before family rotation existed: it
		// carries no fid, so there's no family to rotate. Accept it once and
		// start tracking a brand-new family from here on, per spec §4.6.
		if err := s.families.Register(ctx, pair.FamilyID, pair.JTI); err != nil {
			return LoginResult{}, fmt.Errorf("registering token family: %w", err)
		}
	} else if err := s.families.Rotate(ctx, claims.FamilyID, claims.JTI, pair.JTI); err != nil {
		if errors.Is(err, ErrTokenReuse) || errors.Is(err, ErrFamilyNotFound) {
			s.logger.Warn("refresh token reuse detected, revoking family",
				"family_id", claims.FamilyID, "user_id", claims.UserID)
			jtis, _ := s.families.AllIssuedJTIs(ctx, claims.FamilyID)
			s.blacklist.RevokeJTIs(ctx, jtis, s.tokens.refreshTTL)
			s.families.Invalidate(ctx, claims.FamilyID)
			s.sessions.DeleteAll(ctx, claims.UserID)
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, fmt.Errorf("rotating token family: %w", err)
	}

	s.sessions.Delete(ctx, claims.UserID, claims.JTI)
	device, browser, os := parseUserAgent(userAgent)
	err = s.sessions.Create(ctx, Session{
		JTI: pair.JTI, FamilyID: pair.FamilyID, UserID: claims.UserID, Email: claims.Email,
		IP: ip, Device: device, Browser: browser, OS: os,
		CreatedAt: time.Now(), LastSeenAt: time.Now(),
	})
	if err != nil {
		return LoginResult{}, fmt.Errorf("creating session: %w", err)
	}

	userID, _ := uuid.Parse(claims.UserID)
	return LoginResult{Pair: pair, User: AuthenticatedUser{ID: userID, Email: claims.Email, Role: claims.Role}}, nil
}

// VerifyCurrentPassword re-checks a logged-in user's password against their
// stored hash, for flows that require re-authentication before a sensitive
// change (e.g. disabling MFA) rather than trusting a still-valid access
// token alone.
func (s *Service) VerifyCurrentPassword(ctx context.Context, email, password string) error {
	user, err := s.findUserByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, pgx.ErrNoRows) {
		dummyHash(password)
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("looking up user: %w", err)
	}
	if user.PasswordHash == nil || *user.PasswordHash == "" || !VerifyPassword(password, *user.PasswordHash) {
		return ErrInvalidCredentials
	}
	return nil
}

// Logout tears down one session: blacklists its jti for the remainder of
// its natural lifetime and invalidates its refresh-token family so the
// paired refresh token can't be used again either.
func (s *Service) Logout(ctx context.Context, userID, jti string) error {
	sess, err := s.sessions.Get(ctx, jti)
	if err == nil {
		s.families.Invalidate(ctx, sess.FamilyID)
	}
	s.sessions.Delete(ctx, userID, jti)
	return s.blacklist.RevokeJTI(ctx, jti, s.tokens.refreshTTL)
}

// LogoutAll tears down every session for a user, across every device.
func (s *Service) LogoutAll(ctx context.Context, userID string) error {
	jtis, err := s.sessions.DeleteAll(ctx, userID)
	if err != nil {
		return err
	}
	return s.blacklist.RevokeJTIs(ctx, jtis, s.tokens.refreshTTL)
}

// invalidateAllSessions tears down every session and token family a user
// currently has, for the session-fixation prevention step on login and
// forced-logout paths like password reset.
func (s *Service) invalidateAllSessions(ctx context.Context, userID string) error {
	existing, err := s.sessions.List(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing existing sessions: %w", err)
	}

	jtis, err := s.sessions.DeleteAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("deleting existing sessions: %w", err)
	}
	if len(jtis) > 0 {
		if err := s.blacklist.RevokeJTIs(ctx, jtis, s.tokens.refreshTTL); err != nil {
			return fmt.Errorf("revoking existing session jtis: %w", err)
		}
	}

	invalidated := make(map[string]bool, len(existing))
	for _, sess := range existing {
		if sess.FamilyID == "" || invalidated[sess.FamilyID] {
			continue
		}
		if err := s.families.Invalidate(ctx, sess.FamilyID); err != nil {
			return fmt.Errorf("invalidating token family %s: %w", sess.FamilyID, err)
		}
		invalidated[sess.FamilyID] = true
	}
	return nil
}

func (s *Service) recordAttempt(ctx context.Context, email, ip string, success bool, reason string) {
	if s.loginAttempts == nil {
		return
	}
	_ = s.loginAttempts.Record(ctx, LoginAttempt{
		Email: email, IPAddress: ip, Success: success, AttemptedAt: time.Now(), Reason: reason,
	})
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
