package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/costwatchdog/engine/internal/dbtx"
)

const apiKeyPrefix = "cwk_"

// ErrAPIKeyNotFound covers both "no such hash" and "revoked/expired" so
// lookups don't leak which case applies.
var ErrAPIKeyNotFound = errors.New("auth: api key not found or inactive")

// APIKey is a scoped, long-lived credential for machine callers — CSV/CI
// uploads, BI pulls — per spec §4.6. Only KeyPrefix is ever displayable
// again after creation; the raw key is returned once, at creation time.
type APIKey struct {
	ID         uuid.UUID
	KeyPrefix  string
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	IsActive   bool
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// APIKeyStore persists API keys, hashed at rest.
type APIKeyStore struct {
	db dbtx.DBTX
}

// NewAPIKeyStore creates an APIKeyStore.
func NewAPIKeyStore(db dbtx.DBTX) *APIKeyStore {
	return &APIKeyStore{db: db}
}

// GenerateAPIKey mints a new 256-bit random key, returning the cleartext
// value (shown to the caller exactly once) and its 12-character visible
// prefix (safe to display forever, for the user to recognize which key is
// which in a list).
func GenerateAPIKey() (raw, prefix string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating api key: %w", err)
	}
	raw = apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	prefix = raw[:12]
	return raw, prefix, nil
}

// HashAPIKey derives the storage hash for a raw key. Unlike passwords, API
// keys are already high-entropy random tokens, so a fast hash (SHA-256) is
// sufficient — the threat model is "leaked database row," not "weak
// secret," and a slow KDF would only tax every authenticated request.
func HashAPIKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Create persists a new API key and returns the cleartext value once.
func (s *APIKeyStore) Create(ctx context.Context, name string, scopes []string, expiresAt *time.Time) (rawKey string, key APIKey, err error) {
	raw, prefix, err := GenerateAPIKey()
	if err != nil {
		return "", APIKey{}, err
	}
	hash := HashAPIKey(raw)

	var id uuid.UUID
	var createdAt time.Time
	err = s.db.QueryRow(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, scopes, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		hash, prefix, name, scopes, expiresAt).Scan(&id, &createdAt)
	if err != nil {
		return "", APIKey{}, fmt.Errorf("creating api key: %w", err)
	}

	return raw, APIKey{
		ID: id, KeyPrefix: prefix, Name: name, Scopes: scopes,
		ExpiresAt: expiresAt, IsActive: true, CreatedAt: createdAt,
	}, nil
}

// Authenticate hashes the raw key, looks it up, and validates it is active
// and unexpired.
func (s *APIKeyStore) Authenticate(ctx context.Context, rawKey string) (APIKey, error) {
	if rawKey == "" {
		return APIKey{}, ErrAPIKeyNotFound
	}
	hash := HashAPIKey(rawKey)

	var key APIKey
	err := s.db.QueryRow(ctx, `
		SELECT id, key_prefix, name, scopes, expires_at, revoked_at, is_active, last_used_at, created_at
		FROM api_keys WHERE key_hash = $1`, hash).
		Scan(&key.ID, &key.KeyPrefix, &key.Name, &key.Scopes, &key.ExpiresAt, &key.RevokedAt, &key.IsActive, &key.LastUsedAt, &key.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return APIKey{}, ErrAPIKeyNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("looking up api key: %w", err)
	}

	if !key.IsActive || key.RevokedAt != nil {
		return APIKey{}, ErrAPIKeyNotFound
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(time.Now()) {
		return APIKey{}, ErrAPIKeyNotFound
	}

	go func() {
		_, _ = s.db.Exec(context.Background(), `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, key.ID)
	}()

	return key, nil
}

// Revoke disables an API key immediately.
func (s *APIKeyStore) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET is_active = false, revoked_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	return nil
}

// List returns every API key (active or not) for the admin management view.
func (s *APIKeyStore) List(ctx context.Context) ([]APIKey, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, key_prefix, name, scopes, expires_at, revoked_at, is_active, last_used_at, created_at
		FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var keys []APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.KeyPrefix, &k.Name, &k.Scopes, &k.ExpiresAt, &k.RevokedAt, &k.IsActive, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
