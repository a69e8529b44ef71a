package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pquerna/otp/totp"

	"github.com/costwatchdog/engine/internal/dbtx"
)

const backupCodeCount = 10

// ErrNotEnrolled is returned when an MFA operation targets a user with no
// enrollment row.
var ErrNotEnrolled = errors.New("auth: mfa not enrolled")

// ErrInvalidCode is returned when a TOTP or backup code fails verification.
var ErrInvalidCode = errors.New("auth: invalid mfa code")

// Enrollment is a confirmed TOTP enrollment. Secret is never returned once
// confirmed — only Store retains (encrypted) access to it.
type Enrollment struct {
	UserID   uuid.UUID
	Method   string
	Enrolled bool
}

// PendingEnrollment is the result of BeginEnrollment: a freshly generated
// secret and otpauth:// URI for the user to scan, not yet persisted until
// confirmed with a valid code.
type PendingEnrollment struct {
	Secret    string
	OTPAuthURL string
}

// MFAStore persists TOTP enrollments with AES-GCM-encrypted secrets and
// peppered-hash backup codes.
type MFAStore struct {
	db            dbtx.DBTX
	encryptionKey []byte // 32 bytes, derived from config.FieldEncryptionKey
	issuer        string
}

// NewMFAStore creates an MFAStore. fieldEncryptionKey is hashed with SHA-256
// to guarantee a 32-byte AES-256 key regardless of the configured secret's
// raw length.
func NewMFAStore(db dbtx.DBTX, fieldEncryptionKey, issuer string) *MFAStore {
	sum := sha256.Sum256([]byte(fieldEncryptionKey))
	return &MFAStore{db: db, encryptionKey: sum[:], issuer: issuer}
}

// BeginEnrollment generates a new TOTP secret for account setup. Nothing is
// persisted until ConfirmEnrollment succeeds with a valid code.
func (s *MFAStore) BeginEnrollment(email string) (PendingEnrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: email,
	})
	if err != nil {
		return PendingEnrollment{}, fmt.Errorf("generating totp secret: %w", err)
	}
	return PendingEnrollment{Secret: key.Secret(), OTPAuthURL: key.URL()}, nil
}

// ConfirmEnrollment validates code against secret and, on success, persists
// the encrypted secret plus a fresh batch of backup codes (returned once,
// in cleartext, for the user to save).
func (s *MFAStore) ConfirmEnrollment(ctx context.Context, userID uuid.UUID, secret, code string) ([]string, error) {
	if !totp.Validate(code, secret) {
		return nil, ErrInvalidCode
	}

	encryptedSecret, err := s.encrypt(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting secret: %w", err)
	}

	backupCodes := make([]string, backupCodeCount)
	hashes := make([]string, backupCodeCount)
	for i := range backupCodes {
		code, err := randomBackupCode()
		if err != nil {
			return nil, fmt.Errorf("generating backup code: %w", err)
		}
		backupCodes[i] = code
		hashes[i] = s.hashBackupCode(code)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO mfa_enrollments (user_id, method, secret_encrypted, backup_codes_hashes)
		VALUES ($1, 'totp', $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET
			secret_encrypted = EXCLUDED.secret_encrypted,
			backup_codes_hashes = EXCLUDED.backup_codes_hashes,
			enrolled_at = now()`,
		userID, encryptedSecret, hashes)
	if err != nil {
		return nil, fmt.Errorf("persisting mfa enrollment: %w", err)
	}
	return backupCodes, nil
}

// IsEnrolled reports whether a user has a confirmed TOTP enrollment.
func (s *MFAStore) IsEnrolled(ctx context.Context, userID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT true FROM mfa_enrollments WHERE user_id = $1`, userID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking mfa enrollment: %w", err)
	}
	return exists, nil
}

// VerifyCode checks a 6-digit TOTP code against the user's stored secret.
func (s *MFAStore) VerifyCode(ctx context.Context, userID uuid.UUID, code string) error {
	var encryptedSecret string
	err := s.db.QueryRow(ctx, `SELECT secret_encrypted FROM mfa_enrollments WHERE user_id = $1`, userID).Scan(&encryptedSecret)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotEnrolled
	}
	if err != nil {
		return fmt.Errorf("loading mfa enrollment: %w", err)
	}

	secret, err := s.decrypt(encryptedSecret)
	if err != nil {
		return fmt.Errorf("decrypting secret: %w", err)
	}
	if !totp.Validate(code, secret) {
		return ErrInvalidCode
	}
	return nil
}

// VerifyBackupCode checks and, on success, permanently consumes a single-use
// backup code.
func (s *MFAStore) VerifyBackupCode(ctx context.Context, userID uuid.UUID, code string) error {
	var hashes []string
	err := s.db.QueryRow(ctx, `SELECT backup_codes_hashes FROM mfa_enrollments WHERE user_id = $1`, userID).Scan(&hashes)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotEnrolled
	}
	if err != nil {
		return fmt.Errorf("loading backup codes: %w", err)
	}

	target := s.hashBackupCode(code)
	matchIdx := -1
	for i, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(h), []byte(target)) == 1 {
			matchIdx = i
			break
		}
	}
	if matchIdx == -1 {
		return ErrInvalidCode
	}

	remaining := append(hashes[:matchIdx:matchIdx], hashes[matchIdx+1:]...)
	_, err = s.db.Exec(ctx, `UPDATE mfa_enrollments SET backup_codes_hashes = $2 WHERE user_id = $1`, userID, remaining)
	if err != nil {
		return fmt.Errorf("consuming backup code: %w", err)
	}
	return nil
}

// Disable removes a user's MFA enrollment entirely. The caller
// (Handler.handleMFADisable) enforces password re-verification, that only
// the enrolled user themself can invoke this, and that admin accounts can
// never disable MFA at all, per spec §4.6.
func (s *MFAStore) Disable(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM mfa_enrollments WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("disabling mfa: %w", err)
	}
	return nil
}

func (s *MFAStore) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ciphertext), nil
}

func (s *MFAStore) decrypt(encoded string) (string, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// hashBackupCode derives a peppered SHA-256 hash so stored backup codes
// can't be reversed even if the database leaks, without the cost of a
// memory-hard KDF for what's effectively a random 80-bit token.
func (s *MFAStore) hashBackupCode(code string) string {
	h := sha256.Sum256(append(s.encryptionKey, []byte(code)...))
	return hex.EncodeToString(h[:])
}

func randomBackupCode() (string, error) {
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
	return fmt.Sprintf("%s-%s", enc[:8], enc[8:16]), nil
}
