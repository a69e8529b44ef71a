package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters per spec §4.6: memory cost 19 MiB, time cost 2,
// parallelism 1, 32-byte output.
const (
	argon2Memory      = 19 * 1024 // KiB
	argon2Time        = 2
	argon2Parallelism = 1
	argon2KeyLen      = 32
	argon2SaltLen     = 16
)

// HashPassword derives an Argon2id hash encoded as
// "$argon2id$v=19$m=19456,t=2,p=1$<salt>$<hash>", base64-raw-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
	return encodeArgon2id(salt, hash), nil
}

func encodeArgon2id(salt, hash []byte) string {
	b64 := base64.RawStdEncoding
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argon2Memory, argon2Time, argon2Parallelism, b64.EncodeToString(salt), b64.EncodeToString(hash))
}

// VerifyPassword reports whether password matches an Argon2id hash produced
// by HashPassword. It always performs the full Argon2id computation on a
// malformed hash too, via dummyHash, so callers that skip this on a
// missing-user path still pay the same latency.
func VerifyPassword(password, encoded string) bool {
	salt, hash, memory, time_, parallelism, ok := decodeArgon2id(encoded)
	if !ok {
		dummyHash(password)
		return false
	}
	computed := argon2.IDKey([]byte(password), salt, time_, memory, parallelism, uint32(len(hash)))
	return subtle.ConstantTimeCompare(computed, hash) == 1
}

// dummyHash runs an Argon2id computation with default parameters and
// discards the result. Login calls this when a user doesn't exist or has no
// password hash, so response timing doesn't reveal account existence.
func dummyHash(password string) {
	salt := make([]byte, argon2SaltLen)
	_ = argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLen)
}

func decodeArgon2id(encoded string) (salt, hash []byte, memory uint32, time_ uint32, parallelism uint8, ok bool) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, false
	}
	var m, t uint32
	var p uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return nil, nil, 0, 0, 0, false
	}
	s, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, nil, 0, 0, 0, false
	}
	h, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return nil, nil, 0, 0, 0, false
	}
	return s, h, m, t, p, true
}
