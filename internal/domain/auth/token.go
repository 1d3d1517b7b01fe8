// Package auth verifies the shared agent bearer token presented in the
// handshake.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/alexedwards/argon2id"
)

// ErrInvalidToken is returned when the presented token does not match.
var ErrInvalidToken = errors.New("invalid agent token")

// ErrUnknownHashType is returned when the configured token has an
// unrecognized hash format.
var ErrUnknownHashType = errors.New("unknown hash type")

// TokenVerifier checks handshake tokens against the configured value,
// which may be plaintext, "sha256:<hex>", or an argon2id PHC string.
type TokenVerifier struct {
	configured string
}

// NewTokenVerifier creates a verifier for the configured token value.
func NewTokenVerifier(configured string) *TokenVerifier {
	return &TokenVerifier{configured: configured}
}

// Verify checks a presented token. Returns ErrInvalidToken on mismatch.
// All comparisons are constant-time.
func (v *TokenVerifier) Verify(presented string) error {
	switch DetectHashType(v.configured) {
	case "argon2id":
		match, err := safeArgon2idCompare(presented, v.configured)
		if err != nil || !match {
			return ErrInvalidToken
		}
		return nil

	case "sha256":
		expected := strings.TrimPrefix(v.configured, "sha256:")
		computed := HashToken(presented)
		if subtle.ConstantTimeCompare([]byte(computed), []byte(expected)) != 1 {
			return ErrInvalidToken
		}
		return nil

	default:
		// Plaintext configured token.
		if subtle.ConstantTimeCompare([]byte(presented), []byte(v.configured)) != 1 {
			return ErrInvalidToken
		}
		return nil
	}
}

// HashToken returns the SHA-256 hex hash of the raw token.
func HashToken(raw string) string {
	hash := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(hash[:])
}

// argon2idParams defines OWASP minimum parameters for Argon2id.
// Memory: 47 MiB, Iterations: 1, Parallelism: 1.
var argon2idParams = &argon2id.Params{
	Memory:      47 * 1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

// HashTokenArgon2id returns an Argon2id hash of the raw token in PHC
// format: $argon2id$v=19$m=48128,t=1,p=1$<salt>$<hash>
func HashTokenArgon2id(raw string) (string, error) {
	return argon2id.CreateHash(raw, argon2idParams)
}

// DetectHashType identifies the hash format of a configured token.
// Returns "argon2id" for PHC format, "sha256" for the prefixed form,
// and "plaintext" otherwise.
func DetectHashType(configured string) string {
	if strings.HasPrefix(configured, "$argon2id$") {
		return "argon2id"
	}
	if strings.HasPrefix(configured, "sha256:") {
		return "sha256"
	}
	return "plaintext"
}

// safeArgon2idCompare wraps argon2id.ComparePasswordAndHash with panic
// recovery. The underlying argon2 library panics on malformed hashes
// with invalid parameters (e.g. t=0 rounds); those become errors here.
func safeArgon2idCompare(raw, storedHash string) (match bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			match = false
			err = fmt.Errorf("invalid argon2id hash parameters: %v", r)
		}
	}()
	return argon2id.ComparePasswordAndHash(raw, storedHash)
}
