/**
 * @description
 * Basic-Auth credential handling for the inbound donation webhook.
 * Passwords are generated here, stored only as salted argon2id hashes and
 * verified with a constant-time comparison.
 */
package webhookauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	passwordBytes = 32
	saltBytes     = 16

	argonTime    uint32 = 1
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 2
	argonKeyLen  uint32 = 32
)

// ErrInvalidCredentials is returned when a presented password does not match the stored hash.
var ErrInvalidCredentials = errors.New("invalid webhook credentials")

// HashedCredential is the persisted form of a webhook password.
type HashedCredential struct {
	PasswordHash string
	Salt         string
}

// GeneratePassword returns a URL-safe random password.
func GeneratePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate password: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hash derives a credential from password using a freshly generated salt.
func Hash(password string) (HashedCredential, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return HashedCredential{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := derive(password, salt)
	return HashedCredential{
		PasswordHash: base64.RawStdEncoding.EncodeToString(key),
		Salt:         base64.RawStdEncoding.EncodeToString(salt),
	}, nil
}

// Verify checks password against a stored credential.
func Verify(password string, stored HashedCredential) error {
	salt, err := base64.RawStdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return fmt.Errorf("corrupt credential salt: %w", err)
	}
	expected, err := base64.RawStdEncoding.DecodeString(stored.PasswordHash)
	if err != nil {
		return fmt.Errorf("corrupt credential hash: %w", err)
	}

	actual := derive(password, salt)
	if subtle.ConstantTimeCompare(actual, expected) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

func derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}
