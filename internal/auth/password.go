// Package auth implements operator authentication for frostd: Argon2id
// password hashing, admin sessions, API keys, and the credential encryption
// used to store the signer's share and group credentials at rest.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// ErrInvalidCredentials is returned for any authentication failure. The cause
// (unknown user vs wrong password) is deliberately not distinguishable.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Argon2id parameters.
const (
	argonMemory  = 64 * 1024 // KiB
	argonTime    = 3
	argonThreads = 1
	argonKeyLen  = 32
	argonSaltLen = 16
)

// HashPassword hashes a password with Argon2id and returns a PHC-format
// string with the salt embedded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, argonSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key)), nil
}

// VerifyPassword checks password against a PHC-format Argon2id hash in
// constant time with respect to the derived key comparison.
func VerifyPassword(password, encoded string) (bool, error) {
	salt, key, mem, iters, par, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	candidate := argon2.IDKey([]byte(password), salt, iters, mem, par, uint32(len(key)))
	return subtle.ConstantTimeCompare(candidate, key) == 1, nil
}

// dummyHash is a fixed Argon2id hash verified against when the requested user
// does not exist, so the response time of a failed login does not reveal
// whether the account exists.
var dummyHash = func() string {
	key := argon2.IDKey([]byte("frostd-dummy-password"), make([]byte, argonSaltLen),
		argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonTime, argonThreads,
		base64.RawStdEncoding.EncodeToString(make([]byte, argonSaltLen)),
		base64.RawStdEncoding.EncodeToString(key))
}()

// VerifyDummy burns the same work as a real verification and always
// reports failure.
func VerifyDummy(password string) {
	// The result is discarded; only the timing matters.
	_, _ = VerifyPassword(password, dummyHash)
}

func decodeHash(encoded string) (salt, key []byte, mem uint32, iters uint32, par uint8, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return nil, nil, 0, 0, 0, errors.New("auth: malformed password hash")
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash version: %w", err)
	}
	if version != argon2.Version {
		return nil, nil, 0, 0, 0, errors.New("auth: unsupported argon2 version")
	}
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iters, &par); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash params: %w", err)
	}
	if salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash salt: %w", err)
	}
	if key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return nil, nil, 0, 0, 0, fmt.Errorf("auth: malformed hash key: %w", err)
	}
	return salt, key, mem, iters, par, nil
}

// NewEncryptionSalt returns a fresh random 16-byte salt, hex encoded. This is
// the credential-encryption salt; it is never the salt embedded in the
// password hash.
func NewEncryptionSalt() (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate encryption salt: %w", err)
	}
	return fmt.Sprintf("%x", salt), nil
}
