package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/glacierhq/frostd/internal/db"
)

const (
	apiKeyTokenLen  = 32 // raw bytes; 64 hex chars on the wire
	apiKeyPrefixLen = 12
)

// IssuedKey is returned once at creation; the token is never stored.
type IssuedKey struct {
	ID     string
	Prefix string
	Token  string
}

// IssueAPIKey mints a new API key and stores its prefix and SHA-256.
func IssueAPIKey(store *db.Store, label string, userID int64, byAdmin bool) (*IssuedKey, error) {
	raw := make([]byte, apiKeyTokenLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	token := hex.EncodeToString(raw)
	prefix := token[:apiKeyPrefixLen]
	sum := sha256.Sum256([]byte(token))

	id := uuid.NewString()
	if err := store.CreateAPIKey(id, prefix, hex.EncodeToString(sum[:]), label, userID, byAdmin); err != nil {
		return nil, fmt.Errorf("store api key: %w", err)
	}
	return &IssuedKey{ID: id, Prefix: prefix, Token: token}, nil
}

// VerifyAPIKey authenticates a presented token. Lookup is by prefix; the
// token hash comparison is constant time. Revoked keys and corrupt stored
// hashes both fail as ErrInvalidCredentials. On success the key's usage
// fields are updated with the caller's IP.
func VerifyAPIKey(store *db.Store, token, ip string) (*db.APIKey, error) {
	if len(token) != 2*apiKeyTokenLen {
		return nil, ErrInvalidCredentials
	}
	key, err := store.GetAPIKeyByPrefix(token[:apiKeyPrefixLen])
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if key.RevokedAt.Valid {
		return nil, ErrInvalidCredentials
	}
	stored, err := hex.DecodeString(key.TokenHash)
	if err != nil || len(stored) != sha256.Size {
		return nil, ErrInvalidCredentials
	}
	sum := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(sum[:], stored) != 1 {
		return nil, ErrInvalidCredentials
	}
	if err := store.MarkAPIKeyUsed(key.ID, ip); err != nil {
		return nil, err
	}
	return key, nil
}
