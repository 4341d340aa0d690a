package auth

import (
	"errors"
	"fmt"

	"github.com/glacierhq/frostd/internal/db"
)

// CreateUser registers a user with a freshly hashed password and a new
// credential-encryption salt. Role is advisory; the store promotes the first
// user to admin.
func CreateUser(store *db.Store, username, password, role string) (int64, error) {
	if username == "" || password == "" {
		return 0, errors.New("auth: username and password are required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	salt, err := NewEncryptionSalt()
	if err != nil {
		return 0, err
	}
	return store.CreateUser(username, hash, salt, role)
}

// Authenticate verifies a username/password pair. A missing user still costs
// a full Argon2 verification so timing does not leak account existence.
// Transient storage errors are re-raised rather than reported as bad
// credentials.
func Authenticate(store *db.Store, username, password string) (*db.User, error) {
	user, err := store.GetUserByName(username)
	if errors.Is(err, db.ErrNotFound) {
		VerifyDummy(password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		if db.IsTransient(err) {
			return nil, fmt.Errorf("auth: storage unavailable: %w", err)
		}
		return nil, err
	}
	ok, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// ChangePassword rehashes the password and rotates the encryption salt.
// Stored credentials are cleared because they were sealed under the old
// password; callers must re-supply them or accept the loss explicitly.
func ChangePassword(store *db.Store, userID int64, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	salt, err := NewEncryptionSalt()
	if err != nil {
		return err
	}
	return store.UpdateUserPassword(userID, hash, salt)
}
