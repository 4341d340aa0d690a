package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is a stored operator identity. Credential fields hold AES-GCM blobs
// produced by the auth package; they are never plaintext.
type User struct {
	ID              int64
	Username        string
	PasswordHash    string
	EncryptionSalt  string // hex, separate from the argon2 salt
	GroupCredential sql.NullString
	ShareCredential sql.NullString
	Relays          sql.NullString // JSON array
	PeerPolicies    sql.NullString // JSON object keyed by normalized pubkey
	DisplayName     sql.NullString
	Role            string
	TransportSecret sql.NullString // hex, 32 bytes, NIP-46 signer channel
	CreatedAt       int64
	UpdatedAt       int64
}

const userColumns = `id, username, password_hash, encryption_salt, group_credential,
	share_credential, relays, peer_policies, display_name, role, transport_secret,
	created_at, updated_at`

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.EncryptionSalt,
		&u.GroupCredential, &u.ShareCredential, &u.Relays, &u.PeerPolicies,
		&u.DisplayName, &u.Role, &u.TransportSecret, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a user and returns its id. The first user created in an
// empty database is promoted to admin regardless of the requested role.
func (s *Store) CreateUser(username, passwordHash, encryptionSalt, role string) (int64, error) {
	count, err := s.CountUsers()
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	if count == 0 {
		role = "admin"
	}
	if role == "" {
		role = "user"
	}

	now := time.Now().UnixMilli()
	if s.driver == "postgres" {
		var id int64
		err := s.db.QueryRow(`INSERT INTO users (username, password_hash, encryption_salt, role, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
			username, passwordHash, encryptionSalt, role, now, now).Scan(&id)
		return id, err
	}
	res, err := s.db.Exec(`INSERT INTO users (username, password_hash, encryption_salt, role, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		username, passwordHash, encryptionSalt, role, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// CountUsers returns the number of user rows.
func (s *Store) CountUsers() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// GetUserByName fetches a user by username.
func (s *Store) GetUserByName(username string) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE username = `+s.ph(1), username))
}

// GetUser fetches a user by id.
func (s *Store) GetUser(id int64) (*User, error) {
	return s.scanUser(s.db.QueryRow(
		`SELECT `+userColumns+` FROM users WHERE id = `+s.ph(1), id))
}

// UpdateUserCredentials stores the encrypted share/group credentials and the
// relay list for a user. Both credential blobs must be set together; passing
// one empty and one non-empty violates the paired-credentials invariant.
func (s *Store) UpdateUserCredentials(id int64, groupCred, shareCred, relaysJSON, groupName string) error {
	if (groupCred == "") != (shareCred == "") {
		return errors.New("db: group and share credentials must be stored together")
	}
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET group_credential = ?, share_credential = ?, relays = ?, display_name = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET group_credential = $1, share_credential = $2, relays = $3, display_name = $4, updated_at = $5 WHERE id = $6`
	}
	_, err := s.db.Exec(q, nullable(groupCred), nullable(shareCred), nullable(relaysJSON), nullable(groupName), now, id)
	return err
}

// ClearUserCredentials removes both stored credentials.
func (s *Store) ClearUserCredentials(id int64) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET group_credential = NULL, share_credential = NULL, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET group_credential = NULL, share_credential = NULL, updated_at = $1 WHERE id = $2`
	}
	_, err := s.db.Exec(q, now, id)
	return err
}

// UpdateUserRelays stores the user's relay list as JSON.
func (s *Store) UpdateUserRelays(id int64, relaysJSON string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET relays = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET relays = $1, updated_at = $2 WHERE id = $3`
	}
	_, err := s.db.Exec(q, relaysJSON, now, id)
	return err
}

// UpdateUserPeerPolicies stores the per-peer policy map as JSON.
func (s *Store) UpdateUserPeerPolicies(id int64, policiesJSON string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET peer_policies = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET peer_policies = $1, updated_at = $2 WHERE id = $3`
	}
	_, err := s.db.Exec(q, policiesJSON, now, id)
	return err
}

// UpdateUserPassword replaces the password hash and encryption salt. Stored
// credentials are cleared in the same statement: they were sealed under a key
// derived from the old password and would otherwise be silently unrecoverable.
func (s *Store) UpdateUserPassword(id int64, passwordHash, encryptionSalt string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET password_hash = ?, encryption_salt = ?,
			group_credential = NULL, share_credential = NULL, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET password_hash = $1, encryption_salt = $2,
			group_credential = NULL, share_credential = NULL, updated_at = $3 WHERE id = $4`
	}
	_, err := s.db.Exec(q, passwordHash, encryptionSalt, now, id)
	return err
}

// SetTransportSecret stores the NIP-46 transport secret for a user if one is
// not already present, and returns the stored value.
func (s *Store) SetTransportSecret(id int64, secretHex string) (string, error) {
	u, err := s.GetUser(id)
	if err != nil {
		return "", err
	}
	if u.TransportSecret.Valid && u.TransportSecret.String != "" {
		return u.TransportSecret.String, nil
	}
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE users SET transport_secret = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE users SET transport_secret = $1, updated_at = $2 WHERE id = $3`
	}
	if _, err := s.db.Exec(q, secretHex, now, id); err != nil {
		return "", err
	}
	return secretHex, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
