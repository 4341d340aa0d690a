package db

import (
	"database/sql"
	"errors"
	"time"
)

// APIKey is a stored API key. Only the SHA-256 of the token is kept; the full
// token is shown to the operator once at issuance.
type APIKey struct {
	ID              string
	Prefix          string
	TokenHash       string // hex sha256 of the full token
	Label           sql.NullString
	CreatedByUserID sql.NullInt64
	CreatedByAdmin  bool
	CreatedAt       int64
	UpdatedAt       int64
	LastUsedAt      sql.NullInt64
	LastUsedIP      sql.NullString
	RevokedAt       sql.NullInt64
	RevokedReason   sql.NullString
}

const apiKeyColumns = `id, prefix, token_hash, label, created_by_user_id,
	created_by_admin, created_at, updated_at, last_used_at, last_used_ip,
	revoked_at, revoked_reason`

func scanAPIKey(row interface{ Scan(...any) error }) (*APIKey, error) {
	var k APIKey
	var admin int
	err := row.Scan(&k.ID, &k.Prefix, &k.TokenHash, &k.Label, &k.CreatedByUserID,
		&admin, &k.CreatedAt, &k.UpdatedAt, &k.LastUsedAt, &k.LastUsedIP,
		&k.RevokedAt, &k.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	k.CreatedByAdmin = admin != 0
	return &k, nil
}

// CreateAPIKey inserts a key row.
func (s *Store) CreateAPIKey(id, prefix, tokenHash, label string, userID int64, byAdmin bool) error {
	now := time.Now().UnixMilli()
	admin := 0
	if byAdmin {
		admin = 1
	}
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO api_keys (id, prefix, token_hash, label, created_by_user_id, created_by_admin, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	} else {
		q = `INSERT INTO api_keys (id, prefix, token_hash, label, created_by_user_id, created_by_admin, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	}
	_, err := s.db.Exec(q, id, prefix, tokenHash, nullable(label),
		sql.NullInt64{Int64: userID, Valid: userID != 0}, admin, now, now)
	return err
}

// GetAPIKeyByPrefix fetches the key row for a token prefix.
func (s *Store) GetAPIKeyByPrefix(prefix string) (*APIKey, error) {
	return scanAPIKey(s.db.QueryRow(
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE prefix = `+s.ph(1), prefix))
}

// ListAPIKeys returns all keys, newest first.
func (s *Store) ListAPIKeys() ([]*APIKey, error) {
	rows, err := s.db.Query(`SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// MarkAPIKeyUsed records the time and source IP of a successful use.
func (s *Store) MarkAPIKeyUsed(id, ip string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE api_keys SET last_used_at = ?, last_used_ip = ?, updated_at = ? WHERE id = ?`
	} else {
		q = `UPDATE api_keys SET last_used_at = $1, last_used_ip = $2, updated_at = $3 WHERE id = $4`
	}
	_, err := s.db.Exec(q, now, ip, now, id)
	return err
}

// RevokeAPIKey marks a key revoked. Revoked keys never authenticate again.
func (s *Store) RevokeAPIKey(id, reason string) error {
	now := time.Now().UnixMilli()
	var q string
	if s.driver == "sqlite" {
		q = `UPDATE api_keys SET revoked_at = ?, revoked_reason = ?, updated_at = ? WHERE id = ? AND revoked_at IS NULL`
	} else {
		q = `UPDATE api_keys SET revoked_at = $1, revoked_reason = $2, updated_at = $3 WHERE id = $4 AND revoked_at IS NULL`
	}
	res, err := s.db.Exec(q, now, nullable(reason), now, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
