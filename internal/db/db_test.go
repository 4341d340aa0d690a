package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "frostd.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Migrate())
	require.NoError(t, store.Migrate())
}

func TestKVRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, ok := store.GetKV("env:RELAYS")
	assert.False(t, ok)

	require.NoError(t, store.SetKV("env:RELAYS", "wss://a.test"))
	require.NoError(t, store.SetKV("env:RELAYS", "wss://b.test")) // upsert
	require.NoError(t, store.SetKV("env:GROUP_NAME", "main"))
	require.NoError(t, store.SetKV("other", "x"))

	v, ok := store.GetKV("env:RELAYS")
	require.True(t, ok)
	assert.Equal(t, "wss://b.test", v)

	all, err := store.ListKV("env:")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"env:RELAYS":     "wss://b.test",
		"env:GROUP_NAME": "main",
	}, all)

	require.NoError(t, store.DeleteKV("env:RELAYS"))
	_, ok = store.GetKV("env:RELAYS")
	assert.False(t, ok)
}

func TestCredentialPairingInvariant(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateUser("alice", "hash", "salt", "admin")
	require.NoError(t, err)

	// One credential without the other is rejected.
	assert.Error(t, store.UpdateUserCredentials(id, "groupblob", "", "", ""))
	assert.Error(t, store.UpdateUserCredentials(id, "", "shareblob", "", ""))

	require.NoError(t, store.UpdateUserCredentials(id, "groupblob", "shareblob", `["wss://a.test"]`, "main"))
	u, err := store.GetUser(id)
	require.NoError(t, err)
	assert.Equal(t, "groupblob", u.GroupCredential.String)
	assert.Equal(t, "shareblob", u.ShareCredential.String)
	assert.Equal(t, "main", u.DisplayName.String)

	// Clearing both together is the only removal path.
	require.NoError(t, store.ClearUserCredentials(id))
	u, err = store.GetUser(id)
	require.NoError(t, err)
	assert.False(t, u.GroupCredential.Valid)
	assert.False(t, u.ShareCredential.Valid)
}

func TestGetUserNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetUser(99)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetUserByName("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransportSecretSetIfAbsent(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateUser("alice", "hash", "salt", "admin")
	require.NoError(t, err)

	first, err := store.SetTransportSecret(id, "aaaa")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", first)

	// A second writer gets the stored value back, not its own.
	second, err := store.SetTransportSecret(id, "bbbb")
	require.NoError(t, err)
	assert.Equal(t, "aaaa", second)
}

func TestUpdateUserPasswordClearsCredentials(t *testing.T) {
	store := openTestStore(t)
	id, err := store.CreateUser("alice", "hash", "salt", "admin")
	require.NoError(t, err)
	require.NoError(t, store.UpdateUserCredentials(id, "g", "s", "", ""))

	require.NoError(t, store.UpdateUserPassword(id, "newhash", "newsalt"))
	u, err := store.GetUser(id)
	require.NoError(t, err)
	assert.Equal(t, "newhash", u.PasswordHash)
	assert.Equal(t, "newsalt", u.EncryptionSalt)
	assert.False(t, u.GroupCredential.Valid)
	assert.False(t, u.ShareCredential.Valid)
}

func TestIsBusyAndTransient(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(errors.New("database is locked")))
	assert.True(t, IsBusy(errors.New("SQLITE_BUSY")))
	assert.False(t, IsBusy(errors.New("syntax error")))

	assert.True(t, IsTransient(errors.New("disk I/O error")))
	assert.False(t, IsTransient(errors.New("no such table")))
}
