package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)
	plaintext := "bfcred1qshare0payload"

	blob, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotContains(t, blob, plaintext)

	got, err := Decrypt(blob, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptFreshIVPerCall(t *testing.T) {
	key := randomKey(t)
	a, err := Encrypt("same input", key)
	require.NoError(t, err)
	b, err := Encrypt("same input", key)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptFailuresAreOpaque(t *testing.T) {
	key := randomKey(t)
	blob, err := Encrypt("secret", key)
	require.NoError(t, err)

	// Wrong key.
	_, err = Decrypt(blob, randomKey(t))
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Tampered ciphertext.
	raw, _ := base64.StdEncoding.DecodeString(blob)
	raw[len(raw)-1] ^= 0x01
	_, err = Decrypt(base64.StdEncoding.EncodeToString(raw), key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Not base64 at all.
	_, err = Decrypt("%%%", key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Too short to hold iv and tag.
	_, err = Decrypt(base64.StdEncoding.EncodeToString([]byte("tiny")), key)
	assert.ErrorIs(t, err, ErrDecryptionFailed)

	// Bad key length.
	_, err = Decrypt(blob, key[:16])
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDeriveKeyDistinctSalts(t *testing.T) {
	saltA, err := NewEncryptionSalt()
	require.NoError(t, err)
	saltB, err := NewEncryptionSalt()
	require.NoError(t, err)
	require.NotEqual(t, saltA, saltB)

	keyA, err := DeriveKey("correct horse", saltA)
	require.NoError(t, err)
	keyB, err := DeriveKey("correct horse", saltB)
	require.NoError(t, err)

	assert.Len(t, keyA, 32)
	assert.NotEqual(t, keyA, keyB, "same password under different salts must derive different keys")

	// Material sealed under one salt's key does not open under the other's.
	blob, err := Encrypt("share material", keyA)
	require.NoError(t, err)
	_, err = Decrypt(blob, keyB)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDeriveKeyRejectsBadSalt(t *testing.T) {
	_, err := DeriveKey("pw", "zz")
	assert.Error(t, err)
	_, err = DeriveKey("pw", "abcd") // valid hex, wrong length
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	key := randomKey(t)

	got, err := ParseKey(key)
	require.NoError(t, err)
	assert.Equal(t, key, got)

	got, err = ParseKey([]byte(hex.EncodeToString(key)))
	require.NoError(t, err)
	assert.Equal(t, key, got)

	_, err = ParseKey(key[:31])
	assert.Error(t, err)
	_, err = ParseKey([]byte("not hex and definitely not sixty-four characters of it either!!"))
	assert.Error(t, err)
}
