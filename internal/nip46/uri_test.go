package nip46

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clientPK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestParseConnectURI(t *testing.T) {
	uri := "nostrconnect://" + clientPK +
		"?relay=wss%3A%2F%2Frelay.damus.io&relay=ws%3A%2F%2Flocalhost%3A7777" +
		"&secret=s3cret&name=Habla&url=https%3A%2F%2Fhabla.news"

	cr, err := ParseConnectURI(uri)
	require.NoError(t, err)
	assert.Equal(t, clientPK, cr.ClientPubkey)
	assert.Equal(t, []string{"wss://relay.damus.io", "ws://localhost:7777"}, cr.Relays)
	assert.Equal(t, "s3cret", cr.Secret)
	assert.Equal(t, "Habla", cr.Profile.Name)
	assert.Equal(t, "https://habla.news", cr.Profile.URL)

	// Without perms the default policy applies.
	assert.True(t, cr.Policy.Methods["sign_event"])
	assert.True(t, cr.Policy.Methods["nip44_encrypt"])
	assert.False(t, cr.Policy.Methods["nip04_encrypt"])
	assert.Empty(t, cr.Policy.Kinds)
}

func TestParseConnectURIPerms(t *testing.T) {
	uri := "nostrconnect://" + clientPK + "?perms=sign_event%3A1,sign_event%3A30023,nip04_decrypt"
	cr, err := ParseConnectURI(uri)
	require.NoError(t, err)
	assert.True(t, cr.Policy.Methods["sign_event"])
	assert.True(t, cr.Policy.Methods["nip04_decrypt"])
	assert.True(t, cr.Policy.Kinds["1"])
	assert.True(t, cr.Policy.Kinds["30023"])
	assert.False(t, cr.Policy.Kinds["0"])
}

func TestParseConnectURIRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"https://" + clientPK,
		"nostrconnect://tooshort",
		"nostrconnect://" + clientPK[:63] + "g",
	} {
		_, err := ParseConnectURI(raw)
		assert.ErrorIs(t, err, ErrInvalidConnectString, "uri %q", raw)
	}
}

func TestParseConnectURIFiltersNonWebsocketRelays(t *testing.T) {
	uri := "nostrconnect://" + clientPK + "?relay=https%3A%2F%2Fevil.example&relay=wss%3A%2F%2Fok.example"
	cr, err := ParseConnectURI(uri)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://ok.example"}, cr.Relays)
}

func TestPolicyAllows(t *testing.T) {
	p := Policy{
		Methods: map[string]bool{"sign_event": true, "nip44_encrypt": true},
		Kinds:   map[string]bool{"1": true},
	}

	assert.True(t, p.Allows("nip44_encrypt", -1))
	assert.False(t, p.Allows("nip04_encrypt", -1))

	// sign_event needs a kind grant on top of the method grant.
	assert.True(t, p.Allows("sign_event", 1))
	assert.False(t, p.Allows("sign_event", 4))

	p.Kinds["*"] = true
	assert.True(t, p.Allows("sign_event", 4))

	p.Methods["sign_event"] = false
	assert.False(t, p.Allows("sign_event", 1))
}

func TestDefaultPolicyGrantsNoKinds(t *testing.T) {
	p := DefaultPolicy()
	assert.True(t, p.Methods["get_public_key"])
	assert.False(t, p.Allows("sign_event", 1), "sign_event must not auto-approve without an explicit kind grant")
}
