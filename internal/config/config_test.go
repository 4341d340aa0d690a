package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRelays(t *testing.T) {
	assert.Nil(t, ParseRelays(""))
	assert.Nil(t, ParseRelays("   "))

	got := ParseRelays("wss://a.test, ws://b.test ,, https://nope.test")
	assert.Equal(t, []string{"wss://a.test", "ws://b.test"}, got)

	got = ParseRelays(`["wss://a.test","https://nope.test","ws://b.test"]`)
	assert.Equal(t, []string{"wss://a.test", "ws://b.test"}, got)

	// Malformed JSON falls back to comma splitting.
	got = ParseRelays(`["wss://a.test"`)
	assert.Empty(t, got)
}

func TestValidRelayURL(t *testing.T) {
	assert.True(t, ValidRelayURL("wss://relay.damus.io"))
	assert.True(t, ValidRelayURL("ws://localhost:7777"))
	assert.False(t, ValidRelayURL("https://relay.damus.io"))
	assert.False(t, ValidRelayURL("relay.damus.io"))
}

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8002", cfg.Port)
	assert.NotEmpty(t, cfg.DatabaseURL)
	assert.NotEmpty(t, cfg.Relays)
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
	assert.Equal(t, 30*time.Second, cfg.SignTimeout)
	assert.True(t, cfg.RateLimitEnabled)
	assert.Equal(t, 5, cfg.RateLimitMax)
	assert.Equal(t, 2.0, cfg.NodeBackoffMultiplier)
	assert.Equal(t, 10*time.Second, cfg.NodePingTimeout)
	assert.Equal(t, "http://127.0.0.1:8084", cfg.BifrostURL)
}

func TestLoadClampsOutOfRangeValues(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "5")          // below the 60s floor
	t.Setenv("FROSTR_SIGN_TIMEOUT", "999999") // above the 120s ceiling
	t.Setenv("RATE_LIMIT_MAX", "0")
	t.Setenv("NODE_BACKOFF_MULTIPLIER", "50")

	cfg := Load()
	assert.Equal(t, MinSessionTimeout, cfg.SessionTimeout)
	assert.Equal(t, MaxSignTimeout, cfg.SignTimeout)
	assert.Equal(t, MinRateLimitMax, cfg.RateLimitMax)
	assert.Equal(t, MaxBackoffMultiplier, cfg.NodeBackoffMultiplier)
}

func TestLoadIgnoresGarbageNumbers(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "soon")
	t.Setenv("RATE_LIMIT_MAX", "many")
	cfg := Load()
	assert.Equal(t, time.Hour, cfg.SessionTimeout)
	assert.Equal(t, 5, cfg.RateLimitMax)
}

func TestLoadNodePingTimeout(t *testing.T) {
	t.Setenv("NODE_PING_TIMEOUT", "2500")
	cfg := Load()
	assert.Equal(t, 2500*time.Millisecond, cfg.NodePingTimeout)
}

func TestRuntimeOverrides(t *testing.T) {
	base := &Config{
		Relays:           []string{"wss://boot.test"},
		GroupName:        "main",
		SessionTimeout:   time.Hour,
		SignTimeout:      30 * time.Second,
		RateLimitEnabled: true,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     5,
	}
	rt, err := NewRuntime(base, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"wss://boot.test"}, rt.Relays())
	assert.Equal(t, time.Hour, rt.SessionTimeout())

	require.NoError(t, rt.Set("SESSION_TIMEOUT", "120"))
	assert.Equal(t, 2*time.Minute, rt.SessionTimeout())

	require.NoError(t, rt.SetRelays([]string{"wss://new.test"}))
	assert.Equal(t, []string{"wss://new.test"}, rt.Relays())

	require.NoError(t, rt.Set("RATE_LIMIT_ENABLED", "false"))
	assert.False(t, rt.RateLimitEnabled())

	// Delete reverts to the boot value.
	require.NoError(t, rt.Delete("SESSION_TIMEOUT"))
	assert.Equal(t, time.Hour, rt.SessionTimeout())

	snap := rt.Snapshot()
	assert.Equal(t, "wss://new.test", snap["RELAYS"])
	assert.Equal(t, "false", snap["RATE_LIMIT_ENABLED"])
	assert.Equal(t, "3600", snap["SESSION_TIMEOUT"])
}

func TestRuntimeRejectsInvalidValues(t *testing.T) {
	rt, err := NewRuntime(&Config{}, nil)
	require.NoError(t, err)

	assert.Error(t, rt.Set("PORT", "9000"), "non-runtime keys are rejected")
	assert.Error(t, rt.Set("RELAYS", "https://nope.test"))
	assert.Error(t, rt.Set("SESSION_TIMEOUT", "soon"))
	assert.Error(t, rt.Set("RATE_LIMIT_ENABLED", "maybe"))
}
