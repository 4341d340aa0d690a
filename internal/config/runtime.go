package config

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KV is the persistence hook for runtime overrides. Satisfied by db.Store.
type KV interface {
	SetKV(key, value string) error
	GetKV(key string) (string, bool)
	DeleteKV(key string) error
	ListKV(prefix string) (map[string]string, error)
}

const kvPrefix = "env:"

// runtimeKeys is the subset of environment keys that may be patched while
// the daemon is running. Everything else requires a restart.
var runtimeKeys = map[string]bool{
	"RELAYS":              true,
	"GROUP_NAME":          true,
	"SESSION_TIMEOUT":     true,
	"FROSTR_SIGN_TIMEOUT": true,
	"RATE_LIMIT_ENABLED":  true,
	"RATE_LIMIT_WINDOW":   true,
	"RATE_LIMIT_MAX":      true,
	"ALLOWED_ORIGINS":     true,
}

// Runtime layers persisted admin overrides on top of the boot Config and
// serves the effective values to the rest of the daemon. All accessors are
// safe for concurrent use.
type Runtime struct {
	mu   sync.RWMutex
	base *Config
	over map[string]string
	kv   KV
}

// NewRuntime builds a Runtime over base, loading any persisted overrides.
func NewRuntime(base *Config, kv KV) (*Runtime, error) {
	rt := &Runtime{base: base, over: map[string]string{}, kv: kv}
	if kv != nil {
		stored, err := kv.ListKV(kvPrefix)
		if err != nil {
			return nil, fmt.Errorf("load runtime overrides: %w", err)
		}
		for k, v := range stored {
			key := strings.TrimPrefix(k, kvPrefix)
			if runtimeKeys[key] {
				rt.over[key] = v
			}
		}
	}
	return rt, nil
}

// Set validates and applies an override, persisting it when a KV is attached.
func (rt *Runtime) Set(key, value string) error {
	if !runtimeKeys[key] {
		return fmt.Errorf("key %q is not runtime-configurable", key)
	}
	if err := validateRuntimeValue(key, value); err != nil {
		return err
	}
	rt.mu.Lock()
	rt.over[key] = value
	rt.mu.Unlock()
	if rt.kv != nil {
		return rt.kv.SetKV(kvPrefix+key, value)
	}
	return nil
}

// Delete removes an override; the effective value reverts to the boot config.
func (rt *Runtime) Delete(key string) error {
	rt.mu.Lock()
	delete(rt.over, key)
	rt.mu.Unlock()
	if rt.kv != nil {
		return rt.kv.DeleteKV(kvPrefix + key)
	}
	return nil
}

// Snapshot returns the effective runtime-configurable values.
func (rt *Runtime) Snapshot() map[string]string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := map[string]string{
		"RELAYS":              strings.Join(rt.relaysLocked(), ","),
		"GROUP_NAME":          rt.stringLocked("GROUP_NAME", rt.base.GroupName),
		"SESSION_TIMEOUT":     strconv.Itoa(int(rt.sessionTimeoutLocked() / time.Second)),
		"FROSTR_SIGN_TIMEOUT": strconv.Itoa(int(rt.signTimeoutLocked() / time.Millisecond)),
		"RATE_LIMIT_ENABLED":  strconv.FormatBool(rt.rateLimitEnabledLocked()),
		"RATE_LIMIT_WINDOW":   strconv.Itoa(int(rt.rateLimitWindowLocked() / time.Second)),
		"RATE_LIMIT_MAX":      strconv.Itoa(rt.rateLimitMaxLocked()),
		"ALLOWED_ORIGINS":     strings.Join(rt.allowedOriginsLocked(), ","),
	}
	return out
}

// Relays returns the effective relay list.
func (rt *Runtime) Relays() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]string(nil), rt.relaysLocked()...)
}

// SetRelays stores a new relay list as an override.
func (rt *Runtime) SetRelays(relays []string) error {
	return rt.Set("RELAYS", strings.Join(relays, ","))
}

// GroupName returns the effective keyset display name.
func (rt *Runtime) GroupName() string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.stringLocked("GROUP_NAME", rt.base.GroupName)
}

// SessionTimeout returns the effective admin session TTL.
func (rt *Runtime) SessionTimeout() time.Duration {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.sessionTimeoutLocked()
}

// SignTimeout returns the effective threshold-sign operation timeout.
func (rt *Runtime) SignTimeout() time.Duration {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.signTimeoutLocked()
}

// RateLimitEnabled reports whether admin-surface rate limiting is on.
func (rt *Runtime) RateLimitEnabled() bool {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.rateLimitEnabledLocked()
}

// RateLimitWindow returns the effective rate-limit window.
func (rt *Runtime) RateLimitWindow() time.Duration {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.rateLimitWindowLocked()
}

// RateLimitMax returns the effective per-window attempt budget.
func (rt *Runtime) RateLimitMax() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.rateLimitMaxLocked()
}

// AllowedOrigins returns the effective CORS allowlist.
func (rt *Runtime) AllowedOrigins() []string {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return append([]string(nil), rt.allowedOriginsLocked()...)
}

func (rt *Runtime) stringLocked(key, fallback string) string {
	if v, ok := rt.over[key]; ok {
		return v
	}
	return fallback
}

func (rt *Runtime) relaysLocked() []string {
	if v, ok := rt.over["RELAYS"]; ok {
		if relays := ParseRelays(v); len(relays) > 0 {
			return relays
		}
	}
	return rt.base.Relays
}

func (rt *Runtime) sessionTimeoutLocked() time.Duration {
	if v, ok := rt.over["SESSION_TIMEOUT"]; ok {
		return clampDuration("SESSION_TIMEOUT", parseSeconds(v, rt.base.SessionTimeout), MinSessionTimeout, MaxSessionTimeout)
	}
	return rt.base.SessionTimeout
}

func (rt *Runtime) signTimeoutLocked() time.Duration {
	if v, ok := rt.over["FROSTR_SIGN_TIMEOUT"]; ok {
		return clampDuration("FROSTR_SIGN_TIMEOUT", parseMillis(v, rt.base.SignTimeout), MinSignTimeout, MaxSignTimeout)
	}
	return rt.base.SignTimeout
}

func (rt *Runtime) rateLimitEnabledLocked() bool {
	if v, ok := rt.over["RATE_LIMIT_ENABLED"]; ok {
		return v != "false"
	}
	return rt.base.RateLimitEnabled
}

func (rt *Runtime) rateLimitWindowLocked() time.Duration {
	if v, ok := rt.over["RATE_LIMIT_WINDOW"]; ok {
		return clampDuration("RATE_LIMIT_WINDOW", parseSeconds(v, rt.base.RateLimitWindow), MinRateLimitWindow, MaxRateLimitWindow)
	}
	return rt.base.RateLimitWindow
}

func (rt *Runtime) rateLimitMaxLocked() int {
	if v, ok := rt.over["RATE_LIMIT_MAX"]; ok {
		return clampInt("RATE_LIMIT_MAX", parseInt(v, rt.base.RateLimitMax), MinRateLimitMax, MaxRateLimitMax)
	}
	return rt.base.RateLimitMax
}

func (rt *Runtime) allowedOriginsLocked() []string {
	if v, ok := rt.over["ALLOWED_ORIGINS"]; ok {
		return splitCSV(v)
	}
	return rt.base.AllowedOrigins
}

func validateRuntimeValue(key, value string) error {
	switch key {
	case "RELAYS":
		for _, r := range strings.Split(value, ",") {
			r = strings.TrimSpace(r)
			if r != "" && !ValidRelayURL(r) {
				return fmt.Errorf("invalid relay URL %q", r)
			}
		}
	case "SESSION_TIMEOUT", "RATE_LIMIT_WINDOW", "FROSTR_SIGN_TIMEOUT", "RATE_LIMIT_MAX":
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("%s must be an integer: %w", key, err)
		}
	case "RATE_LIMIT_ENABLED":
		if value != "true" && value != "false" {
			return fmt.Errorf("%s must be true or false", key)
		}
	}
	return nil
}
