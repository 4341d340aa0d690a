// Package config loads frostd configuration from the environment and
// maintains the runtime-patchable subset exposed through the admin API.
package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Bounds for clamped numeric settings. Values outside these ranges are
// clamped with a warning rather than rejected.
const (
	MinSessionTimeout = 60 * time.Second
	MaxSessionTimeout = 86400 * time.Second

	MinSignTimeout = 1000 * time.Millisecond
	MaxSignTimeout = 120000 * time.Millisecond

	MinRateLimitWindow = 1 * time.Second
	MaxRateLimitWindow = 3600 * time.Second

	MinRateLimitMax = 1
	MaxRateLimitMax = 10000

	MinBackoffMultiplier = 1.0
	MaxBackoffMultiplier = 10.0
)

// Config holds all configuration read at startup. The runtime-patchable
// subset lives in Runtime; everything here is fixed for the process lifetime.
type Config struct {
	Port        string
	DatabaseURL string
	DataDir     string

	ShareCred string
	GroupCred string
	GroupName string
	Relays    []string

	SessionTimeout time.Duration
	SignTimeout    time.Duration

	RateLimitEnabled bool
	RateLimitWindow  time.Duration
	RateLimitMax     int

	NodeRestartDelay         time.Duration
	NodeMaxRetries           int
	NodeBackoffMultiplier    float64
	NodeMaxRetryDelay        time.Duration
	NodePingTimeout          time.Duration
	InitialConnectivityDelay time.Duration

	AllowedOrigins []string
	AdminSecret    string

	// BifrostURL is the base URL of the colocated Bifrost signer service.
	BifrostURL string
}

// DefaultRelays seeds the relay list when none is configured or stored.
var DefaultRelays = []string{"wss://relay.damus.io", "wss://relay.primal.net"}

// Load reads configuration from a .env file (if present) and the environment.
func Load() *Config {
	// Missing .env is fine; the environment alone is a valid configuration.
	_ = godotenv.Load()

	relays := ParseRelays(os.Getenv("RELAYS"))
	if len(relays) == 0 {
		relays = append([]string(nil), DefaultRelays...)
	}

	cfg := &Config{
		Port:        getEnv("HOST_PORT", "8002"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DataDir:     getEnv("DATA_DIR", "data"),

		ShareCred: os.Getenv("SHARE_CRED"),
		GroupCred: os.Getenv("GROUP_CRED"),
		GroupName: os.Getenv("GROUP_NAME"),
		Relays:    relays,

		SessionTimeout: clampDuration("SESSION_TIMEOUT",
			parseSeconds(os.Getenv("SESSION_TIMEOUT"), time.Hour),
			MinSessionTimeout, MaxSessionTimeout),
		SignTimeout: clampDuration("FROSTR_SIGN_TIMEOUT",
			parseMillis(os.Getenv("FROSTR_SIGN_TIMEOUT"), 30*time.Second),
			MinSignTimeout, MaxSignTimeout),

		RateLimitEnabled: getEnv("RATE_LIMIT_ENABLED", "true") != "false",
		RateLimitWindow: clampDuration("RATE_LIMIT_WINDOW",
			parseSeconds(os.Getenv("RATE_LIMIT_WINDOW"), time.Minute),
			MinRateLimitWindow, MaxRateLimitWindow),
		RateLimitMax: clampInt("RATE_LIMIT_MAX",
			parseInt(os.Getenv("RATE_LIMIT_MAX"), 5),
			MinRateLimitMax, MaxRateLimitMax),

		NodeRestartDelay:         parseMillis(os.Getenv("NODE_RESTART_DELAY"), time.Second),
		NodeMaxRetries:           parseInt(os.Getenv("NODE_MAX_RETRIES"), 5),
		NodeBackoffMultiplier:    clampFloat("NODE_BACKOFF_MULTIPLIER", parseFloat(os.Getenv("NODE_BACKOFF_MULTIPLIER"), 2.0), MinBackoffMultiplier, MaxBackoffMultiplier),
		NodeMaxRetryDelay:        parseMillis(os.Getenv("NODE_MAX_RETRY_DELAY"), 10*time.Second),
		NodePingTimeout:          parseMillis(os.Getenv("NODE_PING_TIMEOUT"), 10*time.Second),
		InitialConnectivityDelay: parseMillis(os.Getenv("INITIAL_CONNECTIVITY_DELAY"), 2*time.Second),

		AllowedOrigins: splitCSV(os.Getenv("ALLOWED_ORIGINS")),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),

		BifrostURL: getEnv("BIFROST_URL", "http://127.0.0.1:8084"),
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = cfg.DataDir + string(os.PathSeparator) + "frostd.db"
	}
	return cfg
}

// ParseRelays accepts either a JSON array of URLs or a comma-separated list.
func ParseRelays(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.HasPrefix(s, "[") {
		var urls []string
		if err := json.Unmarshal([]byte(s), &urls); err == nil {
			return sanitizeRelays(urls)
		}
		slog.Warn("RELAYS looks like JSON but failed to parse; falling back to comma split")
	}
	return sanitizeRelays(strings.Split(s, ","))
}

// ValidRelayURL reports whether u is a plausible relay endpoint.
func ValidRelayURL(u string) bool {
	return strings.HasPrefix(u, "wss://") || strings.HasPrefix(u, "ws://")
}

func sanitizeRelays(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if !ValidRelayURL(r) {
			slog.Warn("ignoring relay with unsupported scheme", "relay", r)
			continue
		}
		out = append(out, r)
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseFloat(s string, fallback float64) float64 {
	if s == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseSeconds(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Second
}

func parseMillis(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}

func clampDuration(key string, v, lo, hi time.Duration) time.Duration {
	if v < lo {
		slog.Warn("config value below minimum, clamping", "key", key, "value", v, "min", lo)
		return lo
	}
	if v > hi {
		slog.Warn("config value above maximum, clamping", "key", key, "value", v, "max", hi)
		return hi
	}
	return v
}

func clampInt(key string, v, lo, hi int) int {
	if v < lo {
		slog.Warn("config value below minimum, clamping", "key", key, "value", v, "min", lo)
		return lo
	}
	if v > hi {
		slog.Warn("config value above maximum, clamping", "key", key, "value", v, "max", hi)
		return hi
	}
	return v
}

func clampFloat(key string, v, lo, hi float64) float64 {
	if v < lo {
		slog.Warn("config value below minimum, clamping", "key", key, "value", v, "min", lo)
		return lo
	}
	if v > hi {
		slog.Warn("config value above maximum, clamping", "key", key, "value", v, "max", hi)
		return hi
	}
	return v
}
