package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/ratelimit"
)

type ctxKey int

const (
	ctxUserKey ctxKey = iota
	ctxSessionKey
)

const sessionCookie = "frostd_session"

// requestUser returns the authenticated user, or nil.
func requestUser(r *http.Request) *db.User {
	u, _ := r.Context().Value(ctxUserKey).(*db.User)
	return u
}

func requestSessionID(r *http.Request) string {
	id, _ := r.Context().Value(ctxSessionKey).(string)
	return id
}

// requireAuth accepts a session token (cookie or bearer), an API key, or the
// admin secret. Every failure mode returns the same 401 body.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, sessionID, ok := s.authenticate(r); ok {
			ctx := context.WithValue(r.Context(), ctxUserKey, user)
			if sessionID != "" {
				ctx = context.WithValue(ctx, ctxSessionKey, sessionID)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		errorResponse(w, "authentication required", http.StatusUnauthorized)
	})
}

func (s *Server) authenticate(r *http.Request) (*db.User, string, bool) {
	// Session cookie.
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		if user, ok := s.userForSession(c.Value); ok {
			return user, c.Value, true
		}
	}

	header := r.Header.Get("Authorization")
	token, isBearer := strings.CutPrefix(header, "Bearer ")
	if isBearer {
		token = strings.TrimSpace(token)
		if user, ok := s.userForSession(token); ok {
			return user, token, true
		}
		if user, ok := s.userForAPIKey(token, r); ok {
			return user, "", true
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		if user, ok := s.userForAPIKey(key, r); ok {
			return user, "", true
		}
	}

	// Deployment-level escape hatch for headless automation.
	if s.cfg.AdminSecret != "" {
		secret := r.Header.Get("X-Admin-Secret")
		if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.AdminSecret)) == 1 {
			return &db.User{Username: "admin-secret", Role: "admin"}, "", true
		}
	}

	return nil, "", false
}

func (s *Server) userForSession(token string) (*db.User, bool) {
	session, err := s.sessions.Get(token)
	if err != nil {
		return nil, false
	}
	user, err := s.store.GetUser(session.UserID)
	if err != nil {
		return nil, false
	}
	return user, true
}

func (s *Server) userForAPIKey(token string, r *http.Request) (*db.User, bool) {
	key, err := auth.VerifyAPIKey(s.store, token, clientIP(r))
	if err != nil || !key.CreatedByUserID.Valid {
		return nil, false
	}
	user, err := s.store.GetUser(key.CreatedByUserID.Int64)
	if err != nil {
		return nil, false
	}
	return user, true
}

// requireAdmin guards admin-only routes. Must run inside requireAuth.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := requestUser(r)
		if user == nil || user.Role != "admin" {
			errorResponse(w, "admin role required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware reflects origins from the runtime ALLOWED_ORIGINS list.
// "*" allows any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Admin-Secret")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.runtime.AllowedOrigins() {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// checkRateLimit applies the limiter for one bucket keyed by client IP.
// Returns false after writing the response when the request must not proceed.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !s.runtime.RateLimitEnabled() {
		return true
	}
	res, err := s.limiter.Check(r.Context(), clientIP(r), ratelimit.Policy{
		Bucket: bucket,
		Window: s.runtime.RateLimitWindow(),
		Max:    s.runtime.RateLimitMax(),
	})
	if err != nil {
		if errors.Is(err, ratelimit.ErrUnavailable) {
			errorResponse(w, "rate limiter unavailable", http.StatusServiceUnavailable)
			return false
		}
		errorResponse(w, "internal error", http.StatusInternalServerError)
		return false
	}
	if !res.Allowed {
		w.Header().Set("Retry-After", res.ResetAt.UTC().Format(http.TimeFormat))
		jsonResponse(w, map[string]any{
			"error":     "rate limited",
			"reset_at":  res.ResetAt.UnixMilli(),
			"remaining": res.Remaining,
		}, http.StatusTooManyRequests)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
