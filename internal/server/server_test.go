package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glacierhq/frostd/internal/auth"
	"github.com/glacierhq/frostd/internal/bus"
	"github.com/glacierhq/frostd/internal/config"
	"github.com/glacierhq/frostd/internal/db"
	"github.com/glacierhq/frostd/internal/nip46"
	"github.com/glacierhq/frostd/internal/peers"
	"github.com/glacierhq/frostd/internal/ratelimit"
	"github.com/glacierhq/frostd/internal/signer"
)

const (
	testPeer     = "1111111111111111111111111111111111111111111111111111111111111111"
	testClientPK = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testPassword = "frost-pw-12345"
)

// stubNode stands in for the external signer node behind the supervisor.
type stubNode struct{}

func (stubNode) Subscribe(h signer.EventHandler) func() { return func() {} }

func (stubNode) Sign(ctx context.Context, eventID string) (*signer.SignResult, error) {
	return &signer.SignResult{Entries: [][3]string{{"1", testPeer, "sig"}}}, nil
}

func (stubNode) ECDH(ctx context.Context, peerPubkey string) (string, error) {
	return strings.Repeat("ab", 32), nil
}

func (stubNode) Ping(ctx context.Context, peerPubkey string) error { return nil }

func (stubNode) RelayStatus() map[string]bool { return nil }

func (stubNode) EnsureRelay(ctx context.Context, url string, timeout time.Duration) error {
	return nil
}

func (stubNode) GroupPubKey() string { return "02" + testPeer }

func (stubNode) Peers() []string { return []string{testPeer} }

func (stubNode) Close() error { return nil }

type testEnv struct {
	srv        *Server
	store      *db.Store
	runtime    *config.Runtime
	registry   *peers.Registry
	supervisor *signer.Supervisor
	adminID    int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "frostd.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Port:             "0",
		Relays:           []string{"ws://127.0.0.1:1"},
		SessionTimeout:   time.Hour,
		SignTimeout:      5 * time.Second,
		RateLimitEnabled: false,
		RateLimitWindow:  time.Minute,
		RateLimitMax:     5,
		AdminSecret:      "automation-secret",
	}
	rt, err := config.NewRuntime(cfg, store)
	require.NoError(t, err)

	adminID, err := auth.CreateUser(store, "admin", testPassword, "")
	require.NoError(t, err)

	registry := peers.NewRegistry([]string{testPeer})
	policy := peers.NewEngine(store, peers.Defaults{AllowSend: true, AllowReceive: true})
	b := bus.New(io.Discard)
	sup := signer.New(func(ctx context.Context, nc signer.NodeConfig) (signer.Node, error) {
		return stubNode{}, nil
	}, registry, policy, b, signer.Options{RestartDelay: time.Millisecond})
	t.Cleanup(sup.Stop)

	sessions := auth.NewSessions(store, rt.SessionTimeout)
	nipsvc := nip46.NewService(store, sup, b, rt)
	t.Cleanup(nipsvc.Stop)

	srv := New(cfg, rt, store, sessions, ratelimit.New(store), sup, registry, policy, nipsvc, b)
	return &testEnv{srv: srv, store: store, runtime: rt, registry: registry, supervisor: sup, adminID: adminID}
}

func (e *testEnv) do(t *testing.T, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "192.0.2.10:50000"
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login",
		`{"username":"admin","password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		SessionID string `json:"session_id"`
		Role      string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.SessionID)
	require.Equal(t, "admin", resp.Role)
	return resp.SessionID
}

func TestHealthcheckIsPublic(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/healthcheck", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status        string `json:"status"`
		SignerRunning bool   `json:"signer_running"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.SignerRunning)
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	e := newTestEnv(t)
	for _, path := range []string{"/api/env", "/api/peers", "/api/nip46/sessions"} {
		rec := e.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestLoginFlow(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sessionID := e.login(t)

	// Bearer session token authenticates.
	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"Authorization": "Bearer " + sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	var env map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Contains(t, env, "RELAYS")

	// Cookie authenticates too.
	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"Cookie": sessionCookie + "=" + sessionID})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Logout invalidates the session.
	rec = e.do(t, http.MethodPost, "/api/auth/logout", "", map[string]string{"Authorization": "Bearer " + sessionID})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"Authorization": "Bearer " + sessionID})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRateLimited(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.runtime.Set("RATE_LIMIT_ENABLED", "true"))
	require.NoError(t, e.runtime.Set("RATE_LIMIT_MAX", "2"))

	for i := 0; i < 2; i++ {
		rec := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"admin","password":"wrong"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestAdminSecretAuth(t *testing.T) {
	e := newTestEnv(t)
	hdr := map[string]string{"X-Admin-Secret": "automation-secret"}

	rec := e.do(t, http.MethodGet, "/api/env", "", hdr)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"X-Admin-Secret": "guess"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEnvPatchRequiresAdmin(t *testing.T) {
	e := newTestEnv(t)
	_, err := auth.CreateUser(e.store, "viewer", testPassword, "user")
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/auth/login", `{"username":"viewer","password":"`+testPassword+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	hdr := map[string]string{"Authorization": "Bearer " + resp.SessionID}

	rec = e.do(t, http.MethodGet, "/api/env", "", hdr)
	assert.Equal(t, http.StatusOK, rec.Code, "read access is not admin-gated")

	rec = e.do(t, http.MethodPost, "/api/env", `{"GROUP_NAME":"other"}`, hdr)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEnvPatchAndDelete(t *testing.T) {
	e := newTestEnv(t)
	hdr := map[string]string{"X-Admin-Secret": "automation-secret"}

	rec := e.do(t, http.MethodPost, "/api/env", `{"SESSION_TIMEOUT":"120","GROUP_NAME":"main"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "120", env["SESSION_TIMEOUT"])
	assert.Equal(t, "main", env["GROUP_NAME"])

	// Unknown and invalid values are rejected.
	rec = e.do(t, http.MethodPost, "/api/env", `{"PORT":"9000"}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = e.do(t, http.MethodPost, "/api/env", `{"RELAYS":"https://nope.test"}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/env/delete", `{"keys":["SESSION_TIMEOUT"]}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "3600", env["SESSION_TIMEOUT"])
}

func TestAPIKeyLifecycle(t *testing.T) {
	e := newTestEnv(t)
	hdr := map[string]string{"X-Admin-Secret": "automation-secret"}

	body, _ := json.Marshal(map[string]any{"label": "ci", "userId": e.adminID})
	rec := e.do(t, http.MethodPost, "/api/admin/api-keys", string(body), hdr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var issued struct {
		ID     string `json:"id"`
		Token  string `json:"token"`
		Prefix string `json:"prefix"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	require.Len(t, issued.Token, 64)

	// The key authenticates via either header form.
	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"X-API-Key": issued.Token})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"Authorization": "Bearer " + issued.Token})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Listing never exposes the token, only the prefix.
	rec = e.do(t, http.MethodGet, "/api/admin/api-keys", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), issued.Prefix)
	assert.NotContains(t, rec.Body.String(), issued.Token)

	rec = e.do(t, http.MethodPost, "/api/admin/api-keys/revoke",
		`{"apiKeyId":"`+issued.ID+`","reason":"rotated"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/env", "", map[string]string{"X-API-Key": issued.Token})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Revoking twice reports not found.
	rec = e.do(t, http.MethodPost, "/api/admin/api-keys/revoke",
		`{"apiKeyId":"`+issued.ID+`"}`, hdr)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPeerPolicyEndpoints(t *testing.T) {
	e := newTestEnv(t)
	hdr := map[string]string{"X-Admin-Secret": "automation-secret"}

	rec := e.do(t, http.MethodGet, "/api/peers", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []struct {
		Pubkey string `json:"pubkey"`
		Policy struct {
			EffectiveSend bool `json:"effective_send"`
		} `json:"policy"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, testPeer, list[0].Pubkey)
	assert.True(t, list[0].Policy.EffectiveSend)

	rec = e.do(t, http.MethodPut, "/api/peers/"+testPeer+"/policy", `{"allowSend":false}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		EffectiveSend    bool `json:"effective_send"`
		EffectiveReceive bool `json:"effective_receive"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.False(t, view.EffectiveSend)
	assert.True(t, view.EffectiveReceive)

	rec = e.do(t, http.MethodDelete, "/api/peers/"+testPeer+"/policy", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.EffectiveSend)

	rec = e.do(t, http.MethodPut, "/api/peers/nothex/policy", `{"allowSend":false}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPeersSelfUnavailableUntilStarted(t *testing.T) {
	e := newTestEnv(t)
	hdr := map[string]string{"X-Admin-Secret": "automation-secret"}

	rec := e.do(t, http.MethodGet, "/api/peers/self", "", hdr)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, e.supervisor.Start(context.Background(), "group", "share", nil))
	rec = e.do(t, http.MethodGet, "/api/peers/self", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Pubkey string `json:"pubkey"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, testPeer, body.Pubkey)
}

func TestStoreCredentialsStartsSigner(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.login(t)
	hdr := map[string]string{"Authorization": "Bearer " + sessionID}

	rec := e.do(t, http.MethodPost, "/api/user/credentials",
		`{"share":"bfshare1...","password":"`+testPassword+`"}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "share without group is rejected")

	rec = e.do(t, http.MethodPost, "/api/user/credentials",
		`{"share":"bfshare1...","group":"bfgroup1...","password":"wrong"}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/user/credentials",
		`{"share":"bfshare1...","group":"bfgroup1...","group_name":"main","password":"`+testPassword+`"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// The blobs land encrypted and the node comes up in the background.
	user, err := e.store.GetUser(e.adminID)
	require.NoError(t, err)
	require.True(t, user.ShareCredential.Valid)
	assert.NotContains(t, user.ShareCredential.String, "bfshare1")
	key, err := auth.DeriveKey(testPassword, user.EncryptionSalt)
	require.NoError(t, err)
	share, err := auth.Decrypt(user.ShareCredential.String, key)
	require.NoError(t, err)
	assert.Equal(t, "bfshare1...", share)

	require.Eventually(t, e.supervisor.Running, 2*time.Second, 10*time.Millisecond)

	rec = e.do(t, http.MethodDelete, "/api/user/credentials", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	user, err = e.store.GetUser(e.adminID)
	require.NoError(t, err)
	assert.False(t, user.ShareCredential.Valid)
	assert.False(t, e.supervisor.Running())
}

func TestNip46ConnectEndpoint(t *testing.T) {
	e := newTestEnv(t)
	sessionID := e.login(t)
	hdr := map[string]string{"Authorization": "Bearer " + sessionID}

	rec := e.do(t, http.MethodPost, "/api/nip46/connect", `{"uri":"http://nope"}`, hdr)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	uri := "nostrconnect://" + testClientPK + "?name=Coracle"
	rec = e.do(t, http.MethodPost, "/api/nip46/connect", `{"uri":"`+uri+`"}`, hdr)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/nip46/sessions", "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Sessions []struct {
			ClientPubkey string `json:"client_pubkey"`
			Status       string `json:"status"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, testClientPK, resp.Sessions[0].ClientPubkey)
	assert.Equal(t, "pending", resp.Sessions[0].Status)

	rec = e.do(t, http.MethodDelete, "/api/nip46/sessions/"+testClientPK, "", hdr)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/nip46/sessions", "", hdr)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "revoked", resp.Sessions[0].Status)
}

func TestCORSReflectsAllowedOrigin(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.runtime.Set("ALLOWED_ORIGINS", "https://admin.example"))

	rec := e.do(t, http.MethodGet, "/api/healthcheck", "", map[string]string{"Origin": "https://admin.example"})
	assert.Equal(t, "https://admin.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = e.do(t, http.MethodGet, "/api/healthcheck", "", map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = e.do(t, http.MethodOptions, "/api/env", "", map[string]string{"Origin": "https://admin.example"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
