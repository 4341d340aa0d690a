package bifrost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glacierhq/frostd/internal/signer"
)

const sidecarPeer = "2222222222222222222222222222222222222222222222222222222222222222"

// sidecar fakes the Bifrost service's JSON API and event stream.
type sidecar struct {
	t *testing.T

	mu     sync.Mutex
	bodies map[string]map[string]any // path -> last decoded body
	events chan wireEvent

	srv      *httptest.Server
	upgrader websocket.Upgrader
}

func newSidecar(t *testing.T) *sidecar {
	sc := &sidecar{
		t:      t,
		bodies: map[string]map[string]any{},
		events: make(chan wireEvent, 8),
	}
	sc.srv = httptest.NewServer(http.HandlerFunc(sc.handle))
	t.Cleanup(sc.srv.Close)
	return sc
}

func (sc *sidecar) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, "/events") {
		conn, err := sc.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for ev := range sc.events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
		return
	}

	var body map[string]any
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	sc.mu.Lock()
	sc.bodies[r.URL.Path] = body
	sc.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/node/start":
		json.NewEncoder(w).Encode(startResponse{
			NodeID:  "node-1",
			GroupPK: "02" + sidecarPeer,
			Peers:   []string{sidecarPeer},
		})
	case "/node/sign":
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"data": [][3]string{{"1", sidecarPeer, "sig-final"}},
		})
	case "/node/ecdh":
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": strings.Repeat("cd", 32)})
	case "/node/ping":
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "err": "peer offline"})
	case "/node/relays/ensure":
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	case "/node/stop":
		json.NewEncoder(w).Encode(map[string]any{})
	case "/node/node-1/relays":
		json.NewEncoder(w).Encode(map[string]bool{"wss://relay.example": true})
	default:
		http.NotFound(w, r)
	}
}

func (sc *sidecar) lastBody(path string) map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.bodies[path]
}

func dialTest(t *testing.T, sc *sidecar, cfg signer.NodeConfig) signer.Node {
	t.Helper()
	node, err := Factory(sc.srv.URL)(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		close(sc.events)
		node.Close()
	})
	return node
}

func TestDialStartsNode(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{
		Group:  "bfgroup1...",
		Share:  "bfshare1...",
		Relays: []string{"wss://relay.example"},
	})

	assert.Equal(t, "02"+sidecarPeer, node.GroupPubKey())
	assert.Equal(t, []string{sidecarPeer}, node.Peers())

	started := sc.lastBody("/node/start")
	require.NotNil(t, started)
	assert.Equal(t, "bfgroup1...", started["group"])
	assert.Equal(t, "bfshare1...", started["share"])
	_, hasMinimal := started["minimal"]
	assert.False(t, hasMinimal, "minimal is omitted for a full start")
}

func TestDialMinimalFallback(t *testing.T) {
	sc := newSidecar(t)
	dialTest(t, sc, signer.NodeConfig{Minimal: true})

	started := sc.lastBody("/node/start")
	require.NotNil(t, started)
	assert.Equal(t, true, started["minimal"])
	_, hasShare := started["share"]
	assert.False(t, hasShare)
}

func TestDialRejectsEmptyStartResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(startResponse{})
	}))
	defer srv.Close()

	_, err := Factory(srv.URL)(context.Background(), signer.NodeConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no node")
}

func TestSignRoundTrip(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{})

	res, err := node.Sign(context.Background(), strings.Repeat("ee", 32))
	require.NoError(t, err)
	sig, err := res.Signature()
	require.NoError(t, err)
	assert.Equal(t, "sig-final", sig)

	body := sc.lastBody("/node/sign")
	require.NotNil(t, body)
	assert.Equal(t, "node-1", body["node_id"])
	assert.Equal(t, strings.Repeat("ee", 32), body["event_id"])
}

func TestECDHAndRelayStatus(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{})

	secret, err := node.ECDH(context.Background(), sidecarPeer)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("cd", 32), secret)

	status := node.RelayStatus()
	assert.Equal(t, map[string]bool{"wss://relay.example": true}, status)
}

func TestPingErrorPropagates(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{})

	err := node.Ping(context.Background(), sidecarPeer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer offline")
}

func TestEnsureRelayCarriesTimeout(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{})

	require.NoError(t, node.EnsureRelay(context.Background(), "wss://new.example", 5*time.Second))
	body := sc.lastBody("/node/relays/ensure")
	require.NotNil(t, body)
	assert.Equal(t, "wss://new.example", body["relay"])
	assert.Equal(t, float64(5000), body["timeout_ms"])
}

func TestEventStreamDeliversToSubscriber(t *testing.T) {
	sc := newSidecar(t)
	node := dialTest(t, sc, signer.NodeConfig{})

	type received struct {
		id, tag string
		msg     []byte
	}
	got := make(chan received, 1)
	unsub := node.Subscribe(func(id, tag string, msg []byte) {
		got <- received{id, tag, msg}
	})

	sc.events <- wireEvent{ID: "ex-1", Tag: "/sign/res", Msg: json.RawMessage(`{"sig":"x"}`)}

	select {
	case ev := <-got:
		assert.Equal(t, "ex-1", ev.id)
		assert.Equal(t, "/sign/res", ev.tag)
		assert.JSONEq(t, `{"sig":"x"}`, string(ev.msg))
	case <-time.After(5 * time.Second):
		t.Fatal("event never reached subscriber")
	}

	// After unsubscribe nothing is delivered.
	unsub()
	sc.events <- wireEvent{ID: "ex-2", Tag: "/sign/res", Msg: json.RawMessage(`{}`)}
	select {
	case ev := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseStopsNodeOnce(t *testing.T) {
	sc := newSidecar(t)
	node, err := Factory(sc.srv.URL)(context.Background(), signer.NodeConfig{})
	require.NoError(t, err)
	close(sc.events)

	require.NoError(t, node.Close())
	body := sc.lastBody("/node/stop")
	require.NotNil(t, body)
	assert.Equal(t, "node-1", body["node_id"])

	require.NoError(t, node.Close(), "second close is a no-op")
}

func TestWsURLSchemes(t *testing.T) {
	assert.Equal(t, "ws://host:1", wsURL("http://host:1"))
	assert.Equal(t, "wss://host", wsURL("https://host"))
	assert.Equal(t, "ws://already", wsURL("ws://already"))
}
