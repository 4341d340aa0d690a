// Package bifrost is the adapter to the colocated Bifrost signer service,
// which holds the FROST share and runs the threshold ceremonies. frostd
// drives it over a small JSON API plus a websocket event stream and never
// looks inside the cryptography.
package bifrost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/glacierhq/frostd/internal/signer"
)

const httpTimeout = 30 * time.Second

// Factory returns a NodeFactory bound to the service at baseURL.
func Factory(baseURL string) signer.NodeFactory {
	return func(ctx context.Context, cfg signer.NodeConfig) (signer.Node, error) {
		return dial(ctx, baseURL, cfg)
	}
}

// client implements signer.Node against the Bifrost sidecar.
type client struct {
	base string
	http *http.Client

	nodeID  string
	groupPK string
	peers   []string

	mu      sync.Mutex
	handler signer.EventHandler

	streamCancel context.CancelFunc
	closed       bool
}

type startRequest struct {
	Group   string   `json:"group,omitempty"`
	Share   string   `json:"share,omitempty"`
	Relays  []string `json:"relays,omitempty"`
	Minimal bool     `json:"minimal,omitempty"`
}

type startResponse struct {
	NodeID  string   `json:"node_id"`
	GroupPK string   `json:"group_pk"`
	Peers   []string `json:"peers"`
}

func dial(ctx context.Context, baseURL string, cfg signer.NodeConfig) (*client, error) {
	c := &client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: httpTimeout},
	}

	startCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	var resp startResponse
	err := c.post(startCtx, "/node/start", startRequest{
		Group:   cfg.Group,
		Share:   cfg.Share,
		Relays:  cfg.Relays,
		Minimal: cfg.Minimal,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("bifrost: start: %w", err)
	}
	if resp.NodeID == "" || resp.GroupPK == "" {
		return nil, fmt.Errorf("bifrost: start returned no node")
	}

	c.nodeID = resp.NodeID
	c.groupPK = resp.GroupPK
	c.peers = resp.Peers

	streamCtx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	go c.runEventStream(streamCtx)

	return c, nil
}

func (c *client) Subscribe(h signer.EventHandler) func() {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

func (c *client) Sign(ctx context.Context, eventID string) (*signer.SignResult, error) {
	var resp struct {
		OK   bool        `json:"ok"`
		Data [][3]string `json:"data"`
		Err  string      `json:"err"`
	}
	err := c.post(ctx, "/node/sign", map[string]string{
		"node_id":  c.nodeID,
		"event_id": eventID,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("bifrost: sign: %s", resp.Err)
	}
	return &signer.SignResult{Entries: resp.Data}, nil
}

func (c *client) ECDH(ctx context.Context, peerPubkey string) (string, error) {
	var resp struct {
		OK   bool   `json:"ok"`
		Data string `json:"data"`
		Err  string `json:"err"`
	}
	err := c.post(ctx, "/node/ecdh", map[string]string{
		"node_id": c.nodeID,
		"peer":    peerPubkey,
	}, &resp)
	if err != nil {
		return "", err
	}
	if !resp.OK {
		return "", fmt.Errorf("bifrost: ecdh: %s", resp.Err)
	}
	return resp.Data, nil
}

func (c *client) Ping(ctx context.Context, peerPubkey string) error {
	var resp struct {
		OK  bool   `json:"ok"`
		Err string `json:"err"`
	}
	err := c.post(ctx, "/node/ping", map[string]string{
		"node_id": c.nodeID,
		"peer":    peerPubkey,
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("bifrost: ping: %s", resp.Err)
	}
	return nil
}

func (c *client) RelayStatus() map[string]bool {
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	var resp map[string]bool
	if err := c.get(ctx, "/node/"+c.nodeID+"/relays", &resp); err != nil {
		return nil
	}
	return resp
}

func (c *client) EnsureRelay(ctx context.Context, url string, timeout time.Duration) error {
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp struct {
		OK  bool   `json:"ok"`
		Err string `json:"err"`
	}
	err := c.post(opCtx, "/node/relays/ensure", map[string]any{
		"node_id":    c.nodeID,
		"relay":      url,
		"timeout_ms": timeout.Milliseconds(),
	}, &resp)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("bifrost: ensure relay %s: %s", url, resp.Err)
	}
	return nil
}

func (c *client) GroupPubKey() string { return c.groupPK }

func (c *client) Peers() []string { return append([]string(nil), c.peers...) }

func (c *client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.streamCancel != nil {
		c.streamCancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), httpTimeout)
	defer cancel()
	var resp struct{}
	return c.post(ctx, "/node/stop", map[string]string{"node_id": c.nodeID}, &resp)
}

// ─── HTTP plumbing ────────────────────────────────────────────────────────────

func (c *client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("bifrost: %s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, snippet)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
