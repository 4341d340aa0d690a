package bifrost

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const streamReconnectDelay = 2 * time.Second

// wireEvent is one tagged message from the sidecar's event stream.
type wireEvent struct {
	ID  string          `json:"id"`
	Tag string          `json:"tag"`
	Msg json.RawMessage `json:"msg"`
}

// runEventStream keeps a websocket open to the sidecar's /node/{id}/events
// endpoint and forwards tagged messages to the subscribed handler. It
// reconnects until ctx is cancelled.
func (c *client) runEventStream(ctx context.Context) {
	url := wsURL(c.base) + "/node/" + c.nodeID + "/events"

	for ctx.Err() == nil {
		if err := c.streamOnce(ctx, url); err != nil && ctx.Err() == nil {
			slog.Debug("bifrost event stream dropped", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(streamReconnectDelay):
		}
	}
}

func (c *client) streamOnce(ctx context.Context, url string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil && ev.Tag != "" {
			handler(ev.ID, ev.Tag, ev.Msg)
		}
	}
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
