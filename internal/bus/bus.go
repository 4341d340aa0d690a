// Package bus is the in-process event fan-out shared by the signer
// supervisor, the NIP-46 service and the admin event stream. It also captures
// log output for replay over the admin WebSocket.
package bus

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	logBufSize    = 500
	subQueueDepth = 128
)

// Event is one typed message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"` // unix ms
	Data      json.RawMessage `json:"data,omitempty"`
}

type subscriber struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	closed bool
}

// push appends an event, discarding the oldest on overflow. It never blocks.
func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if len(s.queue) > subQueueDepth {
		s.queue = s.queue[len(s.queue)-subQueueDepth:]
	}
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Bus fans events out to subscribers and keeps a ring buffer of recent log
// lines written through its Writer.
type Bus struct {
	mu     sync.Mutex
	logBuf []string
	subs   map[*subscriber]struct{}
	out    io.Writer
}

// New creates a Bus whose Writer tees log lines to out.
func New(out io.Writer) *Bus {
	return &Bus{
		logBuf: make([]string, 0, logBufSize),
		subs:   map[*subscriber]struct{}{},
		out:    out,
	}
}

// Publish broadcasts an event. Payloads that fail to marshal are dropped;
// producers are never blocked by slow consumers.
func (b *Bus) Publish(eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		blob, err := json.Marshal(data)
		if err != nil {
			return
		}
		raw = blob
	}
	ev := Event{Type: eventType, Timestamp: time.Now().UnixMilli(), Data: raw}

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.push(ev)
	}
}

// Subscribe registers a consumer. Drain returns and clears the pending queue;
// the notify channel signals that new events may be pending. cancel must be
// called when done.
func (b *Bus) Subscribe() (notify <-chan struct{}, drain func() []Event, cancel func()) {
	s := &subscriber{notify: make(chan struct{}, 1)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	drain = func() []Event {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := s.queue
		s.queue = nil
		return out
	}
	cancel = func() {
		b.mu.Lock()
		delete(b.subs, s)
		b.mu.Unlock()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
	}
	return s.notify, drain, cancel
}

// ─── Log capture ──────────────────────────────────────────────────────────────

// Write implements io.Writer. Every call is expected to be one JSON log line;
// the line is buffered, published as a "log" event, and passed through to the
// underlying writer.
func (b *Bus) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")

	b.mu.Lock()
	b.logBuf = append(b.logBuf, line)
	if len(b.logBuf) > logBufSize {
		b.logBuf = b.logBuf[len(b.logBuf)-logBufSize:]
	}
	b.mu.Unlock()

	b.Publish("log", line)
	return b.out.Write(p)
}

// LogLines returns a snapshot of the log ring buffer.
func (b *Bus) LogLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.logBuf))
	copy(out, b.logBuf)
	return out
}
