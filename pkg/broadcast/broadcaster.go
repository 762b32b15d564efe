// Package broadcast fans out server-sent events to connected observers.
//
// Delivery is best-effort and at-most-once per live client: a client whose
// write fails, or does not complete within the write timeout, is dropped and
// never retried. Nothing is replayed on connect; a new client receives a
// "connected" greeting and must fetch state itself.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"streamd/pkg/protocol"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Notifier is the publish side used by the scanner, reconciler and API.
type Notifier interface {
	Broadcast(eventType protocol.EventType, data any) int
}

var (
	errClientClosed = errors.New("client closed")
	errWriteTimeout = errors.New("client write timed out")
)

// client is one connected observer. A single writer goroutine owns w; callers
// hand it frames and wait at most timeout for each. Once exited is closed, w
// is never touched again.
type client struct {
	id      string
	w       io.Writer
	flusher http.Flusher
	timeout time.Duration

	mu      sync.Mutex // one frame in flight at a time
	frames  chan []byte
	results chan error
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
}

func newClient(w io.Writer, timeout time.Duration) *client {
	c := &client{
		id:      uuid.NewString(),
		w:       w,
		timeout: timeout,
		frames:  make(chan []byte),
		results: make(chan error, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	if f, ok := w.(http.Flusher); ok {
		c.flusher = f
	}
	go c.run()
	return c
}

func (c *client) run() {
	defer close(c.exited)
	for {
		select {
		case <-c.done:
			return
		case f := <-c.frames:
			_, err := c.w.Write(f)
			if err == nil && c.flusher != nil {
				c.flusher.Flush()
			}
			// The slot is only full when a timed-out caller left; drop.
			select {
			case c.results <- err:
			default:
			}
		}
	}
}

// write delivers one frame. A write still blocked after timeout closes the
// client and returns errWriteTimeout; the writer goroutine stays parked on
// w until the underlying connection gives up.
func (c *client) write(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return errClientClosed
	case <-timer.C:
		c.close()
		return errWriteTimeout
	case c.frames <- frame:
	}
	select {
	case err := <-c.results:
		return err
	case <-timer.C:
		c.close()
		return errWriteTimeout
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// Broadcaster holds the set of live clients.
type Broadcaster struct {
	mu                sync.RWMutex
	clients           map[string]*client
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	nowFunc           func() time.Time
	logger            *log.Logger
	closed            bool
}

// Option customizes a Broadcaster.
type Option func(*Broadcaster)

// WithHeartbeat sets the keep-alive comment interval (default 30s).
func WithHeartbeat(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.heartbeatInterval = d
		}
	}
}

// WithWriteTimeout bounds how long one client may take to accept a frame
// (default 5s). Slower clients are dropped.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithClock overrides the time source for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.nowFunc = now
		}
	}
}

// New returns an empty Broadcaster.
func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clients:           make(map[string]*client),
		heartbeatInterval: protocol.DefaultHeartbeatInterval,
		writeTimeout:      protocol.DefaultWriteTimeout,
		nowFunc:           time.Now,
		logger:            log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// frame renders one SSE frame: event line, JSON data line, blank line.
func frame(eventType protocol.EventType, payload protocol.Event) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return fmt.Appendf(nil, "event: %s\ndata: %s\n\n", eventType, data), nil
}

// AddClient registers w as a client and sends it the connected greeting.
// It returns the client id and a channel closed when the client is removed.
func (b *Broadcaster) AddClient(w io.Writer) (string, <-chan struct{}, error) {
	c, err := b.addClient(w)
	if err != nil {
		return "", nil, err
	}
	return c.id, c.done, nil
}

func (b *Broadcaster) addClient(w io.Writer) (*client, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("broadcaster closed")
	}
	c := newClient(w, b.writeTimeout)
	b.clients[c.id] = c
	b.mu.Unlock()

	greeting, err := frame(protocol.EventConnected, protocol.Event{
		Type:      protocol.EventConnected,
		ClientID:  c.id,
		Timestamp: b.nowFunc().UTC(),
	})
	if err == nil {
		err = c.write(greeting)
	}
	if err != nil {
		b.RemoveClient(c.id)
		return nil, fmt.Errorf("send greeting: %w", err)
	}
	b.logger.Debug("client connected", "client", c.id, "clients", b.ClientCount())
	return c, nil
}

// RemoveClient drops a client. Removing an unknown id is a no-op.
func (b *Broadcaster) RemoveClient(id string) {
	b.mu.Lock()
	c, ok := b.clients[id]
	delete(b.clients, id)
	b.mu.Unlock()
	if ok {
		c.close()
		b.logger.Debug("client removed", "client", id)
	}
}

// ClientCount returns the number of live clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// snapshot copies the client set so writes happen outside the map lock.
func (b *Broadcaster) snapshot() []*client {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}

// Broadcast sends one event to every live client and returns how many
// received it. Clients whose write fails or times out are removed; the rest
// still get the event. It returns within roughly one write timeout however
// many clients are stalled.
func (b *Broadcaster) Broadcast(eventType protocol.EventType, data any) int {
	payload, err := frame(eventType, protocol.Event{
		Type:      eventType,
		Timestamp: b.nowFunc().UTC(),
		Data:      data,
	})
	if err != nil {
		b.logger.Error("broadcast dropped", "event", eventType, "err", err)
		return 0
	}

	return b.fanOut(payload)
}

// fanOut writes payload to every client concurrently and returns how many
// accepted it.
func (b *Broadcaster) fanOut(payload []byte) int {
	var (
		wg        sync.WaitGroup
		delivered atomic.Int32
	)
	for _, c := range b.snapshot() {
		wg.Go(func() {
			if err := c.write(payload); err != nil {
				b.logger.Debug("client write failed", "client", c.id, "err", err)
				b.RemoveClient(c.id)
				return
			}
			delivered.Add(1)
		})
	}
	wg.Wait()
	return int(delivered.Load())
}

// heartbeat writes an SSE comment to every client, removing dead ones.
func (b *Broadcaster) heartbeat() {
	b.fanOut([]byte(": heartbeat\n\n"))
}

// RunHeartbeat sends keep-alive comments until ctx is done.
func (b *Broadcaster) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeat()
		}
	}
}

// Close removes every client and rejects new ones. Open handlers return.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	clients := b.clients
	b.clients = make(map[string]*client)
	b.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

// ServeHTTP holds an event-stream connection open until the client goes
// away, the client is dropped, or the broadcaster closes.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	c, err := b.addClient(w)
	if err != nil {
		b.logger.Debug("client rejected", "err", err)
		return
	}
	defer func() {
		b.RemoveClient(c.id)
		select {
		case <-c.exited:
		default:
			// Fail a write parked on a peer that stopped reading.
			_ = rc.SetWriteDeadline(time.Now())
			<-c.exited
		}
	}()

	select {
	case <-r.Context().Done():
	case <-c.done:
	}
}
