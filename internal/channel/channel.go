// Package channel is the client side of the event channel: one persistent,
// auto-reconnecting websocket that multiplexes named events.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/4xmen/messagehub/internal/metrics"
	"github.com/4xmen/messagehub/internal/models"
)

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrSendBufferFull = errors.New("channel: send buffer full")
	ErrClosed         = errors.New("channel: closed")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Envelope is the wire frame for every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type HandlerFunc func(data json.RawMessage)

// Subscription identifies one registered handler. Off removes exactly the
// subscription it is given, even if the same function is registered twice.
type Subscription struct {
	event   string
	fn      HandlerFunc
	removed atomic.Bool
}

func (s *Subscription) Event() string { return s.event }

type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	if s == Connected {
		return "connected"
	}
	return "disconnected"
}

type Option func(*Client)

// WithToken sends the bearer credential on every dial.
func WithToken(token string) Option {
	return func(c *Client) {
		if token != "" {
			c.header.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithBackoff replaces the reconnect policy. The factory is called once per
// Connect.
func WithBackoff(newBackoff func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackoff = newBackoff }
}

// WithStateHandler is called from the channel goroutine on every connect and
// disconnect.
func WithStateHandler(fn func(State)) Option {
	return func(c *Client) { c.onState = fn }
}

type Client struct {
	endpoint   string
	header     http.Header
	dialer     *websocket.Dialer
	log        *slog.Logger
	newBackoff func() backoff.BackOff
	onState    func(State)

	mu       sync.Mutex
	handlers map[string][]*Subscription
	identity string
	send     chan []byte
	flushed  chan struct{} // closed when the writer of send has exited
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		header:     make(http.Header),
		dialer:     websocket.DefaultDialer,
		log:        slog.Default(),
		newBackoff: defaultBackoff,
		handlers:   make(map[string][]*Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Connect dials the endpoint once and returns the dial error, if any. After a
// successful dial the connection is kept alive, and re-established with
// backoff, until ctx is cancelled or Close is called.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("channel: dial %s: %w", c.endpoint, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed || c.cancel != nil {
		c.mu.Unlock()
		cancel()
		conn.Close()
		if c.closed {
			return ErrClosed
		}
		return nil
	}
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.run(runCtx, conn, done)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, c.header)
	return conn, err
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel()
			c.cancel, c.done = nil, nil
		}
		c.mu.Unlock()
	}()

	b := c.newBackoff()
	for {
		c.serve(ctx, conn)
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		for {
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				c.log.Error("channel: giving up reconnecting", "endpoint", c.endpoint)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			metrics.ChannelReconnects.Inc()
			var err error
			if conn, err = c.dial(ctx); err == nil {
				if c.isClosed() {
					conn.Close()
					return
				}
				b.Reset()
				break
			}
			c.log.Warn("channel: reconnect failed", "endpoint", c.endpoint, "retry_in", wait, "err", err)
		}
	}
}

// serve runs one connection until it breaks.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	writerDone := make(chan struct{})

	c.mu.Lock()
	c.send, c.flushed = send, writerDone
	identity := c.identity
	c.mu.Unlock()

	c.log.Info("channel: connected", "endpoint", c.endpoint)
	c.setState(Connected)

	go c.writePump(conn, send, writerDone)

	if identity != "" {
		if err := c.Emit(models.EventJoin, identity); err != nil {
			c.log.Warn("channel: join failed", "user_id", identity, "err", err)
		}
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	c.readPump(conn)
	stop()

	// Close may already have taken send to flush it.
	c.mu.Lock()
	owned := c.send == send
	if owned {
		c.send, c.flushed = nil, nil
	}
	c.mu.Unlock()
	if owned {
		close(send)
	}
	<-writerDone
	conn.Close()

	c.log.Info("channel: disconnected", "endpoint", c.endpoint)
	c.setState(Disconnected)
}

func (c *Client) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("channel: read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Debug("channel: dropping malformed frame", "bytes", len(data))
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done chan<- struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case frame, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Warn("channel: write failed", "err", err)
				conn.Close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				return
			}
		}
	}
}

// dispatch invokes the handlers registered for env.Event, in registration
// order, on the calling goroutine. Handlers removed by an earlier handler of
// the same arrival are skipped.
func (c *Client) dispatch(env Envelope) {
	c.mu.Lock()
	subs := slices.Clone(c.handlers[env.Event])
	c.mu.Unlock()

	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		c.invoke(sub, env.Data)
	}
}

func (c *Client) invoke(sub *Subscription, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("channel: handler panicked", "event", sub.event, "panic", r)
		}
	}()
	sub.fn(data)
}

// On registers fn for event and returns its subscription.
func (c *Client) On(event string, fn HandlerFunc) *Subscription {
	sub := &Subscription{event: event, fn: fn}
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], sub)
	c.mu.Unlock()
	return sub
}

// Off removes sub. Removing an unknown or already removed subscription is a
// no-op.
func (c *Client) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.removed.Store(true)

	c.mu.Lock()
	defer c.mu.Unlock()
	subs := c.handlers[sub.event]
	if i := slices.Index(subs, sub); i >= 0 {
		subs = slices.Delete(slices.Clone(subs), i, i+1)
		if len(subs) == 0 {
			delete(c.handlers, sub.event)
		} else {
			c.handlers[sub.event] = subs
		}
	}
}

// HandlerCount reports how many handlers are registered for event.
func (c *Client) HandlerCount(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[event])
}

// Emit queues an event for the current connection.
func (c *Client) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Join records the local identity and announces it. The announcement is
// repeated after every reconnect so the server can recompute presence.
func (c *Client) Join(userID string) error {
	c.mu.Lock()
	c.identity = userID
	connected := c.send != nil
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.Emit(models.EventJoin, userID)
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

func (c *Client) setState(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// Close writes out frames already queued, stops the connection loop and waits
// for it to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	send, flushed := c.send, c.flushed
	c.send, c.flushed = nil, nil
	c.mu.Unlock()

	if send != nil {
		close(send)
		select {
		case <-flushed:
		case <-time.After(writeWait):
			c.log.Warn("channel: timed out flushing queued frames", "endpoint", c.endpoint)
		}
	}
	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}
