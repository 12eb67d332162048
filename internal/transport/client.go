// Package transport maintains the websocket session to the order-chat
// backend: dialing with bearer auth, bounded reconnection with exponential
// backoff, and a read loop that surfaces decoded frames plus lifecycle
// changes on a single event channel.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/workmesh/orderchat/internal/protocol"
)

// ErrNoCredential is returned by Connect when no bearer token is configured.
var ErrNoCredential = errors.New("no auth credential available")

// ErrNotConnected is returned by Send when there is no live socket.
var ErrNotConnected = errors.New("not connected")

// Kind classifies transport events.
type Kind int

const (
	// KindConnecting is emitted once when a connect cycle starts.
	KindConnecting Kind = iota
	// KindConnected is emitted after every successful (re)connect.
	KindConnected
	// KindReconnecting is emitted when the socket dropped or a dial failed
	// and another attempt will follow.
	KindReconnecting
	// KindFailed is emitted when the reconnection budget is exhausted.
	KindFailed
	// KindClosed is emitted after an explicit Disconnect.
	KindClosed
	// KindError carries a transport-level error; the cycle continues.
	KindError
	// KindServer carries a decoded protocol frame.
	KindServer
)

// Event is delivered on the client's event channel.
type Event struct {
	Kind   Kind
	Server *protocol.ServerEvent
	Err    error
}

// Options configures a Client. Zero values fall back to defaults matching
// the backend's expectations.
type Options struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration // default 20s
	MaxAttempts      int           // consecutive failures before giving up, default 10
	InitialBackoff   time.Duration // default 1s
	MaxBackoff       time.Duration // default 5s
}

const (
	defaultHandshakeTimeout = 20 * time.Second
	defaultMaxAttempts      = 10
	defaultInitialBackoff   = time.Second
	defaultMaxBackoff       = 5 * time.Second
)

func (o *Options) fill() {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaultMaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = defaultMaxBackoff
	}
}

// Client owns at most one live websocket session.
type Client struct {
	opts   Options
	logger *zap.Logger
	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	running bool

	writeMu sync.Mutex
}

// NewClient creates a client. The event channel is buffered and lives for
// the lifetime of the client, across connect/disconnect cycles.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.fill()
	return &Client{
		opts:   opts,
		logger: logger,
		events: make(chan Event, 256),
	}
}

// Events returns the channel carrying lifecycle and server events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Connected reports whether a live socket is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect starts the connection cycle. No-op if already running. Fails fast
// when no credential is available.
func (c *Client) Connect() error {
	if c.opts.Token == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true

	go c.run(ctx)
	return nil
}

// Disconnect tears down the session. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send encodes and writes a single frame. Returns ErrNotConnected when no
// socket is live, so callers can fall back to queueing.
func (c *Client) Send(evt protocol.ClientEvent) error {
	data, err := protocol.EncodeClient(evt)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) run(ctx context.Context) {
	c.emit(Event{Kind: KindConnecting})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempts := 0
	for {
		if ctx.Err() != nil {
			c.emit(Event{Kind: KindClosed})
			return
		}

		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			c.logger.Warn("dial failed",
				zap.Error(err),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", c.opts.MaxAttempts))
			c.emit(Event{Kind: KindError, Err: fmt.Errorf("dial: %w", err)})
			if attempts >= c.opts.MaxAttempts {
				c.stop()
				c.emit(Event{Kind: KindFailed, Err: err})
				return
			}
			c.emit(Event{Kind: KindReconnecting})
			if !c.sleep(ctx, bo.NextBackOff()) {
				c.emit(Event{Kind: KindClosed})
				return
			}
			continue
		}

		c.mu.Lock()
		if !c.running {
			// Disconnect raced the dial.
			c.mu.Unlock()
			_ = conn.Close()
			c.emit(Event{Kind: KindClosed})
			return
		}
		c.conn = conn
		c.mu.Unlock()

		attempts = 0
		bo.Reset()
		c.logger.Info("connected", zap.String("url", c.opts.URL))
		c.emit(Event{Kind: KindConnected})

		c.readLoop(conn)

		c.mu.Lock()
		stopped := !c.running
		c.conn = nil
		c.mu.Unlock()

		if stopped || ctx.Err() != nil {
			c.emit(Event{Kind: KindClosed})
			return
		}

		c.logger.Warn("connection lost, reconnecting")
		c.emit(Event{Kind: KindReconnecting})
		if !c.sleep(ctx, bo.NextBackOff()) {
			c.emit(Event{Kind: KindClosed})
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.HandshakeTimeout}
	header := http.Header{"Authorization": {"Bearer " + c.opts.Token}}
	conn, resp, err := dialer.DialContext(ctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		evt, err := protocol.DecodeServer(data)
		if err != nil {
			// Unknown or malformed frames are skipped, not fatal.
			c.logger.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		c.emit(Event{Kind: KindServer, Server: evt})
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Client) emit(evt Event) {
	select {
	case c.events <- evt:
	default:
		c.logger.Warn("event channel full, dropping", zap.Int("kind", int(evt.Kind)))
	}
}
