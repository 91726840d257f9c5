// Package channel provides the client side of a negotiation room connection.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/protocol"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// Options configures a Channel.
type Options struct {
	// URL is the full websocket URL including the buyer, trader and role query.
	URL          string
	Header       http.Header
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	ReadLimit    int64
	Logger       *slog.Logger

	// OnOpen runs before any message of the new connection is delivered.
	OnOpen func(conn *Conn)
	// OnMessage receives every decoded message in arrival order, one at a time.
	OnMessage func(conn *Conn, m protocol.Message)
	// OnClose runs exactly once per connection. err is nil after a local
	// Close or a normal closure by the server, a *domain.ChannelError otherwise.
	OnClose func(conn *Conn, err error)
}

// Conn is one established websocket connection. Its pointer identity tells
// callers whether the connection they started an action on is still current.
type Conn struct {
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	local     atomic.Bool
}

// Done is closed when the connection's read loop has stopped.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

type dialCall struct {
	done chan struct{}
	conn *Conn
	err  error
}

// Channel owns at most one live connection to a negotiation room.
type Channel struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *Conn
	pending *dialCall
}

// New creates a Channel. No network I/O happens until Connect.
func New(opts Options) *Channel {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{opts: opts, log: logger}
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Current returns the open connection or nil.
func (c *Channel) Current() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

// Connect opens the connection. It is idempotent: an open connection is
// returned as is, and concurrent callers share one in-flight dial.
func (c *Channel) Connect(ctx context.Context) (*Conn, error) {
	c.mu.Lock()
	if c.state == StateOpen && c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	if call := c.pending; call != nil {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.conn, call.err
		case <-ctx.Done():
			return nil, &domain.ChannelError{Op: "connect", Err: ctx.Err()}
		}
	}
	call := &dialCall{done: make(chan struct{})}
	c.pending = call
	c.state = StateConnecting
	c.mu.Unlock()

	conn, err := c.dial(ctx)

	c.mu.Lock()
	c.pending = nil
	if err != nil {
		c.state = StateClosed
	} else {
		c.conn = conn
		c.state = StateOpen
	}
	c.mu.Unlock()

	call.conn, call.err = conn, err
	close(call.done)
	if err != nil {
		c.log.Warn("Channel connect failed", "url", c.opts.URL, "error", err)
		return nil, err
	}

	c.log.Info("Channel connected", "url", c.opts.URL)
	if c.opts.OnOpen != nil {
		c.opts.OnOpen(conn)
	}
	go c.readLoop(conn)
	return conn, nil
}

func (c *Channel) dial(ctx context.Context) (*Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	ws, resp, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPHeader: c.opts.Header})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", domain.ErrConnectTimedOut, c.opts.DialTimeout, err)
		}
		return nil, &domain.ChannelError{Op: "connect", Err: err}
	}
	ws.SetReadLimit(c.opts.ReadLimit)

	connCtx, connCancel := context.WithCancel(context.Background())
	return &Conn{ws: ws, ctx: connCtx, cancel: connCancel}, nil
}

func (c *Channel) readLoop(conn *Conn) {
	for {
		_, data, err := conn.ws.Read(conn.ctx)
		if err != nil {
			c.finish(conn, err)
			conn.cancel()
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("Dropping malformed message", "error", err)
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(conn, msg)
		}
	}
}

func (c *Channel) finish(conn *Conn, readErr error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.state = StateClosed
	}
	c.mu.Unlock()

	var err error
	switch {
	case conn.local.Load():
	case websocket.CloseStatus(readErr) == websocket.StatusNormalClosure:
		c.log.Info("Channel closed by server")
	default:
		err = &domain.ChannelError{Op: "read", Err: readErr}
		c.log.Warn("Channel lost", "error", readErr)
	}
	c.notifyClosed(conn, err)
}

func (c *Channel) notifyClosed(conn *Conn, err error) {
	conn.closeOnce.Do(func() {
		if c.opts.OnClose != nil {
			c.opts.OnClose(conn, err)
		}
	})
}

// Send writes a message on the open connection. When the channel is not open
// the message is dropped with a warning; Send never fails loudly.
func (c *Channel) Send(ctx context.Context, m protocol.Message) bool {
	conn := c.Current()
	if conn == nil {
		c.log.Warn("Channel not open, message dropped", "type", m.Head().Type)
		return false
	}
	return c.SendOn(ctx, conn, m)
}

// SendOn writes a message only if conn is still the current connection.
func (c *Channel) SendOn(ctx context.Context, conn *Conn, m protocol.Message) bool {
	if conn == nil || c.Current() != conn {
		c.log.Warn("Stale connection, message dropped", "type", m.Head().Type)
		return false
	}
	data, err := protocol.Encode(m)
	if err != nil {
		c.log.Warn("Failed to encode message", "type", m.Head().Type, "error", err)
		return false
	}
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.log.Warn("Channel write failed", "type", m.Head().Type, "error", err)
		return false
	}
	return true
}

// Close performs a graceful close with a normal-closure code. OnClose runs
// before Close returns.
func (c *Channel) Close(reason string) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	if c.state != StateIdle {
		c.state = StateClosed
	}
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.local.Store(true)
	c.notifyClosed(conn, nil)

	err := conn.ws.Close(websocket.StatusNormalClosure, reason)
	conn.cancel()
	if err != nil && websocket.CloseStatus(err) == -1 {
		c.log.Debug("Channel close handshake failed", "error", err)
	}
	c.log.Info("Channel closed", "reason", reason)
	return nil
}
