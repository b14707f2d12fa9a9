package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	warperrors "github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/errors"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/logging"
	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

const (
	minBackoff       = 100 * time.Millisecond
	maxBackoff       = 5 * time.Second
	handshakeTimeout = 10 * time.Second
)

// WebSocket is a Conn over a gorilla websocket. A dropped connection is
// redialed in the background with jittered exponential backoff; calls
// pending at the drop fail with ErrConnectionClosed.
type WebSocket struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger logging.Logger
	router *Router
	hooks  hooks

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	pending map[string]chan protocol.Frame
	closed  bool
	closeCh chan struct{}

	writeMu sync.Mutex
}

// Option configures Dial.
type Option func(*WebSocket)

// WithHeader sets headers sent on every handshake, typically credentials.
func WithHeader(h http.Header) Option {
	return func(c *WebSocket) { c.header = h.Clone() }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(c *WebSocket) {
		if l != nil {
			c.logger = l
		}
	}
}

// Dial connects to the hub at url.
func Dial(ctx context.Context, url string, opts ...Option) (*WebSocket, error) {
	c := &WebSocket{
		url:    url,
		header: http.Header{},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		router:  NewRouter(),
		pending: make(map[string]chan protocol.Frame),
		closeCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logging.New("client")
	}
	conn, id, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.attach(conn, id)
	return c, nil
}

// dial opens a connection and reads the welcome frame.
func (c *WebSocket) dial(ctx context.Context) (*websocket.Conn, string, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, "", fmt.Errorf("dial %s: %s: %w", c.url, resp.Status, err)
		}
		return nil, "", fmt.Errorf("dial %s: %w", c.url, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var hello protocol.Frame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, "", fmt.Errorf("dial %s: no welcome frame: %w", c.url, warperrors.ErrConnectionClosed)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return conn, hello.ID, nil
}

func (c *WebSocket) attach(conn *websocket.Conn, id string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false
	}
	c.conn = conn
	c.connID = id
	c.mu.Unlock()
	go c.readLoop(conn)
	return true
}

func (c *WebSocket) readLoop(conn *websocket.Conn) {
	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			c.dropped(conn, err)
			return
		}
		switch f.Type {
		case protocol.TypeResponse:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		case protocol.TypeEvent:
			if f.Event != nil {
				c.router.Dispatch(*f.Event)
			}
		}
	}
}

func (c *WebSocket) dropped(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connID = ""
	pending := c.pending
	c.pending = make(map[string]chan protocol.Frame)
	closed := c.closed
	c.mu.Unlock()
	_ = conn.Close()

	for id, ch := range pending {
		ch <- protocol.Frame{Type: protocol.TypeResponse, ID: id, Error: &protocol.Error{
			Code:    protocol.CodeConnectionClosed,
			Message: "connection lost",
		}}
	}
	if closed {
		return
	}
	c.logger.Warnw("hub connection lost, reconnecting", "url", c.url, "error", err)
	go c.reconnect()
}

func (c *WebSocket) reconnect() {
	backoff := minBackoff
	for {
		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		conn, id, err := c.dial(ctx)
		cancel()
		if err == nil {
			if c.attach(conn, id) {
				c.logger.Infow("hub connection restored", "url", c.url, "connection", id)
				c.hooks.fire()
			}
			return
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-c.closeCh:
			return
		case <-time.After(backoff + jitter):
		}
		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

func (c *WebSocket) call(ctx context.Context, m protocol.Method, group string) (protocol.Frame, error) {
	req := protocol.NewRequest(uuid.NewString(), m, group)
	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return protocol.Frame{}, warperrors.ErrConnectionClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return protocol.Frame{}, fmt.Errorf("%s: %w", m, warperrors.ErrConnectionClosed)
	}
	select {
	case f := <-ch:
		return f, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return protocol.Frame{}, ctxError(ctx.Err())
	}
}

func (c *WebSocket) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Router exposes the event router.
func (c *WebSocket) Router() *Router { return c.router }

func (c *WebSocket) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connID
}

func (c *WebSocket) JoinGroup(ctx context.Context, group string) (protocol.JoinResult, error) {
	return invoke[protocol.JoinResult](ctx, c.call, protocol.MethodJoinGroup, group)
}

func (c *WebSocket) LeaveGroup(ctx context.Context, group string) error {
	_, err := invoke[struct{}](ctx, c.call, protocol.MethodLeaveGroup, group)
	return err
}

func (c *WebSocket) StartEdit(ctx context.Context, group string) (protocol.EditResult, error) {
	return invoke[protocol.EditResult](ctx, c.call, protocol.MethodStartEdit, group)
}

func (c *WebSocket) EndEdit(ctx context.Context, group string) error {
	_, err := invoke[struct{}](ctx, c.call, protocol.MethodEndEdit, group)
	return err
}

func (c *WebSocket) LockStatus(ctx context.Context, group string) (protocol.StatusResult, error) {
	return invoke[protocol.StatusResult](ctx, c.call, protocol.MethodGetLockStatus, group)
}

func (c *WebSocket) Subscribe(group string, fn Handler) func() { return c.router.Subscribe(group, fn) }

func (c *WebSocket) OnReconnect(fn func()) func() { return c.hooks.add(fn) }

// Close closes the connection and stops reconnecting.
func (c *WebSocket) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return conn.Close()
}
