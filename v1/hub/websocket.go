package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HiroyukiNIshimura/pecus-aspire-sub006/v1/protocol"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 64 * 1024
)

// Identity headers read by HeaderAuthenticator.
const (
	HeaderUserID       = "X-Relay-User-Id"
	HeaderUserName     = "X-Relay-User-Name"
	HeaderIdentityIcon = "X-Relay-Identity-Icon"
	HeaderOrganization = "X-Relay-Organization-Id"
)

// ErrUnauthenticated is returned by authenticators that reject a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the identity of an incoming connection.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (Identity, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (Identity, error) { return f(r) }

// HeaderAuthenticator trusts identity headers set by a fronting proxy. It is
// meant for development and for deployments where the proxy authenticates.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	uid, err := strconv.ParseInt(r.Header.Get(HeaderUserID), 10, 64)
	if err != nil || uid <= 0 {
		return Identity{}, ErrUnauthenticated
	}
	id := Identity{
		UserID:          uid,
		UserName:        r.Header.Get(HeaderUserName),
		IdentityIconURL: r.Header.Get(HeaderIdentityIcon),
	}
	if org := r.Header.Get(HeaderOrganization); org != "" {
		id.OrganizationID, _ = strconv.ParseInt(org, 10, 64)
	}
	return id, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Handler upgrades HTTP requests to hub sessions.
func Handler(h *Hub, auth Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := auth.Authenticate(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warnw("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		sink := h.NewSink()
		ws := &wsSession{
			hub:       h,
			conn:      conn,
			sink:      sink,
			session:   h.Connect(identity, sink),
			responses: make(chan protocol.Frame),
			done:      make(chan struct{}),
			writeDone: make(chan struct{}),
		}
		go ws.writePump()
		go ws.readPump()
	})
}

type wsSession struct {
	hub       *Hub
	conn      *websocket.Conn
	sink      *ChanSink
	session   *Session
	responses chan protocol.Frame
	done      chan struct{} // closed when readPump exits
	writeDone chan struct{} // closed when writePump exits
}

// readPump handles requests in arrival order. Its exit disconnects the
// session, which releases every lock it held.
func (ws *wsSession) readPump() {
	defer func() {
		close(ws.done)
		ws.hub.Disconnect(context.Background(), ws.session)
		_ = ws.conn.Close()
	}()
	ws.conn.SetReadLimit(maxMessageSize)
	_ = ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ws.hub.logger.Infow("websocket closed unexpectedly", "session", ws.session.ID(), "error", err)
			}
			return
		}
		var req protocol.Frame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.TypeRequest {
			resp := protocol.Frame{Type: protocol.TypeResponse, ID: req.ID, Error: &protocol.Error{
				Code:    protocol.CodeBadRequest,
				Message: "expected a request frame",
			}}
			if !ws.respond(resp) {
				return
			}
			continue
		}
		if !ws.respond(ws.hub.Handle(context.Background(), ws.session, req)) {
			return
		}
	}
}

func (ws *wsSession) respond(f protocol.Frame) bool {
	select {
	case ws.responses <- f:
		return true
	case <-ws.done:
		return false
	case <-ws.writeDone:
		return false
	}
}

// writePump is the only writer of the connection. Responses are never
// dropped; events are dropped upstream when the sink is full. Closing the
// connection on exit makes readPump return too.
func (ws *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		close(ws.writeDone)
		ticker.Stop()
		_ = ws.conn.Close()
	}()
	if err := ws.write(protocol.NewWelcome(ws.session.ID())); err != nil {
		return
	}
	for {
		select {
		case f := <-ws.responses:
			if err := ws.write(f); err != nil {
				return
			}
		case f, ok := <-ws.sink.Frames():
			if !ok {
				_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = ws.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := ws.write(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ws.done:
			return
		}
	}
}

func (ws *wsSession) write(f protocol.Frame) error {
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.conn.WriteJSON(f)
}
