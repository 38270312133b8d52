// Package transport carries control-link messages over a websocket upgrade
// and exposes the small send/receive surface both the server's
// ControlDispatcher and the client's Controller drive their state machines
// against (SPEC_FULL.md §4.1, §6).
package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"chuantou/internal/protocol"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ControlLink is a bidirectional, ordered stream of protocol.Message values.
// One ControlLink is created per client control connection, server or client
// side.
type ControlLink struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	remoteAddr string
}

// UpgradeServer promotes an incoming HTTP request to a ControlLink (server side).
func UpgradeServer(w http.ResponseWriter, r *http.Request) (*ControlLink, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade failed: %w", err)
	}
	return &ControlLink{conn: conn, remoteAddr: conn.RemoteAddr().String()}, nil
}

// DialClient opens a ControlLink to a server's control endpoint (client side).
func DialClient(url string, dialTimeout time.Duration) (*ControlLink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &ControlLink{conn: conn, remoteAddr: conn.RemoteAddr().String()}, nil
}

// Send writes one message as a websocket text frame. Safe for concurrent use.
func (l *ControlLink) Send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("transport: marshal message: %w", err)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next message on the link.
func (l *ControlLink) Receive() (*protocol.Message, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("transport: unmarshal message: %w", err)
	}
	return &msg, nil
}

// SetReadDeadline forwards to the underlying connection, used to enforce the
// auth and heartbeat timeouts (§4.1).
func (l *ControlLink) SetReadDeadline(t time.Time) error {
	return l.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer's network address.
func (l *ControlLink) RemoteAddr() string {
	return l.remoteAddr
}

// Close closes the underlying websocket connection.
func (l *ControlLink) Close() error {
	return l.conn.Close()
}
