// Package server implements the broker side of the tunnel: the control-link
// state machine, per-port proxy listeners, and the binary data-channel
// multiplexer (SPEC_FULL.md §4.1, §4.3, §4.6).
package server

import (
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"chuantou/internal/protocol"
	"chuantou/internal/session"
	"chuantou/internal/transport"
	"chuantou/pkg/errs"
	"chuantou/pkg/logger"

	"github.com/google/uuid"
)

// authTimeout bounds how long an unauthenticated control link may sit idle
// before it is dropped (§3 invariant: UNAUTH state, §4.1).
const authTimeout = 30 * time.Second

// PortBinder is the subset of Server a ControlDispatcher needs to start and
// stop ProxyListeners on register/unregister — kept as an interface so this
// file has no import-cycle dependency on server.go's concrete Server type.
type PortBinder interface {
	Bind(clientID string, port int, proto string) (remoteURL string, err error)
	Unbind(clientID string, port int)
}

// httpStreamEvent is one chunk of a streamed HTTP response being relayed
// back from a client over the control link (§4.5).
type httpStreamEvent struct {
	headers *protocol.HTTPResponseHeadersPayload
	data    []byte
	end     bool
	err     string
}

// ControlDispatcher drives the per-client control-link state machine:
// UNAUTH → AUTHENTICATED → REMOVED (§3, §4.1).
type ControlDispatcher struct {
	sessions   *session.Manager
	binder     PortBinder
	authTokens map[string]struct{}

	heartbeatInterval time.Duration

	linksMu sync.RWMutex
	links   map[string]*transport.ControlLink

	httpMu      sync.Mutex
	httpStreams map[string]chan httpStreamEvent
}

// NewControlDispatcher builds a dispatcher bound to the given session
// manager, port binder, and heartbeat interval. An empty tokens list means
// accept any token (§6 development mode).
func NewControlDispatcher(sessions *session.Manager, binder PortBinder, tokens []string, heartbeatInterval time.Duration) *ControlDispatcher {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}
	return &ControlDispatcher{
		sessions:          sessions,
		binder:            binder,
		authTokens:        tokenSet,
		heartbeatInterval: heartbeatInterval,
		links:             make(map[string]*transport.ControlLink),
		httpStreams:       make(map[string]chan httpStreamEvent),
	}
}

// HandleLink runs one client's control-link session end to end: auth
// handshake, then the message dispatch loop until the link closes.
func (d *ControlDispatcher) HandleLink(link *transport.ControlLink) {
	clientID, ok := d.authenticate(link)
	if !ok {
		_ = link.Close()
		return
	}

	d.linksMu.Lock()
	d.links[clientID] = link
	d.linksMu.Unlock()

	logger.Info("client authenticated", map[string]any{"clientId": clientID, "remoteAddr": link.RemoteAddr()})

	defer d.cleanup(clientID, link)

	for {
		_ = link.SetReadDeadline(time.Now().Add(d.heartbeatInterval * 3))
		msg, err := link.Receive()
		if err != nil {
			logger.Info("control link closed", map[string]any{"clientId": clientID, "error": err.Error()})
			return
		}
		if err := d.dispatch(clientID, link, msg); err != nil {
			logger.Warn("error handling control message", map[string]any{"clientId": clientID, "type": msg.Type, "error": err.Error()})
		}
	}
}

func (d *ControlDispatcher) authenticate(link *transport.ControlLink) (string, bool) {
	_ = link.SetReadDeadline(time.Now().Add(authTimeout))

	msg, err := link.Receive()
	if err != nil || msg.Type != protocol.TypeAuth {
		d.sendAuthFailure(link, "expected auth as first message")
		return "", false
	}

	var payload protocol.AuthPayload
	if err := msg.Decode(&payload); err != nil {
		d.sendAuthFailure(link, "malformed auth payload")
		return "", false
	}

	if len(d.authTokens) > 0 {
		if _, ok := d.authTokens[payload.Token]; !ok {
			d.sendAuthFailure(link, "Invalid token")
			return "", false
		}
	}

	clientID := uuid.NewString()
	d.sessions.CreateSession(clientID)

	resp, _ := protocol.NewResponse(protocol.TypeAuthResp, msg.ID, protocol.AuthRespPayload{Success: true, ClientID: clientID})
	if err := link.Send(resp); err != nil {
		return "", false
	}
	return clientID, true
}

func (d *ControlDispatcher) sendAuthFailure(link *transport.ControlLink, reason string) {
	resp, err := protocol.NewMessage(protocol.TypeAuthResp, protocol.AuthRespPayload{Success: false, Error: reason})
	if err == nil {
		_ = link.Send(resp)
	}
}

func (d *ControlDispatcher) dispatch(clientID string, link *transport.ControlLink, msg *protocol.Message) error {
	if err := d.sessions.UpdateHeartbeat(clientID); err != nil {
		return err
	}

	switch msg.Type {
	case protocol.TypeRegister:
		return d.handleRegister(clientID, link, msg)
	case protocol.TypeUnregister:
		return d.handleUnregister(clientID, link, msg)
	case protocol.TypeHeartbeat:
		return d.handleHeartbeat(clientID, link, msg)
	case protocol.TypeHTTPResponse:
		return d.handleHTTPResponse(msg)
	case protocol.TypeHTTPResponseHeaders:
		return d.handleHTTPResponseHeaders(msg)
	case protocol.TypeHTTPResponseData:
		return d.handleHTTPResponseData(msg)
	case protocol.TypeHTTPResponseEnd:
		return d.handleHTTPResponseEnd(msg)
	case protocol.TypeConnectionClose:
		return d.handleConnectionClose(msg)
	case protocol.TypeConnectionError:
		return d.handleConnectionError(msg)
	default:
		return fmt.Errorf("unknown control message type %q", msg.Type)
	}
}

func (d *ControlDispatcher) handleRegister(clientID string, link *transport.ControlLink, msg *protocol.Message) error {
	var payload protocol.RegisterPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}

	if err := d.sessions.RegisterPort(clientID, payload.RemotePort, payload.Protocol); err != nil {
		resp, _ := protocol.NewResponse(protocol.TypeRegisterResp, msg.ID, protocol.RegisterRespPayload{Success: false, Error: errs.RootCause(err).Error()})
		return link.Send(resp)
	}

	remoteURL, err := d.binder.Bind(clientID, payload.RemotePort, payload.Protocol)
	if err != nil {
		d.sessions.UnregisterPort(clientID, payload.RemotePort)
		resp, _ := protocol.NewResponse(protocol.TypeRegisterResp, msg.ID, protocol.RegisterRespPayload{Success: false, Error: errs.RootCause(err).Error()})
		return link.Send(resp)
	}

	logger.Info("port registered", map[string]any{"clientId": clientID, "port": payload.RemotePort, "protocol": payload.Protocol})

	resp, _ := protocol.NewResponse(protocol.TypeRegisterResp, msg.ID, protocol.RegisterRespPayload{Success: true, RemotePort: payload.RemotePort, RemoteURL: remoteURL})
	return link.Send(resp)
}

func (d *ControlDispatcher) handleUnregister(clientID string, link *transport.ControlLink, msg *protocol.Message) error {
	var payload protocol.UnregisterPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	d.binder.Unbind(clientID, payload.RemotePort)
	d.sessions.UnregisterPort(clientID, payload.RemotePort)
	logger.Info("port unregistered", map[string]any{"clientId": clientID, "port": payload.RemotePort})
	return nil
}

func (d *ControlDispatcher) handleHeartbeat(clientID string, link *transport.ControlLink, msg *protocol.Message) error {
	resp, _ := protocol.NewResponse(protocol.TypeHeartbeatResp, msg.ID, protocol.HeartbeatRespPayload{Timestamp: protocol.NowUnixMilli()})
	return link.Send(resp)
}

func (d *ControlDispatcher) handleConnectionClose(msg *protocol.Message) error {
	var payload protocol.ConnectionClosePayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	d.sessions.RemoveConnection(payload.ConnectionID)
	d.closeHTTPStream(payload.ConnectionID, "")
	return nil
}

func (d *ControlDispatcher) handleConnectionError(msg *protocol.Message) error {
	var payload protocol.ConnectionErrorPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	d.sessions.RemoveConnection(payload.ConnectionID)
	d.closeHTTPStream(payload.ConnectionID, payload.Error)
	return nil
}

// ===== HTTP response streaming (§4.5) =====

// OpenHTTPStream registers a channel to receive the streamed response for
// connID, for the ProxyListener goroutine handling that HTTP request.
func (d *ControlDispatcher) OpenHTTPStream(connID string) <-chan httpStreamEvent {
	ch := make(chan httpStreamEvent, 16)
	d.httpMu.Lock()
	d.httpStreams[connID] = ch
	d.httpMu.Unlock()
	return ch
}

// CloseHTTPStream discards a stream's registration without an error, used
// when the listener gives up waiting.
func (d *ControlDispatcher) CloseHTTPStream(connID string) {
	d.httpMu.Lock()
	ch, ok := d.httpStreams[connID]
	if ok {
		delete(d.httpStreams, connID)
	}
	d.httpMu.Unlock()
	if ok {
		close(ch)
	}
}

func (d *ControlDispatcher) closeHTTPStream(connID, errMsg string) {
	d.httpMu.Lock()
	ch, ok := d.httpStreams[connID]
	d.httpMu.Unlock()
	if !ok {
		return
	}
	if errMsg != "" {
		ch <- httpStreamEvent{err: errMsg}
	}
	d.CloseHTTPStream(connID)
}

func (d *ControlDispatcher) handleHTTPResponse(msg *protocol.Message) error {
	var payload protocol.HTTPResponsePayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	body, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		return fmt.Errorf("decode http_response body: %w", err)
	}

	d.httpMu.Lock()
	ch, ok := d.httpStreams[payload.ConnectionID]
	d.httpMu.Unlock()
	if !ok {
		return nil
	}
	ch <- httpStreamEvent{headers: &protocol.HTTPResponseHeadersPayload{ConnectionID: payload.ConnectionID, StatusCode: payload.StatusCode, Headers: payload.Headers}}
	ch <- httpStreamEvent{data: body}
	ch <- httpStreamEvent{end: true}
	d.CloseHTTPStream(payload.ConnectionID)
	return nil
}

func (d *ControlDispatcher) handleHTTPResponseHeaders(msg *protocol.Message) error {
	var payload protocol.HTTPResponseHeadersPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	d.httpMu.Lock()
	ch, ok := d.httpStreams[payload.ConnectionID]
	d.httpMu.Unlock()
	if ok {
		ch <- httpStreamEvent{headers: &payload}
	}
	return nil
}

func (d *ControlDispatcher) handleHTTPResponseData(msg *protocol.Message) error {
	var payload protocol.HTTPResponseDataPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	chunk, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		return fmt.Errorf("decode http_response_data chunk: %w", err)
	}
	d.httpMu.Lock()
	ch, ok := d.httpStreams[payload.ConnectionID]
	d.httpMu.Unlock()
	if ok {
		ch <- httpStreamEvent{data: chunk}
	}
	return nil
}

func (d *ControlDispatcher) handleHTTPResponseEnd(msg *protocol.Message) error {
	var payload protocol.HTTPResponseEndPayload
	if err := msg.Decode(&payload); err != nil {
		return err
	}
	d.httpMu.Lock()
	ch, ok := d.httpStreams[payload.ConnectionID]
	if ok {
		delete(d.httpStreams, payload.ConnectionID)
	}
	d.httpMu.Unlock()
	if ok {
		ch <- httpStreamEvent{end: true}
		close(ch)
	}
	return nil
}

// ===== outbound requests to the client =====

// NotifyNewConnection tells clientID about a freshly accepted ingress
// connection so it dials the matching local service (§4.3 step 4).
func (d *ControlDispatcher) NotifyNewConnection(clientID string, payload protocol.NewConnectionPayload) error {
	msg, err := protocol.NewMessage(protocol.TypeNewConnection, payload)
	if err != nil {
		return err
	}
	return d.sendTo(clientID, msg)
}

// NotifyConnectionClose pushes a connection_close to the owning client, used
// when the server itself tears down a logical connection — e.g. a UDP
// session idle eviction (§4.3) — rather than the client initiating the
// close.
func (d *ControlDispatcher) NotifyConnectionClose(clientID, connID string) error {
	msg, err := protocol.NewMessage(protocol.TypeConnectionClose, protocol.ConnectionClosePayload{ConnectionID: connID})
	if err != nil {
		return err
	}
	return d.sendTo(clientID, msg)
}

func (d *ControlDispatcher) sendTo(clientID string, msg *protocol.Message) error {
	d.linksMu.RLock()
	link, ok := d.links[clientID]
	d.linksMu.RUnlock()
	if !ok {
		return fmt.Errorf("client %s not connected", clientID)
	}
	return link.Send(msg)
}

func (d *ControlDispatcher) cleanup(clientID string, link *transport.ControlLink) {
	d.linksMu.Lock()
	delete(d.links, clientID)
	d.linksMu.Unlock()

	_ = link.Close()
	if s, ok := d.sessions.Session(clientID); ok {
		for _, port := range s.Ports() {
			d.binder.Unbind(clientID, port)
		}
	}
	d.sessions.RemoveSession(clientID)
}
