// Package client implements the tunnel client: the Controller state machine
// that authenticates and registers proxies over the control link, the
// client's end of the multiplexed binary data channel, and the
// UnifiedHandler that replays an announced connection against a local
// service (SPEC_FULL.md §4.4, §4.5).
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"chuantou/internal/protocol"
	"chuantou/internal/transport"
	"chuantou/pkg/config"
	"chuantou/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// authTimeout bounds how long the controller waits for auth_resp after
// sending auth, mirroring the server's own UNAUTH timeout (§4.1).
const authTimeout = 30 * time.Second

// requestTimeout bounds any other request/response round trip (register,
// heartbeat) over the control link (§4.4).
const requestTimeout = 30 * time.Second

// controlDialTimeout bounds opening the control link and the data channel.
const controlDialTimeout = 10 * time.Second

// maxBackoff caps the reconnect delay regardless of how many attempts have
// elapsed (§8 property 6).
const maxBackoff = 60 * time.Second

// State is a Controller's position in its connection lifecycle (§4.4).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateWaiting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// Controller drives one client's entire relationship with the broker:
// connect, authenticate, register every configured proxy, then run the
// heartbeat and data-channel loops until the link drops, at which point it
// reconnects with jittered exponential backoff (§4.4, §8 property 6).
type Controller struct {
	cfg      config.ClientConfig
	registry *ProxyRegistry

	mu       sync.Mutex
	state    State
	clientID string

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message
}

// New builds a Controller from the client's configuration section.
func New(cfg config.ClientConfig) *Controller {
	return &Controller{
		cfg:      cfg,
		registry: NewProxyRegistry(cfg.Proxies),
		state:    StateIdle,
	}
}

// Run connects, authenticates, registers every proxy, and relays traffic
// until ctx is cancelled or MaxReconnectAttempts (if nonzero) is exhausted.
// Every transient failure is followed by a jittered backoff and a retry.
func (c *Controller) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)
		err := c.connectOnce(ctx, &attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		if c.cfg.MaxReconnectAttempts > 0 && attempt > c.cfg.MaxReconnectAttempts {
			return fmt.Errorf("client: exceeded max reconnect attempts (%d): %w", c.cfg.MaxReconnectAttempts, err)
		}

		delay := backoffDelay(c.cfg.ReconnectInterval, attempt)
		logger.Warn("control link lost, reconnecting", map[string]any{"attempt": attempt, "delay": delay.String(), "error": errString(err)})

		c.setState(StateWaiting)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// backoffDelay implements delay = min(base*2^(attempt-1), 60s) + jitter(0,1s)
// (§8 property 6) — the teacher's reconnect manager capped at 300s with no
// jitter, which let many clients reconnect in lockstep after a broker
// restart; this adds randomization and a tighter cap.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base
	for i := 1; i < attempt && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
	return delay + jitter
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// connectOnce runs exactly one connection attempt end to end: dial, auth,
// register, then relay until the link breaks. A non-nil return always means
// the caller should back off and retry. attempt is the caller's consecutive-
// failure counter; a successful auth resets it to 0 (§4.4) so backoff only
// escalates across unbroken runs of failures, not across the client's whole
// lifetime.
func (c *Controller) connectOnce(ctx context.Context, attempt *int) error {
	link, err := transport.DialClient(c.cfg.ServerURL, controlDialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial control link: %w", err)
	}
	defer link.Close()

	c.setState(StateAuthenticating)
	clientID, err := c.authenticate(link)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()
	*attempt = 0

	dataAddr, err := controlHost(c.cfg.ServerURL)
	if err != nil {
		return err
	}
	dataChan, err := DialDataChannel(dataAddr, clientID, controlDialTimeout)
	if err != nil {
		return fmt.Errorf("client: dial data channel: %w", err)
	}
	defer dataChan.Close()

	var udpChan *UDPChannel
	if c.cfg.ServerUDPPort != 0 {
		udpHost, hostErr := controlHostname(c.cfg.ServerURL)
		if hostErr != nil {
			return hostErr
		}
		udpChan, err = DialUDPChannel(fmt.Sprintf("%s:%d", udpHost, c.cfg.ServerUDPPort), clientID)
		if err != nil {
			return fmt.Errorf("client: dial udp data channel: %w", err)
		}
		defer udpChan.Close()
	}

	if err := c.registerAll(link); err != nil {
		return err
	}

	c.setState(StateAuthenticated)
	logger.Info("client session established", map[string]any{"clientId": clientID})

	handler := NewUnifiedHandler(link, dataChan, udpChan, c.registry)

	c.pendingMu.Lock()
	c.pending = make(map[string]chan *protocol.Message)
	c.pendingMu.Unlock()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return dataChan.Run(gctx) })
	if udpChan != nil {
		group.Go(func() error { return udpChan.Run(gctx) })
	}
	group.Go(func() error { return c.heartbeatLoop(gctx, link) })
	group.Go(func() error { return c.receiveLoop(gctx, link, handler) })
	group.Go(func() error {
		<-gctx.Done()
		_ = link.Close()
		_ = dataChan.Close()
		if udpChan != nil {
			_ = udpChan.Close()
		}
		return nil
	})

	return group.Wait()
}

// controlHost extracts host:port from the control websocket URL — the
// client dials the same address for the raw binary data channel, since the
// broker sniffs both off one shared TCP port (§6).
func controlHost(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: parse server_url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("client: server_url %q has no host", serverURL)
	}
	return u.Host, nil
}

// controlHostname extracts just the hostname (no port) from the control
// websocket URL, for dialing the broker's separate UDP data port.
func controlHostname(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("client: parse server_url: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("client: server_url %q has no host", serverURL)
	}
	return u.Hostname(), nil
}

// authenticate runs the UNAUTH→AUTHENTICATED handshake synchronously, before
// any concurrent receive loop exists to race it.
func (c *Controller) authenticate(link *transport.ControlLink) (string, error) {
	msg, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: c.cfg.Token})
	if err != nil {
		return "", err
	}
	_ = link.SetReadDeadline(time.Now().Add(authTimeout))
	if err := link.Send(msg); err != nil {
		return "", fmt.Errorf("client: send auth: %w", err)
	}

	resp, err := link.Receive()
	if err != nil {
		return "", fmt.Errorf("client: receive auth_resp: %w", err)
	}
	if resp.Type != protocol.TypeAuthResp {
		return "", fmt.Errorf("client: expected auth_resp, got %q", resp.Type)
	}

	var payload protocol.AuthRespPayload
	if err := resp.Decode(&payload); err != nil {
		return "", fmt.Errorf("client: decode auth_resp: %w", err)
	}
	if !payload.Success {
		return "", fmt.Errorf("client: auth rejected: %s", payload.Error)
	}
	return payload.ClientID, nil
}

// registerAll registers every configured proxy, sequentially and
// synchronously, before any new_connection announcements can be expected.
// Run again in full after every reconnect — the broker keeps no state for a
// client across a dropped control link.
func (c *Controller) registerAll(link *transport.ControlLink) error {
	for _, p := range c.registry.List() {
		msg, err := protocol.NewMessage(protocol.TypeRegister, protocol.RegisterPayload{
			RemotePort: p.RemotePort,
			LocalPort:  p.LocalPort,
			LocalHost:  p.LocalHost,
			Protocol:   p.Protocol,
		})
		if err != nil {
			return err
		}
		_ = link.SetReadDeadline(time.Now().Add(requestTimeout))
		if err := link.Send(msg); err != nil {
			return fmt.Errorf("client: send register: %w", err)
		}

		resp, err := link.Receive()
		if err != nil {
			return fmt.Errorf("client: receive register_resp: %w", err)
		}
		var payload protocol.RegisterRespPayload
		if err := resp.Decode(&payload); err != nil {
			return fmt.Errorf("client: decode register_resp: %w", err)
		}
		if !payload.Success {
			return fmt.Errorf("client: register port %d failed: %s", p.RemotePort, payload.Error)
		}
		logger.Info("proxy registered", map[string]any{"remotePort": p.RemotePort, "remoteUrl": payload.RemoteURL})
	}
	return nil
}

// heartbeatLoop sends a heartbeat every HeartbeatInterval and treats a
// failure to round-trip one as the link being dead (§4.1).
func (c *Controller) heartbeatLoop(ctx context.Context, link *transport.ControlLink) error {
	interval := c.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_, err := c.sendRequest(ctx, link, protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: protocol.NowUnixMilli()}, requestTimeout)
			if err != nil {
				return fmt.Errorf("client: heartbeat failed: %w", err)
			}
		}
	}
}

// receiveLoop is the single reader of link for the lifetime of a connection
// attempt: it routes responses to whichever sendRequest call is waiting on
// them and dispatches new_connection announcements to the handler.
func (c *Controller) receiveLoop(ctx context.Context, link *transport.ControlLink, handler *UnifiedHandler) error {
	for {
		msg, err := link.Receive()
		if err != nil {
			return fmt.Errorf("client: control link closed: %w", err)
		}

		switch msg.Type {
		case protocol.TypeAuthResp, protocol.TypeRegisterResp, protocol.TypeHeartbeatResp:
			c.deliver(msg)
		case protocol.TypeNewConnection:
			var payload protocol.NewConnectionPayload
			if err := msg.Decode(&payload); err != nil {
				logger.Warn("malformed new_connection payload", map[string]any{"error": err.Error()})
				continue
			}
			go handler.Handle(ctx, payload)
		case protocol.TypeConnectionClose:
			// The broker pushes this when it tears down a logical connection
			// on its own initiative (e.g. a UDP session idle eviction, §4.3).
			// Unregistering the connection's inbound queue closes it, which
			// ends that connection's pipe and closes its local-service socket.
			var payload protocol.ConnectionClosePayload
			if err := msg.Decode(&payload); err == nil {
				logger.Info("broker closed connection", map[string]any{"connectionId": payload.ConnectionID})
				handler.dataChan.Unregister(payload.ConnectionID)
				if handler.udpChan != nil {
					handler.udpChan.Unregister(payload.ConnectionID)
				}
			}
		default:
			logger.Warn("unexpected control message", map[string]any{"type": msg.Type})
		}
	}
}

// sendRequest sends msg and waits for a response sharing its id, delivered
// to receiveLoop's deliver call.
func (c *Controller) sendRequest(ctx context.Context, link *transport.ControlLink, msgType string, payload interface{}, timeout time.Duration) (*protocol.Message, error) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	if err := link.Send(msg); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("client: request %s timed out", msgType)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) deliver(msg *protocol.Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}
