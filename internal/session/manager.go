package session

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"chuantou/pkg/errs"
	"chuantou/pkg/logger"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/errgroup"
)

// ErrPortInUse is returned by RegisterPort when the port already belongs to
// another client (§4.1 register algorithm step 2, §8 property 1).
var ErrPortInUse = fmt.Errorf("port already registered")

// ErrUnknownClient is returned when an operation names a client-id with no session.
var ErrUnknownClient = fmt.Errorf("unknown client")

// Manager is the single source of truth for server-side session state
// (§4.6). All operations are safe for concurrent use (§5).
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession // clientId -> session
	ports    map[int]*RegisteredPort   // port -> reservation
	conns    map[string]*LogicalConnection
	udp      map[string]*UdpSession // sessionKey (port|remoteAddr) -> session
	udpByID  map[string]*UdpSession // connId -> session, for the UDP data channel's reply path

	heartbeatInterval time.Duration
	sessionTimeout    time.Duration
	udpIdleTimeout    time.Duration

	notifyMu            sync.RWMutex
	onUDPSessionEvicted func(clientID, connID string)

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// OnUDPSessionEvicted registers a callback invoked whenever the UDP idle
// janitor evicts a session, so the caller can notify the owning client with
// a connection_close (§4.3). Optional — a nil callback (the default) is a
// no-op, which keeps this package usable standalone in tests.
func (m *Manager) OnUDPSessionEvicted(fn func(clientID, connID string)) {
	m.notifyMu.Lock()
	m.onUDPSessionEvicted = fn
	m.notifyMu.Unlock()
}

// NewManager constructs a Manager and starts its background janitors
// (heartbeat sweep, UDP idle eviction). Callers must call Close on shutdown.
func NewManager(heartbeatInterval, sessionTimeout time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	m := &Manager{
		sessions:          make(map[string]*ClientSession),
		ports:             make(map[int]*RegisteredPort),
		conns:             make(map[string]*LogicalConnection),
		udp:               make(map[string]*UdpSession),
		udpByID:           make(map[string]*UdpSession),
		heartbeatInterval: heartbeatInterval,
		sessionTimeout:    sessionTimeout,
		udpIdleTimeout:    30 * time.Second,
		ctx:               ctx,
		cancel:            cancel,
		group:             group,
	}

	group.Go(func() error { return m.heartbeatJanitor(gctx) })
	group.Go(func() error { return m.udpJanitor(gctx) })

	return m
}

// Close stops the background janitors and releases every session.
func (m *Manager) Close() error {
	m.cancel()
	_ = m.group.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for clientID, s := range m.sessions {
		if s.DataChannel != nil {
			_ = s.DataChannel.Close()
		}
		delete(m.sessions, clientID)
	}
	return nil
}

// CreateSession registers an authenticated control link under a new client
// id. The caller (ControlDispatcher) calls it only after a successful auth
// message, so the session starts out authenticated.
func (m *Manager) CreateSession(clientID string) *ClientSession {
	s := newClientSession(clientID)

	m.mu.Lock()
	m.sessions[clientID] = s
	m.mu.Unlock()

	logger.Info("session created", map[string]any{"clientId": clientID})
	return s
}

// Session looks up a client's session by id.
func (m *Manager) Session(clientID string) (*ClientSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[clientID]
	return s, ok
}

// RemoveSession tears down a client entirely: its data channel, every
// registered port, every logical connection and UDP session it owns (§4.6
// "Removal of a session must...").
func (m *Manager) RemoveSession(clientID string) {
	m.mu.Lock()
	s, ok := m.sessions[clientID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, clientID)

	for port, reservation := range m.ports {
		if reservation.ClientID == clientID {
			delete(m.ports, port)
		}
	}
	for connID, conn := range m.conns {
		if conn.ClientID == clientID {
			delete(m.conns, connID)
		}
	}
	for key, u := range m.udp {
		if u.ClientID == clientID {
			delete(m.udp, key)
			delete(m.udpByID, u.ConnID)
		}
	}
	m.mu.Unlock()

	if s.DataChannel != nil {
		if err := s.DataChannel.Close(); err != nil {
			logger.Warn("error closing data channel on session removal", map[string]any{"clientId": clientID, "error": err.Error()})
		}
	}
	logger.Info("session removed", map[string]any{"clientId": clientID})
}

// RegisterPort atomically checks vacancy and reserves the port for clientID
// (§4.1 register algorithm, §8 property 1). Returns ErrPortInUse if another
// client already holds it. The caller is responsible for starting the
// ProxyListener outside this critical section and calling UnregisterPort to
// roll back on bind failure.
func (m *Manager) RegisterPort(clientID string, port int, protocol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[clientID]; !ok {
		return ErrUnknownClient
	}
	if existing, occupied := m.ports[port]; occupied && existing.ClientID != clientID {
		return errs.Wrap(ErrPortInUse, "port %d held by client %s", port, existing.ClientID)
	}

	m.ports[port] = &RegisteredPort{Port: port, ClientID: clientID, Protocol: protocol}
	m.sessions[clientID].addPort(port)
	return nil
}

// UnregisterPort releases a port reservation, whether from explicit
// UNREGISTER or from rolling back a failed listener bind.
func (m *Manager) UnregisterPort(clientID string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reservation, ok := m.ports[port]; ok && reservation.ClientID == clientID {
		delete(m.ports, port)
	}
	if s, ok := m.sessions[clientID]; ok {
		s.removePort(port)
	}
}

// ClientByPort resolves the owning client of a registered public port.
func (m *Manager) ClientByPort(port int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reservation, ok := m.ports[port]
	if !ok {
		return "", false
	}
	return reservation.ClientID, true
}

// AddConnection records a new LogicalConnection (§4.3 step 3). connID must
// be globally unique (§3 invariant 2) — callers generate it via uuid.
func (m *Manager) AddConnection(clientID, connID string, port int, protocol string, remoteAddr net.Addr) {
	m.mu.Lock()
	m.conns[connID] = &LogicalConnection{
		ConnID:     connID,
		ClientID:   clientID,
		Port:       port,
		Protocol:   protocol,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
	}
	if s, ok := m.sessions[clientID]; ok {
		s.addConnection(connID)
	}
	m.mu.Unlock()
}

// RemoveConnection drops a LogicalConnection's metadata.
func (m *Manager) RemoveConnection(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if ok {
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	if ok {
		if s, exists := m.Session(conn.ClientID); exists {
			s.removeConnection(connID)
		}
	}
}

// Connection looks up a LogicalConnection's metadata by id.
func (m *Manager) Connection(connID string) (*LogicalConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// UpdateHeartbeat refreshes last-heartbeat for an authenticated session
// (§4.1 heartbeat, §3 invariant 5).
func (m *Manager) UpdateHeartbeat(clientID string) error {
	s, ok := m.Session(clientID)
	if !ok {
		return ErrUnknownClient
	}
	s.touchHeartbeat()
	return nil
}

// Stats returns the aggregate counters named in §4.6, enriched with
// host-level CPU/memory/goroutine figures (SPEC_FULL.md §1c).
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	stats := Stats{
		AuthClients:      len(m.sessions),
		TotalPorts:       len(m.ports),
		TotalConnections: len(m.conns),
		Goroutines:       runtime.NumGoroutine(),
	}
	m.mu.RUnlock()

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.HostCPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.HostMemoryPercent = vm.UsedPercent
	}
	return stats
}

// Sessions lists every authenticated session, for operational visibility.
func (m *Manager) Sessions() []SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionSummary{ClientID: s.ClientID, ConnectedAt: s.ConnectedAt, Ports: s.Ports()})
	}
	return out
}

// heartbeatJanitor removes sessions whose last heartbeat is older than
// sessionTimeout, once per heartbeatInterval (§4.1, §5, §8 property 8).
func (m *Manager) heartbeatJanitor(ctx context.Context) error {
	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweepExpiredSessions()
		}
	}
}

func (m *Manager) sweepExpiredSessions() {
	m.mu.RLock()
	var stale []string
	for clientID, s := range m.sessions {
		if time.Since(s.LastHeartbeat()) > m.sessionTimeout {
			stale = append(stale, clientID)
		}
	}
	m.mu.RUnlock()

	for _, clientID := range stale {
		logger.Warn("session heartbeat timeout, removing", map[string]any{"clientId": clientID})
		m.RemoveSession(clientID)
	}
}

// udpJanitor evicts UDP sessions idle for more than udpIdleTimeout, checked
// every second so the eviction window stays within [30s, 31s] (§8 property 7).
func (m *Manager) udpJanitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.sweepExpiredUDPSessions()
		}
	}
}

func (m *Manager) sweepExpiredUDPSessions() {
	m.mu.Lock()
	var expired []*UdpSession
	for key, u := range m.udp {
		if u.IdleFor() > m.udpIdleTimeout {
			delete(m.udp, key)
			delete(m.udpByID, u.ConnID)
			delete(m.conns, u.ConnID)
			expired = append(expired, u)
		}
	}
	m.mu.Unlock()

	m.notifyMu.RLock()
	notify := m.onUDPSessionEvicted
	m.notifyMu.RUnlock()

	for _, u := range expired {
		logger.Info("udp session idle, evicting", map[string]any{"connId": u.ConnID, "clientId": u.ClientID, "port": u.Port})
		if notify != nil {
			notify(u.ClientID, u.ConnID)
		}
	}
}

// UDPSessionKey derives the lookup key for a UDP session table entry: the
// combination of the public port and the remote address, per §3/§4.3.
func UDPSessionKey(port int, remoteAddr *net.UDPAddr) string {
	return fmt.Sprintf("%d|%s", port, remoteAddr.String())
}

// UDPSession looks up an existing UDP session by key, refreshing its idle timer.
func (m *Manager) UDPSession(key string) (*UdpSession, bool) {
	m.mu.RLock()
	u, ok := m.udp[key]
	m.mu.RUnlock()
	if ok {
		u.Touch()
	}
	return u, ok
}

// CreateUDPSession installs a new UDP session under the given connID and
// session-key, recording matching LogicalConnection metadata.
func (m *Manager) CreateUDPSession(key, connID, clientID string, port int, addr *net.UDPAddr) *UdpSession {
	u := newUdpSession(connID, clientID, port, addr)

	m.mu.Lock()
	m.udp[key] = u
	m.udpByID[connID] = u
	m.conns[connID] = &LogicalConnection{ConnID: connID, ClientID: clientID, Port: port, Protocol: "udp", RemoteAddr: addr, CreatedAt: time.Now()}
	m.mu.Unlock()

	return u
}

// UDPSessionByConnID looks up a UDP session by its connection id — the path
// the UDP data channel uses to route a client's reply datagram back out the
// correct public port to the correct user address (§4.2).
func (m *Manager) UDPSessionByConnID(connID string) (*UdpSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.udpByID[connID]
	return u, ok
}
