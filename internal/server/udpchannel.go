package server

import (
	"net"
	"sync"
	"time"

	"chuantou/internal/frame"
	"chuantou/internal/session"
	"chuantou/pkg/logger"
)

// udpRegisterTimeout drops a cached client UDP address that hasn't sent a
// register/keepalive in this long, independent of any single UdpSession's
// idle timer (§4.2).
const udpRegisterTimeout = 60 * time.Second

// portWriter hands a UDP payload back out a registered public port to a
// specific user-facing address — implemented by Server, which alone knows
// every port's ProxyListener.
type portWriter interface {
	writeBackUDP(port int, addr *net.UDPAddr, payload []byte) error
}

// UDPChannel is the broker's half of the separate client↔server UDP data
// channel (§4.2, §6): a dedicated UDP port distinct from the TCP data
// channel, carrying register/keepalive control datagrams and (connId,
// payload) data datagrams. A client's UDP source address is cached on
// register and refreshed on keepalive, tolerating NAT rebinding.
type UDPChannel struct {
	conn     *net.UDPConn
	sessions *session.Manager
	writer   portWriter

	mu      sync.RWMutex
	clients map[string]*clientUDPAddr
}

type clientUDPAddr struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

// NewUDPChannel binds the UDP data channel port and returns the channel
// without starting its read loop; call Run to begin serving.
func NewUDPChannel(addr string, sessions *session.Manager, writer portWriter) (*UDPChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &UDPChannel{
		conn:     conn,
		sessions: sessions,
		writer:   writer,
		clients:  make(map[string]*clientUDPAddr),
	}, nil
}

// Run reads datagrams until ctx is done.
func (u *UDPChannel) Run(ctx <-chan struct{}) error {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx:
			return nil
		default:
		}
		n, addr, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx:
				return nil
			default:
				continue
			}
		}
		u.handleDatagram(buf[:n], addr)
	}
}

// Close releases the UDP socket.
func (u *UDPChannel) Close() error {
	return u.conn.Close()
}

func (u *UDPChannel) handleDatagram(datagram []byte, from *net.UDPAddr) {
	control, data, err := frame.DecodeUDPDatagram(datagram)
	if err != nil {
		logger.Warn("udp data channel: malformed datagram", map[string]any{"error": err.Error(), "from": from.String()})
		return
	}

	if control != nil {
		u.mu.Lock()
		u.clients[control.ClientID] = &clientUDPAddr{addr: from, lastSeen: time.Now()}
		u.mu.Unlock()
		return
	}

	// A data datagram from the client is a reply to an existing UdpSession;
	// forward it back out the public proxy port to the original user address.
	sess, ok := u.sessions.UDPSessionByConnID(data.ConnID)
	if !ok {
		logger.Warn("udp data channel: unknown connection id", map[string]any{"connId": data.ConnID})
		return
	}
	if err := u.writer.writeBackUDP(sess.Port, sess.RemoteAddr, data.Payload); err != nil {
		logger.Warn("udp data channel: write back failed", map[string]any{"connId": data.ConnID, "error": err.Error()})
	}
}

// Send forwards payload for connID to clientID's last-known UDP address.
// If the client hasn't registered (yet, or within udpRegisterTimeout), the
// datagram is logged and dropped and Send returns nil.
func (u *UDPChannel) Send(clientID, connID string, payload []byte) error {
	u.mu.RLock()
	entry, ok := u.clients[clientID]
	u.mu.RUnlock()
	if !ok || time.Since(entry.lastSeen) > udpRegisterTimeout {
		logger.Warn("udp data channel: no cached address for client, dropping datagram", map[string]any{"clientId": clientID, "connId": connID})
		return nil
	}

	encoded, err := frame.EncodeUDPData(connID, payload)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(encoded, entry.addr)
	return err
}
