package client

import (
	"context"
	"net"
	"sync"
	"time"

	"chuantou/internal/frame"
	"chuantou/pkg/logger"
)

// udpKeepaliveInterval refreshes the client's cached address on the broker
// well inside the broker's udpRegisterTimeout (60s) (§4.2). Keepalives do not
// touch UdpSession idle timers (30s); only user datagrams refresh those
// (§8 property 7).
const udpKeepaliveInterval = 15 * time.Second

// UDPChannel is the client's half of the dedicated client↔server UDP data
// channel (§4.2, §6) — a separate UDP socket from the TCP data channel,
// carrying this client's register/keepalive control datagrams and the
// (connId, payload) data datagrams for every UDP logical connection.
type UDPChannel struct {
	conn     *net.UDPConn
	clientID string

	mu     sync.RWMutex
	routes map[string]chan []byte
	closed bool
}

// DialUDPChannel opens the UDP socket to addr and sends the initial
// register control datagram identifying clientID.
func DialUDPChannel(addr, clientID string) (*UDPChannel, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}

	uc := &UDPChannel{conn: conn, clientID: clientID, routes: make(map[string]chan []byte)}
	if err := uc.sendControl(frame.UDPKindRegister); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return uc, nil
}

func (uc *UDPChannel) sendControl(kind byte) error {
	encoded, err := frame.EncodeUDPControl(kind, uc.clientID)
	if err != nil {
		return err
	}
	_, err = uc.conn.Write(encoded)
	return err
}

// Register opens an inbound queue for connID.
func (uc *UDPChannel) Register(connID string) <-chan []byte {
	uc.mu.Lock()
	defer uc.mu.Unlock()
	ch := make(chan []byte, sendQueueDepth)
	uc.routes[connID] = ch
	return ch
}

// Unregister tears down connID's inbound queue.
func (uc *UDPChannel) Unregister(connID string) {
	uc.mu.Lock()
	ch, ok := uc.routes[connID]
	if ok {
		delete(uc.routes, connID)
	}
	uc.mu.Unlock()
	if ok {
		close(ch)
	}
}

// WriteFrame sends one (connId, payload) datagram back to the broker.
func (uc *UDPChannel) WriteFrame(connID string, payload []byte) error {
	encoded, err := frame.EncodeUDPData(connID, payload)
	if err != nil {
		return err
	}
	_, err = uc.conn.Write(encoded)
	return err
}

// Run reads datagrams and sends periodic keepalives until ctx is cancelled.
func (uc *UDPChannel) Run(ctx context.Context) error {
	go uc.keepaliveLoop(ctx)

	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = uc.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := uc.conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		_, data, decodeErr := frame.DecodeUDPDatagram(buf[:n])
		if decodeErr != nil {
			logger.Warn("udp data channel: malformed datagram", map[string]any{"error": decodeErr.Error()})
			continue
		}
		if data != nil {
			uc.dispatch(*data)
		}
	}
}

func (uc *UDPChannel) keepaliveLoop(ctx context.Context) {
	ticker := time.NewTicker(udpKeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := uc.sendControl(frame.UDPKindKeepalive); err != nil {
				return
			}
		}
	}
}

func (uc *UDPChannel) dispatch(f frame.UDPDataFrame) {
	uc.mu.RLock()
	ch, ok := uc.routes[f.ConnID]
	uc.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- f.Payload:
	default:
		logger.Warn("udp data channel route saturated, dropping datagram", map[string]any{"connId": f.ConnID})
	}
}

// Close closes the socket and every registered route.
func (uc *UDPChannel) Close() error {
	uc.mu.Lock()
	if uc.closed {
		uc.mu.Unlock()
		return nil
	}
	uc.closed = true
	for connID, ch := range uc.routes {
		delete(uc.routes, connID)
		close(ch)
	}
	uc.mu.Unlock()
	return uc.conn.Close()
}
