package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"chuantou/internal/frame"
	"chuantou/pkg/logger"
)

const sendQueueDepth = 64

// DataChannel is the client's end of the single multiplexed binary
// connection it maintains to the server: one physical TCP connection,
// N logical connections framed as (connId, payload) (SPEC_FULL.md §4.2).
type DataChannel struct {
	conn net.Conn

	writeMu sync.Mutex

	mu     sync.RWMutex
	routes map[string]chan []byte
	closed bool
}

// DialDataChannel opens a new physical connection to addr and sends the
// one-time auth frame identifying clientID.
func DialDataChannel(addr, clientID string, dialTimeout time.Duration) (*DataChannel, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("datachannel: dial %s: %w", addr, err)
	}

	authFrame, err := frame.EncodeAuth(clientID)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(authFrame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("datachannel: send auth frame: %w", err)
	}

	return &DataChannel{conn: conn, routes: make(map[string]chan []byte)}, nil
}

// Register opens an inbound queue for connID; the goroutine piping that
// logical connection's local-service socket reads from the returned channel.
func (dc *DataChannel) Register(connID string) <-chan []byte {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	ch := make(chan []byte, sendQueueDepth)
	dc.routes[connID] = ch
	return ch
}

// Unregister tears down connID's inbound queue.
func (dc *DataChannel) Unregister(connID string) {
	dc.mu.Lock()
	ch, ok := dc.routes[connID]
	if ok {
		delete(dc.routes, connID)
	}
	dc.mu.Unlock()
	if ok {
		close(ch)
	}
}

// WriteFrame sends one (connId, payload) frame back to the server.
func (dc *DataChannel) WriteFrame(connID string, payload []byte) error {
	encoded, err := frame.EncodeData(connID, payload)
	if err != nil {
		return err
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	_, err = dc.conn.Write(encoded)
	return err
}

// Run reads frames until the connection closes or ctx is cancelled,
// dispatching each to its registered route.
func (dc *DataChannel) Run(ctx context.Context) error {
	parser := &frame.Parser{}
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := dc.conn.Read(buf)
		if n > 0 {
			frames, decodeErr := parser.Feed(buf[:n])
			if decodeErr != nil {
				return fmt.Errorf("datachannel: %w", decodeErr)
			}
			for _, f := range frames {
				dc.dispatch(f)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (dc *DataChannel) dispatch(f frame.DataFrame) {
	dc.mu.RLock()
	ch, ok := dc.routes[f.ConnID]
	dc.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case ch <- f.Payload:
	default:
		logger.Warn("data channel route saturated, dropping frame", map[string]any{"connId": f.ConnID, "bytes": len(f.Payload)})
	}
}

// Close closes the connection and every registered route.
func (dc *DataChannel) Close() error {
	dc.mu.Lock()
	if dc.closed {
		dc.mu.Unlock()
		return nil
	}
	dc.closed = true
	for connID, ch := range dc.routes {
		delete(dc.routes, connID)
		close(ch)
	}
	dc.mu.Unlock()
	return dc.conn.Close()
}
