package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"chuantou/internal/frame"
	"chuantou/pkg/logger"
)

// sendQueueDepth is the bounded per-connection outbound queue size (§5:
// 64 frames / 256KiB high watermark). A slow reader on one logical
// connection stalls only that connection's queue, never the shared
// physical data channel.
const sendQueueDepth = 64

// DataChannel is the server's end of a client's single multiplexed binary
// connection (§4.2). One physical net.Conn carries every LogicalConnection's
// bytes for that client, framed as (connId, payload). It satisfies the
// interface{ Close() error } the session package's ClientSession.DataChannel
// field is typed against.
type DataChannel struct {
	conn     net.Conn
	clientID string

	writeMu sync.Mutex

	mu     sync.RWMutex
	routes map[string]chan []byte
	closed bool
}

// NewDataChannel wraps an authenticated data-channel connection.
func NewDataChannel(conn net.Conn, clientID string) *DataChannel {
	return &DataChannel{
		conn:     conn,
		clientID: clientID,
		routes:   make(map[string]chan []byte),
	}
}

// Register opens an inbound queue for a logical connection id; the
// ProxyListener goroutine serving that connection reads from the returned
// channel to get bytes the client sent back for it. The channel is closed
// when Unregister is called or the data channel itself closes.
func (dc *DataChannel) Register(connID string) <-chan []byte {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	ch := make(chan []byte, sendQueueDepth)
	dc.routes[connID] = ch
	return ch
}

// Unregister tears down a logical connection's inbound queue.
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

// WriteFrame sends one (connId, payload) frame to the client over the
// shared physical connection. Safe for concurrent callers across connIDs —
// frames from different logical connections interleave but never tear.
func (dc *DataChannel) WriteFrame(connID string, payload []byte) error {
	encoded, err := frame.EncodeData(connID, payload)
	if err != nil {
		return fmt.Errorf("datachannel: encode frame: %w", err)
	}
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	_, err = dc.conn.Write(encoded)
	return err
}

// Run reads frames off the physical connection until it closes or ctx is
// cancelled, dispatching each to the registered route for its connId. A
// frame for an unknown or already-closed connId is dropped — the
// corresponding LogicalConnection has already gone away server-side.
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
		logger.Warn("data channel route saturated, dropping frame", map[string]any{
			"clientId": dc.clientID, "connId": f.ConnID, "bytes": len(f.Payload),
		})
	}
}

// Close closes the underlying connection and every registered route.
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
