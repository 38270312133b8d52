package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"chuantou/internal/protocol"
	"chuantou/internal/session"
	"chuantou/internal/sniff"
	"chuantou/pkg/logger"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// dataChannelStallGrace is how often a pipe's inbound loop wakes to check
// for cancellation while no data arrives; handleHTTP waits six times this
// long for a response. A client that stops draining is not disconnected by it.
const dataChannelStallGrace = 5 * time.Second

// ProxyListener owns one registered public port: it accepts ingress
// connections, sniffs their protocol, and relays their bytes to the owning
// client's multiplexed data channel (§4.3, §4.6).
type ProxyListener struct {
	port     int
	protocol string
	clientID string

	dispatcher *ControlDispatcher
	sessions   *session.Manager
	dataChans  *dataChannelRegistry
	udpChannel *UDPChannel

	limiter *rate.Limiter

	tcpListener net.Listener
	udpConn     *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProxyListener binds both a TCP and a UDP socket on port (§6: "each
// registered remotePort listens on both TCP and UDP") and starts accepting
// on each. proto is carried only as the registration's protocol hint passed
// along in new_connection announcements; it never narrows which transport is
// actually bound. Call Close to release the port.
func NewProxyListener(parent context.Context, port int, proto, clientID string, dispatcher *ControlDispatcher, sessions *session.Manager, dataChans *dataChannelRegistry, udpChannel *UDPChannel) (*ProxyListener, error) {
	ctx, cancel := context.WithCancel(parent)
	pl := &ProxyListener{
		port:       port,
		protocol:   proto,
		clientID:   clientID,
		dispatcher: dispatcher,
		sessions:   sessions,
		dataChans:  dataChans,
		udpChannel: udpChannel,
		limiter:    rate.NewLimiter(rate.Limit(500), 1000),
		ctx:        ctx,
		cancel:     cancel,
	}

	addr := fmt.Sprintf("0.0.0.0:%d", port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		cancel()
		return nil, err
	}
	pl.tcpListener = ln
	pl.wg.Add(1)
	go pl.acceptTCP()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		pl.Close()
		return nil, err
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		pl.Close()
		return nil, err
	}
	pl.udpConn = udpConn
	pl.wg.Add(1)
	go pl.acceptUDP()

	return pl, nil
}

// Close stops accepting and releases the bound port.
func (pl *ProxyListener) Close() {
	pl.cancel()
	if pl.tcpListener != nil {
		_ = pl.tcpListener.Close()
	}
	if pl.udpConn != nil {
		_ = pl.udpConn.Close()
	}
	pl.wg.Wait()
}

func (pl *ProxyListener) acceptTCP() {
	defer pl.wg.Done()
	for {
		conn, err := pl.tcpListener.Accept()
		if err != nil {
			select {
			case <-pl.ctx.Done():
				return
			default:
				logger.Warn("proxy listener accept error", map[string]any{"port": pl.port, "error": err.Error()})
				continue
			}
		}
		if !pl.limiter.Allow() {
			_ = conn.Close()
			continue
		}
		pl.wg.Add(1)
		go pl.handleTCP(conn)
	}
}

func (pl *ProxyListener) handleTCP(conn net.Conn) {
	defer pl.wg.Done()
	defer conn.Close()

	connID := uuid.NewString()
	reader := bufio.NewReader(conn)
	label, _ := sniff.Detect(reader)

	payload := protocol.NewConnectionPayload{
		ConnectionID:  connID,
		Protocol:      string(label),
		RemotePort:    pl.port,
		RemoteAddress: conn.RemoteAddr().String(),
	}

	if label == sniff.LabelHTTP {
		pl.handleHTTP(conn, reader, connID)
		return
	}

	// tcp / websocket: opaque byte pipe over the data channel (§4.3, §8
	// property: sniff result is advisory only, downstream piping is identical).
	pl.sessions.AddConnection(pl.clientID, connID, pl.port, string(label), conn.RemoteAddr())
	defer pl.sessions.RemoveConnection(connID)

	dc, ok := pl.dataChans.get(pl.clientID)
	if !ok {
		logger.Warn("no data channel for client, dropping connection", map[string]any{"clientId": pl.clientID, "connId": connID})
		return
	}

	inbound := dc.Register(connID)
	defer dc.Unregister(connID)

	if err := pl.dispatcher.NotifyNewConnection(pl.clientID, payload); err != nil {
		logger.Warn("failed to notify client of new connection", map[string]any{"clientId": pl.clientID, "connId": connID, "error": err.Error()})
		return
	}

	pipeBidirectional(pl.ctx, conn, dc, connID, reader, inbound)
}

// pipeBidirectional relays bytes between a user-facing net.Conn and the
// client's data channel for one logical connection, in both directions,
// until either side closes (§4.3 step 5-6).
func pipeBidirectional(ctx context.Context, conn net.Conn, dc *DataChannel, connID string, reader *bufio.Reader, inbound <-chan []byte) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if writeErr := dc.WriteFrame(connID, buf[:n]); writeErr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			select {
			case payload, ok := <-inbound:
				if !ok {
					return
				}
				if _, err := conn.Write(payload); err != nil {
					return
				}
			case <-time.After(dataChannelStallGrace):
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// handleHTTP fully parses the HTTP request (§4.5) and forwards method, URL,
// headers, and body to the client so its UnifiedHandler can replay it
// against the local service and stream the response back.
func (pl *ProxyListener) handleHTTP(conn net.Conn, reader *bufio.Reader, connID string) {
	req, err := http.ReadRequest(reader)
	if err != nil {
		return
	}
	defer req.Body.Close()

	var body bytes.Buffer
	if req.Body != nil {
		_, _ = io.Copy(&body, io.LimitReader(req.Body, 32*1024*1024))
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	pl.sessions.AddConnection(pl.clientID, connID, pl.port, "http", conn.RemoteAddr())
	defer pl.sessions.RemoveConnection(connID)

	stream := pl.dispatcher.OpenHTTPStream(connID)
	defer pl.dispatcher.CloseHTTPStream(connID)

	payload := protocol.NewConnectionPayload{
		ConnectionID:  connID,
		Protocol:      "http",
		RemotePort:    pl.port,
		RemoteAddress: conn.RemoteAddr().String(),
		URL:           req.URL.String(),
		Method:        req.Method,
		Headers:       headers,
		Body:          base64.StdEncoding.EncodeToString(body.Bytes()),
	}
	if err := pl.dispatcher.NotifyNewConnection(pl.clientID, payload); err != nil {
		writeGatewayError(conn, err)
		return
	}

	writer := bufio.NewWriter(conn)
	defer writer.Flush()

	headersWritten := false
	timeout := time.After(dataChannelStallGrace * 6)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				return
			}
			if ev.err != "" {
				if !headersWritten {
					writeGatewayError(conn, fmt.Errorf("%s", ev.err))
				}
				return
			}
			if ev.headers != nil {
				resp := http.Response{
					StatusCode: ev.headers.StatusCode,
					ProtoMajor: 1,
					ProtoMinor: 1,
					Header:     make(http.Header, len(ev.headers.Headers)),
				}
				for k, v := range ev.headers.Headers {
					resp.Header.Set(k, v)
				}
				headersWritten = true
				_ = resp.Write(writer)
			}
			if ev.data != nil {
				_, _ = writer.Write(ev.data)
			}
			if ev.end {
				return
			}
		case <-timeout:
			if !headersWritten {
				writeGatewayError(conn, fmt.Errorf("upstream timed out"))
			}
			return
		case <-pl.ctx.Done():
			return
		}
	}
}

func writeGatewayError(conn net.Conn, err error) {
	resp := &http.Response{
		StatusCode: http.StatusBadGateway,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Body:       io.NopCloser(bytes.NewBufferString(err.Error())),
		Header:     make(http.Header),
	}
	resp.ContentLength = int64(len(err.Error()))
	_ = resp.Write(conn)
}

// ===== UDP (§4.3, §8 property 7) =====

func (pl *ProxyListener) acceptUDP() {
	defer pl.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pl.udpConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-pl.ctx.Done():
				return
			default:
				continue
			}
		}
		pl.handleUDPDatagram(buf[:n], addr)
	}
}

// handleUDPDatagram forwards an inbound user datagram to the owning client
// over the dedicated UDP data channel (§4.2, §6) — never over the TCP
// multiplexer, which carries only tcp/websocket/http logical connections.
func (pl *ProxyListener) handleUDPDatagram(datagram []byte, addr *net.UDPAddr) {
	if pl.udpChannel == nil {
		logger.Warn("udp datagram received but no udp data channel configured", map[string]any{"port": pl.port})
		return
	}

	key := session.UDPSessionKey(pl.port, addr)

	if sess, ok := pl.sessions.UDPSession(key); ok {
		_ = pl.udpChannel.Send(pl.clientID, sess.ConnID, datagram)
		return
	}

	connID := uuid.NewString()
	pl.sessions.CreateUDPSession(key, connID, pl.clientID, pl.port, addr)

	if err := pl.dispatcher.NotifyNewConnection(pl.clientID, protocol.NewConnectionPayload{
		ConnectionID:  connID,
		Protocol:      "udp",
		RemotePort:    pl.port,
		RemoteAddress: addr.String(),
	}); err != nil {
		logger.Warn("failed to notify client of new udp session", map[string]any{"clientId": pl.clientID, "connId": connID, "error": err.Error()})
		return
	}
	_ = pl.udpChannel.Send(pl.clientID, connID, datagram)
}

// dataChannelRegistry resolves a client's live DataChannel. The Server owns
// the one instance and shares it with every ProxyListener.
type dataChannelRegistry struct {
	mu   sync.RWMutex
	byID map[string]*DataChannel
}

func newDataChannelRegistry() *dataChannelRegistry {
	return &dataChannelRegistry{byID: make(map[string]*DataChannel)}
}

func (r *dataChannelRegistry) set(clientID string, dc *DataChannel) {
	r.mu.Lock()
	r.byID[clientID] = dc
	r.mu.Unlock()
}

func (r *dataChannelRegistry) remove(clientID string) {
	r.mu.Lock()
	delete(r.byID, clientID)
	r.mu.Unlock()
}

func (r *dataChannelRegistry) get(clientID string) (*DataChannel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dc, ok := r.byID[clientID]
	return dc, ok
}
