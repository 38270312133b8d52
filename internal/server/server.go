package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"chuantou/internal/frame"
	"chuantou/internal/session"
	"chuantou/internal/transport"
	"chuantou/pkg/config"
	"chuantou/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// Server is the broker process: it owns the control-link listener (shared
// TCP port serving both the websocket control upgrade and the raw CTDC data
// channel, sniffed apart on first bytes), the per-client data channels, and
// every ProxyListener bound to a registered public port (SPEC_FULL.md §4,
// §6).
type Server struct {
	cfg        config.ServerConfig
	sessions   *session.Manager
	dispatcher *ControlDispatcher
	dataChans  *dataChannelRegistry
	metrics    *Metrics

	listenersMu sync.Mutex
	listeners   map[int]*ProxyListener

	controlListener net.Listener
	metricsServer   *http.Server
	udpChannel      *UDPChannel
}

// New builds a Server from its fully-resolved configuration.
func New(cfg config.ServerConfig) *Server {
	sessions := session.NewManager(cfg.HeartbeatInterval, cfg.SessionTimeout)
	dataChans := newDataChannelRegistry()

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		dataChans: dataChans,
		listeners: make(map[int]*ProxyListener),
		metrics:   NewMetrics(prometheus.DefaultRegisterer),
	}
	s.dispatcher = NewControlDispatcher(sessions, s, cfg.AuthTokens, cfg.HeartbeatInterval)
	sessions.OnUDPSessionEvicted(func(clientID, connID string) {
		if err := s.dispatcher.NotifyConnectionClose(clientID, connID); err != nil {
			logger.Warn("udp eviction: notify connection_close", map[string]any{"clientId": clientID, "connId": connID, "error": err.Error()})
		}
	})
	return s
}

// Run starts every subsystem and blocks until ctx is cancelled or a fatal
// component error occurs, then shuts down: listeners and sessions are
// closed at once, without draining in-flight connections.
func (s *Server) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.ControlPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen control port: %w", err)
	}
	s.controlListener = ln
	logger.Info("control listener started", map[string]any{"addr": addr})

	if s.cfg.UDPDataPort != 0 {
		udpAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.UDPDataPort)
		udpChannel, err := NewUDPChannel(udpAddr, s.sessions, s)
		if err != nil {
			return fmt.Errorf("server: bind udp data channel: %w", err)
		}
		s.udpChannel = udpChannel
		logger.Info("udp data channel started", map[string]any{"addr": udpAddr})
		group.Go(func() error { return s.udpChannel.Run(gctx.Done()) })
	}

	group.Go(func() error { return s.acceptControl(gctx) })
	group.Go(func() error { return s.metrics.Run(gctx, s.sessions, 10*time.Second) })

	if s.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: s.cfg.MetricsAddr, Handler: mux}
		group.Go(func() error {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	<-gctx.Done()
	return s.Shutdown(context.Background())
}

// Shutdown stops accepting new work and releases every listener and session.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.controlListener != nil {
		_ = s.controlListener.Close()
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.udpChannel != nil {
		_ = s.udpChannel.Close()
	}

	s.listenersMu.Lock()
	for port, pl := range s.listeners {
		pl.Close()
		delete(s.listeners, port)
	}
	s.listenersMu.Unlock()

	return s.sessions.Close()
}

// acceptControl accepts raw TCP connections on the shared control port and
// sniffs the first bytes to route between the websocket control upgrade and
// the binary data-channel auth frame (§6).
func (s *Server) acceptControl(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := transport.UpgradeServer(w, r)
		if err != nil {
			logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
			return
		}
		s.dispatcher.HandleLink(link)
	})
	httpServer := &http.Server{Handler: mux}

	wsConns := make(chan net.Conn)
	wsListener := &channelListener{addr: s.controlListener.Addr(), ch: wsConns}

	go func() {
		_ = httpServer.Serve(wsListener)
	}()

	defer func() {
		_ = httpServer.Close()
		close(wsConns)
	}()

	for {
		conn, err := s.controlListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		reader := bufio.NewReader(conn)
		peek, err := reader.Peek(len(frame.Magic))
		if err == nil && string(peek) == frame.Magic {
			go s.handleDataChannel(ctx, conn, reader)
			continue
		}

		wsConns <- bufferedConn{Conn: conn, r: reader}
	}
}

func (s *Server) handleDataChannel(ctx context.Context, conn net.Conn, reader *bufio.Reader) {
	clientID, err := frame.ReadAuth(reader)
	if err != nil {
		logger.Warn("data channel auth failed", map[string]any{"error": err.Error()})
		_ = conn.Close()
		return
	}

	sess, ok := s.sessions.Session(clientID)
	if !ok {
		logger.Warn("data channel auth for unknown client", map[string]any{"clientId": clientID})
		_ = conn.Close()
		return
	}

	dc := NewDataChannel(bufferedConn{Conn: conn, r: reader}, clientID)
	sess.DataChannel = dc
	s.dataChans.set(clientID, dc)

	logger.Info("data channel established", map[string]any{"clientId": clientID})

	if err := dc.Run(ctx); err != nil {
		logger.Info("data channel closed", map[string]any{"clientId": clientID, "error": err.Error()})
	}
	s.dataChans.remove(clientID)
}

// ===== PortBinder =====

// Bind starts a ProxyListener for clientID on port, returning the public URL
// surface clients use to describe the registered endpoint (§4.1
// register_resp).
func (s *Server) Bind(clientID string, port int, proto string) (string, error) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	if _, exists := s.listeners[port]; exists {
		return "", fmt.Errorf("port %d already bound", port)
	}

	pl, err := NewProxyListener(context.Background(), port, proto, clientID, s.dispatcher, s.sessions, s.dataChans, s.udpChannel)
	if err != nil {
		return "", err
	}
	s.listeners[port] = pl

	scheme := "tcp"
	if proto == "http" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Host, port), nil
}

// Unbind stops and releases the ProxyListener for port.
func (s *Server) Unbind(clientID string, port int) {
	s.listenersMu.Lock()
	pl, ok := s.listeners[port]
	if ok {
		delete(s.listeners, port)
	}
	s.listenersMu.Unlock()
	if ok {
		pl.Close()
	}
}

// writeBackUDP satisfies portWriter: it hands a reply datagram from the
// client back out the public proxy port's UDP socket to the original user
// address (§4.2).
func (s *Server) writeBackUDP(port int, addr *net.UDPAddr, payload []byte) error {
	s.listenersMu.Lock()
	pl, ok := s.listeners[port]
	s.listenersMu.Unlock()
	if !ok || pl.udpConn == nil {
		return fmt.Errorf("server: no udp listener bound on port %d", port)
	}
	_, err := pl.udpConn.WriteToUDP(payload, addr)
	return err
}

// channelListener adapts a channel of net.Conn into a net.Listener so the
// control-port's websocket traffic can be served by a standard http.Server
// after the raw-TCP/data-channel sniff has already consumed the conn from
// the shared Accept loop.
type channelListener struct {
	addr net.Addr
	ch   chan net.Conn
}

func (l *channelListener) Accept() (net.Conn, error) {
	conn, ok := <-l.ch
	if !ok {
		return nil, fmt.Errorf("server: control listener closed")
	}
	return conn, nil
}

func (l *channelListener) Close() error   { return nil }
func (l *channelListener) Addr() net.Addr { return l.addr }

// bufferedConn lets a conn already partially consumed through a bufio.Reader
// (for the magic-byte sniff) keep working transparently for later reads.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
