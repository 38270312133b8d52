package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"chuantou/internal/protocol"
	"chuantou/internal/transport"
	"chuantou/pkg/config"
	"chuantou/pkg/logger"
)

// dataChannelStallGrace is how often a pipe's inbound loop wakes to check
// for cancellation while no data arrives. A local service that stops
// draining is not detected or disconnected by it.
const dataChannelStallGrace = 5 * time.Second

// dialTimeout bounds how long the handler waits to reach the local service
// before reporting connection_error back to the broker.
const dialTimeout = 10 * time.Second

// hopByHopHeaders is the exact set of header names a proxy must never
// forward verbatim (§8 property 5).
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func isHopByHop(header string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(header)]
	return ok
}

// UnifiedHandler dispatches a new_connection announcement to its local
// service by protocol hint (§4.5): tcp/websocket become an opaque byte pipe
// over the data channel; http is fully replayed against the local service
// and its response streamed back.
type UnifiedHandler struct {
	link     *transport.ControlLink
	dataChan *DataChannel
	udpChan  *UDPChannel
	registry *ProxyRegistry
}

// NewUnifiedHandler builds a handler bound to one control link / TCP data
// channel / UDP data channel triple — all three are re-created per
// connection attempt by the Controller, so a handler never outlives the
// session it was built for. udpChan may be nil if the broker has no UDP
// data port configured, in which case udp new_connection announcements are
// reported back as connection_error.
func NewUnifiedHandler(link *transport.ControlLink, dataChan *DataChannel, udpChan *UDPChannel, registry *ProxyRegistry) *UnifiedHandler {
	return &UnifiedHandler{link: link, dataChan: dataChan, udpChan: udpChan, registry: registry}
}

// Handle runs one logical connection end to end. It is always called in its
// own goroutine by the Controller's receive loop.
func (h *UnifiedHandler) Handle(ctx context.Context, payload protocol.NewConnectionPayload) {
	proxyCfg, ok := h.registry.Lookup(payload.RemotePort)
	if !ok {
		h.sendConnectionError(payload.ConnectionID, fmt.Sprintf("no local route for remote port %d", payload.RemotePort))
		return
	}

	switch payload.Protocol {
	case "http":
		h.handleHTTP(ctx, proxyCfg, payload)
	case "udp":
		h.handleUDP(ctx, proxyCfg, payload)
	default:
		h.handlePipe(ctx, proxyCfg, payload)
	}
}

func localHost(host string) string {
	if host == "" {
		return "127.0.0.1"
	}
	return host
}

// handlePipe dials the local service and relays bytes opaquely over the TCP
// multiplexed data channel — used for tcp and websocket (§4.3: sniff result
// never changes how bytes are piped downstream).
func (h *UnifiedHandler) handlePipe(ctx context.Context, proxyCfg config.ProxyConfig, payload protocol.NewConnectionPayload) {
	addr := fmt.Sprintf("%s:%d", localHost(proxyCfg.LocalHost), proxyCfg.LocalPort)

	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		h.sendConnectionError(payload.ConnectionID, err.Error())
		return
	}
	defer conn.Close()

	inbound := h.dataChan.Register(payload.ConnectionID)
	defer h.dataChan.Unregister(payload.ConnectionID)

	pipeBidirectional(ctx, conn, h.dataChan, payload.ConnectionID, inbound)
	h.sendConnectionClose(payload.ConnectionID)
}

// handleUDP dials the local service over UDP and relays datagrams over the
// dedicated UDP data channel — never the TCP multiplexer (§4.2, §6).
func (h *UnifiedHandler) handleUDP(ctx context.Context, proxyCfg config.ProxyConfig, payload protocol.NewConnectionPayload) {
	if h.udpChan == nil {
		h.sendConnectionError(payload.ConnectionID, "no udp data channel configured for this client")
		return
	}

	addr := fmt.Sprintf("%s:%d", localHost(proxyCfg.LocalHost), proxyCfg.LocalPort)
	conn, err := net.DialTimeout("udp", addr, dialTimeout)
	if err != nil {
		h.sendConnectionError(payload.ConnectionID, err.Error())
		return
	}
	defer conn.Close()

	inbound := h.udpChan.Register(payload.ConnectionID)
	defer h.udpChan.Unregister(payload.ConnectionID)

	pipeUDPBidirectional(ctx, conn, h.udpChan, payload.ConnectionID, inbound)
	h.sendConnectionClose(payload.ConnectionID)
}

// pipeUDPBidirectional relays datagrams between the local service socket and
// the dedicated UDP data channel for one logical connection until either
// side closes. Unlike pipeBidirectional, reads preserve datagram boundaries
// and each one is forwarded as its own frame — no length prefix is needed.
func pipeUDPBidirectional(ctx context.Context, conn net.Conn, uc *UDPChannel, connID string, inbound <-chan []byte) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 64*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if writeErr := uc.WriteFrame(connID, buf[:n]); writeErr != nil {
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
			case chunk, ok := <-inbound:
				if !ok {
					return
				}
				if _, err := conn.Write(chunk); err != nil {
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

// pipeBidirectional relays bytes between the local service socket and the
// data channel for one logical connection until either side closes, the
// mirror image of the server's ProxyListener.pipeBidirectional.
func pipeBidirectional(ctx context.Context, conn net.Conn, dc *DataChannel, connID string, inbound <-chan []byte) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
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
			case chunk, ok := <-inbound:
				if !ok {
					return
				}
				if _, err := conn.Write(chunk); err != nil {
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

// handleHTTP replays the method/URL/headers/body the broker forwarded
// against the local service, then streams the response back. Chunked or
// unknown-length responses (including SSE) are forwarded as they arrive
// rather than buffered whole, so long-lived streams don't stall behind a
// full read (§4.5).
func (h *UnifiedHandler) handleHTTP(ctx context.Context, proxyCfg config.ProxyConfig, payload protocol.NewConnectionPayload) {
	body, err := base64.StdEncoding.DecodeString(payload.Body)
	if err != nil {
		h.sendConnectionError(payload.ConnectionID, "malformed request body")
		return
	}

	url := fmt.Sprintf("http://%s:%d%s", localHost(proxyCfg.LocalHost), proxyCfg.LocalPort, payload.URL)
	req, err := http.NewRequestWithContext(ctx, payload.Method, url, bytes.NewReader(body))
	if err != nil {
		h.sendConnectionError(payload.ConnectionID, err.Error())
		return
	}
	for name, value := range payload.Headers {
		if isHopByHop(name) {
			continue
		}
		req.Header.Set(name, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.sendConnectionError(payload.ConnectionID, err.Error())
		return
	}
	defer resp.Body.Close()

	respHeaders := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		if isHopByHop(name) {
			continue
		}
		respHeaders[name] = resp.Header.Get(name)
	}

	streaming := resp.ContentLength < 0 || strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")
	if !streaming {
		h.sendFullResponse(payload.ConnectionID, resp, respHeaders)
		return
	}
	h.streamResponse(payload.ConnectionID, resp, respHeaders)
}

func (h *UnifiedHandler) sendFullResponse(connID string, resp *http.Response, headers map[string]string) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.sendConnectionError(connID, err.Error())
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeHTTPResponse, protocol.HTTPResponsePayload{
		ConnectionID: connID,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
		Body:         base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return
	}
	_ = h.link.Send(msg)
}

func (h *UnifiedHandler) streamResponse(connID string, resp *http.Response, headers map[string]string) {
	headersMsg, err := protocol.NewMessage(protocol.TypeHTTPResponseHeaders, protocol.HTTPResponseHeadersPayload{
		ConnectionID: connID,
		StatusCode:   resp.StatusCode,
		Headers:      headers,
	})
	if err == nil {
		_ = h.link.Send(headersMsg)
	}

	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			dataMsg, err := protocol.NewMessage(protocol.TypeHTTPResponseData, protocol.HTTPResponseDataPayload{
				ConnectionID: connID,
				Data:         base64.StdEncoding.EncodeToString(buf[:n]),
			})
			if err == nil {
				if sendErr := h.link.Send(dataMsg); sendErr != nil {
					logger.Warn("failed to stream http response chunk", map[string]any{"connId": connID, "error": sendErr.Error()})
					return
				}
			}
		}
		if readErr != nil {
			break
		}
	}

	endMsg, err := protocol.NewMessage(protocol.TypeHTTPResponseEnd, protocol.HTTPResponseEndPayload{ConnectionID: connID})
	if err == nil {
		_ = h.link.Send(endMsg)
	}
}

func (h *UnifiedHandler) sendConnectionClose(connID string) {
	msg, err := protocol.NewMessage(protocol.TypeConnectionClose, protocol.ConnectionClosePayload{ConnectionID: connID})
	if err == nil {
		_ = h.link.Send(msg)
	}
}

func (h *UnifiedHandler) sendConnectionError(connID, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeConnectionError, protocol.ConnectionErrorPayload{ConnectionID: connID, Error: reason})
	if err == nil {
		_ = h.link.Send(msg)
	}
}
