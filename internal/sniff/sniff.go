// Package sniff implements the advisory protocol detector described in
// SPEC_FULL.md §4.3: peek at the first bytes of a freshly accepted TCP
// connection and label it http, websocket, or tcp. The label decides how
// the connection is handled: tcp and websocket bytes are relayed verbatim,
// while an http request is parsed into headers/method/URL for the client's
// UnifiedHandler and replayed from those.
package sniff

import (
	"bufio"
	"strings"
)

// PeekBytes bounds how much of the first chunk already received sniff
// inspects; anything it does not recognise is labelled plain tcp.
const PeekBytes = 1024

// Label is the sniffed protocol guess.
type Label string

const (
	LabelHTTP      Label = "http"
	LabelWebSocket Label = "websocket"
	LabelTCP       Label = "tcp"
)

var httpMethods = []string{"GET ", "POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE "}

// Detect peeks at r without consuming bytes the caller still needs —
// callers should wrap their connection in a *bufio.Reader and pass it here,
// then read the actual request from the same reader afterward.
func Detect(r *bufio.Reader) (Label, error) {
	if _, err := r.Peek(1); err != nil {
		return LabelTCP, err
	}
	n := r.Buffered()
	if n > PeekBytes {
		n = PeekBytes
	}
	peek, _ := r.Peek(n)

	text := string(peek)
	isHTTP := false
	for _, m := range httpMethods {
		if strings.HasPrefix(text, m) {
			isHTTP = true
			break
		}
	}
	if !isHTTP {
		return LabelTCP, nil
	}

	headerEnd := strings.Index(text, "\r\n\r\n")
	headerSection := text
	if headerEnd >= 0 {
		headerSection = text[:headerEnd]
	}
	lower := strings.ToLower(headerSection)
	if strings.Contains(lower, "upgrade: websocket") {
		return LabelWebSocket, nil
	}
	return LabelHTTP, nil
}
