package sniff

import (
	"bufio"
	"strings"
	"testing"
)

func detect(t *testing.T, input string) Label {
	t.Helper()
	label, err := Detect(bufio.NewReader(strings.NewReader(input)))
	if err != nil && label == "" {
		t.Fatalf("Detect: %v", err)
	}
	return label
}

func TestDetectPlainTCP(t *testing.T) {
	if got := detect(t, "\x16\x03\x01\x00\xa5random binary garbage"); got != LabelTCP {
		t.Fatalf("got %q, want tcp", got)
	}
}

func TestDetectHTTP(t *testing.T) {
	req := "GET /foo HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n"
	if got := detect(t, req); got != LabelHTTP {
		t.Fatalf("got %q, want http", got)
	}
}

func TestDetectWebSocketUpgrade(t *testing.T) {
	req := "GET /tunnel HTTP/1.1\r\nHost: example.com\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n"
	if got := detect(t, req); got != LabelWebSocket {
		t.Fatalf("got %q, want websocket", got)
	}
}

func TestDetectShortReadStillLabelsTCP(t *testing.T) {
	label, err := Detect(bufio.NewReader(strings.NewReader("hi")))
	if label != LabelTCP {
		t.Fatalf("got %q, want tcp", label)
	}
	_ = err // nil: the two bytes are the whole first chunk
}

func TestDetectOtherHTTPMethods(t *testing.T) {
	for _, method := range []string{"POST ", "PUT ", "DELETE ", "HEAD ", "OPTIONS ", "PATCH ", "CONNECT ", "TRACE "} {
		req := method + "/ HTTP/1.1\r\nHost: x\r\n\r\n"
		if got := detect(t, req); got != LabelHTTP {
			t.Fatalf("method %q: got %q, want http", method, got)
		}
	}
}
