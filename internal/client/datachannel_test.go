package client

import (
	"context"
	"net"
	"testing"
	"time"

	"chuantou/internal/frame"
)

func TestDialDataChannelSendsAuthFrame(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		clientID, err := frame.ReadAuth(conn)
		if err != nil {
			t.Errorf("ReadAuth: %v", err)
			return
		}
		accepted <- clientID
	}()

	dc, err := DialDataChannel(ln.Addr().String(), "client-42", time.Second)
	if err != nil {
		t.Fatalf("DialDataChannel: %v", err)
	}
	defer dc.Close()

	select {
	case got := <-accepted:
		if got != "client-42" {
			t.Fatalf("got clientId %q, want client-42", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auth frame")
	}
}

func TestDataChannelRunDispatchesToRegisteredRoute(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := frame.ReadAuth(conn); err != nil {
			t.Errorf("ReadAuth: %v", err)
			return
		}
		encoded, err := frame.EncodeData("conn-1", []byte("hello"))
		if err != nil {
			t.Errorf("EncodeData: %v", err)
			return
		}
		// Write one byte at a time to exercise the chunk-boundary-invariant parser.
		for _, b := range encoded {
			if _, err := conn.Write([]byte{b}); err != nil {
				return
			}
		}
	}()

	dc, err := DialDataChannel(ln.Addr().String(), "client-1", time.Second)
	if err != nil {
		t.Fatalf("DialDataChannel: %v", err)
	}
	defer dc.Close()

	inbound := dc.Register("conn-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = dc.Run(ctx) }()

	select {
	case payload := <-inbound:
		if string(payload) != "hello" {
			t.Fatalf("got payload %q, want %q", payload, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}

	<-serverDone
}

func TestDataChannelUnregisterClosesChannel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = frame.ReadAuth(conn)
		// Leave the connection open without reading further; Unregister
		// should close the local route regardless of the remote side.
	}()

	dc, err := DialDataChannel(ln.Addr().String(), "client-1", time.Second)
	if err != nil {
		t.Fatalf("DialDataChannel: %v", err)
	}
	defer dc.Close()

	ch := dc.Register("conn-x")
	dc.Unregister("conn-x")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed immediately after Unregister")
	}
}
