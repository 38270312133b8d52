package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chuantou/internal/protocol"
)

func TestControlLinkSendReceiveRoundTrip(t *testing.T) {
	serverLinks := make(chan *ControlLink, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := UpgradeServer(w, r)
		if err != nil {
			t.Errorf("UpgradeServer: %v", err)
			return
		}
		serverLinks <- link
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
	client, err := DialClient(wsURL, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close()

	server := <-serverLinks
	defer server.Close()

	msg, err := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: "secret"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := client.Send(msg); err != nil {
		t.Fatalf("client.Send: %v", err)
	}

	got, err := server.Receive()
	if err != nil {
		t.Fatalf("server.Receive: %v", err)
	}
	if got.Type != protocol.TypeAuth || got.ID != msg.ID {
		t.Fatalf("unexpected message: %+v", got)
	}
	var payload protocol.AuthPayload
	if err := got.Decode(&payload); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if payload.Token != "secret" {
		t.Fatalf("got token %q, want secret", payload.Token)
	}

	resp, err := protocol.NewResponse(protocol.TypeAuthResp, msg.ID, protocol.AuthRespPayload{Success: true, ClientID: "client-1"})
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if err := server.Send(resp); err != nil {
		t.Fatalf("server.Send: %v", err)
	}

	gotResp, err := client.Receive()
	if err != nil {
		t.Fatalf("client.Receive: %v", err)
	}
	if gotResp.ID != msg.ID {
		t.Fatalf("response id %q does not match request id %q", gotResp.ID, msg.ID)
	}
}

func TestControlLinkReadDeadlineExpires(t *testing.T) {
	serverLinks := make(chan *ControlLink, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := UpgradeServer(w, r)
		if err != nil {
			t.Errorf("UpgradeServer: %v", err)
			return
		}
		serverLinks <- link
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
	client, err := DialClient(wsURL, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	defer client.Close()
	server := <-serverLinks
	defer server.Close()

	if err := client.SetReadDeadline(time.Now().Add(20 * time.Millisecond)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	if _, err := client.Receive(); err == nil {
		t.Fatal("expected Receive to time out, got nil error")
	}
}
