package server

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"chuantou/internal/protocol"
	"chuantou/internal/session"
	"chuantou/internal/transport"
)

type fakeBinder struct {
	boundPort int
	boundErr  error
}

func (f *fakeBinder) Bind(clientID string, port int, proto string) (string, error) {
	if f.boundErr != nil {
		return "", f.boundErr
	}
	f.boundPort = port
	return "tcp://0.0.0.0:" + strconv.Itoa(port), nil
}

func (f *fakeBinder) Unbind(clientID string, port int) {}

func dialDispatcher(t *testing.T, d *ControlDispatcher) (*transport.ControlLink, func()) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		link, err := transport.UpgradeServer(w, r)
		if err != nil {
			return
		}
		d.HandleLink(link)
	})
	srv := httptest.NewServer(mux)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/tunnel"
	client, err := transport.DialClient(wsURL, time.Second)
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}
	return client, srv.Close
}

func TestDispatcherAuthRegisterHeartbeat(t *testing.T) {
	sessions := session.NewManager(time.Hour, time.Hour)
	defer sessions.Close()
	binder := &fakeBinder{}
	d := NewControlDispatcher(sessions, binder, []string{"secret-token"}, 30*time.Second)

	link, closeSrv := dialDispatcher(t, d)
	defer closeSrv()
	defer link.Close()

	authMsg, _ := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: "secret-token"})
	if err := link.Send(authMsg); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	authResp, err := link.Receive()
	if err != nil {
		t.Fatalf("receive auth_resp: %v", err)
	}
	var authPayload protocol.AuthRespPayload
	if err := authResp.Decode(&authPayload); err != nil {
		t.Fatalf("decode auth_resp: %v", err)
	}
	if !authPayload.Success || authPayload.ClientID == "" {
		t.Fatalf("expected successful auth, got %+v", authPayload)
	}

	regMsg, _ := protocol.NewMessage(protocol.TypeRegister, protocol.RegisterPayload{RemotePort: 9100, LocalPort: 80, Protocol: "http"})
	if err := link.Send(regMsg); err != nil {
		t.Fatalf("send register: %v", err)
	}
	regResp, err := link.Receive()
	if err != nil {
		t.Fatalf("receive register_resp: %v", err)
	}
	var regPayload protocol.RegisterRespPayload
	if err := regResp.Decode(&regPayload); err != nil {
		t.Fatalf("decode register_resp: %v", err)
	}
	if !regPayload.Success || regPayload.RemotePort != 9100 {
		t.Fatalf("expected successful register, got %+v", regPayload)
	}
	if binder.boundPort != 9100 {
		t.Fatalf("expected binder.Bind called with port 9100, got %d", binder.boundPort)
	}

	hbMsg, _ := protocol.NewMessage(protocol.TypeHeartbeat, protocol.HeartbeatPayload{Timestamp: protocol.NowUnixMilli()})
	if err := link.Send(hbMsg); err != nil {
		t.Fatalf("send heartbeat: %v", err)
	}
	hbResp, err := link.Receive()
	if err != nil {
		t.Fatalf("receive heartbeat_resp: %v", err)
	}
	if hbResp.Type != protocol.TypeHeartbeatResp {
		t.Fatalf("got type %q, want heartbeat_resp", hbResp.Type)
	}
}

func TestDispatcherRejectsBadToken(t *testing.T) {
	sessions := session.NewManager(time.Hour, time.Hour)
	defer sessions.Close()
	binder := &fakeBinder{}
	d := NewControlDispatcher(sessions, binder, []string{"correct-token"}, 30*time.Second)

	link, closeSrv := dialDispatcher(t, d)
	defer closeSrv()
	defer link.Close()

	authMsg, _ := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: "wrong-token"})
	if err := link.Send(authMsg); err != nil {
		t.Fatalf("send auth: %v", err)
	}
	resp, err := link.Receive()
	if err != nil {
		t.Fatalf("receive auth_resp: %v", err)
	}
	var payload protocol.AuthRespPayload
	if err := resp.Decode(&payload); err != nil {
		t.Fatalf("decode auth_resp: %v", err)
	}
	if payload.Success {
		t.Fatal("expected auth to be rejected for a bad token")
	}
}

func TestDispatcherRegisterFailureWhenPortAlreadyBound(t *testing.T) {
	sessions := session.NewManager(time.Hour, time.Hour)
	defer sessions.Close()
	sessions.CreateSession("other-client")
	if err := sessions.RegisterPort("other-client", 9200, "tcp"); err != nil {
		t.Fatalf("seed RegisterPort: %v", err)
	}

	binder := &fakeBinder{}
	d := NewControlDispatcher(sessions, binder, []string{"tok"}, 30*time.Second)

	link, closeSrv := dialDispatcher(t, d)
	defer closeSrv()
	defer link.Close()

	authMsg, _ := protocol.NewMessage(protocol.TypeAuth, protocol.AuthPayload{Token: "tok"})
	_ = link.Send(authMsg)
	if _, err := link.Receive(); err != nil {
		t.Fatalf("receive auth_resp: %v", err)
	}

	regMsg, _ := protocol.NewMessage(protocol.TypeRegister, protocol.RegisterPayload{RemotePort: 9200, Protocol: "tcp"})
	_ = link.Send(regMsg)
	resp, err := link.Receive()
	if err != nil {
		t.Fatalf("receive register_resp: %v", err)
	}
	var payload protocol.RegisterRespPayload
	if err := resp.Decode(&payload); err != nil {
		t.Fatalf("decode register_resp: %v", err)
	}
	if payload.Success {
		t.Fatal("expected register to fail for an already-bound port")
	}
}
