package server

import (
	"net"
	"testing"
	"time"

	"chuantou/internal/frame"
	"chuantou/internal/session"
)

type fakePortWriter struct {
	writes chan writeBackCall
}

type writeBackCall struct {
	port    int
	addr    *net.UDPAddr
	payload []byte
}

func newFakePortWriter() *fakePortWriter {
	return &fakePortWriter{writes: make(chan writeBackCall, 8)}
}

func (f *fakePortWriter) writeBackUDP(port int, addr *net.UDPAddr, payload []byte) error {
	f.writes <- writeBackCall{port: port, addr: addr, payload: payload}
	return nil
}

func TestUDPChannelRegisterThenDataDispatchesToCachedAddr(t *testing.T) {
	sessions := session.NewManager(time.Hour, time.Hour)
	defer sessions.Close()

	writer := newFakePortWriter()
	uc, err := NewUDPChannel("127.0.0.1:0", sessions, writer)
	if err != nil {
		t.Fatalf("NewUDPChannel: %v", err)
	}
	defer uc.Close()

	stop := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = uc.Run(stop)
	}()
	defer func() {
		close(stop)
		_ = uc.Close()
		<-runDone
	}()

	clientConn, err := net.DialUDP("udp", nil, uc.conn.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	defer clientConn.Close()

	registerFrame, err := frame.EncodeUDPControl(frame.UDPKindRegister, "client-1")
	if err != nil {
		t.Fatalf("EncodeUDPControl: %v", err)
	}
	if _, err := clientConn.Write(registerFrame); err != nil {
		t.Fatalf("write register: %v", err)
	}

	// Give the channel's read loop a moment to process the register datagram
	// before exercising the reply path it caches the address for.
	time.Sleep(50 * time.Millisecond)

	remoteAddr := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 5000}
	key := session.UDPSessionKey(9000, remoteAddr)
	sessions.CreateUDPSession(key, "conn-9", "client-1", 9000, remoteAddr)

	if err := uc.Send("client-1", "conn-9", []byte("ping")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 2048)
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := clientConn.Read(buf)
	if err != nil {
		t.Fatalf("expected to receive the forwarded datagram: %v", err)
	}
	_, data, err := frame.DecodeUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("DecodeUDPDatagram: %v", err)
	}
	if data == nil || data.ConnID != "conn-9" || string(data.Payload) != "ping" {
		t.Fatalf("unexpected data frame: %+v", data)
	}

	// Now simulate the client replying with a data datagram; it should be
	// routed back out the public port via the fake portWriter.
	dataFrame, err := frame.EncodeUDPData("conn-9", []byte("pong"))
	if err != nil {
		t.Fatalf("EncodeUDPData: %v", err)
	}
	if _, err := clientConn.Write(dataFrame); err != nil {
		t.Fatalf("write data: %v", err)
	}

	select {
	case call := <-writer.writes:
		if call.port != 9000 || string(call.payload) != "pong" || call.addr.String() != remoteAddr.String() {
			t.Fatalf("unexpected write-back call: %+v", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write-back")
	}
}

func TestUDPChannelSendDropsUnregisteredClient(t *testing.T) {
	sessions := session.NewManager(time.Hour, time.Hour)
	defer sessions.Close()

	writer := newFakePortWriter()
	uc, err := NewUDPChannel("127.0.0.1:0", sessions, writer)
	if err != nil {
		t.Fatalf("NewUDPChannel: %v", err)
	}
	defer uc.Close()

	if err := uc.Send("ghost-client", "conn-1", []byte("x")); err != nil {
		t.Fatalf("Send should drop silently for an unknown client, got error: %v", err)
	}
	select {
	case call := <-writer.writes:
		t.Fatalf("expected no write-back for unregistered client, got %+v", call)
	default:
	}
}
