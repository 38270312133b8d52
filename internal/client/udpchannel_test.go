package client

import (
	"context"
	"net"
	"testing"
	"time"

	"chuantou/internal/frame"
)

func TestDialUDPChannelSendsRegisterFrame(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	uc, err := DialUDPChannel(serverConn.LocalAddr().String(), "client-9")
	if err != nil {
		t.Fatalf("DialUDPChannel: %v", err)
	}
	defer uc.Close()

	buf := make([]byte, 256)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected to receive the initial register datagram: %v", err)
	}
	control, _, err := frame.DecodeUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("DecodeUDPDatagram: %v", err)
	}
	if control == nil || control.Kind != frame.UDPKindRegister || control.ClientID != "client-9" {
		t.Fatalf("unexpected control frame: %+v", control)
	}
}

func TestUDPChannelRunDispatchesDataFrameToRoute(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	uc, err := DialUDPChannel(serverConn.LocalAddr().String(), "client-9")
	if err != nil {
		t.Fatalf("DialUDPChannel: %v", err)
	}
	defer uc.Close()

	// Drain the initial register datagram before replying with data.
	buf := make([]byte, 256)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read register: %v", err)
	}
	_ = n

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = uc.Run(ctx) }()

	inbound := uc.Register("conn-5")

	dataFrame, err := frame.EncodeUDPData("conn-5", []byte("reply"))
	if err != nil {
		t.Fatalf("EncodeUDPData: %v", err)
	}
	if _, err := serverConn.WriteToUDP(dataFrame, from); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	select {
	case payload := <-inbound:
		if string(payload) != "reply" {
			t.Fatalf("got payload %q, want %q", payload, "reply")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched datagram")
	}
}

func TestUDPChannelWriteFrameSendsDataDatagram(t *testing.T) {
	serverConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer serverConn.Close()

	uc, err := DialUDPChannel(serverConn.LocalAddr().String(), "client-9")
	if err != nil {
		t.Fatalf("DialUDPChannel: %v", err)
	}
	defer uc.Close()

	buf := make([]byte, 256)
	_ = serverConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := serverConn.ReadFromUDP(buf); err != nil {
		t.Fatalf("read register: %v", err)
	}

	if err := uc.WriteFrame("conn-7", []byte("outbound")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	n, _, err := serverConn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected to receive the data datagram: %v", err)
	}
	_, data, err := frame.DecodeUDPDatagram(buf[:n])
	if err != nil {
		t.Fatalf("DecodeUDPDatagram: %v", err)
	}
	if data == nil || data.ConnID != "conn-7" || string(data.Payload) != "outbound" {
		t.Fatalf("unexpected data frame: %+v", data)
	}
}
