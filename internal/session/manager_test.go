package session

import (
	"net"
	"testing"
	"time"
)

func TestRegisterPortRejectsSecondClient(t *testing.T) {
	m := NewManager(50*time.Millisecond, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	m.CreateSession("client-b")

	if err := m.RegisterPort("client-a", 9000, "tcp"); err != nil {
		t.Fatalf("first RegisterPort: %v", err)
	}
	if err := m.RegisterPort("client-b", 9000, "tcp"); err != ErrPortInUse && err == nil {
		t.Fatalf("expected ErrPortInUse-wrapped error, got nil")
	}

	owner, ok := m.ClientByPort(9000)
	if !ok || owner != "client-a" {
		t.Fatalf("expected client-a to own port 9000, got %q (ok=%v)", owner, ok)
	}
}

func TestRegisterPortIsIdempotentForSameClient(t *testing.T) {
	m := NewManager(50*time.Millisecond, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	if err := m.RegisterPort("client-a", 9001, "http"); err != nil {
		t.Fatalf("first RegisterPort: %v", err)
	}
	if err := m.RegisterPort("client-a", 9001, "http"); err != nil {
		t.Fatalf("re-registering own port should succeed, got %v", err)
	}
}

func TestRegisterPortUnknownClient(t *testing.T) {
	m := NewManager(50*time.Millisecond, time.Hour)
	defer m.Close()

	if err := m.RegisterPort("ghost", 9002, "tcp"); err != ErrUnknownClient {
		t.Fatalf("got %v, want ErrUnknownClient", err)
	}
}

func TestUnregisterPortFreesReservation(t *testing.T) {
	m := NewManager(50*time.Millisecond, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	m.CreateSession("client-b")

	if err := m.RegisterPort("client-a", 9003, "tcp"); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}
	m.UnregisterPort("client-a", 9003)

	if err := m.RegisterPort("client-b", 9003, "tcp"); err != nil {
		t.Fatalf("expected port free for client-b after unregister, got %v", err)
	}
}

func TestHeartbeatJanitorRemovesStaleSessions(t *testing.T) {
	m := NewManager(10*time.Millisecond, 30*time.Millisecond)
	defer m.Close()

	m.CreateSession("client-a")
	if err := m.RegisterPort("client-a", 9004, "tcp"); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Session("client-a"); !ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := m.Session("client-a"); ok {
		t.Fatal("expected session to be removed after sessionTimeout elapsed")
	}
	if _, ok := m.ClientByPort(9004); ok {
		t.Fatal("expected port reservation to be released with the session")
	}
}

func TestRemoveSessionReleasesAllState(t *testing.T) {
	m := NewManager(time.Hour, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	if err := m.RegisterPort("client-a", 9005, "tcp"); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}
	m.AddConnection("client-a", "conn-1", 9005, "tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5555})

	m.RemoveSession("client-a")

	if _, ok := m.Session("client-a"); ok {
		t.Fatal("expected session gone")
	}
	if _, ok := m.ClientByPort(9005); ok {
		t.Fatal("expected port reservation gone")
	}
	if _, ok := m.Connection("conn-1"); ok {
		t.Fatal("expected connection metadata gone")
	}
}

func TestUpdateHeartbeatKeepsSessionAlive(t *testing.T) {
	m := NewManager(10*time.Millisecond, 60*time.Millisecond)
	defer m.Close()

	m.CreateSession("client-a")

	stop := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(stop) {
		if err := m.UpdateHeartbeat("client-a"); err != nil {
			t.Fatalf("UpdateHeartbeat: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, ok := m.Session("client-a"); !ok {
		t.Fatal("expected session kept alive by repeated heartbeats")
	}
}

func TestUDPSessionEvictionAndLookup(t *testing.T) {
	m := NewManager(time.Hour, time.Hour)
	defer m.Close()
	m.udpIdleTimeout = 30 * time.Millisecond

	addr := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4000}
	key := UDPSessionKey(9100, addr)
	m.CreateUDPSession(key, "udp-conn-1", "client-a", 9100, addr)

	if _, ok := m.UDPSession(key); !ok {
		t.Fatal("expected UDP session to be found immediately after creation")
	}
	if _, ok := m.UDPSessionByConnID("udp-conn-1"); !ok {
		t.Fatal("expected UDP session to be found by connection id")
	}

	// Poll the map directly rather than through UDPSession: it refreshes the
	// idle timer on every lookup, which would mask eviction.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m.mu.RLock()
		_, stillPresent := m.udp[key]
		m.mu.RUnlock()
		if !stillPresent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected UDP session to be evicted after idle timeout")
}

func TestStatsReflectsLiveCounts(t *testing.T) {
	m := NewManager(time.Hour, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	m.CreateSession("client-b")
	if err := m.RegisterPort("client-a", 9200, "tcp"); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}
	m.AddConnection("client-a", "conn-x", 9200, "tcp", &net.TCPAddr{})

	stats := m.Stats()
	if stats.AuthClients != 2 {
		t.Fatalf("got AuthClients=%d, want 2", stats.AuthClients)
	}
	if stats.TotalPorts != 1 {
		t.Fatalf("got TotalPorts=%d, want 1", stats.TotalPorts)
	}
	if stats.TotalConnections != 1 {
		t.Fatalf("got TotalConnections=%d, want 1", stats.TotalConnections)
	}
}

func TestSessionsListsSummaries(t *testing.T) {
	m := NewManager(time.Hour, time.Hour)
	defer m.Close()

	m.CreateSession("client-a")
	if err := m.RegisterPort("client-a", 9300, "tcp"); err != nil {
		t.Fatalf("RegisterPort: %v", err)
	}

	summaries := m.Sessions()
	if len(summaries) != 1 {
		t.Fatalf("got %d summaries, want 1", len(summaries))
	}
	if summaries[0].ClientID != "client-a" || len(summaries[0].Ports) != 1 || summaries[0].Ports[0] != 9300 {
		t.Fatalf("unexpected summary: %+v", summaries[0])
	}
}
