package client

import (
	"testing"

	"chuantou/pkg/config"
)

func TestProxyRegistryLookup(t *testing.T) {
	cfg := []config.ProxyConfig{
		{RemotePort: 8080, LocalPort: 80, LocalHost: "127.0.0.1", Protocol: "http"},
		{RemotePort: 2222, LocalPort: 22, Protocol: "tcp"},
	}
	r := NewProxyRegistry(cfg)

	p, ok := r.Lookup(8080)
	if !ok || p.LocalPort != 80 || p.Protocol != "http" {
		t.Fatalf("unexpected lookup result: %+v (ok=%v)", p, ok)
	}

	if _, ok := r.Lookup(9999); ok {
		t.Fatal("expected no entry for unconfigured remote port")
	}
}

func TestProxyRegistryListPreservesOrder(t *testing.T) {
	cfg := []config.ProxyConfig{
		{RemotePort: 1}, {RemotePort: 2}, {RemotePort: 3},
	}
	r := NewProxyRegistry(cfg)
	list := r.List()
	if len(list) != 3 || list[0].RemotePort != 1 || list[2].RemotePort != 3 {
		t.Fatalf("unexpected list order: %+v", list)
	}
}
