package client

import "chuantou/pkg/config"

// ProxyRegistry resolves a server-announced remote port back to the local
// service a client.Controller was configured to expose there. It is static
// for the process lifetime — the client has no persistent storage, so the
// set of proxies comes entirely from config.ClientConfig.Proxies (§6).
type ProxyRegistry struct {
	entries []config.ProxyConfig
	byPort  map[int]config.ProxyConfig
}

// NewProxyRegistry indexes cfg's proxies by remote port.
func NewProxyRegistry(cfg []config.ProxyConfig) *ProxyRegistry {
	byPort := make(map[int]config.ProxyConfig, len(cfg))
	for _, p := range cfg {
		byPort[p.RemotePort] = p
	}
	return &ProxyRegistry{entries: cfg, byPort: byPort}
}

// List returns every configured proxy, in the order the client should
// (re-)register them — on first connect and after every reconnect.
func (r *ProxyRegistry) List() []config.ProxyConfig {
	return r.entries
}

// Lookup finds the local target for an incoming remotePort.
func (r *ProxyRegistry) Lookup(remotePort int) (config.ProxyConfig, bool) {
	p, ok := r.byPort[remotePort]
	return p, ok
}
