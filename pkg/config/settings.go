package config

import "time"

// ServerConfig is the `server` section of the configuration surface (§6):
// host/port to bind, accepted tokens, janitor cadence and optional TLS.
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	ControlPort       int           `mapstructure:"control_port"`
	UDPDataPort       int           `mapstructure:"udp_data_port"`
	AuthTokens        []string      `mapstructure:"auth_tokens"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	MetricsAddr       string        `mapstructure:"metrics_addr"`
	TLS               TLSConfig     `mapstructure:"tls"`
}

// TLSConfig carries the tls section of the server config. Nothing in this
// module reads it: the control, data and proxy transports are plain TCP.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// ProxyConfig is one entry of the client's `proxies` list.
type ProxyConfig struct {
	RemotePort int    `mapstructure:"remote_port"`
	LocalPort  int    `mapstructure:"local_port"`
	LocalHost  string `mapstructure:"local_host"`
	Protocol   string `mapstructure:"protocol"`
}

// ClientConfig is the `client` section of the configuration surface (§6).
type ClientConfig struct {
	ServerURL            string        `mapstructure:"server_url"`
	Token                string        `mapstructure:"token"`
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectInterval    time.Duration `mapstructure:"reconnect_interval"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ServerUDPPort        int           `mapstructure:"server_udp_port"`
	Proxies              []ProxyConfig `mapstructure:"proxies"`
}

// DefaultServerConfig mirrors the defaults named across §4-§5 of the spec.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:              "0.0.0.0",
		ControlPort:       7000,
		UDPDataPort:       7001,
		AuthTokens:        nil,
		HeartbeatInterval: 30 * time.Second,
		SessionTimeout:    90 * time.Second,
		MetricsAddr:       "",
	}
}

// DefaultClientConfig mirrors the client defaults named in §4.4.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HeartbeatInterval:    30 * time.Second,
		ReconnectInterval:    time.Second,
		MaxReconnectAttempts: 0,
		ServerUDPPort:        7001,
	}
}

// GetServerConfig loads the `server` section, falling back to defaults for
// any field left unset in config files/environment.
func GetServerConfig() ServerConfig {
	cfg := DefaultServerConfig()
	_ = GetSection("server", &cfg)
	return cfg
}

// GetClientConfig loads the `client` section, falling back to defaults.
func GetClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	_ = GetSection("client", &cfg)
	return cfg
}
