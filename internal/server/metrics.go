package server

import (
	"context"
	"time"

	"chuantou/internal/session"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the broker's live session.Manager.Stats() as prometheus
// gauges (SPEC_FULL.md §1b/§1c), refreshed on a fixed interval rather than
// per-scrape to keep Stats() off the request path.
type Metrics struct {
	authClients prometheus.Gauge
	totalPorts  prometheus.Gauge
	totalConns  prometheus.Gauge
	hostCPU     prometheus.Gauge
	hostMemory  prometheus.Gauge
	goroutines  prometheus.Gauge
}

// NewMetrics registers the gauges against reg and returns the handle used to
// refresh them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		authClients: prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_auth_clients", Help: "Number of authenticated client sessions."}),
		totalPorts:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_registered_ports", Help: "Number of registered public ports."}),
		totalConns:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_active_connections", Help: "Number of live logical connections."}),
		hostCPU:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_host_cpu_percent", Help: "Host CPU utilization percent."}),
		hostMemory:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_host_memory_percent", Help: "Host memory utilization percent."}),
		goroutines:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "chuantou_goroutines", Help: "Live goroutine count."}),
	}
	reg.MustRegister(m.authClients, m.totalPorts, m.totalConns, m.hostCPU, m.hostMemory, m.goroutines)
	return m
}

func (m *Metrics) update(s session.Stats) {
	m.authClients.Set(float64(s.AuthClients))
	m.totalPorts.Set(float64(s.TotalPorts))
	m.totalConns.Set(float64(s.TotalConnections))
	m.hostCPU.Set(s.HostCPUPercent)
	m.hostMemory.Set(s.HostMemoryPercent)
	m.goroutines.Set(float64(s.Goroutines))
}

// Run periodically pulls sessions.Stats() into the gauges until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context, sessions *session.Manager, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.update(sessions.Stats())
		}
	}
}
