// Package metrics exposes the server's Prometheus instrumentation:
// connection counts, commands processed, and replication status.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge/counter the server updates. All fields are
// safe for concurrent use (prometheus collectors are).
type Metrics struct {
	ConnectionsAccepted prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	CommandsProcessed   *prometheus.CounterVec
	ReplicasConnected   prometheus.Gauge
	MasterReplOffset    prometheus.Gauge

	registry *prometheus.Registry
}

// New constructs a Metrics bound to a fresh registry (never the global
// default one, so multiple servers in the same test binary don't
// collide on registration).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ConnectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redisd_connections_accepted_total",
			Help: "TCP connections accepted by the server.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redisd_connections_active",
			Help: "Client connections currently being served (excludes attached replicas).",
		}),
		CommandsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redisd_commands_processed_total",
			Help: "Commands dispatched by the executor, by command name.",
		}, []string{"command"}),
		ReplicasConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redisd_replicas_connected",
			Help: "Replica records currently attached to this master.",
		}),
		MasterReplOffset: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "redisd_master_repl_offset",
			Help: "Current master_repl_offset, in bytes of propagated command stream.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.ConnectionsAccepted,
		m.ConnectionsActive,
		m.CommandsProcessed,
		m.ReplicasConnected,
		m.MasterReplOffset,
	)
	return m
}

// Serve starts the side HTTP listener on addr, exposing /metrics. It
// blocks until ctx is cancelled, then shuts down the listener. A
// caller with an empty addr should not call Serve at all — the
// listener is opt-in via --metrics-addr.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
