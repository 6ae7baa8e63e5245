// Package metrics exposes node-internal counters and gauges on a
// prometheus registry, served over a loopback debug port.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors a node updates as it runs.
type Metrics struct {
	Registry *prometheus.Registry

	NeighborCount     prometheus.Gauge
	RoutingTableSize  prometheus.Gauge
	MacNormalQueueLen prometheus.Gauge
	MacBackgroundLen  prometheus.Gauge

	FragmentsSent       prometheus.Counter
	FragmentsDropped    prometheus.Counter
	FragmentsDuplicated prometheus.Counter
	AddressingRetries   prometheus.Counter
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		NeighborCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "neighbor_count",
			Help:      "Number of destinations in routing's neighbor set (every reachable destination).",
		}),
		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "routing_table_size",
			Help:      "Number of destinations with a known route.",
		}),
		MacNormalQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "mac_normal_queue_length",
			Help:      "Depth of the reliability outbound queue that feeds the MAC normal sender.",
		}),
		MacBackgroundLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshchat",
			Name:      "mac_background_queue_length",
			Help:      "Depth of the MAC background-send queue.",
		}),
		FragmentsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "fragments_sent_total",
			Help:      "Data fragments handed to MAC for transmission.",
		}),
		FragmentsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "fragments_dropped_total",
			Help:      "Fragments dropped: no route, out-of-sequence, or malformed.",
		}),
		FragmentsDuplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "fragments_duplicate_total",
			Help:      "Forwarded or reassembled fragments dropped as duplicates.",
		}),
		AddressingRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshchat",
			Name:      "addressing_retries_total",
			Help:      "Addressing exploration rounds that saw no reply.",
		}),
	}

	reg.MustRegister(
		m.NeighborCount,
		m.RoutingTableSize,
		m.MacNormalQueueLen,
		m.MacBackgroundLen,
		m.FragmentsSent,
		m.FragmentsDropped,
		m.FragmentsDuplicated,
		m.AddressingRetries,
	)
	return m
}

// Serve starts an HTTP server exposing the registry at /metrics on
// addr, shutting down when ctx is cancelled. A blank addr disables
// serving entirely.
func Serve(ctx context.Context, addr string, m *Metrics) error {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return srv.Close()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
