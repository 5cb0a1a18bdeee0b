// Package metrics exposes a campaign's live state as Prometheus gauges and
// counters over a /metrics HTTP endpoint. Where the teacher's prometheus
// package is a query client pulling numbers out of a running Prometheus
// server, this package is the other end of that pipe: it owns the
// registry a campaign's scheduler updates and a server a real Prometheus
// instance scrapes.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every gauge and counter a campaign reports during a run.
type Metrics struct {
	registry *prometheus.Registry

	ExperimentsCompleted prometheus.Counter
	ExperimentsFailed    prometheus.Counter
	ActiveWorkers        prometheus.Gauge
	PendingCombinations  prometheus.Gauge
	MemEstimateBytes     prometheus.Gauge
	MaxRAMBytes          prometheus.Gauge
}

// New builds a Metrics instance with its own registry, so multiple
// campaigns in the same process never collide on metric names.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ExperimentsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "experiments_completed_total",
			Help:      "Fault experiments whose results were written to the archive.",
		}),
		ExperimentsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "experiments_failed_total",
			Help:      "Fault experiments whose archive write failed.",
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "active_workers",
			Help:      "Emulator subprocesses currently running.",
		}),
		PendingCombinations: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "pending_combinations",
			Help:      "Fault combinations not yet dispatched to a worker.",
		}),
		MemEstimateBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "mem_estimate_bytes",
			Help:      "Current projected memory footprint of the running worker pool.",
		}),
		MaxRAMBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "firmfault",
			Subsystem: "scheduler",
			Name:      "max_ram_bytes",
			Help:      "Memory budget the scheduler will not submit new work past.",
		}),
	}
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until ctx is cancelled. It
// blocks until the server has shut down, returning nil on a clean
// shutdown and any other listen error otherwise.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: serve %s: %w", addr, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown: %w", err)
		}
		return nil
	}
}
