package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Metrics tracks operational metrics for the pool.
type Metrics struct {
	DispatchesTotal   atomic.Int64
	DispatchesFailed  atomic.Int64
	DispatchesRetried atomic.Int64
	RequestsAbandoned atomic.Int64

	QueueDepth      atomic.Int64
	ClientsPaused   atomic.Int64
	GlobalAborts    atomic.Int64
	BytesDownloaded atomic.Int64

	logger *slog.Logger

	latencyMu sync.Mutex
	latency   *hdrhistogram.Histogram
}

// NewMetrics creates a new Metrics instance. Latencies are tracked from 1ms
// to 2 minutes with 3 significant figures, matching the precision
// hdrhistogram's own examples use for HTTP-scale latencies.
func NewMetrics(logger *slog.Logger) *Metrics {
	return &Metrics{
		logger:  logger.With("component", "metrics"),
		latency: hdrhistogram.New(1, (2 * time.Minute).Milliseconds(), 3),
	}
}

// ObserveLatency records one dispatch's round-trip time.
func (m *Metrics) ObserveLatency(d time.Duration) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	_ = m.latency.RecordValue(d.Milliseconds())
}

// LatencyPercentiles returns p50/p90/p99 in milliseconds.
func (m *Metrics) LatencyPercentiles() (p50, p90, p99 int64) {
	m.latencyMu.Lock()
	defer m.latencyMu.Unlock()
	return m.latency.ValueAtQuantile(50), m.latency.ValueAtQuantile(90), m.latency.ValueAtQuantile(99)
}

// ServeHTTP serves metrics in Prometheus text exposition format.
func (m *Metrics) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	counters := []struct {
		name  string
		help  string
		value int64
	}{
		{"poolingh_dispatches_total", "Total dispatches attempted", m.DispatchesTotal.Load()},
		{"poolingh_dispatches_failed_total", "Total failed dispatches", m.DispatchesFailed.Load()},
		{"poolingh_dispatches_retried_total", "Total retried dispatches", m.DispatchesRetried.Load()},
		{"poolingh_requests_abandoned_total", "Total requests dropped after exhausting their retry budget", m.RequestsAbandoned.Load()},
		{"poolingh_queue_depth", "Current backlog depth", m.QueueDepth.Load()},
		{"poolingh_clients_paused", "Clients currently paused on rate limits", m.ClientsPaused.Load()},
		{"poolingh_global_aborts_total", "Times the global error budget was exhausted", m.GlobalAborts.Load()},
		{"poolingh_bytes_downloaded_total", "Total response bytes downloaded", m.BytesDownloaded.Load()},
	}
	for _, c := range counters {
		fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help)
		fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
		fmt.Fprintf(w, "%s %d\n", c.name, c.value)
	}

	p50, p90, p99 := m.LatencyPercentiles()
	fmt.Fprintf(w, "# HELP poolingh_dispatch_latency_ms Dispatch round-trip latency in milliseconds\n")
	fmt.Fprintf(w, "# TYPE poolingh_dispatch_latency_ms summary\n")
	fmt.Fprintf(w, "poolingh_dispatch_latency_ms{quantile=\"0.5\"} %d\n", p50)
	fmt.Fprintf(w, "poolingh_dispatch_latency_ms{quantile=\"0.9\"} %d\n", p90)
	fmt.Fprintf(w, "poolingh_dispatch_latency_ms{quantile=\"0.99\"} %d\n", p99)
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// Snapshot returns all metrics as a map, for embedding in status responses.
func (m *Metrics) Snapshot() map[string]any {
	p50, p90, p99 := m.LatencyPercentiles()
	return map[string]any{
		"dispatches_total":    m.DispatchesTotal.Load(),
		"dispatches_failed":   m.DispatchesFailed.Load(),
		"dispatches_retried":  m.DispatchesRetried.Load(),
		"requests_abandoned":  m.RequestsAbandoned.Load(),
		"queue_depth":         m.QueueDepth.Load(),
		"clients_paused":      m.ClientsPaused.Load(),
		"global_aborts":       m.GlobalAborts.Load(),
		"bytes_downloaded":    m.BytesDownloaded.Load(),
		"latency_p50_ms":      p50,
		"latency_p90_ms":      p90,
		"latency_p99_ms":      p99,
	}
}
