// metrics.go — Prometheus metrics for the cluster control plane.
//
// Endpoint: GET /metrics on the configured observability.metrics_addr.
// Format: Prometheus text exposition format (OpenMetrics compatible).
//
// Metric naming convention: codebuddy_cluster_<subsystem>_<name>_<unit>.
//
// All metrics are registered on a dedicated prometheus.Registry (never
// the default global registry) to avoid collisions with other
// instrumented libraries in the same process.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the control plane.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Registry / dispatch ──────────────────────────────────────────────

	NodesRegisteredTotal   prometheus.Counter
	NodesFailedTotal       prometheus.Counter
	HealthyNodesGauge      prometheus.Gauge
	DispatchTotal          *prometheus.CounterVec // outcome: ok, cluster_unhealthy, throttled, no_candidate
	DispatchLatencySeconds prometheus.Histogram
	LiveConnectionsGauge   prometheus.Gauge

	// ─── Alerts ────────────────────────────────────────────────────────────

	AlertsRaisedTotal  *prometheus.CounterVec // kind
	AlertsActiveGauge  prometheus.Gauge
	AlertsDroppedTotal prometheus.Counter // rate-limited or delivery-queue-full

	// ─── Response-time / backoff ───────────────────────────────────────────

	ThrottleActiveGauge   prometheus.Gauge
	ConcurrencyLimitGauge prometheus.Gauge
	BackoffAttemptsTotal  prometheus.Counter
	BackoffGiveUpsTotal   prometheus.Counter

	// ─── Process ────────────────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all control-plane Prometheus metrics
// on a fresh, dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		NodesRegisteredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "registry",
			Name:      "nodes_registered_total",
			Help:      "Total node registrations observed (including re-registrations).",
		}),
		NodesFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "registry",
			Name:      "nodes_failed_total",
			Help:      "Total nodes transitioned to Failed by the failure detector.",
		}),
		HealthyNodesGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "registry",
			Name:      "healthy_nodes",
			Help:      "Current number of Healthy nodes.",
		}),
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total dispatch attempts, by outcome.",
		}, []string{"outcome"}),
		DispatchLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of Dispatch calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		LiveConnectionsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "dispatch",
			Name:      "live_connections",
			Help:      "Cluster-wide sum of live connections across all nodes.",
		}),

		AlertsRaisedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "alerting",
			Name:      "raised_total",
			Help:      "Total alerts admitted as Active, by kind.",
		}, []string{"kind"}),
		AlertsActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "alerting",
			Name:      "active",
			Help:      "Current number of Active alerts.",
		}),
		AlertsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "alerting",
			Name:      "dropped_total",
			Help:      "Total alerts dropped by rate limiting or a full delivery queue.",
		}),

		ThrottleActiveGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "response_time",
			Name:      "throttle_active",
			Help:      "1 if the response-time controller currently recommends throttling, else 0.",
		}),
		ConcurrencyLimitGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "response_time",
			Name:      "concurrency_limit",
			Help:      "Current effective concurrency limit from the warmup ramp.",
		}),
		BackoffAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "backoff",
			Name:      "attempts_total",
			Help:      "Total retry attempts granted by the backoff coordinator.",
		}),
		BackoffGiveUpsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "backoff",
			Name:      "give_ups_total",
			Help:      "Total operations that exhausted their retry budget.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codebuddy_cluster",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Seconds since the control plane started.",
		}),
	}

	reg.MustRegister(
		m.NodesRegisteredTotal,
		m.NodesFailedTotal,
		m.HealthyNodesGauge,
		m.DispatchTotal,
		m.DispatchLatencySeconds,
		m.LiveConnectionsGauge,
		m.AlertsRaisedTotal,
		m.AlertsActiveGauge,
		m.AlertsDroppedTotal,
		m.ThrottleActiveGauge,
		m.ConcurrencyLimitGauge,
		m.BackoffAttemptsTotal,
		m.BackoffGiveUpsTotal,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on addr. Blocks
// until ctx is canceled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
