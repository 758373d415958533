// Package cluster implements C10 — ClusterMonitor: the single facade
// wiring the registry, failure detector, dispatcher, aggregator,
// response-time controller, and backoff coordinator into one lifecycle
// (spec.md §9, "one-way dependency from a facade outward").
//
// Callers never reach into C4-C9 directly; every external surface
// (internal/httpapi, cmd/clustercontrold) talks only to Monitor. This is
// the replacement for the source's cyclic dashboard/aggregator/alert
// references: the dashboard instead subscribes to alerts through
// SubscribeAlerts.
package cluster

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/aggregate"
	"github.com/jeppevinkel/codebuddy-cluster/internal/alert"
	"github.com/jeppevinkel/codebuddy-cluster/internal/backoff"
	"github.com/jeppevinkel/codebuddy-cluster/internal/config"
	"github.com/jeppevinkel/codebuddy-cluster/internal/dispatch"
	"github.com/jeppevinkel/codebuddy-cluster/internal/failure"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
	"github.com/jeppevinkel/codebuddy-cluster/internal/respctl"
	"github.com/jeppevinkel/codebuddy-cluster/internal/storage"
	"github.com/jeppevinkel/codebuddy-cluster/internal/trend"
)

// HeartbeatGuidance is returned by Heartbeat: cluster-wide flags the
// reporting node can act on locally (spec.md §6, Inbound API table).
type HeartbeatGuidance struct {
	Throttle bool
	Degraded bool
}

// Monitor is C10. Construct with New; call Run to start background
// tasks, and Close for graceful shutdown.
type Monitor struct {
	cfg config.Config
	log *zap.Logger

	registry   *registry.Registry
	alerts     *alert.Manager
	aggregator *aggregate.Aggregator
	respCtl    *respctl.Controller
	backoffC   *backoff.Coordinator
	detector   *failure.Detector
	dispatcher *dispatch.Dispatcher
	store      *storage.Store // nil if persistence disabled

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New wires every C4-C9 component per cfg. failover may be nil.
func New(cfg config.Config, log *zap.Logger, failover failure.FailoverExecutor) (*Monitor, error) {
	reg := registry.New(log)

	alerts := alert.New(alert.Config{
		AggregationWindow:  cfg.Alerting.AggregationWindow,
		MaxAlertsPerWindow: cfg.Alerting.MaxAlertsPerWindow,
		ArchiveRetention:   time.Duration(cfg.Retention.AlertHistoryDays) * 24 * time.Hour,
	}, log)

	agg := aggregate.New(aggregate.Config{
		MinHealthyNodes: cfg.MinHealthyNodes,
		SeriesCapacity:  4096,
		SeriesRetention: cfg.Retention.MetricsWindow,
	}, reg)

	respCtl := respctl.New(respctl.Config{
		TargetResponseTime:       cfg.ResponseTime.Target,
		SlidingWindow:            cfg.ResponseTime.SlidingWindow,
		MinSamplesForAnalysis:    cfg.ResponseTime.MinSamples,
		SlowPctThreshold:         cfg.ResponseTime.SlowPctThreshold,
		ConsecutiveSlowThreshold: cfg.ResponseTime.ConsecutiveSlowThreshold,
		WarmupPeriod:             cfg.ResponseTime.WarmupPeriod,
		WarmupMultiplier:         cfg.ResponseTime.WarmupMultiplier,
		BaseLimit:                cfg.ResponseTime.BaseLimit,
		SteadyStateLimit:         cfg.ResponseTime.SteadyStateLimit,
	})

	backoffC := backoff.New(backoff.Config{
		MaxRetries: cfg.Backoff.MaxRetries,
		Initial:    cfg.Backoff.Initial,
		MaxBackoff: cfg.Backoff.MaxBackoff,
		IdleTTL:    cfg.Backoff.IdleTTL,
	})

	detector := failure.New(failure.Config{
		HealthCheckInterval:     cfg.NodeHealthCheckInterval,
		FailureThreshold:        cfg.NodeFailureThreshold,
		EnableAutomaticFailover: cfg.EnableAutomaticFailover,
		FailoverTimeout:         cfg.FailoverTimeout,
	}, reg, alerts, failover, log)

	strategy, err := parseStrategy(cfg.LoadBalancingStrategy)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispatch.Config{
		Strategy:          strategy,
		MinHealthyNodes:   cfg.MinHealthyNodes,
		PredictionHorizon: cfg.PredictionHorizon,
	}, reg, agg, respCtl)

	var store *storage.Store
	if cfg.Storage.Enabled {
		store, err = storage.Open(cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("cluster.New: open storage: %w", err)
		}
	}

	m := &Monitor{
		cfg:        cfg,
		log:        log,
		registry:   reg,
		alerts:     alerts,
		aggregator: agg,
		respCtl:    respCtl,
		backoffC:   backoffC,
		detector:   detector,
		dispatcher: disp,
		store:      store,
	}

	if store != nil {
		if err := m.rehydrateCapabilities(); err != nil {
			log.Warn("cluster: failed to rehydrate persisted capabilities", zap.Error(err))
		}
	}

	return m, nil
}

func parseStrategy(name string) (dispatch.Strategy, error) {
	switch name {
	case config.StrategyRoundRobin:
		return dispatch.RoundRobin, nil
	case config.StrategyLeastConnections:
		return dispatch.LeastConnections, nil
	case config.StrategyResourceAware:
		return dispatch.ResourceAware, nil
	case config.StrategyPredictive:
		return dispatch.Predictive, nil
	default:
		return 0, fmt.Errorf("%w: unknown load_balancing_strategy %q", model.ErrConfigInvalid, name)
	}
}

// rehydrateCapabilities restores persisted node capabilities into the
// registry on startup so a restarted control plane remembers who it has
// seen before. Restored nodes start Healthy; a node that does not
// heartbeat within nodeFailureThreshold intervals is marked Failed by
// the detector as usual.
func (m *Monitor) rehydrateCapabilities() error {
	caps, err := m.store.LoadCapabilities()
	if err != nil {
		return err
	}
	for nodeID, c := range caps {
		if err := m.registry.Register(nodeID, c); err != nil {
			m.log.Warn("cluster: rehydrate node", zap.String("nodeId", nodeID), zap.Error(err))
		}
	}
	return nil
}

// Run starts background periodic tasks: failure detection ticks, alert
// archive sweeps, response-time sample cleanup, and trend/leak analysis.
// Blocks until ctx is canceled, then performs graceful shutdown.
func (m *Monitor) Run(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.detector.Run(ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.periodicSweep(ctx)
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.trendAnalysisLoop(ctx)
	}()

	<-ctx.Done()
	m.Close()
}

func (m *Monitor) periodicSweep(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.NodeHealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.alerts.ArchiveSweep()
			m.respCtl.Cleanup()
			if m.store != nil {
				cutoff := time.Now().Add(-time.Duration(m.cfg.Retention.AlertHistoryDays) * 24 * time.Hour)
				if err := m.store.PruneAlertsOlderThan(cutoff); err != nil {
					m.log.Warn("cluster: prune alert archive", zap.Error(err))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// trendAnalysisLoop periodically runs least-squares trend analysis and
// leak detection over every healthy node's resource series, raising
// ResourceTrend and MemoryLeak alerts (spec.md §4.2, §4.4, Scenario S6).
// Ticks on Alerting.TrendAnalysisWindow.
func (m *Monitor) trendAnalysisLoop(ctx context.Context) {
	interval := m.cfg.Alerting.TrendAnalysisWindow
	if interval <= 0 {
		interval = m.cfg.NodeHealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.runTrendAnalysis()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) runTrendAnalysis() {
	for _, n := range m.registry.Healthy() {
		m.analyzeNodeMetric(n.NodeID, aggregate.MetricCPU)
		m.analyzeNodeMetric(n.NodeID, aggregate.MetricMemory)
	}
}

// analyzeNodeMetric raises a ResourceTrend alert when a metric's rate of
// change exceeds Alerting.RateOfChangeThreshold, and (memory series only)
// a MemoryLeak Emergency when DetectLeak's confidence clears
// LeakConfidenceThreshold. Both respect AlertManager's existing dedup and
// rate-limit admission (internal/alert), so a sustained trend doesn't
// flood subscribers with one alert per tick.
func (m *Monitor) analyzeNodeMetric(nodeID string, metric aggregate.Metric) {
	series, ok := m.aggregator.NodeSeries(nodeID, metric)
	if !ok {
		return
	}
	pts := series.Snapshot()

	res := trend.Analyze(pts)
	if res.IsIncreasing {
		if sev := alert.ClassifySeverity(math.Abs(res.Slope), m.cfg.Alerting.RateOfChangeThreshold); sev > model.SeverityInfo {
			m.alerts.Raise(model.Alert{
				Kind:       "ResourceTrend",
				NodeID:     nodeID,
				Severity:   sev,
				MetricKind: string(metric),
				Value:      res.Slope,
				Threshold:  m.cfg.Alerting.RateOfChangeThreshold,
				Message:    fmt.Sprintf("node %s %s rising at %.4f units/s", nodeID, metric, res.Slope),
			})
		}
	}

	if metric != aggregate.MetricMemory {
		return
	}
	leak := trend.DetectLeak(pts)
	if (leak.SteadyLeak || leak.SawTooth) && leak.Confidence >= m.cfg.LeakConfidenceThreshold {
		m.alerts.Raise(model.Alert{
			Kind:       "MemoryLeak",
			NodeID:     nodeID,
			Severity:   model.SeverityEmergency,
			MetricKind: string(aggregate.MetricMemory),
			Value:      leak.Confidence,
			Threshold:  m.cfg.LeakConfidenceThreshold,
			Message:    fmt.Sprintf("node %s memory leak pattern detected (confidence %.2f)", nodeID, leak.Confidence),
		})
	}
}

// Close stops alert delivery and closes persistence. Idempotent; safe
// to call multiple times. Close does not stop or wait for the background
// tasks started by Run; they exit when Run's ctx is canceled. After
// Close, RegisterNode, Heartbeat, Dispatch, Release, GetClusterHealth,
// GetNodeView and SubscribeAlerts return ErrCanceled (spec.md §7,
// propagation policy); RecordResponseTime, DispatchPercentiles,
// ActiveAlerts, UnsubscribeAlerts and Backoff do not check for it.
func (m *Monitor) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	m.alerts.Close()
	if m.store != nil {
		_ = m.store.Close()
	}
}

func (m *Monitor) checkOpen() error {
	if m.closed.Load() {
		return model.ErrCanceled
	}
	return nil
}

// RegisterNode registers or refreshes a node's capabilities.
func (m *Monitor) RegisterNode(nodeID string, caps model.NodeCapabilities) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if err := m.registry.Register(nodeID, caps); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.PutCapabilities(nodeID, caps); err != nil {
			m.log.Warn("cluster: persist capabilities", zap.String("nodeId", nodeID), zap.Error(err))
		}
	}
	return nil
}

// Heartbeat records a node's liveness and latest sample, returning
// cluster-wide guidance flags.
func (m *Monitor) Heartbeat(nodeID string, sample model.ResourceSample) (HeartbeatGuidance, error) {
	if err := m.checkOpen(); err != nil {
		return HeartbeatGuidance{}, err
	}
	if err := sample.Validate(); err != nil {
		return HeartbeatGuidance{}, err
	}
	if err := m.registry.Heartbeat(nodeID, sample); err != nil {
		return HeartbeatGuidance{}, err
	}
	m.aggregator.Publish(nodeID, sample)
	m.classifyResourceThresholds(nodeID, sample)

	health := m.aggregator.Cluster()
	guidance := HeartbeatGuidance{
		Throttle: m.respCtl.ShouldThrottle(),
		Degraded: health.Status != aggregate.ClusterHealthyStatus,
	}
	return guidance, nil
}

// classifyResourceThresholds raises per-node threshold alerts from a
// single heartbeat sample (spec.md §4.4), completing C10's fan-out to C3
// for resource conditions alongside C5's node-liveness alerts. Severity
// follows alert.ClassifySeverity against the configured thresholds;
// Info-tier classifications are not alert-worthy and are dropped.
//
// Three distinct thresholds are wired, matching the three alerting
// config keys: ClusterWideCPUThreshold against CPU percent,
// ClusterWideMemoryThreshold against memory percent of node capacity
// (the same percentage scale as the CPU threshold), and
// MemoryPressureThreshold against the raw used/total ratio — a stricter,
// capacity-relative signal distinct from the percentage-scale one.
func (m *Monitor) classifyResourceThresholds(nodeID string, sample model.ResourceSample) {
	if sev := alert.ClassifySeverity(sample.CPUPct, m.cfg.ClusterWideCPUThreshold); sev > model.SeverityInfo {
		m.alerts.Raise(model.Alert{
			Kind:       "CPUThreshold",
			NodeID:     nodeID,
			Severity:   sev,
			MetricKind: string(aggregate.MetricCPU),
			Value:      sample.CPUPct,
			Threshold:  m.cfg.ClusterWideCPUThreshold,
			Message:    fmt.Sprintf("node %s cpu %.1f%% over threshold %.1f%%", nodeID, sample.CPUPct, m.cfg.ClusterWideCPUThreshold),
		})
	}

	view, ok := m.registry.View(nodeID)
	if !ok || view.Caps.MemoryBytes == 0 {
		return
	}

	memPct := float64(sample.MemoryUsedBytes) / float64(view.Caps.MemoryBytes) * 100
	if sev := alert.ClassifySeverity(memPct, m.cfg.ClusterWideMemoryThreshold); sev > model.SeverityInfo {
		m.alerts.Raise(model.Alert{
			Kind:       "MemoryThreshold",
			NodeID:     nodeID,
			Severity:   sev,
			MetricKind: string(aggregate.MetricMemory),
			Value:      memPct,
			Threshold:  m.cfg.ClusterWideMemoryThreshold,
			Message:    fmt.Sprintf("node %s memory %.1f%% over threshold %.1f%%", nodeID, memPct, m.cfg.ClusterWideMemoryThreshold),
		})
	}

	memRatio := float64(sample.MemoryUsedBytes) / float64(view.Caps.MemoryBytes)
	if sev := alert.ClassifySeverity(memRatio, m.cfg.MemoryPressureThreshold); sev > model.SeverityInfo {
		m.alerts.Raise(model.Alert{
			Kind:       "MemoryPressure",
			NodeID:     nodeID,
			Severity:   sev,
			MetricKind: string(aggregate.MetricMemory),
			Value:      memRatio,
			Threshold:  m.cfg.MemoryPressureThreshold,
			Message:    fmt.Sprintf("node %s memory pressure ratio %.2f over threshold %.2f", nodeID, memRatio, m.cfg.MemoryPressureThreshold),
		})
	}
}

// Dispatch selects and reserves a node for req.
func (m *Monitor) Dispatch(req model.Request, now time.Time) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	return m.dispatcher.Dispatch(req, now)
}

// Release pairs with a successful Dispatch.
func (m *Monitor) Release(nodeID string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.dispatcher.Release(nodeID)
}

// dispatchLatencySeries names the execution-time series RecordResponseTime
// feeds, exposed to dashboards via DispatchPercentiles (spec.md §4.7).
const dispatchLatencySeries = "dispatch"

// RecordResponseTime feeds a completed request's duration into the
// response-time controller (driving future ShouldThrottle decisions) and
// into the dispatch execution-time series queried by DispatchPercentiles.
func (m *Monitor) RecordResponseTime(d time.Duration) {
	m.respCtl.Record(d)
	m.aggregator.RecordExecutionTime(dispatchLatencySeries, d)
}

// DispatchPercentiles returns p50/p95/p99 (microseconds) over recorded
// dispatch response times. ok is false until at least one sample has
// been recorded.
func (m *Monitor) DispatchPercentiles() (p50, p95, p99 float64, ok bool) {
	return m.aggregator.Percentiles(dispatchLatencySeries)
}

// GetClusterHealth returns the current cluster-wide snapshot.
func (m *Monitor) GetClusterHealth() (aggregate.ClusterHealth, error) {
	if err := m.checkOpen(); err != nil {
		return aggregate.ClusterHealth{}, err
	}
	return m.aggregator.Cluster(), nil
}

// GetNodeView returns a point-in-time snapshot of one node.
func (m *Monitor) GetNodeView(nodeID string) (registry.NodeView, error) {
	if err := m.checkOpen(); err != nil {
		return registry.NodeView{}, err
	}
	v, ok := m.registry.View(nodeID)
	if !ok {
		return registry.NodeView{}, model.ErrNotRegistered
	}
	return v, nil
}

// SubscribeAlerts registers h to receive every alert admitted by Raise,
// including Emergency upgrades of an active alert. Clearing an alert
// sends nothing to subscribers.
func (m *Monitor) SubscribeAlerts(h alert.Handler) (string, error) {
	if err := m.checkOpen(); err != nil {
		return "", err
	}
	return m.alerts.Subscribe(h), nil
}

// UnsubscribeAlerts removes a subscription created by SubscribeAlerts.
func (m *Monitor) UnsubscribeAlerts(token string) {
	m.alerts.Unsubscribe(token)
}

// ActiveAlerts returns every currently Active alert.
func (m *Monitor) ActiveAlerts() []model.Alert {
	return m.alerts.Active()
}

// Backoff exposes the shared BackoffCoordinator to external callers that
// retry failed dispatches (e.g. the HTTP API retrying ErrNoCandidate).
func (m *Monitor) Backoff() *backoff.Coordinator {
	return m.backoffC
}
