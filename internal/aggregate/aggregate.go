// Package aggregate implements C7 — the MetricsAggregator: per-node and
// cluster-wide windowed series, plus percentile queries over named
// execution-time series consumed by an external dashboard (spec.md
// §4.7).
package aggregate

import (
	"sync"
	"time"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
	"github.com/jeppevinkel/codebuddy-cluster/internal/ringwindow"
)

// Metric names a per-node resource series.
type Metric string

const (
	MetricCPU     Metric = "cpu"
	MetricMemory  Metric = "memory"
	MetricDiskIO  Metric = "diskio"
	MetricNetwork Metric = "network"
)

// ClusterStatus is the health tier of the whole cluster.
type ClusterStatus int

const (
	ClusterCritical ClusterStatus = iota
	ClusterDegraded
	ClusterHealthyStatus
)

func (s ClusterStatus) String() string {
	switch s {
	case ClusterHealthyStatus:
		return "Healthy"
	case ClusterDegraded:
		return "Degraded"
	default:
		return "Critical"
	}
}

// ClusterHealth is the cluster-wide snapshot returned by Cluster().
type ClusterHealth struct {
	HealthyCount int
	TotalCount   int
	MeanCPU      float64
	MeanMemory   float64
	MeanDiskIO   float64
	Status       ClusterStatus
}

// Config holds Aggregator tuning knobs.
type Config struct {
	MinHealthyNodes int
	SeriesCapacity  int
	SeriesRetention time.Duration
}

type nodeSeriesSet struct {
	cpu     *ringwindow.Series
	memory  *ringwindow.Series
	diskio  *ringwindow.Series
	network *ringwindow.Series
}

// Aggregator is C7. The zero value is not usable; construct with New.
type Aggregator struct {
	cfg Config
	reg *registry.Registry
	now func() time.Time

	mu    sync.RWMutex
	nodes map[string]*nodeSeriesSet

	execMu sync.RWMutex
	exec   map[string]*ringwindow.Series // middleware name -> execution-time series
}

// New constructs an Aggregator bound to reg for healthy/total counts.
func New(cfg Config, reg *registry.Registry) *Aggregator {
	return &Aggregator{
		cfg:   cfg,
		reg:   reg,
		now:   time.Now,
		nodes: make(map[string]*nodeSeriesSet),
		exec:  make(map[string]*ringwindow.Series),
	}
}

func (a *Aggregator) seriesFor(nodeID string) *nodeSeriesSet {
	a.mu.RLock()
	set, ok := a.nodes[nodeID]
	a.mu.RUnlock()
	if ok {
		return set
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if set, ok := a.nodes[nodeID]; ok {
		return set
	}
	set = &nodeSeriesSet{
		cpu:     ringwindow.New(a.cfg.SeriesCapacity, a.cfg.SeriesRetention),
		memory:  ringwindow.New(a.cfg.SeriesCapacity, a.cfg.SeriesRetention),
		diskio:  ringwindow.New(a.cfg.SeriesCapacity, a.cfg.SeriesRetention),
		network: ringwindow.New(a.cfg.SeriesCapacity, a.cfg.SeriesRetention),
	}
	a.nodes[nodeID] = set
	return set
}

// Publish appends a resource sample to the node's per-metric windows.
// Cluster-wide means are derived from the registry's latest samples on
// every Cluster() call and re-seeded from scratch each call — the
// "re-seeded from scratch every resyncInterval" requirement is satisfied
// by ClusterMonitor calling Cluster() on that cadence and publishing the
// result to any cache/metrics exporter; there is no separately
// maintained running sum to drift.
func (a *Aggregator) Publish(nodeID string, sample model.ResourceSample) {
	set := a.seriesFor(nodeID)
	at := sample.Timestamp
	if at.IsZero() {
		at = a.now()
	}
	set.cpu.Append(at, sample.CPUPct)
	set.memory.Append(at, float64(sample.MemoryUsedBytes))
	set.diskio.Append(at, float64(sample.DiskIOBytesPerSec))
	set.network.Append(at, float64(sample.NetworkBytesPerSec))
}

// NodeSeries returns the handle to the named per-node metric series, for
// C2 TrendAnalyzer to consume. ok is false if nodeID has never published.
func (a *Aggregator) NodeSeries(nodeID string, metric Metric) (*ringwindow.Series, bool) {
	a.mu.RLock()
	set, ok := a.nodes[nodeID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	switch metric {
	case MetricCPU:
		return set.cpu, true
	case MetricMemory:
		return set.memory, true
	case MetricDiskIO:
		return set.diskio, true
	case MetricNetwork:
		return set.network, true
	default:
		return nil, false
	}
}

// Cluster computes the cluster-wide snapshot. Averages divide by the
// healthy-with-sample count, not the total node count, so Failed nodes
// never poison the cluster mean (spec.md §4.7).
func (a *Aggregator) Cluster() ClusterHealth {
	snap := a.reg.Snapshot()

	var healthy, healthyWithSample, total int
	var sumCPU, sumMem, sumDiskIO float64

	for _, n := range snap {
		total++
		if n.Status != model.NodeHealthy {
			continue
		}
		healthy++
		if !n.HasSample {
			continue
		}
		healthyWithSample++
		sumCPU += n.LastSample.CPUPct
		sumMem += float64(n.LastSample.MemoryUsedBytes)
		sumDiskIO += float64(n.LastSample.DiskIOBytesPerSec)
	}

	health := ClusterHealth{HealthyCount: healthy, TotalCount: total}
	if healthyWithSample > 0 {
		health.MeanCPU = sumCPU / float64(healthyWithSample)
		health.MeanMemory = sumMem / float64(healthyWithSample)
		health.MeanDiskIO = sumDiskIO / float64(healthyWithSample)
	}

	switch {
	case healthy >= a.cfg.MinHealthyNodes && healthy > 0:
		health.Status = ClusterHealthyStatus
	case healthy > 0:
		health.Status = ClusterDegraded
	default:
		health.Status = ClusterCritical
	}

	return health
}

// RecordExecutionTime appends a duration to a named middleware's
// execution-time series, consumed by Percentiles.
func (a *Aggregator) RecordExecutionTime(middleware string, d time.Duration) {
	a.execMu.RLock()
	s, ok := a.exec[middleware]
	a.execMu.RUnlock()
	if !ok {
		a.execMu.Lock()
		if s, ok = a.exec[middleware]; !ok {
			s = ringwindow.New(a.cfg.SeriesCapacity, a.cfg.SeriesRetention)
			a.exec[middleware] = s
		}
		a.execMu.Unlock()
	}
	s.Append(a.now(), float64(d.Microseconds()))
}

// Percentiles returns p50/p95/p99 (in microseconds) over a middleware's
// recorded execution times. ok is false if the middleware has no samples.
func (a *Aggregator) Percentiles(middleware string) (p50, p95, p99 float64, ok bool) {
	a.execMu.RLock()
	s, exists := a.exec[middleware]
	a.execMu.RUnlock()
	if !exists {
		return 0, 0, 0, false
	}
	p50, ok50 := s.Aggregate(ringwindow.Percentile, 50)
	p95v, ok95 := s.Aggregate(ringwindow.Percentile, 95)
	p99v, ok99 := s.Aggregate(ringwindow.Percentile, 99)
	if !ok50 || !ok95 || !ok99 {
		return 0, 0, 0, false
	}
	return p50, p95v, p99v, true
}
