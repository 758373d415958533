// Package dispatch implements C6 — the Dispatcher: node selection under
// four strategies, with cluster-wide admission and throttle guards
// (spec.md §4.6).
package dispatch

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/jeppevinkel/codebuddy-cluster/internal/aggregate"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
	"github.com/jeppevinkel/codebuddy-cluster/internal/respctl"
	"github.com/jeppevinkel/codebuddy-cluster/internal/trend"
)

// Strategy selects which node-selection algorithm Select uses.
type Strategy int

const (
	RoundRobin Strategy = iota
	LeastConnections
	ResourceAware
	Predictive
)

// Config holds Dispatcher tuning knobs.
type Config struct {
	Strategy          Strategy
	MinHealthyNodes   int
	PredictionHorizon time.Duration
}

// Throttle reports whether new dispatches should currently be refused.
// Satisfied by *respctl.Controller.
type Throttle interface {
	ShouldThrottle() bool
}

// Dispatcher is C6. The zero value is not usable; construct with New.
type Dispatcher struct {
	cfg      Config
	reg      *registry.Registry
	agg      *aggregate.Aggregator
	throttle Throttle

	rrCounter uint64 // atomic
}

// New constructs a Dispatcher.
func New(cfg Config, reg *registry.Registry, agg *aggregate.Aggregator, throttle Throttle) *Dispatcher {
	return &Dispatcher{cfg: cfg, reg: reg, agg: agg, throttle: throttle}
}

// Select picks a candidate node for req without reserving it. Pure: safe
// to call speculatively; Dispatch is the variant that also reserves.
func (d *Dispatcher) Select(req model.Request, now time.Time) (string, error) {
	health := d.agg.Cluster()
	if health.HealthyCount < d.cfg.MinHealthyNodes {
		return "", model.ErrClusterUnhealthy
	}
	if d.throttle != nil && d.throttle.ShouldThrottle() {
		return "", model.ErrThrottled
	}

	candidates := d.eligibleCandidates(req)
	if len(candidates) == 0 {
		return "", model.ErrNoCandidate
	}

	var nodeID string
	switch d.cfg.Strategy {
	case RoundRobin:
		nodeID = d.selectRoundRobin(candidates)
	case LeastConnections:
		nodeID = d.selectLeastConnections(candidates)
	case ResourceAware:
		nodeID, _ = d.selectResourceAware(candidates)
	case Predictive:
		nodeID = d.selectPredictive(candidates, now)
	default:
		nodeID = d.selectRoundRobin(candidates)
	}

	if nodeID == "" {
		return "", model.ErrNoCandidate
	}
	return nodeID, nil
}

// Dispatch is Select followed by an atomic connection reservation. The
// caller must call Release(nodeId) exactly once.
func (d *Dispatcher) Dispatch(req model.Request, now time.Time) (string, error) {
	nodeID, err := d.Select(req, now)
	if err != nil {
		return "", err
	}
	if err := d.reg.IncConn(nodeID); err != nil {
		return "", err
	}
	return nodeID, nil
}

// Release pairs with a successful Dispatch.
func (d *Dispatcher) Release(nodeID string) error {
	return d.reg.DecConn(nodeID)
}

func (d *Dispatcher) eligibleCandidates(req model.Request) []registry.NodeView {
	healthy := d.reg.Healthy()
	out := healthy[:0]
	for _, n := range healthy {
		if n.Caps.Supports(req.ValidatorKind) {
			out = append(out, n)
		}
	}
	return out
}

func (d *Dispatcher) selectRoundRobin(candidates []registry.NodeView) string {
	idx := atomic.AddUint64(&d.rrCounter, 1) - 1
	return candidates[idx%uint64(len(candidates))].NodeID
}

func (d *Dispatcher) selectLeastConnections(candidates []registry.NodeView) string {
	sorted := append([]registry.NodeView(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].LiveConnections != sorted[j].LiveConnections {
			return sorted[i].LiveConnections < sorted[j].LiveConnections
		}
		return sorted[i].NodeID < sorted[j].NodeID
	})
	return sorted[0].NodeID
}

// resourceScore is 0.4*cpuPct + 0.4*memPct + 0.2*diskIoPct. memPct and
// diskIoPct are expressed against the node's own capacity so the score
// is comparable across heterogeneous nodes.
func resourceScore(n registry.NodeView) (float64, bool) {
	if !n.HasSample {
		return 0, false
	}
	memPct := 0.0
	if n.Caps.MemoryBytes > 0 {
		memPct = 100 * float64(n.LastSample.MemoryUsedBytes) / float64(n.Caps.MemoryBytes)
	}
	// DiskIO has no declared capacity in NodeCapabilities; scored against
	// a fixed reference so it still contributes without a divide-by-zero.
	const diskIOReference = 100_000_000.0 // 100MB/s reference ceiling
	diskPct := 100 * float64(n.LastSample.DiskIOBytesPerSec) / diskIOReference
	if diskPct > 100 {
		diskPct = 100
	}
	return 0.4*n.LastSample.CPUPct + 0.4*memPct + 0.2*diskPct, true
}

func (d *Dispatcher) selectResourceAware(candidates []registry.NodeView) (string, bool) {
	var best string
	bestScore := 0.0
	found := false
	for _, n := range candidates {
		score, ok := resourceScore(n)
		if !ok {
			continue
		}
		if !found || score < bestScore {
			best, bestScore, found = n.NodeID, score, true
		}
	}
	return best, found
}

// selectPredictive projects each candidate's resource score forward by
// PredictionHorizon using its CPU trend slope, and falls back to
// RoundRobin when any candidate lacks enough history for a trend
// (spec.md §4.6).
func (d *Dispatcher) selectPredictive(candidates []registry.NodeView, now time.Time) string {
	type scored struct {
		nodeID string
		score  float64
	}
	var projected []scored

	for _, n := range candidates {
		base, ok := resourceScore(n)
		if !ok {
			return d.selectRoundRobin(candidates)
		}
		series, ok := d.agg.NodeSeries(n.NodeID, aggregate.MetricCPU)
		if !ok || series.Len() < trend.MinDataPointsForAnalysis {
			return d.selectRoundRobin(candidates)
		}
		res := trend.Analyze(series.Snapshot())
		projectedCPU := n.LastSample.CPUPct + res.Slope*d.cfg.PredictionHorizon.Seconds()
		delta := projectedCPU - n.LastSample.CPUPct
		projected = append(projected, scored{nodeID: n.NodeID, score: base + 0.4*delta})
	}

	best := projected[0]
	for _, p := range projected[1:] {
		if p.score < best.score {
			best = p
		}
	}
	return best.nodeID
}
