// Package failure implements C5 — a single periodic task that marks
// unresponsive nodes Failed and raises exactly one NodeFailure alert per
// node, preserving the ordering guarantee that a node's failure alert is
// observable before it disappears from Dispatcher-visible state
// (spec.md §4.5, §5).
package failure

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/alert"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
)

// FailoverExecutor is the external collaborator invoked on a node just
// marked Failed (spec.md §6, "Outbound collaborators"). Implementations
// must respect ctx's deadline; Detector enforces FailoverTimeout
// regardless.
type FailoverExecutor interface {
	OnNodeFailed(ctx context.Context, nodeID string) error
}

// Config holds FailureDetector tuning knobs.
type Config struct {
	// HealthCheckInterval is T, the tick period.
	HealthCheckInterval time.Duration

	// FailureThreshold is the multiplier of HealthCheckInterval past
	// which a node's silence marks it Failed.
	FailureThreshold int

	// EnableAutomaticFailover gates whether Failover is invoked.
	EnableAutomaticFailover bool

	// FailoverTimeout bounds each Failover invocation; exceeding it logs
	// and continues (spec.md §5, "Timeouts").
	FailoverTimeout time.Duration
}

// Detector is C5.
type Detector struct {
	cfg      Config
	reg      *registry.Registry
	alerts   *alert.Manager
	failover FailoverExecutor
	log      *zap.Logger
	now      func() time.Time
}

// New constructs a Detector. failover may be nil; EnableAutomaticFailover
// is then ignored.
func New(cfg Config, reg *registry.Registry, alerts *alert.Manager, failover FailoverExecutor, log *zap.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		reg:      reg,
		alerts:   alerts,
		failover: failover,
		log:      log,
		now:      time.Now,
	}
}

// Tick runs one detection sweep. Run calls it on every
// HealthCheckInterval tick; ClusterMonitor starts Run as one of its
// periodic tasks (spec.md §5, "Cancellation").
func (d *Detector) Tick(ctx context.Context) {
	deadline := time.Duration(d.cfg.FailureThreshold) * d.cfg.HealthCheckInterval
	now := d.now()

	for _, n := range d.reg.Snapshot() {
		if n.Status == model.NodeFailed {
			continue
		}
		if now.Sub(n.LastHeartbeat) <= deadline {
			continue
		}

		if !d.reg.ReserveFailure(n.NodeID) {
			continue // another tick (or caller) already failed it
		}

		d.alerts.Raise(model.Alert{
			Kind:      "NodeFailure",
			NodeID:    n.NodeID,
			Severity:  model.SeverityCritical,
			Message:   fmt.Sprintf("node %s missed %d consecutive heartbeats", n.NodeID, d.cfg.FailureThreshold),
			Value:     now.Sub(n.LastHeartbeat).Seconds(),
			Threshold: deadline.Seconds(),
		})

		// The alert is admitted into Active()/subscriber delivery above
		// before this node disappears from Healthy() below, so a
		// concurrent Dispatch never observes the node gone with no
		// corresponding alert yet raised.
		d.reg.CommitFailure(n.NodeID)

		if d.cfg.EnableAutomaticFailover && d.failover != nil {
			d.runFailover(ctx, n.NodeID)
		}
	}
}

func (d *Detector) runFailover(ctx context.Context, nodeID string) {
	fctx, cancel := context.WithTimeout(ctx, d.cfg.FailoverTimeout)
	defer cancel()

	if err := d.failover.OnNodeFailed(fctx, nodeID); err != nil {
		d.log.Error("failover executor returned an error; continuing",
			zap.String("node_id", nodeID), zap.Error(err))
	}
}

// Run loops Tick on HealthCheckInterval until ctx is canceled. ClusterMonitor
// spawns this as one of its periodic tasks.
func (d *Detector) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}
