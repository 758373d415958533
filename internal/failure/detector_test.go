package failure

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/alert"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
)

type recordingFailover struct {
	mu    sync.Mutex
	calls []string
}

func (f *recordingFailover) OnNodeFailed(ctx context.Context, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, nodeID)
	return nil
}

func newDetectorFixture(t *testing.T, cfg Config, fo FailoverExecutor) (*Detector, *registry.Registry, *alert.Manager, *time.Time) {
	t.Helper()
	reg := registry.New(zap.NewNop())
	mgr := alert.New(alert.Config{AggregationWindow: time.Minute, MaxAlertsPerWindow: 10}, zap.NewNop())
	t.Cleanup(mgr.Close)

	d := New(cfg, reg, mgr, fo, zap.NewNop())
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }
	return d, reg, mgr, &clock
}

func TestTickMarksStaleNodeFailedAndRaisesOnce(t *testing.T) {
	cfg := Config{HealthCheckInterval: time.Second, FailureThreshold: 3}
	d, reg, mgr, clock := newDetectorFixture(t, cfg, nil)

	reg.Register("n1", model.NodeCapabilities{})
	*clock = clock.Add(10 * time.Second)

	d.Tick(context.Background())
	d.Tick(context.Background())

	v, _ := reg.View("n1")
	if v.Status != model.NodeFailed {
		t.Fatalf("expected node failed, got %v", v.Status)
	}

	active := mgr.Active()
	var count int
	for _, a := range active {
		if a.Kind == "NodeFailure" && a.NodeID == "n1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 NodeFailure alert, got %d", count)
	}
}

// observingFailover records, at the moment Tick invokes it (strictly
// after CommitFailure, per Tick's call order), whether the node's
// NodeFailure alert was already Active and whether the node was already
// absent from Healthy(). It exercises the causal-order guarantee end to
// end: by the time a failover collaborator sees the node gone, the
// alert must already be observable.
type observingFailover struct {
	reg         *registry.Registry
	mgr         *alert.Manager
	alertActive bool
	nodeAbsent  bool
}

func (f *observingFailover) OnNodeFailed(ctx context.Context, nodeID string) error {
	for _, a := range f.mgr.Active() {
		if a.Kind == "NodeFailure" && a.NodeID == nodeID {
			f.alertActive = true
		}
	}
	f.nodeAbsent = true
	for _, v := range f.reg.Healthy() {
		if v.NodeID == nodeID {
			f.nodeAbsent = false
		}
	}
	return nil
}

func TestTickAdmitsAlertBeforeNodeLeavesHealthy(t *testing.T) {
	cfg := Config{
		HealthCheckInterval:     time.Second,
		FailureThreshold:        3,
		EnableAutomaticFailover: true,
		FailoverTimeout:         time.Second,
	}
	reg := registry.New(zap.NewNop())
	mgr := alert.New(alert.Config{AggregationWindow: time.Minute, MaxAlertsPerWindow: 10}, zap.NewNop())
	t.Cleanup(mgr.Close)

	fo := &observingFailover{reg: reg, mgr: mgr}
	d := New(cfg, reg, mgr, fo, zap.NewNop())
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }

	reg.Register("n1", model.NodeCapabilities{})
	clock = clock.Add(10 * time.Second)
	d.now = func() time.Time { return clock }

	d.Tick(context.Background())

	if !fo.alertActive {
		t.Fatal("expected the NodeFailure alert already Active by the time the node left Healthy()")
	}
	if !fo.nodeAbsent {
		t.Fatal("expected the node already absent from Healthy() inside the failover callback")
	}
}

func TestTickLeavesFreshNodesHealthy(t *testing.T) {
	cfg := Config{HealthCheckInterval: time.Second, FailureThreshold: 3}
	d, reg, _, _ := newDetectorFixture(t, cfg, nil)

	reg.Register("n1", model.NodeCapabilities{})
	d.Tick(context.Background())

	v, _ := reg.View("n1")
	if v.Status != model.NodeHealthy {
		t.Fatalf("expected node still healthy, got %v", v.Status)
	}
}

func TestTickInvokesFailoverWhenEnabled(t *testing.T) {
	fo := &recordingFailover{}
	cfg := Config{
		HealthCheckInterval:     time.Second,
		FailureThreshold:        3,
		EnableAutomaticFailover: true,
		FailoverTimeout:         time.Second,
	}
	d, reg, _, clock := newDetectorFixture(t, cfg, fo)

	reg.Register("n1", model.NodeCapabilities{})
	*clock = clock.Add(10 * time.Second)
	d.Tick(context.Background())

	fo.mu.Lock()
	defer fo.mu.Unlock()
	if len(fo.calls) != 1 || fo.calls[0] != "n1" {
		t.Fatalf("expected failover invoked once for n1, got %v", fo.calls)
	}
}

func TestTickSkipsFailoverWhenDisabled(t *testing.T) {
	fo := &recordingFailover{}
	cfg := Config{HealthCheckInterval: time.Second, FailureThreshold: 3, EnableAutomaticFailover: false}
	d, reg, _, clock := newDetectorFixture(t, cfg, fo)

	reg.Register("n1", model.NodeCapabilities{})
	*clock = clock.Add(10 * time.Second)
	d.Tick(context.Background())

	fo.mu.Lock()
	defer fo.mu.Unlock()
	if len(fo.calls) != 0 {
		t.Fatalf("expected no failover calls, got %v", fo.calls)
	}
}
