package registry

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

func newTestRegistry() *Registry {
	return New(zap.NewNop())
}

func TestRegisterThenHeartbeat(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register("n1", model.NodeCapabilities{MaxConcurrentJobs: 4}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Heartbeat("n1", model.ResourceSample{CPUPct: 50}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	v, ok := r.View("n1")
	if !ok {
		t.Fatal("expected node to be present")
	}
	if v.Status != model.NodeHealthy {
		t.Fatalf("expected Healthy, got %v", v.Status)
	}
	if !v.HasSample || v.LastSample.CPUPct != 50 {
		t.Fatalf("expected latest sample recorded, got %+v", v)
	}
}

func TestRegisterEmptyIDRejected(t *testing.T) {
	r := newTestRegistry()
	if err := r.Register("", model.NodeCapabilities{}); err == nil {
		t.Fatal("expected error for empty node id")
	}
}

func TestHeartbeatUnknownNodeReturnsNotRegistered(t *testing.T) {
	r := newTestRegistry()
	err := r.Heartbeat("ghost", model.ResourceSample{})
	if err != model.ErrNotRegistered {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestIncDecConn(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})

	for i := 0; i < 3; i++ {
		if err := r.IncConn("n1"); err != nil {
			t.Fatalf("incConn: %v", err)
		}
	}
	r.DecConn("n1")

	v, _ := r.View("n1")
	if v.LiveConnections != 2 {
		t.Fatalf("expected 2 live connections, got %d", v.LiveConnections)
	}
}

func TestDecConnClampsAtZero(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})
	r.DecConn("n1")
	r.DecConn("n1")

	v, _ := r.View("n1")
	if v.LiveConnections != 0 {
		t.Fatalf("expected clamped at 0, got %d", v.LiveConnections)
	}
}

func TestMarkFailedIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})

	if !r.MarkFailed("n1") {
		t.Fatal("expected first markFailed to report failedNow=true")
	}
	if r.MarkFailed("n1") {
		t.Fatal("expected second markFailed to report failedNow=false")
	}

	v, _ := r.View("n1")
	if v.Status != model.NodeFailed {
		t.Fatalf("expected Failed status, got %v", v.Status)
	}
}

func TestReserveFailureThenCommitFailureTransitionsStatus(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})

	if !r.ReserveFailure("n1") {
		t.Fatal("expected first ReserveFailure to report true")
	}
	if r.ReserveFailure("n1") {
		t.Fatal("expected second ReserveFailure to report false")
	}

	v, _ := r.View("n1")
	if v.Status != model.NodeHealthy {
		t.Fatalf("expected status still Healthy before CommitFailure, got %v", v.Status)
	}
	healthy := r.Healthy()
	if len(healthy) != 1 {
		t.Fatalf("expected node still visible to Healthy() before CommitFailure, got %+v", healthy)
	}

	r.CommitFailure("n1")

	v, _ = r.View("n1")
	if v.Status != model.NodeFailed {
		t.Fatalf("expected Failed status after CommitFailure, got %v", v.Status)
	}
	if len(r.Healthy()) != 0 {
		t.Fatal("expected node excluded from Healthy() after CommitFailure")
	}
}

func TestHealthyExcludesFailedNodes(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})
	r.Register("n2", model.NodeCapabilities{})
	r.MarkFailed("n1")

	healthy := r.Healthy()
	if len(healthy) != 1 || healthy[0].NodeID != "n2" {
		t.Fatalf("expected only n2 healthy, got %+v", healthy)
	}
}

func TestSnapshotPreservesRegistrationOrder(t *testing.T) {
	r := newTestRegistry()
	ids := []string{"c", "a", "b"}
	for _, id := range ids {
		r.Register(id, model.NodeCapabilities{})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	for i, id := range ids {
		if snap[i].NodeID != id {
			t.Fatalf("expected registration order %v, got %v", ids, snap)
		}
	}
}

func TestReregisterRefreshesHeartbeatAndReplacesCaps(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{MaxConcurrentJobs: 2})
	r.MarkFailed("n1")

	if err := r.Register("n1", model.NodeCapabilities{MaxConcurrentJobs: 99}); err != nil {
		t.Fatalf("register: %v", err)
	}
	v, _ := r.View("n1")
	if v.Status != model.NodeHealthy {
		t.Fatalf("expected re-registration to heal status, got %v", v.Status)
	}
	if time.Since(v.LastHeartbeat) > time.Second {
		t.Fatalf("expected fresh heartbeat timestamp, got %v", v.LastHeartbeat)
	}
	if v.Caps.MaxConcurrentJobs != 99 {
		t.Fatalf("expected re-registration to replace caps, got %+v", v.Caps)
	}
}

func TestHeartbeatResurrectsFailedNode(t *testing.T) {
	r := newTestRegistry()
	r.Register("n1", model.NodeCapabilities{})
	if !r.MarkFailed("n1") {
		t.Fatal("expected markFailed to succeed")
	}
	v, _ := r.View("n1")
	if v.Status != model.NodeFailed {
		t.Fatalf("expected n1 Failed before heartbeat, got %v", v.Status)
	}

	if err := r.Heartbeat("n1", model.ResourceSample{}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	v, _ = r.View("n1")
	if v.Status != model.NodeHealthy {
		t.Fatalf("expected heartbeat to resurrect n1 to Healthy, got %v", v.Status)
	}

	if !r.MarkFailed("n1") {
		t.Fatal("expected markFailed to succeed again after resurrection (failedOnce reset)")
	}
}
