// Package registry implements C4 — the NodeRegistry: the only mutable
// shared state in the control plane (spec.md §5, "Shared-resource
// policy"). All node mutation goes through this package.
//
// Thread-safety: a single RWMutex guards the map of entries; each entry's
// mutable fields are guarded by the entry's own mutex, and its live
// connection counter is atomic for the hot incConn/decConn path. snapshot
// never blocks writers for longer than a map-copy.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

// entry is the registry's internal per-node record. liveConnections is
// atomic so incConn/decConn never contend with the registry's RWMutex.
type entry struct {
	nodeID string
	caps   model.NodeCapabilities

	mu            sync.Mutex
	status        model.NodeStatus
	lastHeartbeat time.Time
	lastSample    model.ResourceSample
	hasSample     bool
	failedOnce    bool

	liveConnections int64 // atomic
}

// NodeView is a read-only, point-in-time copy of one registry entry.
type NodeView struct {
	NodeID          string
	Caps            model.NodeCapabilities
	Status          model.NodeStatus
	LastHeartbeat   time.Time
	LastSample      model.ResourceSample
	HasSample       bool
	LiveConnections int64
}

// Registry is C4. The zero value is not usable; construct with New.
type Registry struct {
	log *zap.Logger
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	order   []string // insertion order, for RoundRobin's stable iteration order
}

// New constructs an empty Registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Register inserts a new node or refreshes an existing one: caps
// replace any previously registered capabilities, status becomes
// Healthy and the heartbeat clock resets.
func (r *Registry) Register(nodeID string, caps model.NodeCapabilities) error {
	if nodeID == "" {
		return fmt.Errorf("%w: empty node id", model.ErrInternal)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeID]
	if !ok {
		e = &entry{nodeID: nodeID, caps: caps}
		r.entries[nodeID] = e
		r.order = append(r.order, nodeID)
	}

	e.mu.Lock()
	e.caps = caps
	e.status = model.NodeHealthy
	e.lastHeartbeat = r.now()
	e.failedOnce = false
	e.mu.Unlock()

	return nil
}

// Heartbeat updates a registered node's latest sample and resets its
// heartbeat clock. A successful heartbeat from a previously-failed node
// restores it to Healthy, making it eligible for dispatch again (spec.md
// §8 property 4). Returns ErrNotRegistered for unknown ids.
func (r *Registry) Heartbeat(nodeID string, sample model.ResourceSample) error {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return model.ErrNotRegistered
	}

	e.mu.Lock()
	e.lastSample = sample
	e.hasSample = true
	e.lastHeartbeat = r.now()
	e.status = model.NodeHealthy
	e.failedOnce = false
	e.mu.Unlock()
	return nil
}

// IncConn atomically increments a node's live connection counter.
func (r *Registry) IncConn(nodeID string) error {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return model.ErrNotRegistered
	}
	atomic.AddInt64(&e.liveConnections, 1)
	return nil
}

// DecConn atomically decrements a node's live connection counter. Clamped
// at zero: a stray extra release never drives the counter negative.
func (r *Registry) DecConn(nodeID string) error {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return model.ErrNotRegistered
	}
	for {
		cur := atomic.LoadInt64(&e.liveConnections)
		if cur <= 0 {
			return nil
		}
		if atomic.CompareAndSwapInt64(&e.liveConnections, cur, cur-1) {
			return nil
		}
	}
}

// MarkFailed transitions a node to Failed in one step. Idempotent:
// subsequent calls for an already-Failed node are a no-op and report
// failedNow=false. FailureDetector instead calls ReserveFailure then
// CommitFailure, so it can raise the node's failure alert in between —
// before the node disappears from Healthy() (spec.md §5).
func (r *Registry) MarkFailed(nodeID string) (failedNow bool) {
	if !r.ReserveFailure(nodeID) {
		return false
	}
	r.CommitFailure(nodeID)
	return true
}

// ReserveFailure atomically claims the right to fail nodeID without
// changing its status: the first caller for a given node gets true,
// every later call (until the node recovers via Register or Heartbeat)
// gets false. Pairs with CommitFailure.
func (r *Registry) ReserveFailure(nodeID string) bool {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failedOnce {
		return false
	}
	e.failedOnce = true
	return true
}

// CommitFailure transitions a reserved node's status to Failed, removing
// it from Healthy()/Dispatch-visible state. Call only after a successful
// ReserveFailure for the same node.
func (r *Registry) CommitFailure(nodeID string) {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	e.status = model.NodeFailed
	e.mu.Unlock()
}

// View returns a point-in-time copy of a single node's state.
func (r *Registry) View(nodeID string) (NodeView, bool) {
	r.mu.RLock()
	e, ok := r.entries[nodeID]
	r.mu.RUnlock()
	if !ok {
		return NodeView{}, false
	}
	return snapshotEntry(e), true
}

// Snapshot returns a point-in-time view of every registered node, in
// registration order. Never blocks writers longer than copying the
// current id list.
func (r *Registry) Snapshot() []NodeView {
	r.mu.RLock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	entries := make([]*entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.entries[id]; ok {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	views := make([]NodeView, 0, len(entries))
	for _, e := range entries {
		views = append(views, snapshotEntry(e))
	}
	return views
}

// Healthy returns snapshots of only Healthy nodes, in registration order
// — the stable order RoundRobin relies on (spec.md §4.6).
func (r *Registry) Healthy() []NodeView {
	all := r.Snapshot()
	out := all[:0]
	for _, v := range all {
		if v.Status == model.NodeHealthy {
			out = append(out, v)
		}
	}
	return out
}

func snapshotEntry(e *entry) NodeView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return NodeView{
		NodeID:          e.nodeID,
		Caps:            e.caps,
		Status:          e.status,
		LastHeartbeat:   e.lastHeartbeat,
		LastSample:      e.lastSample,
		HasSample:       e.hasSample,
		LiveConnections: atomic.LoadInt64(&e.liveConnections),
	}
}
