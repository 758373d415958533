// Package ringwindow implements C1 — a fixed-capacity, time-windowed ring
// of samples with copy-on-write insert and read-side window trimming.
//
// Writers and readers never block each other: Append copy-on-writes a new
// backing slice and atomically swaps a pointer to it; Snapshot is a single
// atomic load. No lock is ever held while a caller iterates a snapshot.
// Because of the copy, each Append costs time proportional to the number
// of retained points; inserts are not O(1).
package ringwindow

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Point is one (timestamp, value) observation.
type Point struct {
	At    time.Time
	Value float64
}

// Kind selects the aggregate computed over a Snapshot by Aggregate.
type Kind int

const (
	Min Kind = iota
	Max
	Mean
	Percentile
)

// Series is a bounded ring of Points restricted to a retention window.
// The zero value is not usable; construct with New.
type Series struct {
	maxPoints int
	retention time.Duration

	writeMu sync.Mutex // serializes Append calls only
	points  atomic.Pointer[[]Point]

	now func() time.Time // overridable for tests
}

// New creates a Series bounded to maxPoints entries and a retention
// window. maxPoints <= 0 means unbounded by count (retention-only).
func New(maxPoints int, retention time.Duration) *Series {
	s := &Series{
		maxPoints: maxPoints,
		retention: retention,
		now:       time.Now,
	}
	empty := make([]Point, 0)
	s.points.Store(&empty)
	return s
}

// Append inserts a sample at "at" by copying the retained points into a
// new slice (O(n) in the retained count), evicting the oldest entry when
// full and dropping anything older than now-retention.
// Timestamps are expected to be monotonically non-decreasing per series
// up to clock skew tolerance; out-of-order points are still accepted
// (the invariant is advisory, not enforced, since multiple goroutines may
// publish into a cluster-aggregate series).
func (s *Series) Append(at time.Time, value float64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := *s.points.Load()
	next := make([]Point, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, Point{At: at, Value: value})

	next = trim(next, s.now(), s.retention)
	if s.maxPoints > 0 && len(next) > s.maxPoints {
		next = next[len(next)-s.maxPoints:]
	}
	s.points.Store(&next)
}

// trim drops entries strictly older than now-retention. retention <= 0
// disables trimming.
func trim(pts []Point, now time.Time, retention time.Duration) []Point {
	if retention <= 0 || len(pts) == 0 {
		return pts
	}
	cutoff := now.Add(-retention)
	i := 0
	for i < len(pts) && pts[i].At.Before(cutoff) {
		i++
	}
	if i == 0 {
		return pts
	}
	return pts[i:]
}

// Snapshot returns a lazy, read-only, oldest-first view of the series,
// re-trimmed to the retention window at call time. Restartable: callers
// may hold the returned slice and re-call Snapshot later for a fresh view.
// The returned slice must not be mutated by the caller.
func (s *Series) Snapshot() []Point {
	pts := *s.points.Load()
	return trim(pts, s.now(), s.retention)
}

// Len returns the current number of retained points (post-trim).
func (s *Series) Len() int {
	return len(s.Snapshot())
}

// Aggregate computes an aggregate over the current snapshot. pct is only
// used for Percentile (e.g. 95 for p95) and is ignored otherwise.
// Percentile sorts a copy of the snapshot values — no streaming quantile
// sketch is used; honesty over complexity for the volumes this control
// plane handles.
//
// Returns (0, false) if the snapshot is empty.
func (s *Series) Aggregate(kind Kind, pct float64) (float64, bool) {
	pts := s.Snapshot()
	if len(pts) == 0 {
		return 0, false
	}
	switch kind {
	case Min:
		m := pts[0].Value
		for _, p := range pts[1:] {
			m = math.Min(m, p.Value)
		}
		return m, true
	case Max:
		m := pts[0].Value
		for _, p := range pts[1:] {
			m = math.Max(m, p.Value)
		}
		return m, true
	case Mean:
		var sum float64
		for _, p := range pts {
			sum += p.Value
		}
		return sum / float64(len(pts)), true
	case Percentile:
		vals := make([]float64, len(pts))
		for i, p := range pts {
			vals[i] = p.Value
		}
		sort.Float64s(vals)
		idx := int(math.Ceil(pct/100*float64(len(vals)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(vals) {
			idx = len(vals) - 1
		}
		return vals[idx], true
	default:
		return 0, false
	}
}
