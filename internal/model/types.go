// Package model holds the data types shared across the cluster control
// plane: resource samples, node capabilities, requests, alerts, and the
// error taxonomy every component returns through.
//
// Types here are plain data — no component-owned mutable state lives in
// this package. NodeEntry, for instance, is owned exclusively by
// internal/registry and is never constructed here.
package model

import (
	"fmt"
	"time"
)

// ResourceSample is a point-in-time measurement pushed by a worker node's
// heartbeat. All fields must be >= 0; percentage fields are in [0, 100].
type ResourceSample struct {
	CPUPct            float64
	MemoryUsedBytes   uint64
	DiskIOBytesPerSec uint64
	NetworkBytesPerSec uint64
	ActiveHandles     int
	ActiveConnections int
	QueueDepth        int

	// Timestamp, when zero, is assigned by the ingesting aggregator's
	// clock; a non-zero value set by the caller is kept as given.
	Timestamp time.Time
}

// Validate enforces the Data Model invariants: every field >= 0 and
// CPUPct in [0, 100]. Returns a wrapped ErrInternal describing the first
// violation found, or nil.
func (s ResourceSample) Validate() error {
	switch {
	case s.CPUPct < 0 || s.CPUPct > 100:
		return fmt.Errorf("%w: cpuPct %.2f out of [0,100]", ErrInternal, s.CPUPct)
	case s.DiskIOBytesPerSec < 0:
		return fmt.Errorf("%w: negative diskIoBytesPerSec", ErrInternal)
	case s.ActiveHandles < 0:
		return fmt.Errorf("%w: negative activeHandles", ErrInternal)
	case s.ActiveConnections < 0:
		return fmt.Errorf("%w: negative activeConnections", ErrInternal)
	case s.QueueDepth < 0:
		return fmt.Errorf("%w: negative queueDepth", ErrInternal)
	default:
		return nil
	}
}

// NodeCapabilities is fixed for one registration; registering the same
// node id again replaces it.
type NodeCapabilities struct {
	MaxConcurrentJobs  int
	CPUCores           int
	MemoryBytes        uint64
	SupportedValidators map[string]struct{}
}

// Supports reports whether the node advertises support for validatorKind.
// An empty validatorKind always matches (the caller did not ask for a
// specific validator).
func (c NodeCapabilities) Supports(validatorKind string) bool {
	if validatorKind == "" {
		return true
	}
	_, ok := c.SupportedValidators[validatorKind]
	return ok
}

// NodeStatus is the lifecycle state of a registered node.
type NodeStatus int

const (
	NodeHealthy NodeStatus = iota
	NodeDegraded
	NodeFailed
)

func (s NodeStatus) String() string {
	switch s {
	case NodeHealthy:
		return "Healthy"
	case NodeDegraded:
		return "Degraded"
	case NodeFailed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Priority is advisory metadata on a Request; no strategy filters on it.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return fmt.Sprintf("Unknown(%d)", int(p))
	}
}

// Request is the unit of work the dispatcher routes to a node.
type Request struct {
	RequestID     string
	EstCPU        float64
	EstMemoryBytes uint64
	EstDurationMs int64
	Priority      Priority

	// ValidatorKind is advisory: when set, only nodes whose capabilities
	// advertise support for it are eligible candidates.
	ValidatorKind string
}

// Severity is the classification tier of an Alert.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
	SeverityEmergency
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityCritical:
		return "Critical"
	case SeverityEmergency:
		return "Emergency"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// AlertLifecycle is the state-machine position of an Alert.
type AlertLifecycle int

const (
	AlertNone AlertLifecycle = iota
	AlertActive
	AlertCleared
	AlertArchived
)

func (s AlertLifecycle) String() string {
	switch s {
	case AlertNone:
		return "None"
	case AlertActive:
		return "Active"
	case AlertCleared:
		return "Cleared"
	case AlertArchived:
		return "Archived"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Alert is a raised condition. AlertManager assigns ID, CreatedAt and
// Lifecycle and rate-limits on the (Kind, NodeID) pair (see DedupKey);
// callers of raise() fill the remaining fields.
type Alert struct {
	ID          string
	NodeID      string // empty for cluster-wide alerts
	Kind        string
	Severity    Severity
	MetricKind  string
	Value       float64
	Threshold   float64
	Message     string
	CreatedAt   time.Time
	Lifecycle   AlertLifecycle
}

// DedupKey identifies the (kind, nodeId) pair alerts collapse on, per
// spec.md §3 ("Identity is a tuple (kind, nodeId, coarseBucket)").
type DedupKey struct {
	Kind   string
	NodeID string
}
