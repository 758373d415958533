package model

import "errors"

// Error taxonomy (spec §7). Every recoverable error returned by the core
// wraps one of these sentinels so callers discriminate with errors.Is,
// never string matching.
var (
	// ErrNotRegistered — node id unknown to the registry.
	ErrNotRegistered = errors.New("cluster: node not registered")

	// ErrClusterUnhealthy — insufficient healthy nodes to admit work.
	ErrClusterUnhealthy = errors.New("cluster: insufficient healthy nodes")

	// ErrThrottled — the response-time controller refuses new work.
	ErrThrottled = errors.New("cluster: throttled")

	// ErrNoCandidate — all strategies returned no candidate; usually transient.
	ErrNoCandidate = errors.New("cluster: no candidate node")

	// ErrCanceled — shutdown or caller cancellation. Sticky: once returned,
	// every subsequent op on the same component returns it again.
	ErrCanceled = errors.New("cluster: canceled")

	// ErrConfigInvalid — construction-time only; fatal.
	ErrConfigInvalid = errors.New("cluster: invalid configuration")

	// ErrInternal — unexpected. Promoted to an Emergency alert, never
	// silently swallowed.
	ErrInternal = errors.New("cluster: internal error")
)
