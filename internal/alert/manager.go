// Package alert implements C3 — the AlertManager: deduplication, rate
// limiting, severity classification, and fan-out delivery of Alerts.
//
// The manager never blocks a raise() caller on subscriber delivery: each
// raised alert is pushed onto a buffered delivery queue (dropped with a
// warning when the queue is full) drained by a single serialized
// goroutine. That goroutine runs every subscriber for one alert
// concurrently, recovering panics, and waits for all of them before
// taking the next alert: a slow handler does not delay the others for
// the same alert, but it does delay delivery of later alerts (spec.md §9,
// "Callback-heavy alert subscriptions").
package alert

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

// Handler receives delivered alerts. Implementations must not block for
// long: the delivery loop waits for every handler before moving on, so a
// handler that never returns stalls all further deliveries, and once the
// queue fills, later deliveries are dropped.
type Handler func(model.Alert)

// Config holds AlertManager tuning knobs (recognized config keys under
// "alerting" in the root Config object, spec.md §6).
type Config struct {
	// AggregationWindow is the sliding window over which admissions per
	// (kind, nodeId) are counted against MaxAlertsPerWindow.
	AggregationWindow time.Duration

	// MaxAlertsPerWindow caps new (non-refresh) alert admissions per
	// (kind, nodeId) within AggregationWindow.
	MaxAlertsPerWindow int

	// ArchiveRetention bounds how long cleared/archived alerts are kept
	// in the historical log (retention.alertHistoryDays).
	ArchiveRetention time.Duration

	// DeliveryQueueSize bounds the buffered channel between raise() and
	// the delivery worker. Defaults to 256 if <= 0.
	DeliveryQueueSize int
}

type entry struct {
	alert     model.Alert
	admittedAt time.Time
}

// Manager is C3. The zero value is not usable; construct with New.
type Manager struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	mu           sync.Mutex
	activeByKey  map[model.DedupKey][]*entry
	admissions   map[model.DedupKey][]time.Time // sliding admission timestamps for rate limiting
	archive      []model.Alert

	subMu       sync.Mutex
	subscribers map[string]Handler

	deliverCh chan model.Alert
	stopCh    chan struct{}
	stopped   bool
	wg        sync.WaitGroup
}

// New creates a Manager and starts its delivery worker. Call Close to
// stop delivery and release resources.
func New(cfg Config, log *zap.Logger) *Manager {
	if cfg.DeliveryQueueSize <= 0 {
		cfg.DeliveryQueueSize = 256
	}
	m := &Manager{
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		activeByKey: make(map[model.DedupKey][]*entry),
		admissions:  make(map[model.DedupKey][]time.Time),
		subscribers: make(map[string]Handler),
		deliverCh:   make(chan model.Alert, cfg.DeliveryQueueSize),
		stopCh:      make(chan struct{}),
	}
	m.wg.Add(1)
	go m.deliveryLoop()
	return m
}

// ClassifySeverity maps a measured value against a threshold into a
// severity tier: Warning at >= threshold, Critical at >= 1.5x, Emergency
// at >= 2x. Callers (C10's heartbeat/trend threshold classification)
// classify before calling Raise.
func ClassifySeverity(value, threshold float64) model.Severity {
	switch {
	case threshold <= 0:
		if value > 0 {
			return model.SeverityWarning
		}
		return model.SeverityInfo
	case value >= 2*threshold:
		return model.SeverityEmergency
	case value >= 1.5*threshold:
		return model.SeverityCritical
	case value >= threshold:
		return model.SeverityWarning
	default:
		return model.SeverityInfo
	}
}

// Raise rate-limits an alert per (kind, nodeId) and records it as
// Active. Severity is taken as given; callers classify it beforehand
// (see ClassifySeverity). Returns the
// admitted (possibly severity-upgraded) alert and whether it was
// admitted as active. A rejected alert still exists as a value but has
// no effect on manager state.
//
// State machine: None -> Active. Re-raising within the rate limit always
// creates a fresh Active entry (distinct alerts with the same kind/node
// legitimately coexist, e.g. repeated threshold breaches). When the
// window's rate limit is already spent, an Emergency is never dropped:
// it upgrades the lowest-severity currently-Active alert for that key
// instead of being silently suppressed — an Emergency never downgrades
// and never vanishes.
func (m *Manager) Raise(a model.Alert) (model.Alert, bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return a, false
	}

	key := model.DedupKey{Kind: a.Kind, NodeID: a.NodeID}
	now := m.now()
	a.CreatedAt = now
	a.Lifecycle = model.AlertActive

	admitted := m.admissionCount(key, now) < m.cfg.MaxAlertsPerWindow
	if admitted {
		a.ID = uuid.NewString()
		e := &entry{alert: a, admittedAt: now}
		m.activeByKey[key] = append(m.activeByKey[key], e)
		m.admissions[key] = append(m.admissions[key], now)
		m.mu.Unlock()
		m.enqueueDelivery(a)
		return a, true
	}

	if a.Severity == model.SeverityEmergency {
		if upgraded, ok := m.upgradeLowestSeverity(key, a); ok {
			m.mu.Unlock()
			m.enqueueDelivery(upgraded)
			return upgraded, true
		}
		// No active entry to upgrade: an Emergency must never be
		// silently dropped, so it is admitted even over budget.
		a.ID = uuid.NewString()
		e := &entry{alert: a, admittedAt: now}
		m.activeByKey[key] = append(m.activeByKey[key], e)
		m.mu.Unlock()
		m.enqueueDelivery(a)
		return a, true
	}

	m.mu.Unlock()
	return a, false
}

// admissionCount returns how many alerts have been admitted for key
// within the current aggregation window. Must be called with m.mu held.
func (m *Manager) admissionCount(key model.DedupKey, now time.Time) int {
	times := m.admissions[key]
	cutoff := now.Add(-m.cfg.AggregationWindow)
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	m.admissions[key] = kept
	return len(kept)
}

// upgradeLowestSeverity finds the active entry for key with the lowest
// severity and raises it to candidate.Severity if that is higher (an
// Emergency never downgrades). Must be called with m.mu held.
func (m *Manager) upgradeLowestSeverity(key model.DedupKey, candidate model.Alert) (model.Alert, bool) {
	entries := m.activeByKey[key]
	if len(entries) == 0 {
		return model.Alert{}, false
	}
	lowest := entries[0]
	for _, e := range entries[1:] {
		if e.alert.Severity < lowest.alert.Severity {
			lowest = e
		}
	}
	if candidate.Severity > lowest.alert.Severity {
		lowest.alert.Severity = candidate.Severity
		lowest.alert.Value = candidate.Value
		lowest.alert.Message = candidate.Message
		lowest.alert.CreatedAt = candidate.CreatedAt
	}
	return lowest.alert, true
}

// Clear transitions an alert from Active to Cleared and immediately
// archives it (bounded by ArchiveRetention; older archive entries are
// pruned lazily on the next Clear or Historical call).
func (m *Manager) Clear(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entries := range m.activeByKey {
		for i, e := range entries {
			if e.alert.ID != alertID {
				continue
			}
			e.alert.Lifecycle = model.AlertArchived
			m.activeByKey[key] = append(entries[:i], entries[i+1:]...)
			m.archive = append(m.archive, e.alert)
			m.pruneArchiveLocked()
			return true
		}
	}
	return false
}

func (m *Manager) pruneArchiveLocked() {
	if m.cfg.ArchiveRetention <= 0 {
		return
	}
	cutoff := m.now().Add(-m.cfg.ArchiveRetention)
	i := 0
	for i < len(m.archive) && m.archive[i].CreatedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.archive = m.archive[i:]
	}
}

// ArchiveSweep is invoked periodically by ClusterMonitor to prune archive
// entries older than ArchiveRetention even when no new Clear() happens.
func (m *Manager) ArchiveSweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneArchiveLocked()
}

// Active returns a point-in-time snapshot of all currently active alerts.
func (m *Manager) Active() []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, entries := range m.activeByKey {
		for _, e := range entries {
			out = append(out, e.alert)
		}
	}
	return out
}

// Historical returns archived alerts created within [since, until].
func (m *Manager) Historical(since, until time.Time) []model.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Alert
	for _, a := range m.archive {
		if !a.CreatedAt.Before(since) && !a.CreatedAt.After(until) {
			out = append(out, a)
		}
	}
	return out
}

// Subscribe registers a delivery handler and returns a token usable with
// Unsubscribe. Handlers run on the manager's delivery goroutine pool, not
// the raising goroutine.
func (m *Manager) Subscribe(h Handler) string {
	token := uuid.NewString()
	m.subMu.Lock()
	m.subscribers[token] = h
	m.subMu.Unlock()
	return token
}

// Unsubscribe removes a previously registered handler.
func (m *Manager) Unsubscribe(token string) {
	m.subMu.Lock()
	delete(m.subscribers, token)
	m.subMu.Unlock()
}

func (m *Manager) enqueueDelivery(a model.Alert) {
	select {
	case m.deliverCh <- a:
	default:
		m.log.Warn("alert delivery queue full, dropping delivery (alert remains active)",
			zap.String("alert_id", a.ID), zap.String("kind", a.Kind))
	}
}

func (m *Manager) deliveryLoop() {
	defer m.wg.Done()
	for {
		select {
		case a := <-m.deliverCh:
			m.dispatch(a)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) dispatch(a model.Alert) {
	m.subMu.Lock()
	handlers := make([]Handler, 0, len(m.subscribers))
	for _, h := range m.subscribers {
		handlers = append(handlers, h)
	}
	m.subMu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("alert subscriber panicked; suppressed", zap.Any("recover", r))
				}
			}()
			h(a)
		}(h)
	}
	wg.Wait()
}

// Close stops the delivery loop. After Close, Raise returns (a, false)
// for every call.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}
