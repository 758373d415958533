package alert

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	clock := time.Unix(1_700_000_000, 0)
	m := New(Config{
		AggregationWindow:  10 * time.Second,
		MaxAlertsPerWindow: 2,
		ArchiveRetention:   time.Hour,
	}, zap.NewNop())
	m.now = func() time.Time { return clock }
	t.Cleanup(m.Close)
	return m, &clock
}

func TestClassifySeverityTiers(t *testing.T) {
	cases := []struct {
		value, threshold float64
		want             model.Severity
	}{
		{40, 80, model.SeverityInfo},
		{80, 80, model.SeverityWarning},
		{120, 80, model.SeverityCritical},
		{160, 80, model.SeverityEmergency},
	}
	for _, c := range cases {
		if got := ClassifySeverity(c.value, c.threshold); got != c.want {
			t.Errorf("ClassifySeverity(%v, %v) = %v, want %v", c.value, c.threshold, got, c.want)
		}
	}
}

func TestRaiseRateLimitCollapsesToMax(t *testing.T) {
	m, _ := newTestManager(t)

	var admittedCount int
	for i := 0; i < 5; i++ {
		_, admitted := m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
		if admitted {
			admittedCount++
		}
	}
	if admittedCount != 2 {
		t.Fatalf("expected 2 admitted raises, got %d", admittedCount)
	}
	if active := m.Active(); len(active) != 2 {
		t.Fatalf("expected 2 active alerts, got %d: %+v", len(active), active)
	}
}

func TestRaiseEmergencyUpgradesInsteadOfDropping(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < 5; i++ {
		m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
	}

	got, admitted := m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityEmergency})
	if !admitted {
		t.Fatal("expected emergency raise to be admitted")
	}
	if got.Severity != model.SeverityEmergency {
		t.Fatalf("expected upgraded severity, got %v", got.Severity)
	}

	active := m.Active()
	if len(active) != 2 {
		t.Fatalf("expected still 2 active alerts after upgrade, got %d", len(active))
	}
	var sawEmergency bool
	for _, a := range active {
		if a.Severity == model.SeverityEmergency {
			sawEmergency = true
		}
	}
	if !sawEmergency {
		t.Fatal("expected one active alert upgraded to Emergency")
	}
}

func TestRaiseWindowResetsAfterAggregationWindow(t *testing.T) {
	m, clock := newTestManager(t)

	m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
	m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})

	*clock = clock.Add(11 * time.Second)

	_, admitted := m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
	if !admitted {
		t.Fatal("expected raise to be admitted once the window has rolled forward")
	}
}

func TestClearMovesAlertToHistorical(t *testing.T) {
	m, clock := newTestManager(t)

	a, admitted := m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
	if !admitted {
		t.Fatal("expected admission")
	}
	if !m.Clear(a.ID) {
		t.Fatal("expected clear to succeed")
	}
	if active := m.Active(); len(active) != 0 {
		t.Fatalf("expected 0 active after clear, got %d", len(active))
	}

	hist := m.Historical((*clock).Add(-time.Minute), (*clock).Add(time.Minute))
	if len(hist) != 1 || hist[0].ID != a.ID {
		t.Fatalf("expected archived alert in historical range, got %+v", hist)
	}
}

func TestSubscribeDeliversWithoutBlockingRaise(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var received []model.Alert
	done := make(chan struct{}, 1)

	m.Subscribe(func(a model.Alert) {
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
		done <- struct{}{}
	})

	m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscriber delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 delivered alert, got %d", len(received))
	}
}

func TestSubscriberPanicDoesNotAffectOthers(t *testing.T) {
	m, _ := newTestManager(t)

	done := make(chan struct{}, 1)
	m.Subscribe(func(model.Alert) { panic("boom") })
	m.Subscribe(func(model.Alert) { done <- struct{}{} })

	m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected second subscriber to still receive delivery")
	}
}

func TestRaiseAfterCloseIsRejected(t *testing.T) {
	m, _ := newTestManager(t)
	m.Close()

	_, admitted := m.Raise(model.Alert{Kind: "NodeHighCPU", NodeID: "n1", Severity: model.SeverityWarning})
	if admitted {
		t.Fatal("expected raise after Close to be rejected")
	}
}
