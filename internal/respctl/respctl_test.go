package respctl

import (
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		TargetResponseTime:       100 * time.Millisecond,
		SlidingWindow:            time.Minute,
		MinSamplesForAnalysis:    5,
		SlowPctThreshold:         0.5,
		ConsecutiveSlowThreshold: 3,
		WarmupPeriod:             10 * time.Second,
		WarmupMultiplier:         2,
		BaseLimit:                10,
		SteadyStateLimit:         100,
	}
}

func TestShouldThrottleFalseBelowMinSamples(t *testing.T) {
	c := New(testConfig())
	for i := 0; i < 4; i++ {
		c.Record(500 * time.Millisecond)
	}
	if c.ShouldThrottle() {
		t.Fatal("expected no throttle below MinSamplesForAnalysis")
	}
}

func TestShouldThrottleBySlowPercentage(t *testing.T) {
	c := New(testConfig())
	for i := 0; i < 3; i++ {
		c.Record(500 * time.Millisecond) // slow
	}
	for i := 0; i < 2; i++ {
		c.Record(10 * time.Millisecond) // fast
	}
	if !c.ShouldThrottle() {
		t.Fatal("expected throttle: 3/5 slow exceeds 0.5 threshold")
	}
}

func TestShouldThrottleByConsecutiveSlowStreak(t *testing.T) {
	cfg := testConfig()
	cfg.SlowPctThreshold = 0.99 // disable the percentage path
	c := New(cfg)

	c.Record(10 * time.Millisecond)
	c.Record(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		c.Record(500 * time.Millisecond)
	}
	if !c.ShouldThrottle() {
		t.Fatal("expected throttle from consecutive slow streak")
	}
}

func TestGetConcurrencyLimitRampsDuringWarmup(t *testing.T) {
	c := New(testConfig())
	early := c.GetConcurrencyLimit(c.startedAt.Add(1 * time.Second))
	late := c.GetConcurrencyLimit(c.startedAt.Add(9 * time.Second))
	if !(early < late) {
		t.Fatalf("expected ramp to increase over time, got early=%d late=%d", early, late)
	}
	if late > c.cfg.SteadyStateLimit {
		t.Fatalf("expected limit never to exceed steady state, got %d", late)
	}
}

func TestGetConcurrencyLimitSteadyAfterWarmup(t *testing.T) {
	c := New(testConfig())
	limit := c.GetConcurrencyLimit(c.startedAt.Add(time.Hour))
	if limit != c.cfg.SteadyStateLimit {
		t.Fatalf("expected steady state limit %d, got %d", c.cfg.SteadyStateLimit, limit)
	}
}

func TestCleanupTrimsOldSamples(t *testing.T) {
	cfg := testConfig()
	cfg.SlidingWindow = time.Second
	c := New(cfg)
	fixed := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return fixed }

	c.Record(500 * time.Millisecond)
	fixed = fixed.Add(2 * time.Second)
	c.Cleanup()

	c.mu.Lock()
	n := len(c.samples)
	c.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected samples trimmed after window elapsed, got %d", n)
	}
}
