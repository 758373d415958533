package observability

import "testing"

func TestBuildLoggerValidCombinations(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		for _, level := range []string{"debug", "info", "warn", "error"} {
			log, err := BuildLogger(format, level)
			if err != nil {
				t.Fatalf("BuildLogger(%q, %q): %v", format, level, err)
			}
			if log == nil {
				t.Fatalf("BuildLogger(%q, %q) returned nil logger", format, level)
			}
			_ = log.Sync()
		}
	}
}

func TestBuildLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := BuildLogger("json", "not-a-level"); err == nil {
		t.Fatal("expected error for invalid log level")
	}
}

func TestBuildLoggerRejectsInvalidFormat(t *testing.T) {
	if _, err := BuildLogger("xml", "info"); err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.NodesRegisteredTotal.Inc()
	m.HealthyNodesGauge.Set(3)
}
