package trend

import (
	"math"
	"testing"
	"time"

	"github.com/jeppevinkel/codebuddy-cluster/internal/ringwindow"
)

func points(vals []float64, step time.Duration) []ringwindow.Point {
	base := time.Unix(1_700_000_000, 0)
	pts := make([]ringwindow.Point, len(vals))
	for i, v := range vals {
		pts[i] = ringwindow.Point{At: base.Add(time.Duration(i) * step), Value: v}
	}
	return pts
}

func TestAnalyzeNeutralBelowFloor(t *testing.T) {
	pts := points([]float64{1, 2, 3}, time.Second)
	res := Analyze(pts)
	if res.Slope != 0 || res.IsIncreasing {
		t.Fatalf("expected neutral trend, got %+v", res)
	}
}

func TestAnalyzeLinearIncrease(t *testing.T) {
	vals := make([]float64, 20)
	for i := range vals {
		vals[i] = 100 + float64(i)*10
	}
	pts := points(vals, time.Second)
	res := Analyze(pts)
	if !res.IsIncreasing {
		t.Fatalf("expected increasing trend, got %+v", res)
	}
	if math.Abs(res.Slope-10) > 1e-6 {
		t.Errorf("expected slope ~10, got %v", res.Slope)
	}
}

func TestAnalyzeThresholdETAUnavailableOnFlatSeries(t *testing.T) {
	vals := make([]float64, 20)
	for i := range vals {
		vals[i] = 50
	}
	pts := points(vals, time.Second)
	res := Analyze(pts)
	if res.HasThresholdETA {
		t.Fatalf("expected no threshold ETA for flat series, got %+v", res)
	}
}

func TestDetectLeakSteadyIncrease(t *testing.T) {
	// Values 100,110,...,300 over 200s (pure linear), per spec S6.
	vals := make([]float64, 21)
	for i := range vals {
		vals[i] = 100 + float64(i)*10
	}
	pts := points(vals, 10*time.Second)
	sig := DetectLeak(pts)
	if !sig.SteadyLeak {
		t.Fatalf("expected steady leak signal, got %+v", sig)
	}
	if sig.Confidence < 0.9 {
		t.Fatalf("expected high confidence for a pure linear climb, got %v", sig.Confidence)
	}
}

func TestDetectLeakSawTooth(t *testing.T) {
	vals := make([]float64, 0, 40)
	base := 0.0
	for cycle := 0; cycle < 6; cycle++ {
		for i := 0; i < 6; i++ {
			vals = append(vals, base+float64(i)*5)
		}
		base += 2
	}
	pts := points(vals, time.Second)
	sig := DetectLeak(pts)
	if !sig.SawTooth {
		t.Fatalf("expected saw-tooth signal, got %+v", sig)
	}
}

func TestDetectLeakInsufficientData(t *testing.T) {
	pts := points([]float64{1, 2, 3}, time.Second)
	sig := DetectLeak(pts)
	if sig.SteadyLeak || sig.SawTooth {
		t.Fatalf("expected no signal with insufficient data, got %+v", sig)
	}
}
