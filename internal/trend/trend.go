// Package trend implements C2 — least-squares trend analysis and leak
// detection over the (timestamp, value) series produced by C1.
//
// Analysis never panics and never returns an error: insufficient data
// degrades to a neutral result (spec.md §4.2, "Failure semantics").
package trend

import (
	"math"

	"github.com/jeppevinkel/codebuddy-cluster/internal/ringwindow"
)

// MinDataPointsForAnalysis is the floor below which a trend is reported
// neutral rather than computed from too little data.
const MinDataPointsForAnalysis = 10

// thresholdSlopeFloor is the minimum |slope| below which a threshold
// projection is considered meaningless ("never" crosses 1.5x current).
const thresholdSlopeFloor = 1e-4

// Result is the outcome of a linear-regression trend analysis.
type Result struct {
	Slope        float64 // units / second
	Intercept    float64
	IsIncreasing bool

	// HasThresholdETA is false when the series is flat enough that
	// "never" is the honest answer (|slope| < thresholdSlopeFloor).
	HasThresholdETA    bool
	ThresholdETASeconds float64

	ProjectedPeak float64
}

// Neutral is the result returned when fewer than MinDataPointsForAnalysis
// points are available.
func Neutral(observedMax float64) Result {
	return Result{ProjectedPeak: observedMax}
}

// Analyze performs least-squares linear regression over pts using seconds
// since the Unix epoch as the independent variable. pts must be
// oldest-first (as returned by ringwindow.Series.Snapshot).
func Analyze(pts []ringwindow.Point) Result {
	observedMax := seriesMax(pts)
	if len(pts) < MinDataPointsForAnalysis {
		return Neutral(observedMax)
	}

	slope, intercept, ok := leastSquares(pts)
	if !ok {
		return Neutral(observedMax)
	}

	currentValue := pts[len(pts)-1].Value
	windowSeconds := pts[len(pts)-1].At.Sub(pts[0].At).Seconds()

	res := Result{
		Slope:        slope,
		Intercept:    intercept,
		IsIncreasing: slope > 0,
	}

	if math.Abs(slope) >= thresholdSlopeFloor {
		res.HasThresholdETA = true
		res.ThresholdETASeconds = (1.5*currentValue - intercept) / slope
	}

	if slope > 0 {
		res.ProjectedPeak = math.Max(observedMax, slope*windowSeconds+intercept)
	} else {
		res.ProjectedPeak = observedMax
	}

	return res
}

func seriesMax(pts []ringwindow.Point) float64 {
	if len(pts) == 0 {
		return 0
	}
	m := pts[0].Value
	for _, p := range pts[1:] {
		m = math.Max(m, p.Value)
	}
	return m
}

// leastSquares fits y = slope*x + intercept where x is seconds-since-epoch.
// Returns ok=false when all x values coincide (zero variance in x).
func leastSquares(pts []ringwindow.Point) (slope, intercept float64, ok bool) {
	n := float64(len(pts))
	// Sums are taken over seconds since the first point so they stay well
	// conditioned; the intercept is shifted back to the epoch origin below.
	x0 := float64(pts[0].At.UnixNano()) / 1e9
	var sumX, sumY, sumXY, sumXX float64
	for _, p := range pts {
		x := p.At.Sub(pts[0].At).Seconds()
		y := p.Value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY-slope*sumX)/n - slope*x0
	return slope, intercept, true
}

// LeakSignal flags a suspected memory leak pattern. The boolean fields
// are advisory signals, never automatic process-level actions — callers
// surface them as Alerts (spec.md §4.2). Confidence is in [0, 1] and is
// the stronger of the two patterns' fit quality; callers gate alerting
// on Confidence against their own configured threshold rather than on
// the booleans alone, so a borderline fit doesn't page anyone.
type LeakSignal struct {
	SteadyLeak bool
	SawTooth   bool
	Confidence float64
}

// DetectLeak analyzes a memory series for two patterns:
//
//   - "steady leak": slope > 0 and the regression line's normalized RMSE
//     (RMSE / mean value) is < 0.1 — the series climbs cleanly.
//   - "saw-tooth leak": at least 3 local maxima exist and the coefficient
//     of variation of inter-peak intervals is < 0.3 — periodic allocate/GC
//     cycles with a rising floor.
func DetectLeak(pts []ringwindow.Point) LeakSignal {
	if len(pts) < MinDataPointsForAnalysis {
		return LeakSignal{}
	}

	var sig LeakSignal

	if slope, intercept, ok := leastSquares(pts); ok && slope > 0 {
		rmse := regressionRMSE(pts, slope, intercept)
		mean := seriesMean(pts)
		if mean > 0 {
			normalizedRMSE := rmse / mean
			if normalizedRMSE < 0.1 {
				sig.SteadyLeak = true
			}
			sig.Confidence = math.Max(sig.Confidence, clamp01(1-normalizedRMSE))
		}
	}

	peakTimes := localMaximaTimes(pts)
	if len(peakTimes) >= 3 {
		if cv, ok := coefficientOfVariation(interPeakIntervals(peakTimes)); ok {
			if cv < 0.3 {
				sig.SawTooth = true
			}
			sig.Confidence = math.Max(sig.Confidence, clamp01(1-cv))
		}
	}

	return sig
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}

func seriesMean(pts []ringwindow.Point) float64 {
	var sum float64
	for _, p := range pts {
		sum += p.Value
	}
	return sum / float64(len(pts))
}

func regressionRMSE(pts []ringwindow.Point, slope, intercept float64) float64 {
	var sumSq float64
	for _, p := range pts {
		x := float64(p.At.UnixNano()) / 1e9
		pred := slope*x + intercept
		d := p.Value - pred
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(pts)))
}

// localMaximaTimes returns the timestamps of strict local maxima: points
// whose value is strictly greater than both neighbours.
func localMaximaTimes(pts []ringwindow.Point) []float64 {
	var times []float64
	for i := 1; i < len(pts)-1; i++ {
		if pts[i].Value > pts[i-1].Value && pts[i].Value > pts[i+1].Value {
			times = append(times, float64(pts[i].At.UnixNano())/1e9)
		}
	}
	return times
}

func interPeakIntervals(peakTimes []float64) []float64 {
	if len(peakTimes) < 2 {
		return nil
	}
	intervals := make([]float64, 0, len(peakTimes)-1)
	for i := 1; i < len(peakTimes); i++ {
		intervals = append(intervals, peakTimes[i]-peakTimes[i-1])
	}
	return intervals
}

// coefficientOfVariation is stddev/mean. Returns ok=false when the mean
// is zero or fewer than 2 samples are given.
func coefficientOfVariation(xs []float64) (float64, bool) {
	if len(xs) < 2 {
		return 0, false
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if mean == 0 {
		return 0, false
	}
	var sumSq float64
	for _, x := range xs {
		d := x - mean
		sumSq += d * d
	}
	stddev := math.Sqrt(sumSq / float64(len(xs)))
	return stddev / mean, true
}
