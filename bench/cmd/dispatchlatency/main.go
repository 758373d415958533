// Package bench — dispatchlatency/main.go
//
// Dispatch latency measurement tool.
//
// Measures the wall-clock time of Dispatcher.Select across all four
// strategies (RoundRobin, LeastConnections, ResourceAware, Predictive)
// against a synthetic fleet of healthy nodes with live resource samples.
//
// Output CSV columns: strategy, iteration, latency_us
// Summary: per-strategy p50/p95/p99 printed to stdout.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/aggregate"
	"github.com/jeppevinkel/codebuddy-cluster/internal/dispatch"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
	"github.com/jeppevinkel/codebuddy-cluster/internal/registry"
)

func main() {
	iterations := flag.Int("iterations", 10000, "dispatch attempts per strategy")
	nodeCount := flag.Int("nodes", 50, "number of synthetic healthy nodes")
	outputFile := flag.String("output", "dispatch_latency_raw.csv", "output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"strategy", "iteration", "latency_us"})

	strategies := map[string]dispatch.Strategy{
		"RoundRobin":       dispatch.RoundRobin,
		"LeastConnections": dispatch.LeastConnections,
		"ResourceAware":    dispatch.ResourceAware,
		"Predictive":       dispatch.Predictive,
	}

	for name, strat := range strategies {
		reg, agg := seedFleet(*nodeCount)
		d := dispatch.New(dispatch.Config{
			Strategy:          strat,
			MinHealthyNodes:   1,
			PredictionHorizon: 30 * time.Second,
		}, reg, agg, nil)

		latencies := make([]int64, *iterations)
		now := time.Now()
		for i := 0; i < *iterations; i++ {
			start := time.Now()
			_, _ = d.Select(model.Request{RequestID: fmt.Sprintf("r%d", i)}, now)
			latencies[i] = time.Since(start).Microseconds()
			_ = w.Write([]string{name, strconv.Itoa(i), strconv.FormatInt(latencies[i], 10)})
		}

		p50, p95, p99 := percentiles(latencies)
		fmt.Printf("%-17s p50=%4dus p95=%4dus p99=%4dus\n", name, p50, p95, p99)
	}

	fmt.Printf("Output: %s\n", *outputFile)
}

// seedFleet registers n nodes with random resource samples and a short
// CPU trend history so Predictive has enough data points to analyze.
func seedFleet(n int) (*registry.Registry, *aggregate.Aggregator) {
	reg := registry.New(zap.NewNop())
	agg := aggregate.New(aggregate.Config{
		MinHealthyNodes: 1,
		SeriesCapacity:  64,
		SeriesRetention: time.Hour,
	}, reg)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < n; i++ {
		nodeID := fmt.Sprintf("node-%d", i)
		_ = reg.Register(nodeID, model.NodeCapabilities{
			MaxConcurrentJobs: 16,
			CPUCores:          8,
			MemoryBytes:       16 << 30,
		})
		for j := 0; j < 20; j++ {
			sample := model.ResourceSample{
				CPUPct:            rng.Float64() * 100,
				MemoryUsedBytes:   uint64(rng.Float64() * float64(8<<30)),
				DiskIOBytesPerSec: uint64(rng.Float64() * 50_000_000),
			}
			_ = reg.Heartbeat(nodeID, sample)
			agg.Publish(nodeID, sample)
		}
	}
	return reg, agg
}

func percentiles(latenciesUs []int64) (p50, p95, p99 int64) {
	sorted := append([]int64(nil), latenciesUs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := func(p float64) int64 {
		i := int(p * float64(len(sorted)-1))
		if i < 0 {
			i = 0
		}
		return sorted[i]
	}
	return idx(0.50), idx(0.95), idx(0.99)
}
