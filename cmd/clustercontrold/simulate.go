package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/cluster"
	"github.com/jeppevinkel/codebuddy-cluster/internal/config"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

// newSimulateCmd drives a synthetic fleet of nodes and request load
// against an in-process ClusterMonitor, printing per-tick cluster
// health and dispatch outcomes as CSV — the spiritual replacement for
// the teacher's dominance simulator, adapted from per-step numeric
// modeling to per-tick control-plane behavior.
func newSimulateCmd(configPath *string) *cobra.Command {
	var nodes int
	var ticks int
	var requestsPerTick int
	var seed int64
	var flakyNodeEvery int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a synthetic fleet simulation against an in-process cluster monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(*configPath, nodes, ticks, requestsPerTick, seed, flakyNodeEvery)
		},
	}

	cmd.Flags().IntVar(&nodes, "nodes", 10, "number of synthetic worker nodes")
	cmd.Flags().IntVar(&ticks, "ticks", 200, "number of simulation ticks")
	cmd.Flags().IntVar(&requestsPerTick, "requests-per-tick", 20, "dispatch attempts per tick")
	cmd.Flags().Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	cmd.Flags().IntVar(&flakyNodeEvery, "flaky-node-every", 50, "ticks between stopping heartbeats for one random node (0 disables)")

	return cmd
}

func runSimulation(configPath string, nNodes, ticks, requestsPerTick int, seed int64, flakyNodeEvery int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = func() *config.Config { d := config.Defaults(); return &d }()
	}
	cfg.Storage.Enabled = false
	cfg.DistCache.Enabled = false

	log := zap.NewNop()
	monitor, err := cluster.New(*cfg, log, nil)
	if err != nil {
		return fmt.Errorf("cluster monitor construction failed: %w", err)
	}
	defer monitor.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	rng := rand.New(rand.NewSource(seed))

	nodeIDs := make([]string, nNodes)
	for i := 0; i < nNodes; i++ {
		nodeIDs[i] = fmt.Sprintf("sim-node-%d", i)
		_ = monitor.RegisterNode(nodeIDs[i], model.NodeCapabilities{
			MaxConcurrentJobs: 16,
			CPUCores:          4,
			MemoryBytes:       8 << 30,
		})
	}

	stopped := make(map[string]bool)

	w := csv.NewWriter(os.Stdout)
	defer w.Flush()
	_ = w.Write([]string{"tick", "healthy_count", "total_count", "dispatched", "throttled", "unhealthy", "no_candidate"})

	for t := 0; t < ticks; t++ {
		if flakyNodeEvery > 0 && t > 0 && t%flakyNodeEvery == 0 {
			victim := nodeIDs[rng.Intn(len(nodeIDs))]
			stopped[victim] = !stopped[victim]
		}

		for _, id := range nodeIDs {
			if stopped[id] {
				continue
			}
			sample := model.ResourceSample{
				CPUPct:            rng.Float64() * 100,
				MemoryUsedBytes:   uint64(rng.Float64() * float64(4<<30)),
				DiskIOBytesPerSec: uint64(rng.Float64() * 50_000_000),
				ActiveConnections: rng.Intn(10),
			}
			_, _ = monitor.Heartbeat(id, sample)
		}

		var dispatched, throttled, unhealthy, noCandidate int
		for i := 0; i < requestsPerTick; i++ {
			nodeID, err := monitor.Dispatch(model.Request{RequestID: fmt.Sprintf("t%d-r%d", t, i)}, time.Now())
			switch {
			case err == nil:
				dispatched++
				start := time.Now()
				time.Sleep(time.Duration(rng.Intn(5)) * time.Millisecond)
				monitor.RecordResponseTime(time.Since(start))
				_ = monitor.Release(nodeID)
			case errors.Is(err, model.ErrThrottled):
				throttled++
			case errors.Is(err, model.ErrClusterUnhealthy):
				unhealthy++
			default:
				noCandidate++
			}
		}

		health, _ := monitor.GetClusterHealth()
		_ = w.Write([]string{
			strconv.Itoa(t),
			strconv.Itoa(health.HealthyCount),
			strconv.Itoa(health.TotalCount),
			strconv.Itoa(dispatched),
			strconv.Itoa(throttled),
			strconv.Itoa(unhealthy),
			strconv.Itoa(noCandidate),
		})
		w.Flush()
	}

	return nil
}
