package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutAndLoadCapabilities(t *testing.T) {
	s := openTestStore(t)

	caps := model.NodeCapabilities{
		MaxConcurrentJobs:   4,
		CPUCores:            8,
		MemoryBytes:         16 << 30,
		SupportedValidators: map[string]struct{}{"solidity": {}},
	}
	if err := s.PutCapabilities("node-1", caps); err != nil {
		t.Fatalf("PutCapabilities: %v", err)
	}

	loaded, err := s.LoadCapabilities()
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	got, ok := loaded["node-1"]
	if !ok {
		t.Fatal("expected node-1 in loaded capabilities")
	}
	if got.CPUCores != 8 || got.MaxConcurrentJobs != 4 {
		t.Errorf("unexpected capabilities: %+v", got)
	}
	if !got.Supports("solidity") {
		t.Error("expected supported validator to round-trip")
	}
}

func TestPutCapabilitiesOverwritesExisting(t *testing.T) {
	s := openTestStore(t)

	_ = s.PutCapabilities("node-1", model.NodeCapabilities{CPUCores: 2})
	_ = s.PutCapabilities("node-1", model.NodeCapabilities{CPUCores: 16})

	loaded, err := s.LoadCapabilities()
	if err != nil {
		t.Fatalf("LoadCapabilities: %v", err)
	}
	if loaded["node-1"].CPUCores != 16 {
		t.Errorf("expected overwritten value 16, got %d", loaded["node-1"].CPUCores)
	}
}

func TestAppendAndLoadAlerts(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a1", "a2", "a3"} {
		a := model.Alert{
			ID:        id,
			Kind:      "NodeFailure",
			Severity:  model.SeverityCritical,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendAlert(a); err != nil {
			t.Fatalf("AppendAlert(%s): %v", id, err)
		}
	}

	loaded, err := s.LoadAlerts()
	if err != nil {
		t.Fatalf("LoadAlerts: %v", err)
	}
	if len(loaded) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(loaded))
	}
	for i := 0; i < len(loaded)-1; i++ {
		if loaded[i].CreatedAt.After(loaded[i+1].CreatedAt) {
			t.Errorf("expected chronological order, got %v before %v", loaded[i].CreatedAt, loaded[i+1].CreatedAt)
		}
	}
}

func TestPruneAlertsOlderThanRemovesOnlyStale(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.AppendAlert(model.Alert{ID: "old", Kind: "k", CreatedAt: base})
	_ = s.AppendAlert(model.Alert{ID: "new", Kind: "k", CreatedAt: base.Add(48 * time.Hour)})

	cutoff := base.Add(24 * time.Hour)
	if err := s.PruneAlertsOlderThan(cutoff); err != nil {
		t.Fatalf("PruneAlertsOlderThan: %v", err)
	}

	loaded, err := s.LoadAlerts()
	if err != nil {
		t.Fatalf("LoadAlerts: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "new" {
		t.Fatalf("expected only the new alert to survive pruning, got %+v", loaded)
	}
}

func TestOpenIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cluster.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	_ = s1.PutCapabilities("node-1", model.NodeCapabilities{CPUCores: 4})
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	loaded, err := s2.LoadCapabilities()
	if err != nil {
		t.Fatalf("LoadCapabilities after reopen: %v", err)
	}
	if loaded["node-1"].CPUCores != 4 {
		t.Errorf("expected persisted data to survive reopen, got %+v", loaded)
	}
}
