package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/cluster"
	"github.com/jeppevinkel/codebuddy-cluster/internal/config"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Defaults()
	cfg.LoadBalancingStrategy = config.StrategyRoundRobin
	cfg.NodeHealthCheckInterval = time.Minute

	m, err := cluster.New(cfg, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("cluster.New: %v", err)
	}
	t.Cleanup(m.Close)

	s := NewServer(m, zap.NewNop())
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestRegisterHeartbeatDispatchOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/nodes", registerNodeRequest{NodeID: "n1", CPUCores: 4})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/nodes/n1/heartbeat", heartbeatRequest{CPUPct: 5})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var hb heartbeatResponse
	if err := json.NewDecoder(resp.Body).Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat response: %v", err)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/v1/dispatch", dispatchRequest{RequestID: "r1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var dr dispatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		t.Fatalf("decode dispatch response: %v", err)
	}
	resp.Body.Close()
	if dr.NodeID != "n1" {
		t.Fatalf("expected n1, got %+v", dr)
	}

	resp, err := http.Post(ts.URL+"/v1/dispatch/n1/release", "application/json", nil)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDispatchWithoutHealthyNodesReturnsServiceUnavailable(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/dispatch", dispatchRequest{RequestID: "r1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
	var dr dispatchResponse
	_ = json.NewDecoder(resp.Body).Decode(&dr)
	if dr.Reason != "ClusterUnhealthy" {
		t.Fatalf("expected ClusterUnhealthy reason, got %+v", dr)
	}
}

func TestGetNodeViewUnknownReturnsNotFound(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/nodes/ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestGetClusterHealthEmptyCluster(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/cluster/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var ch clusterHealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ch.TotalCount != 0 {
		t.Fatalf("expected empty cluster, got %+v", ch)
	}
}
