// Package httpapi implements the external HTTP/JSON router consuming
// ClusterMonitor (spec.md §6, "Inbound API"). Grounded on the teacher's
// internal/operator/server.go command-dispatch shape, translated from a
// Unix-socket JSON protocol to gorilla/mux HTTP routes, since the
// control plane's API is consumed by arbitrary request routers rather
// than a single root-only operator.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jeppevinkel/codebuddy-cluster/internal/cluster"
	"github.com/jeppevinkel/codebuddy-cluster/internal/model"
)

// Server is the inbound HTTP/JSON API.
type Server struct {
	monitor  *cluster.Monitor
	log      *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs a Server bound to monitor.
func NewServer(monitor *cluster.Monitor, log *zap.Logger) *Server {
	return &Server{
		monitor: monitor,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the gorilla/mux router exposing every operation named in
// spec.md §6's Inbound API table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{nodeId}/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/v1/nodes/{nodeId}", s.handleGetNodeView).Methods(http.MethodGet)
	r.HandleFunc("/v1/dispatch", s.handleDispatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/dispatch/{nodeId}/release", s.handleRelease).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/health", s.handleGetClusterHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/alerts", s.handleListActiveAlerts).Methods(http.MethodGet)
	r.HandleFunc("/v1/alerts/stream", s.handleAlertStream)
	r.HandleFunc("/v1/metrics/dispatch-latency", s.handleDispatchLatency).Methods(http.MethodGet)
	return r
}

// ─── request/response payloads ────────────────────────────────────────────

type registerNodeRequest struct {
	NodeID              string   `json:"nodeId"`
	MaxConcurrentJobs   int      `json:"maxConcurrentJobs"`
	CPUCores            int      `json:"cpuCores"`
	MemoryBytes         uint64   `json:"memoryBytes"`
	SupportedValidators []string `json:"supportedValidators"`
}

type heartbeatRequest struct {
	CPUPct             float64 `json:"cpuPct"`
	MemoryUsedBytes    uint64  `json:"memoryUsedBytes"`
	DiskIOBytesPerSec  uint64  `json:"diskIoBytesPerSec"`
	NetworkBytesPerSec uint64  `json:"networkBytesPerSec"`
	ActiveHandles      int     `json:"activeHandles"`
	ActiveConnections  int     `json:"activeConnections"`
	QueueDepth         int     `json:"queueDepth"`
}

type heartbeatResponse struct {
	Throttle bool `json:"throttle"`
	Degraded bool `json:"degraded"`
}

type dispatchRequest struct {
	RequestID      string  `json:"requestId"`
	EstCPU         float64 `json:"estCpu"`
	EstMemoryBytes uint64  `json:"estMemoryBytes"`
	EstDurationMs  int64   `json:"estDurationMs"`
	Priority       string  `json:"priority"`
	ValidatorKind  string  `json:"validatorKind"`
}

type dispatchResponse struct {
	NodeID string `json:"nodeId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type nodeViewResponse struct {
	NodeID          string `json:"nodeId"`
	Status          string `json:"status"`
	LastHeartbeat   string `json:"lastHeartbeat"`
	LiveConnections int64  `json:"liveConnections"`
	HasSample       bool   `json:"hasSample"`
}

type dispatchLatencyResponse struct {
	P50Us float64 `json:"p50Us"`
	P95Us float64 `json:"p95Us"`
	P99Us float64 `json:"p99Us"`
}

type clusterHealthResponse struct {
	HealthyCount int     `json:"healthyCount"`
	TotalCount   int     `json:"totalCount"`
	MeanCPU      float64 `json:"meanCpu"`
	MeanMemory   float64 `json:"meanMemory"`
	MeanDiskIO   float64 `json:"meanDiskIo"`
	Status       string  `json:"status"`
}

// ─── handlers ──────────────────────────────────────────────────────────────

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	validators := make(map[string]struct{}, len(req.SupportedValidators))
	for _, v := range req.SupportedValidators {
		validators[v] = struct{}{}
	}
	caps := model.NodeCapabilities{
		MaxConcurrentJobs:   req.MaxConcurrentJobs,
		CPUCores:            req.CPUCores,
		MemoryBytes:         req.MemoryBytes,
		SupportedValidators: validators,
	}

	if err := s.monitor.RegisterNode(req.NodeID, caps); err != nil {
		writeClusterError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sample := model.ResourceSample{
		CPUPct:             req.CPUPct,
		MemoryUsedBytes:    req.MemoryUsedBytes,
		DiskIOBytesPerSec:  req.DiskIOBytesPerSec,
		NetworkBytesPerSec: req.NetworkBytesPerSec,
		ActiveHandles:      req.ActiveHandles,
		ActiveConnections:  req.ActiveConnections,
		QueueDepth:         req.QueueDepth,
	}

	guidance, err := s.monitor.Heartbeat(nodeID, sample)
	if err != nil {
		writeClusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heartbeatResponse{Throttle: guidance.Throttle, Degraded: guidance.Degraded})
}

func (s *Server) handleGetNodeView(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	view, err := s.monitor.GetNodeView(nodeID)
	if err != nil {
		writeClusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodeViewResponse{
		NodeID:          view.NodeID,
		Status:          view.Status.String(),
		LastHeartbeat:   view.LastHeartbeat.Format(time.RFC3339Nano),
		LiveConnections: view.LiveConnections,
		HasSample:       view.HasSample,
	})
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	nodeID, err := s.monitor.Dispatch(model.Request{
		RequestID:      req.RequestID,
		EstCPU:         req.EstCPU,
		EstMemoryBytes: req.EstMemoryBytes,
		EstDurationMs:  req.EstDurationMs,
		Priority:       parsePriority(req.Priority),
		ValidatorKind:  req.ValidatorKind,
	}, time.Now())

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dispatchResponse{NodeID: nodeID})
	case errors.Is(err, model.ErrClusterUnhealthy):
		writeJSON(w, http.StatusServiceUnavailable, dispatchResponse{Reason: "ClusterUnhealthy"})
	case errors.Is(err, model.ErrThrottled):
		writeJSON(w, http.StatusTooManyRequests, dispatchResponse{Reason: "Throttled"})
	case errors.Is(err, model.ErrNoCandidate):
		writeJSON(w, http.StatusServiceUnavailable, dispatchResponse{Reason: "NoCandidate"})
	default:
		writeClusterError(w, err)
	}
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["nodeId"]
	if err := s.monitor.Release(nodeID); err != nil {
		writeClusterError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetClusterHealth(w http.ResponseWriter, r *http.Request) {
	health, err := s.monitor.GetClusterHealth()
	if err != nil {
		writeClusterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, clusterHealthResponse{
		HealthyCount: health.HealthyCount,
		TotalCount:   health.TotalCount,
		MeanCPU:      health.MeanCPU,
		MeanMemory:   health.MeanMemory,
		MeanDiskIO:   health.MeanDiskIO,
		Status:       health.Status.String(),
	})
}

func (s *Server) handleListActiveAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.monitor.ActiveAlerts())
}

// handleDispatchLatency exposes C7's dispatch-latency percentiles to the
// external dashboard (spec.md §4.7).
func (s *Server) handleDispatchLatency(w http.ResponseWriter, r *http.Request) {
	p50, p95, p99, ok := s.monitor.DispatchPercentiles()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no dispatch latency samples recorded yet"))
		return
	}
	writeJSON(w, http.StatusOK, dispatchLatencyResponse{P50Us: p50, P95Us: p95, P99Us: p99})
}

// handleAlertStream upgrades to a websocket and streams every alert
// delivered to SubscribeAlerts subscribers (admitted raises; clears are
// not sent) until the client disconnects.
func (s *Server) handleAlertStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("httpapi: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	token, err := s.monitor.SubscribeAlerts(func(a model.Alert) {
		select {
		case <-done:
			return
		default:
		}
		if err := conn.WriteJSON(a); err != nil {
			s.log.Debug("httpapi: alert stream write failed, closing", zap.Error(err))
		}
	})
	if err != nil {
		return
	}
	defer s.monitor.UnsubscribeAlerts(token)

	// Block on reads purely to detect client disconnects; the stream is
	// one-directional (server pushes, client never sends commands).
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(done)
			return
		}
	}
}

// ─── helpers ───────────────────────────────────────────────────────────────

func parsePriority(name string) model.Priority {
	switch name {
	case "Low":
		return model.PriorityLow
	case "High":
		return model.PriorityHigh
	case "Critical":
		return model.PriorityCritical
	default:
		return model.PriorityNormal
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeClusterError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotRegistered):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, model.ErrCanceled):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, model.ErrInternal):
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeError(w, http.StatusBadRequest, err)
	}
}
