// Package health exposes the ops-facing HTTP surface: /health, /ready,
// /metrics, and /debug/snapshot.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
	"github.com/leetbattle/botfleet/internal/keys"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LeadershipView is a point-in-time read of the leader elector's state.
type LeadershipView struct {
	IsLeader    bool      `json:"isLeader"`
	InstanceID  string    `json:"instanceId"`
	LastRenewal time.Time `json:"lastRenewal"`
}

// LeadershipSource supplies the current leadership view for /health.
type LeadershipSource func() LeadershipView

// Server is the ops HTTP surface.
type Server struct {
	client       coord.Client
	leadership   LeadershipSource
	instanceID   string
	startedAt    time.Time
	httpServer   *http.Server
}

func New(addr string, client coord.Client, leadership LeadershipSource, instanceID string) *Server {
	s := &Server{client: client, leadership: leadership, instanceID: instanceID, startedAt: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/snapshot", s.handleDebugSnapshot)

	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start listens in the background. Call Shutdown to stop it.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("health: listener failed: %v", err))
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type healthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Leadership LeadershipView    `json:"leadership"`
	Deployment deploymentSummary `json:"deployment"`
}

type deploymentSummary struct {
	CurrentDeployed int64 `json:"currentDeployed"`
	CurrentActive   int64 `json:"currentActive"`
	QueueLength     int64 `json:"queueLength"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deployed, _ := s.client.SCard(ctx, keys.BotsDeployed)
	active, _ := s.client.SCard(ctx, keys.BotsActive)
	queueLen, _ := s.client.LRange(ctx, keys.RotationQueue, 0, -1)

	resp := healthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Leadership: s.leadership(),
		Deployment: deploymentSummary{
			CurrentDeployed: deployed,
			CurrentActive:   active,
			QueueLength:     int64(len(queueLen)),
		},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.client.Get(ctx, keys.Leader); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deployedIDs, _ := s.client.SMembers(ctx, keys.BotsDeployed)
	activeIDs, _ := s.client.SMembers(ctx, keys.BotsActive)
	rotationQueue, _ := s.client.LRange(ctx, keys.RotationQueue, 0, -1)

	snapshot := struct {
		InstanceID    string   `json:"instanceId"`
		UptimeSeconds float64  `json:"uptimeSeconds"`
		Deployed      []string `json:"deployed"`
		Active        []string `json:"active"`
		RotationQueue []string `json:"rotationQueue"`
	}{
		InstanceID:    s.instanceID,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Deployed:      deployedIDs,
		Active:        activeIDs,
		RotationQueue: rotationQueue,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
