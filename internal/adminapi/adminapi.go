// Package adminapi implements the minimal health/stats HTTP surface
// SPEC_FULL gives the api_port config knob, mirroring the teacher's
// handleHealth/handleStats handlers in relay/server/connection.go. Full
// user/auth CRUD stays out of scope per spec.md §1 Non-goals.
package adminapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StatsProvider is the subset of server state the /stats endpoint reports.
type StatsProvider interface {
	LiveSessionCount() int
	QueueDepth() int
	QueueRejected() uint64
	OngoingCampaignCount() int
}

// Server is the admin HTTP surface, a thin wrapper around net/http's
// ServeMux the way relay/server/connection.go wires its own mux.
type Server struct {
	httpServer *http.Server
	startedAt  time.Time
}

// New builds a Server bound to addr, backed by provider for /stats.
func New(addr string, provider StatsProvider) *Server {
	mux := http.NewServeMux()
	s := &Server{startedAt: time.Now()}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		handleStats(w, r, provider)
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving the admin API until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the admin API immediately, closing its listener and
// every open connection; in-flight requests are not waited for.
func (s *Server) Shutdown() error {
	return s.httpServer.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","uptime_seconds":%d}`, int(time.Since(s.startedAt).Seconds()))
}

func handleStats(w http.ResponseWriter, r *http.Request, provider StatsProvider) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(statsResponse{
		LiveSessions:     provider.LiveSessionCount(),
		QueueDepth:       provider.QueueDepth(),
		QueueRejected:    provider.QueueRejected(),
		OngoingCampaigns: provider.OngoingCampaignCount(),
	})
}

type statsResponse struct {
	LiveSessions     int    `json:"live_sessions"`
	QueueDepth       int    `json:"queue_depth"`
	QueueRejected    uint64 `json:"queue_rejected"`
	OngoingCampaigns int    `json:"ongoing_campaigns"`
}
