package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tombee/warden/internal/log"
)

// healthResponse is the GET /healthz body. It mirrors the status record
// with the audit stream's runtime condition added.
type healthResponse struct {
	Status         string      `json:"status"`
	State          string      `json:"state"`
	PID            int         `json:"pid"`
	Version        string      `json:"version"`
	Uptime         string      `json:"uptime"`
	ActiveSessions int         `json:"active_sessions"`
	ActiveChannels []string    `json:"active_channels"`
	Audit          auditHealth `json:"audit"`
}

type auditHealth struct {
	Degraded bool   `json:"degraded"`
	Buffered int    `json:"buffered_entries"`
	Dropped  uint64 `json:"dropped_entries"`
}

// healthServer serves the loopback health and metrics endpoints. The bind
// happens in newHealthServer so a taken port fails the boot instead of
// surfacing later.
type healthServer struct {
	sup    *Supervisor
	ln     net.Listener
	server *http.Server
}

func newHealthServer(addr string, sup *Supervisor) (*healthServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	h := &healthServer{sup: sup, ln: ln}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
	return h, nil
}

// Addr returns the bound listen address.
func (h *healthServer) Addr() string {
	return h.ln.Addr().String()
}

// Start begins serving. Serve errors after a successful bind are logged,
// not fatal; the daemon keeps running without its health endpoint.
func (h *healthServer) Start() {
	go func() {
		if err := h.server.Serve(h.ln); err != nil && err != http.ErrServerClosed {
			h.sup.logger.Error("health listener failed", log.Error(err))
		}
	}()
	h.sup.logger.Info("health listener started",
		log.String("addr", h.ln.Addr().String()))
}

// Shutdown stops the listener, bounded so a stuck connection cannot stall
// the drain.
func (h *healthServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		h.sup.logger.Warn("health listener shutdown failed", log.Error(err))
	}
}

// handleHealthz reports daemon condition: 200 only while running, 503
// during startup and drain so health checks fail closed.
func (h *healthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s := h.sup
	state := s.State()

	s.mu.Lock()
	startedAt := s.startedAt
	s.mu.Unlock()
	uptime := s.clock.Now().Sub(startedAt)

	degraded, buffered := s.audit.Health()

	resp := healthResponse{
		Status:         "ok",
		State:          state.String(),
		PID:            os.Getpid(),
		Version:        s.opts.Version,
		Uptime:         uptime.Round(time.Second).String(),
		ActiveSessions: s.ActiveSessions(),
		ActiveChannels: s.activeChannels(),
		Audit: auditHealth{
			Degraded: degraded,
			Buffered: buffered,
			Dropped:  s.audit.Dropped(),
		},
	}

	status := http.StatusOK
	if state != StateRunning {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write health response", log.Error(err))
	}
}
