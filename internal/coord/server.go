// Package coord implements the coordinator: the node registry HTTP API,
// the heartbeat sweeper and the membership view stream.
package coord

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/metrics"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// ServerConfig configures the coordinator server.
type ServerConfig struct {
	ListenAddr    string
	Targets       cluster.Targets
	SuspectAfter  time.Duration
	DeadAfter     time.Duration
	SweepInterval time.Duration
	Logger        zerolog.Logger
}

// Server owns the node registry. All membership mutations go through its
// HTTP API; everything else in the grid only ever sees read-only views.
type Server struct {
	cfg      ServerConfig
	registry *cluster.Registry
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	metrics  *CoordMetrics
	logger   zerolog.Logger
}

// NewServer creates a coordinator server with an empty registry.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg: cfg,
		registry: cluster.NewRegistry(cluster.RegistryConfig{
			Targets:      cfg.Targets,
			SuspectAfter: cfg.SuspectAfter,
			DeadAfter:    cfg.DeadAfter,
			Logger:       cfg.Logger,
		}),
		mux:     http.NewServeMux(),
		metrics: InitCoordMetrics(nil),
		logger:  cfg.Logger.With().Str("component", "coordinator").Logger(),
	}

	s.mux.HandleFunc("/v1/cluster/register", s.handleRegister)
	s.mux.HandleFunc("/v1/cluster/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("/v1/cluster/deregister", s.handleDeregister)
	s.mux.HandleFunc("/v1/cluster/view", s.handleView)
	s.mux.HandleFunc("/v1/cluster/watch", s.handleWatch)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Registry exposes the registry for in-process callers (tests, single
// binary setups).
func (s *Server) Registry() *cluster.Registry {
	return s.registry
}

// Handler returns the coordinator's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves the API and runs the heartbeat sweeper until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.sweepLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("coordinator listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// sweepLoop periodically advances overdue nodes through suspect and dead.
func (s *Server) sweepLoop(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			view := s.registry.Sweep(now)
			s.observe(view)
		}
	}
}

func (s *Server) observe(view cluster.MembershipView) {
	counts := make(map[[2]string]int)
	for _, n := range view.Nodes {
		counts[[2]string{string(n.Role), string(n.Health)}]++
	}
	s.metrics.observeView(counts, view.Version, view.Degraded)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transport.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteInvalid(w, "decode register request: "+err.Error())
		return
	}

	id, view, err := s.registry.Register(req.ID, req.Role, req.Address)
	if err != nil {
		transport.WriteInvalid(w, err.Error())
		return
	}
	s.observe(view)

	transport.WriteJSON(w, http.StatusOK, transport.RegisterResponse{ID: id, View: view})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transport.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteInvalid(w, "decode heartbeat request: "+err.Error())
		return
	}

	view, err := s.registry.Heartbeat(req.ID, req.UsedCapacity, req.TotalCapacity, time.Now())
	if err != nil {
		// Unknown or dead node: the node must re-register.
		transport.WriteJSON(w, http.StatusGone, transport.ErrorBody{
			Code:    transport.CodeInvalidRequest,
			Message: err.Error(),
		})
		return
	}
	s.metrics.TotalHeartbeats.Inc()
	s.observe(view)

	transport.WriteJSON(w, http.StatusOK, transport.HeartbeatResponse{View: view})
}

func (s *Server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req transport.DeregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		transport.WriteInvalid(w, "decode deregister request: "+err.Error())
		return
	}

	view, err := s.registry.Deregister(req.ID)
	if err != nil {
		transport.WriteInvalid(w, err.Error())
		return
	}
	s.observe(view)

	transport.WriteJSON(w, http.StatusOK, transport.HeartbeatResponse{View: view})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	transport.WriteJSON(w, http.StatusOK, s.registry.View())
}

// handleWatch streams every published membership view over a websocket,
// starting with the current one. Slow consumers miss intermediate views but
// always converge on the latest.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	views, cancel := s.registry.Subscribe()
	defer cancel()

	// Drain reads so client close frames are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for view := range views {
		if err := conn.WriteJSON(view); err != nil {
			s.logger.Debug().Err(err).Msg("view stream closed")
			return
		}
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
