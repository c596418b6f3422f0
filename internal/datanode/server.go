// Package datanode implements the data node: the HTTP chunk service over a
// local chunk store, plus registration and heartbeating against the
// coordinator.
package datanode

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/chunkstore"
	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/coord"
	"github.com/chunkgrid/chunkgrid/internal/metrics"
	"github.com/chunkgrid/chunkgrid/internal/objstore"
	"github.com/chunkgrid/chunkgrid/internal/transport"
	"github.com/chunkgrid/chunkgrid/pkg/bytesize"
)

// Config configures a data node.
type Config struct {
	NodeID            string // empty: coordinator assigns one
	ListenAddr        string
	AdvertiseAddr     string // address other nodes dial; defaults to ListenAddr
	Coordinator       string // coordinator host:port
	DataDir           string // volume probed for capacity reports
	HeartbeatInterval time.Duration
	Logger            zerolog.Logger
}

// Server serves chunk reads and writes for the partitions this node owns.
// The server trusts placement: it stores whatever chunk it is asked to, and
// relies on every router holding the same membership view. Requests routed
// on a superseded view are rejected with a stale_view error.
type Server struct {
	cfg     Config
	store   *chunkstore.Store
	mux     *http.ServeMux
	metrics *DataNodeMetrics
	logger  zerolog.Logger

	id          atomic.Value // string, set after registration
	viewVersion atomic.Uint64
}

// New creates a data node server over the given chunk store.
func New(cfg Config, store *chunkstore.Store) *Server {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		mux:     http.NewServeMux(),
		metrics: InitDataNodeMetrics(nil),
		logger:  cfg.Logger.With().Str("component", "datanode").Logger(),
	}
	s.id.Store(cfg.NodeID)

	s.mux.HandleFunc("/v1/chunks/read", s.handleRead)
	s.mux.HandleFunc("/v1/chunks/write", s.handleWrite)
	s.mux.HandleFunc("/v1/chunks/delete", s.handleDelete)
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the data node's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ID returns the node's cluster identity once registered.
func (s *Server) ID() string {
	id, _ := s.id.Load().(string)
	return id
}

// ViewVersion returns the latest membership view version this node has seen.
func (s *Server) ViewVersion() uint64 {
	return s.viewVersion.Load()
}

// Run registers with the coordinator, then serves chunks and heartbeats
// until ctx is cancelled. On shutdown the node deregisters so the
// coordinator need not wait out the suspicion timeouts.
func (s *Server) Run(ctx context.Context) error {
	client := coord.NewClient(s.cfg.Coordinator, s.cfg.Logger)

	id, view, err := client.RegisterWithRetry(ctx, s.ID(), cluster.RoleData, s.cfg.AdvertiseAddr, coord.RetryConfig{})
	if err != nil {
		return err
	}
	s.id.Store(id)
	s.observeView(view)
	s.logger.Info().Str("node", id).Uint64("view", view.Version).Msg("registered with coordinator")

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go s.heartbeatLoop(ctx, client)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("datanode listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Deregister(shutdownCtx, s.ID()); err != nil {
			s.logger.Warn().Err(err).Msg("deregister failed")
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// heartbeatLoop reports liveness and capacity. When the coordinator demands
// re-registration (it declared this node dead), the node re-registers under
// the same identity and carries on.
func (s *Server) heartbeatLoop(ctx context.Context, client *coord.Client) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		total, used, err := volumeStats(s.cfg.DataDir)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", s.cfg.DataDir).Msg("capacity probe failed")
		}
		s.metrics.UsedCapacity.Set(float64(used))
		s.logger.Debug().
			Str("used", bytesize.Format(used)).
			Str("total", bytesize.Format(total)).
			Msg("reporting capacity")

		view, err := client.Heartbeat(ctx, s.ID(), used, total)
		if err == coord.ErrReregister {
			id, view, rerr := client.RegisterWithRetry(ctx, s.ID(), cluster.RoleData, s.cfg.AdvertiseAddr, coord.RetryConfig{})
			if rerr != nil {
				s.logger.Error().Err(rerr).Msg("re-registration failed")
				continue
			}
			s.id.Store(id)
			s.observeView(view)
			s.logger.Info().Str("node", id).Msg("re-registered after being declared dead")
			continue
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("heartbeat failed")
			continue
		}
		s.observeView(view)
	}
}

func (s *Server) observeView(view cluster.MembershipView) {
	for {
		cur := s.viewVersion.Load()
		if view.Version <= cur {
			return
		}
		if s.viewVersion.CompareAndSwap(cur, view.Version) {
			return
		}
	}
}

// checkView rejects requests routed on a membership view older than the one
// this node holds. Zero means unversioned (in-process callers) and is
// always accepted. A newer version than ours advances our watermark: the
// sender has seen a view we have not.
func (s *Server) checkView(reqVersion uint64) error {
	if reqVersion == 0 {
		return nil
	}
	cur := s.viewVersion.Load()
	if reqVersion < cur {
		s.metrics.StaleViews.Inc()
		return cluster.ErrStaleView
	}
	s.observeView(cluster.MembershipView{Version: reqVersion})
	return nil
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req transport.ChunkReadRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.checkView(req.ViewVersion); err != nil {
		transport.WriteError(w, err)
		return
	}
	if err := req.Dataset.Validate(); err != nil {
		transport.WriteInvalid(w, err.Error())
		return
	}

	if req.Probe {
		exists, err := s.store.ChunkExists(r.Context(), req.Dataset.ID, req.Coord)
		if err != nil {
			s.metrics.ChunkOps.WithLabelValues("probe", "error").Inc()
			transport.WriteError(w, err)
			return
		}
		s.metrics.ChunkOps.WithLabelValues("probe", "ok").Inc()
		transport.WriteJSON(w, http.StatusOK, transport.ChunkReadResponse{Exists: exists})
		return
	}

	var (
		data    []byte
		version objstore.Version
		err     error
	)
	if req.Range != nil {
		data, version, err = s.store.ReadChunkRange(r.Context(), req.Dataset, req.Coord, *req.Range)
	} else {
		data, version, err = s.store.ReadChunk(r.Context(), req.Dataset, req.Coord)
	}
	if err != nil {
		s.metrics.ChunkOps.WithLabelValues("read", "error").Inc()
		transport.WriteError(w, err)
		return
	}

	s.metrics.ChunkOps.WithLabelValues("read", "ok").Inc()
	s.metrics.ChunkBytes.WithLabelValues("read").Add(float64(len(data)))
	transport.WriteJSON(w, http.StatusOK, transport.ChunkReadResponse{
		Data:    data,
		Version: version,
		Exists:  version != "",
	})
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req transport.ChunkWriteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.checkView(req.ViewVersion); err != nil {
		transport.WriteError(w, err)
		return
	}
	if err := req.Dataset.Validate(); err != nil {
		transport.WriteInvalid(w, err.Error())
		return
	}

	var version objstore.Version
	var err error
	if req.Offset == 0 && int64(len(req.Data)) == req.Dataset.ChunkByteSize() {
		version, err = s.store.WriteChunk(r.Context(), req.Dataset, req.Coord, req.Data, req.Expected)
	} else {
		version, err = s.store.WriteChunkRange(r.Context(), req.Dataset, req.Coord, req.Offset, req.Data, req.Expected)
	}
	if err != nil {
		s.metrics.ChunkOps.WithLabelValues("write", "error").Inc()
		transport.WriteError(w, err)
		return
	}

	s.metrics.ChunkOps.WithLabelValues("write", "ok").Inc()
	s.metrics.ChunkBytes.WithLabelValues("write").Add(float64(len(req.Data)))
	transport.WriteJSON(w, http.StatusOK, transport.ChunkWriteResponse{Version: version})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req transport.ChunkDeleteRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.checkView(req.ViewVersion); err != nil {
		transport.WriteError(w, err)
		return
	}

	if err := s.store.DeleteChunk(r.Context(), req.DatasetID, req.Coord); err != nil {
		s.metrics.ChunkOps.WithLabelValues("delete", "error").Inc()
		transport.WriteError(w, err)
		return
	}
	s.metrics.ChunkOps.WithLabelValues("delete", "ok").Inc()
	transport.WriteJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		transport.WriteInvalid(w, "decode request: "+err.Error())
		return false
	}
	return true
}
