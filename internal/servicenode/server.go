package servicenode

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/chunkgrid/chunkgrid/internal/cluster"
	"github.com/chunkgrid/chunkgrid/internal/coord"
	"github.com/chunkgrid/chunkgrid/internal/grid"
	"github.com/chunkgrid/chunkgrid/internal/hier"
	"github.com/chunkgrid/chunkgrid/internal/metrics"
	"github.com/chunkgrid/chunkgrid/internal/transport"
)

// ServerConfig configures the service node process.
type ServerConfig struct {
	NodeID            string
	ListenAddr        string
	AdvertiseAddr     string
	Coordinator       string
	HeartbeatInterval time.Duration
	Logger            zerolog.Logger
}

// Server exposes the client-facing operation set: domain, group, dataset
// and attribute management plus region reads and writes.
type Server struct {
	cfg    ServerConfig
	node   *Node
	meta   *hier.Store
	mux    *http.ServeMux
	logger zerolog.Logger
}

// NewServer wires the HTTP surface over a fanout node and a metadata store.
func NewServer(cfg ServerConfig, node *Node, meta *hier.Store) *Server {
	if cfg.AdvertiseAddr == "" {
		cfg.AdvertiseAddr = cfg.ListenAddr
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		node:   node,
		meta:   meta,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With().Str("component", "servicenode-api").Logger(),
	}

	s.mux.HandleFunc("/v1/domains", s.handleDomains)
	s.mux.HandleFunc("/v1/groups", s.handleGroups)
	s.mux.HandleFunc("/v1/groups/", s.handleGroupByID)
	s.mux.HandleFunc("/v1/links", s.handleLinks)
	s.mux.HandleFunc("/v1/datasets", s.handleDatasets)
	s.mux.HandleFunc("/v1/datasets/", s.handleDatasetOps)
	s.mux.HandleFunc("/v1/attributes", s.handleAttributes)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.mux.Handle("/metrics", metrics.Handler())

	return s
}

// Handler returns the service node's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run registers with the coordinator and serves the API until ctx is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	client := coord.NewClient(s.cfg.Coordinator, s.cfg.Logger)

	id, view, err := client.RegisterWithRetry(ctx, s.cfg.NodeID, cluster.RoleService, s.cfg.AdvertiseAddr, coord.RetryConfig{})
	if err != nil {
		return err
	}
	s.logger.Info().Str("node", id).Uint64("view", view.Version).Msg("registered with coordinator")

	if views, ok := s.node.views.(*CoordViews); ok {
		go views.Follow(ctx)
	}
	go s.heartbeatLoop(ctx, client, id)

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("servicenode listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Deregister(shutdownCtx, id); err != nil {
			s.logger.Warn().Err(err).Msg("deregister failed")
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) heartbeatLoop(ctx context.Context, client *coord.Client, id string) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Service nodes are stateless; capacity is not meaningful for them.
		if _, err := client.Heartbeat(ctx, id, 0, 0); err == coord.ErrReregister {
			newID, _, rerr := client.RegisterWithRetry(ctx, id, cluster.RoleService, s.cfg.AdvertiseAddr, coord.RetryConfig{})
			if rerr != nil {
				s.logger.Error().Err(rerr).Msg("re-registration failed")
				continue
			}
			id = newID
		} else if err != nil {
			s.logger.Warn().Err(err).Msg("heartbeat failed")
		}
	}
}

// Wire bodies for the client-facing operations.

type domainRequest struct {
	Path string `json:"path"`
}

type linkRequest struct {
	Parent string `json:"parent"`
	Name   string `json:"name"`
	Class  string `json:"class"`
	Target string `json:"target"`
}

type datasetRequest struct {
	Type       string  `json:"type"`
	Shape      []int64 `json:"shape"`
	ChunkShape []int64 `json:"chunk_shape"`
	Fill       []byte  `json:"fill,omitempty"`
}

type attributeRequest struct {
	Kind string `json:"kind"` // group or dataset
	ID   string `json:"id"`
	hier.Attribute
}

type regionRequest struct {
	Start []int64 `json:"start,omitempty"`
	Stop  []int64 `json:"stop,omitempty"`
	Data  []byte  `json:"data,omitempty"`
}

type wireFailure struct {
	Coord   grid.Coord          `json:"coord"`
	Code    transport.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

type regionResponse struct {
	Data        []byte        `json:"data,omitempty"`
	ViewVersion uint64        `json:"view_version"`
	Failures    []wireFailure `json:"failures,omitempty"`
}

func wireFailures(failures []ChunkFailure) []wireFailure {
	out := make([]wireFailure, 0, len(failures))
	for _, f := range failures {
		code, _ := transport.CodeFor(f.Err)
		out = append(out, wireFailure{Coord: f.Coord, Code: code, Message: f.Err.Error()})
	}
	return out
}

func (s *Server) handleDomains(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req domainRequest
		if !decodeBody(w, r, &req) {
			return
		}
		domain, err := s.meta.CreateDomain(r.Context(), req.Path)
		if err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusCreated, domain)
	case http.MethodGet:
		domain, err := s.meta.GetDomain(r.Context(), r.URL.Query().Get("path"))
		if err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, domain)
	case http.MethodDelete:
		if err := s.meta.DeleteDomain(r.Context(), r.URL.Query().Get("path")); err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, struct{}{})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	group, err := s.meta.CreateGroup(r.Context())
	if err != nil {
		s.writeHierError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusCreated, group)
}

func (s *Server) handleGroupByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/groups/")
	group, err := s.meta.GetGroup(r.Context(), id)
	if err != nil {
		s.writeHierError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, group)
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req linkRequest
		if !decodeBody(w, r, &req) {
			return
		}
		err := s.meta.Link(r.Context(), req.Parent, req.Name, hier.Link{Class: req.Class, Target: req.Target})
		if err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusCreated, struct{}{})
	case http.MethodDelete:
		q := r.URL.Query()
		if err := s.meta.Unlink(r.Context(), q.Get("parent"), q.Get("name")); err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, struct{}{})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req datasetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ds, err := s.meta.CreateDataset(r.Context(), req.Type, req.Shape, req.ChunkShape, req.Fill)
	if err != nil {
		s.writeHierError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusCreated, ds)
}

// handleDatasetOps serves /v1/datasets/{id}, /v1/datasets/{id}/read and
// /v1/datasets/{id}/write.
func (s *Server) handleDatasetOps(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/datasets/")
	id, op, _ := strings.Cut(rest, "/")
	if id == "" {
		transport.WriteInvalid(w, "dataset id required")
		return
	}

	switch {
	case op == "" && r.Method == http.MethodGet:
		ds, err := s.meta.GetDataset(r.Context(), id)
		if err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, ds)

	case op == "" && r.Method == http.MethodDelete:
		if err := s.meta.DeleteDataset(r.Context(), id); err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, struct{}{})

	case op == "read" && r.Method == http.MethodPost:
		s.handleRegion(w, r, id, false)

	case op == "write" && r.Method == http.MethodPost:
		s.handleRegion(w, r, id, true)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request, id string, write bool) {
	var req regionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ds, err := s.meta.GetDataset(r.Context(), id)
	if err != nil {
		s.writeHierError(w, err)
		return
	}
	sel := grid.Selection{Start: req.Start, Stop: req.Stop}

	var result *RegionResult
	if write {
		result, err = s.node.WriteRegion(r.Context(), ds.Info(), sel, req.Data)
	} else {
		result, err = s.node.ReadRegion(r.Context(), ds.Info(), sel)
	}
	if err != nil {
		transport.WriteInvalid(w, err.Error())
		return
	}

	transport.WriteJSON(w, http.StatusOK, regionResponse{
		Data:        result.Data,
		ViewVersion: result.ViewVersion,
		Failures:    wireFailures(result.Failures),
	})
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req attributeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		var err error
		switch req.Kind {
		case hier.ClassGroup:
			err = s.meta.SetGroupAttribute(r.Context(), req.ID, req.Attribute)
		case hier.ClassDataset:
			err = s.meta.SetDatasetAttribute(r.Context(), req.ID, req.Attribute)
		default:
			transport.WriteInvalid(w, "kind must be group or dataset")
			return
		}
		if err != nil {
			s.writeHierError(w, err)
			return
		}
		transport.WriteJSON(w, http.StatusOK, struct{}{})

	case http.MethodGet:
		q := r.URL.Query()
		name := q.Get("name")
		switch q.Get("kind") {
		case hier.ClassGroup:
			group, err := s.meta.GetGroup(r.Context(), q.Get("id"))
			if err != nil {
				s.writeHierError(w, err)
				return
			}
			s.writeAttribute(w, group.Attributes, name)
		case hier.ClassDataset:
			ds, err := s.meta.GetDataset(r.Context(), q.Get("id"))
			if err != nil {
				s.writeHierError(w, err)
				return
			}
			s.writeAttribute(w, ds.Attributes, name)
		default:
			transport.WriteInvalid(w, "kind must be group or dataset")
		}

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeAttribute(w http.ResponseWriter, attrs map[string]hier.Attribute, name string) {
	if name == "" {
		transport.WriteJSON(w, http.StatusOK, attrs)
		return
	}
	attr, ok := attrs[name]
	if !ok {
		transport.WriteJSON(w, http.StatusNotFound, transport.ErrorBody{
			Code:    transport.CodeNotFound,
			Message: "attribute " + name + " not found",
		})
		return
	}
	transport.WriteJSON(w, http.StatusOK, attr)
}

// writeHierError maps hierarchy errors onto the wire taxonomy. Conflicts of
// intent (exists, cycle, not empty) are invalid requests, not retryable
// storage collisions.
func (s *Server) writeHierError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, hier.ErrExists), errors.Is(err, hier.ErrCycle), errors.Is(err, hier.ErrNotEmpty):
		transport.WriteJSON(w, http.StatusConflict, transport.ErrorBody{
			Code:    transport.CodeInvalidRequest,
			Message: err.Error(),
		})
	default:
		transport.WriteError(w, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		transport.WriteInvalid(w, "decode request: "+err.Error())
		return false
	}
	return true
}
