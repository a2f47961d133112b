// Package admin serves the operational HTTP surface: health, Prometheus
// metrics, pool statistics and command invocation.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/device-comm/logger"
	"github.com/eddielth/device-comm/management"
	"github.com/eddielth/device-comm/model"
	"github.com/eddielth/device-comm/pool"
	"github.com/eddielth/device-comm/source"
)

var log = logger.Named("admin")

const (
	gracefulShutdownTimeout = 10 * time.Second
	maxBodyBytes            = 1 << 20
)

// StatsProvider reports pool statistics. inbound.Strategy and
// outbound.Strategy implement it.
type StatsProvider interface {
	Stats() pool.Stats
}

// SourceStats reports per event source counters. source.Manager
// implements it.
type SourceStats interface {
	Stats() map[string]source.Stats
}

// CommandInvoker records and dispatches a command invocation.
// pipeline.InboundChain implements it.
type CommandInvoker interface {
	InvokeCommand(ctx context.Context, inv model.CommandInvocation) (*model.CommandInvocationEvent, error)
}

// Deps are the collaborators behind the endpoints. Nil members disable the
// endpoints that need them.
type Deps struct {
	Gatherer prometheus.Gatherer
	Inbound  StatsProvider
	Outbound StatsProvider
	Sources  SourceStats
	Devices  management.Provider
	Commands CommandInvoker
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	deps   Deps
	server *http.Server
	ln     net.Listener
}

func NewServer(addr string, deps Deps) *Server {
	return &Server{addr: addr, deps: deps}
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/stats", s.handleStats)

	r.Route("/api/v1", func(r chi.Router) {
		if s.deps.Devices != nil {
			r.Get("/devices/{token}", s.handleGetDevice)
			r.Get("/devices/{token}/assignment", s.handleGetAssignment)
		}
		if s.deps.Commands != nil {
			r.Post("/invocations", s.handleInvokeCommand)
		}
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server error: %v", err)
		}
	}()
	log.Info("admin server listening on %s", ln.Addr())
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop waits up to ten seconds for in-flight requests.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down admin server: %w", err)
	}
	s.server = nil
	return nil
}

func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Inbound  *pool.Stats             `json:"inbound,omitempty"`
	Outbound *pool.Stats             `json:"outbound,omitempty"`
	Sources  map[string]source.Stats `json:"sources,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	var resp statsResponse
	if s.deps.Inbound != nil {
		st := s.deps.Inbound.Stats()
		resp.Inbound = &st
	}
	if s.deps.Outbound != nil {
		st := s.deps.Outbound.Stats()
		resp.Outbound = &st
	}
	if s.deps.Sources != nil {
		resp.Sources = s.deps.Sources.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.deps.Devices.GetDevice(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	assignment, err := s.deps.Devices.GetCurrentAssignment(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignment)
}

func (s *Server) handleInvokeCommand(w http.ResponseWriter, r *http.Request) {
	var inv model.CommandInvocation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&inv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if inv.AssignmentToken == "" || inv.CommandToken == "" {
		writeError(w, http.StatusBadRequest, "assignmentToken and commandToken are required")
		return
	}
	if inv.Initiator == "" {
		inv.Initiator = "admin"
	}

	event, err := s.deps.Commands.InvokeCommand(r.Context(), inv)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, event)
}

type errorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: status, Message: message})
}

func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, management.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, management.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error("admin request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
