// Package gateway is the HTTP surface of relay: streaming chat with the
// agentic tool loop, agent fleet registration, interrupt resolution,
// backend chain inspection, MCP pass-through, and the observability
// endpoints. Handlers are thin; the domain lives in the collaborator
// packages passed in via Config.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/agents"
	"github.com/haasonsaas/relay/internal/backends"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/interrupts"
	"github.com/haasonsaas/relay/internal/loop"
	"github.com/haasonsaas/relay/internal/mcp"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/runlog"
	"github.com/haasonsaas/relay/internal/runs"
)

// MaintenanceConfig schedules the background jobs.
type MaintenanceConfig struct {
	Enabled    bool
	ReapSpec   string
	HealthSpec string
}

// Config assembles a gateway server. Backends, Agents, Interrupts, and
// Runs are required; everything else degrades gracefully when absent.
type Config struct {
	Addr string

	Backends     *backends.Registry
	Tools        *mcp.Manager
	Agents       *agents.Registry
	Interrupts   *interrupts.Store
	Runs         *runs.Store
	WorkerLimits *loop.WorkerLimits
	RunLog       runlog.Store

	Auth        *AuthService
	CORSOrigins []string

	Metrics     *observability.Metrics
	Tracer      *observability.Tracer
	Maintenance MaintenanceConfig

	// DefaultMaxToolCalls seeds the tool budget when neither the request
	// nor the worker registry carries one.
	DefaultMaxToolCalls int

	Logger *slog.Logger
}

// Server routes requests to the collaborators and owns the HTTP
// lifecycle.
type Server struct {
	cfg    Config
	logger *slog.Logger

	backends   *backends.Registry
	tools      *mcp.Manager
	agents     *agents.Registry
	interrupts *interrupts.Store
	runs       *runs.Store
	limits     *loop.WorkerLimits
	runlog     runlog.Store
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	auth       *AuthService

	// defaultBudget seeds the tool budget when neither the request nor
	// the worker registry carries one. Atomic so config reloads can
	// swap it under live traffic.
	defaultBudget atomic.Int64

	mux *http.ServeMux
	hub *EventHub

	httpServer *http.Server
	listener   net.Listener
	cron       *maintenance
	startTime  time.Time
}

// New wires the routes and validates required collaborators.
func New(cfg Config) (*Server, error) {
	if cfg.Backends == nil {
		return nil, errors.New("gateway: backend registry is required")
	}
	if cfg.Agents == nil {
		return nil, errors.New("gateway: agent registry is required")
	}
	if cfg.Interrupts == nil {
		return nil, errors.New("gateway: interrupt store is required")
	}
	if cfg.Runs == nil {
		return nil, errors.New("gateway: run store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limits := cfg.WorkerLimits
	if limits == nil {
		limits = loop.NewWorkerLimits()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		backends:   cfg.Backends,
		tools:      cfg.Tools,
		agents:     cfg.Agents,
		interrupts: cfg.Interrupts,
		runs:       cfg.Runs,
		limits:     limits,
		runlog:     cfg.RunLog,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		auth:       cfg.Auth,
		mux:        http.NewServeMux(),
		startTime:  time.Now(),
	}
	s.defaultBudget.Store(int64(cfg.DefaultMaxToolCalls))
	s.hub = newEventHub(s.logger)
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	// Chat surface.
	s.mux.HandleFunc("/v2/chat/stream", s.handleChatStream)
	s.mux.HandleFunc("/v2/chat/clarify", s.handleClarify)
	s.mux.HandleFunc("/v2/chat/interrupts/", s.handleThreadInterrupts)
	s.mux.Handle("/v2/events/ws", s.hub)

	// Agent fleet.
	s.mux.HandleFunc("/v1/agents/register", s.handleAgentRegister)
	s.mux.HandleFunc("/v1/agents/heartbeat", s.handleAgentHeartbeat)
	s.mux.HandleFunc("/v1/agents/list", s.handleAgentList)
	s.mux.HandleFunc("/v1/agents/leader", s.handleAgentLeader)
	s.mux.HandleFunc("/v1/agents/stats", s.handleAgentStats)
	s.mux.HandleFunc("/v1/agents/dead", s.handleAgentPurgeDead)
	s.mux.HandleFunc("/v1/agents/all/purge", s.handleAgentPurgeAll)
	s.mux.HandleFunc("/v1/agents/timeout", s.handleAgentTimeout)
	s.mux.HandleFunc("/v1/agents/", s.handleAgentByID)

	// Backend chain and tools.
	s.mux.HandleFunc("/api/backends", s.handleBackends)
	s.mux.HandleFunc("/api/backends/current", s.handleBackendCurrent)
	s.mux.HandleFunc("/api/backends/invalidate", s.handleBackendInvalidate)
	s.mux.HandleFunc("/v1/tools", s.handleTools)
	s.mux.HandleFunc("/v1/mcp/call", s.handleMCPCall)

	// Context packs.
	s.mux.HandleFunc("/v1/runs", s.handleRunCreate)
	s.mux.HandleFunc("/v1/runs/", s.handleRunGet)

	// Observability.
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", s.handleHealthz)
	s.mux.HandleFunc("/api/config/schema", s.handleConfigSchema)
	s.mux.HandleFunc("/api/usage/runs", s.handleUsageRuns)
}

// Handler returns the full middleware chain: logging, CORS, then auth.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.mux
	if s.auth != nil && s.auth.Enabled() {
		handler = AuthMiddleware(s.auth, s.logger)(handler)
	}
	if len(s.cfg.CORSOrigins) > 0 {
		handler = CORSMiddleware(s.cfg.CORSOrigins)(handler)
	}
	handler = LoggingMiddleware(s.logger, s.metrics)(handler)
	return handler
}

// Start binds the listener and serves until Shutdown. The error covers
// bind failures only; serve errors after startup are logged.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.httpServer = server
	s.listener = listener

	if err := s.startMaintenance(); err != nil {
		listener.Close()
		return err
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("gateway listening", "addr", listener.Addr().String())
	return nil
}

// Addr reports the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the maintenance jobs, disconnects event observers, and
// drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopMaintenance()
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		return err
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"backend": s.backends.LastHealthy(),
	})
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	schema, err := config.JSONSchema()
	if err != nil {
		s.jsonError(w, "schema generation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(schema)
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON parses a request body, rejecting trailing garbage.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}
