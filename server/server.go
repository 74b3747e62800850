// Package server exposes the router's pipeline over HTTP: server
// lifecycle admin endpoints, the JSON-RPC proxy, prompt enhancement, and
// circuit-breaker introspection, on top of go-chi/chi/v5.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/OmegaTeee/mcp-agenthub-sub000/audit"
	"github.com/OmegaTeee/mcp-agenthub-sub000/breaker"
	"github.com/OmegaTeee/mcp-agenthub-sub000/config"
	"github.com/OmegaTeee/mcp-agenthub-sub000/errors"
	"github.com/OmegaTeee/mcp-agenthub-sub000/metrics"
	"github.com/OmegaTeee/mcp-agenthub-sub000/pipeline"
	"github.com/OmegaTeee/mcp-agenthub-sub000/server/middleware"
)

// jsonRPCEnvelope is the request/response shape for the proxy endpoint.
type jsonRPCEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonRPCErrorBody struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *jsonRPCErrorBody `json:"error,omitempty"`
}

const (
	codeInternal     = -32603
	codeUpstream     = -32001
	codeCircuitOpen  = -32010
	defaultReadLimit = 1 << 20 // 1MiB JSON-RPC body cap
)

// Router builds the chi mux over a Pipeline and serves /metrics from its
// own Metrics instance.
type Router struct {
	mux     chi.Router
	metrics *metrics.Metrics
}

// NewRouter wires the full middleware chain and route table over an
// already-constructed Pipeline.
func NewRouter(p *pipeline.Pipeline, m *metrics.Metrics, logger *zap.Logger, readWriteTimeout time.Duration) *Router {
	r := chi.NewRouter()

	r.Use(audit.Middleware)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Timeout(readWriteTimeout))
	r.Use(middleware.CORS)

	h := &handler{pipeline: p, logger: logger}

	r.Get("/health", h.health)
	r.Get("/servers", h.listServers)
	r.Get("/servers/{name}", h.getServer)
	r.Post("/servers/{name}/start", h.startServer)
	r.Post("/servers/{name}/stop", h.stopServer)
	r.Post("/servers/{name}/restart", h.restartServer)
	r.Post("/mcp/{name}/*", h.proxy)
	r.Post("/ollama/enhance", h.enhance)
	r.Get("/circuit-breakers", h.breakerSnapshot)
	r.Post("/circuit-breakers/{name}/reset", h.breakerReset)
	r.Handle("/metrics", m.Handler())

	return &Router{mux: r, metrics: m}
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

type handler struct {
	pipeline *pipeline.Pipeline
	logger   *zap.Logger
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	servers := h.pipeline.ListServers()
	running := 0
	for _, s := range servers {
		if s.Status == "running" {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"servers_total":   len(servers),
		"servers_running": running,
	})
}

func (h *handler) listServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.ListServers())
}

func (h *handler) getServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	snap, ok := h.pipeline.GetServer(name)
	if !ok {
		ac := audit.FromContext(r.Context())
		errors.WriteError(w, errors.NewUnknownServer(ac.RequestID, name))
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) startServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pipeline.StartServer(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	snap, _ := h.pipeline.GetServer(name)
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) stopServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pipeline.StopServer(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	snap, _ := h.pipeline.GetServer(name)
	writeJSON(w, http.StatusOK, snap)
}

func (h *handler) restartServer(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.pipeline.RestartServer(r.Context(), name); err != nil {
		writeAdminError(w, r, err)
		return
	}
	snap, _ := h.pipeline.GetServer(name)
	writeJSON(w, http.StatusOK, snap)
}

func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	ac := audit.FromContext(r.Context())
	if routerErr, ok := err.(*errors.RouterError); ok {
		errors.WriteError(w, routerErr)
		return
	}
	errors.WriteError(w, errors.NewInternal(ac.RequestID, err))
}

// proxy forwards a JSON-RPC envelope from the request body to the named
// server, rendering the result (or error) as a JSON-RPC response.
func (h *handler) proxy(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ac := audit.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, defaultReadLimit))
	if err != nil {
		errors.WriteError(w, errors.NewInvalidInput(ac.RequestID, "failed to read request body"))
		return
	}

	var env jsonRPCEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		errors.WriteError(w, errors.NewInvalidInput(ac.RequestID, "malformed JSON-RPC envelope"))
		return
	}
	if env.Method == "" {
		errors.WriteError(w, errors.NewInvalidInput(ac.RequestID, "missing method"))
		return
	}

	result, err := h.pipeline.Proxy(r.Context(), name, env.Method, env.Params, 0)
	if err == nil {
		writeJSON(w, http.StatusOK, jsonRPCResponse{JSONRPC: "2.0", ID: env.ID, Result: result})
		return
	}

	if up, ok := err.(pipeline.UpstreamError); ok {
		writeJSON(w, http.StatusOK, jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      env.ID,
			Error:   &jsonRPCErrorBody{Code: codeUpstream, Message: up.RPCErr.Message, Data: up.RPCErr.Data},
		})
		return
	}

	if routerErr, ok := err.(*errors.RouterError); ok {
		status := routerErr.Code
		code := codeInternal
		if routerErr.Type == errors.CircuitOpen {
			code = codeCircuitOpen
		}
		var data json.RawMessage
		if routerErr.RetryAfter != nil {
			data, _ = json.Marshal(map[string]int{"retry_after": *routerErr.RetryAfter})
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(jsonRPCResponse{
			JSONRPC: "2.0",
			ID:      env.ID,
			Error:   &jsonRPCErrorBody{Code: code, Message: routerErr.Message, Data: data},
		})
		return
	}

	errors.WriteError(w, errors.NewInternal(ac.RequestID, err))
}

type enhanceRequest struct {
	Prompt      string `json:"prompt"`
	BypassCache bool   `json:"bypass_cache"`
}

type enhanceResponse struct {
	Original    string `json:"original"`
	Enhanced    string `json:"enhanced"`
	Cached      bool   `json:"cached"`
	WasEnhanced bool   `json:"was_enhanced"`
	Error       string `json:"error,omitempty"`
}

func (h *handler) enhance(w http.ResponseWriter, r *http.Request) {
	ac := audit.FromContext(r.Context())

	var req enhanceRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, defaultReadLimit)).Decode(&req); err != nil {
		errors.WriteError(w, errors.NewInvalidInput(ac.RequestID, "malformed enhance request"))
		return
	}
	if req.Prompt == "" {
		errors.WriteError(w, errors.NewInvalidInput(ac.RequestID, "prompt must not be empty"))
		return
	}

	clientID := r.Header.Get("X-Client-Name")
	res := h.pipeline.Enhance(r.Context(), req.Prompt, clientID, req.BypassCache)

	writeJSON(w, http.StatusOK, enhanceResponse{
		Original:    res.Original,
		Enhanced:    res.Prompt,
		Cached:      res.Cached,
		WasEnhanced: res.WasEnhanced,
		Error:       enhanceErrorReason(res.Err),
	})
}

// enhanceErrorReason maps an enhancement failure to the short reason
// string the enhance response surfaces, rather than the raw Go error
// text, so a degraded response is machine-matchable by clients.
func enhanceErrorReason(err error) string {
	if err == nil {
		return ""
	}
	var openErr *breaker.CircuitOpenError
	if stderrors.As(err, &openErr) {
		return "circuit_open"
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "upstream_error"
}

func (h *handler) breakerSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pipeline.BreakerSnapshot())
}

func (h *handler) breakerReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !h.pipeline.ResetBreaker(name) {
		ac := audit.FromContext(r.Context())
		errors.WriteError(w, errors.NewUnknownServer(ac.RequestID, name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "status": "reset"})
}

// Server wraps an http.Server, shutting it down and restarting it in
// place when the configuration watcher publishes a new ServerConfig.
type Server struct {
	httpServer *http.Server
	config     config.Watcher
	logger     *zap.Logger
	pipeline   *pipeline.Pipeline
	metrics    *metrics.Metrics

	mu      sync.RWMutex
	running bool
}

// NewServer builds a Server bound to a config.Watcher, so it can pick up
// server-block changes (port, timeouts) on reload.
func NewServer(cfg config.Watcher, p *pipeline.Pipeline, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{config: cfg, pipeline: p, metrics: m, logger: logger}
	s.rebuild(cfg.GetCurrentConfig())

	go s.watchConfig(cfg.Subscribe())

	return s
}

func (s *Server) rebuild(cfg *config.Config) {
	router := NewRouter(s.pipeline, s.metrics, s.logger, cfg.Server.WriteTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
}

func (s *Server) watchConfig(updates <-chan *config.Config) {
	for cfg := range updates {
		s.logger.Info("applying reloaded server configuration")

		s.mu.RLock()
		old := s.httpServer
		wasRunning := s.running
		s.mu.RUnlock()

		if old != nil {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			if err := old.Shutdown(ctx); err != nil {
				s.logger.Error("failed to shut down server for reload", zap.Error(err))
			}
			cancel()
		}

		s.rebuild(cfg)

		if wasRunning {
			s.startListening()
		}
	}
}

func (s *Server) startListening() {
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully
// within the configured shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	s.startListening()

	<-ctx.Done()

	s.mu.Lock()
	s.running = false
	httpServer := s.httpServer
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.GetCurrentConfig().Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
