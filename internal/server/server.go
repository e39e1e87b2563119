package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kaigi/internal/callback"
	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/eventlog"
	"github.com/ashita-ai/kaigi/internal/ratelimit"
	"github.com/ashita-ai/kaigi/internal/workpool"
)

// Server is the kaigi HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Verifier, Limiter, Broker, Pool, Events, EventLog,
// MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Council   *council.Service
	Store     Pinger
	StoreKind string
	Logger    *slog.Logger

	// Optional dependencies (nil = disabled).
	Verifier  Verifier
	Limiter   ratelimit.Limiter
	Broker    *Broker
	Pool      *workpool.Pool
	Events    *eventlog.Buffer
	EventLog  EventReader
	MCPServer *mcpserver.MCPServer

	OpenAPISpec []byte // Embedded OpenAPI YAML.

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Council:             cfg.Council,
		Verifier:            cfg.Verifier,
		Broker:              cfg.Broker,
		Store:               cfg.Store,
		StoreKind:           cfg.StoreKind,
		Pool:                cfg.Pool,
		Events:              cfg.Events,
		EventLog:            cfg.EventLog,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	// Only mutating methods are keyed; reads pass through.
	rl := ratelimit.Middleware(limiter, ratelimit.UserKeyFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Sessions and chat.
	mux.Handle("POST /v1/sessions", rl(http.HandlerFunc(h.HandleCreateSession)))
	mux.HandleFunc("GET /v1/sessions", h.HandleListSessions)
	mux.HandleFunc("GET /v1/sessions/{id}", h.HandleGetSession)
	mux.Handle("PATCH /v1/sessions/{id}", rl(http.HandlerFunc(h.HandleUpdateSession)))
	mux.Handle("DELETE /v1/sessions/{id}", rl(http.HandlerFunc(h.HandleDeleteSession)))
	mux.Handle("POST /v1/sessions/{id}/messages", rl(http.HandlerFunc(h.HandleAppendUser)))
	mux.Handle("POST /v1/sessions/{id}/agent-messages", rl(http.HandlerFunc(h.HandleAppendAgent)))
	mux.Handle("POST /v1/sessions/{id}/steps", rl(http.HandlerFunc(h.HandleStep)))
	mux.Handle("DELETE /v1/sessions/{id}/turns/{message_id}", rl(http.HandlerFunc(h.HandleDeleteTurn)))

	// Council runs.
	mux.Handle("POST /v1/sessions/{id}/escalate", rl(http.HandlerFunc(h.HandleEscalate)))
	mux.Handle("POST /v1/sessions/{id}/return", rl(http.HandlerFunc(h.HandleReturnToChat)))
	mux.HandleFunc("GET /v1/sessions/{id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.Handle("POST /v1/runs/{run_id}/start", rl(http.HandlerFunc(h.HandleStartRun)))
	mux.HandleFunc("GET /v1/sessions/{id}/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/roles", h.HandleRoles)

	// Reasoning backend callbacks (token-authenticated, not rate limited).
	mux.HandleFunc("POST "+callback.Path, h.HandleReasoningCallback)

	// Event stream (no rate limit, long-lived connection).
	mux.HandleFunc("GET /v1/subscribe", h.HandleSubscribe)

	// MCP StreamableHTTP transport. The request context carries the user and
	// request ids set by the middleware below.
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → user → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = userMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
