package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/canopy-eco/canopy/internal/auth"
	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/progress"
	"github.com/canopy-eco/canopy/internal/ratelimit"
)

// Server is the Canopy HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, Limiter, MCPServer.
type Config struct {
	// Required dependencies.
	Manager *lifecycle.Manager
	Watcher *progress.Watcher
	Logger  *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr          *auth.JWTManager
	AdminAPIKeyHash string
	Limiter         ratelimit.Limiter
	MCPServer       *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Manager:         cfg.Manager,
		JWTMgr:          cfg.JWTMgr,
		AdminAPIKeyHash: cfg.AdminAPIKeyHash,
		Logger:          cfg.Logger,
		Version:         cfg.Version,
		MaxBodyBytes:    cfg.MaxRequestBodyBytes,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", rl(http.HandlerFunc(h.HandleAuthToken)))

	// Analysis lifecycle.
	mux.Handle("POST /v1/analyses", rl(http.HandlerFunc(h.HandleCreateAnalysis)))
	mux.Handle("GET /v1/analyses", rl(http.HandlerFunc(h.HandleListAnalyses)))
	mux.Handle("GET /v1/analyses/{id}", rl(http.HandlerFunc(h.HandleGetAnalysis)))
	mux.Handle("GET /v1/analyses/{id}/result", rl(http.HandlerFunc(h.HandleGetResult)))
	mux.Handle("DELETE /v1/analyses/{id}", rl(http.HandlerFunc(h.HandleCancelAnalysis)))

	// Progress stream (no rate limit; long-lived connection).
	mux.Handle("GET /v1/analyses/{id}/progress", h.HandleProgress(cfg.Watcher))

	// MCP StreamableHTTP transport (auth required like the rest of the API).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpHTTP)
	}

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
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
