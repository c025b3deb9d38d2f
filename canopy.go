// Package canopy is the public API for embedding the Canopy analysis engine.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := canopy.New(
//	    canopy.WithVersion(version),
//	    canopy.WithLogger(logger),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: canopy (root) imports
// internal/*, but internal/* never imports canopy (root).
package canopy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/canopy-eco/canopy/internal/agent"
	"github.com/canopy-eco/canopy/internal/agent/ecosystem"
	"github.com/canopy-eco/canopy/internal/agent/recovery"
	"github.com/canopy-eco/canopy/internal/agent/vision"
	"github.com/canopy-eco/canopy/internal/auth"
	"github.com/canopy-eco/canopy/internal/config"
	"github.com/canopy-eco/canopy/internal/inference"
	"github.com/canopy-eco/canopy/internal/lifecycle"
	"github.com/canopy-eco/canopy/internal/mcp"
	"github.com/canopy-eco/canopy/internal/orchestrator"
	"github.com/canopy-eco/canopy/internal/progress"
	"github.com/canopy-eco/canopy/internal/ratelimit"
	"github.com/canopy-eco/canopy/internal/retrieval"
	"github.com/canopy-eco/canopy/internal/server"
	"github.com/canopy-eco/canopy/internal/store"
	"github.com/canopy-eco/canopy/internal/telemetry"
	"github.com/canopy-eco/canopy/migrations"
)

// App is the Canopy server lifecycle. Construct with New(), run with Run().
// App has no public fields; use New() options to configure it.
type App struct {
	cfg          config.Config
	st           store.Store
	index        retrieval.Index
	limiter      ratelimit.Limiter
	mgr          *lifecycle.Manager
	srv          *server.Server
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string

	// Externally supplied dependencies are closed by their owner, not us.
	ownsStore bool
	ownsIndex bool
}

// New wires all subsystems and returns a ready-to-run App. It connects to
// the store, runs migrations, and probes inference providers, but does NOT
// start any goroutines or accept HTTP connections; call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("canopy starting", "version", version, "port", cfg.Port)

	ctx := context.Background()

	// Initialize OpenTelemetry (noop when no endpoint is configured).
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the analysis record store.
	st := o.store
	ownsStore := false
	if st == nil {
		st, err = newStore(ctx, cfg, logger)
		if err != nil {
			_ = otelShutdown(ctx)
			return nil, err
		}
		ownsStore = true
	}

	var (
		index     retrieval.Index
		ownsIndex bool
	)
	fail := func(err error) (*App, error) {
		if ownsIndex {
			_ = index.Close()
		}
		if ownsStore {
			_ = st.Close()
		}
		_ = otelShutdown(ctx)
		return nil, err
	}

	// Inference client. An external override takes priority over auto-detect.
	client := o.inference
	if client == nil {
		client = newInferenceClient(cfg, logger)
	}

	// Ecosystem knowledge index (optional; disabled when QDRANT_URL is empty).
	index = o.index
	if index == nil {
		index, err = newKnowledgeIndex(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		ownsIndex = true
	}

	// Agent executors. Each agent gets its own retry and timeout budget.
	visionExec := agent.NewExecutor(vision.New(client, logger), agent.Config{
		Timeout:    cfg.VisionTimeout,
		MaxRetries: cfg.VisionMaxRetries,
	}, logger)
	ecoExec := agent.NewExecutor(ecosystem.New(client, index, logger), agent.Config{
		Timeout:    cfg.EcosystemTimeout,
		MaxRetries: cfg.EcosystemRetries,
	}, logger)
	recExec := agent.NewExecutor(recovery.New(client, index, logger), agent.Config{
		Timeout:    cfg.RecoveryTimeout,
		MaxRetries: cfg.RecoveryMaxRetries,
	}, logger)

	orc, err := orchestrator.New(visionExec, ecoExec, recExec, client, cfg.SynthesisFallbackQuality, logger)
	if err != nil {
		return fail(fmt.Errorf("orchestrator: %w", err))
	}

	// Lifecycle manager with startup probes for every external dependency.
	probes := []lifecycle.Probe{
		{Name: "store", Check: st.Ping},
		{Name: "inference", Check: client.Healthy},
		{Name: "retrieval", Check: index.Healthy},
	}
	mgr := lifecycle.New(orc, st, probes, lifecycle.Config{
		Grace:           cfg.RegistryGrace,
		PipelineTimeout: cfg.PipelineTimeout,
	}, logger)

	// JWT manager, only when an admin key hash is configured. Without it the
	// API runs unauthenticated (local and development deployments).
	var jwtMgr *auth.JWTManager
	if cfg.AdminAPIKeyHash != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
		if err != nil {
			return fail(fmt.Errorf("auth: %w", err))
		}
		logger.Info("authentication: enabled")
	} else {
		logger.Warn("authentication: disabled (no CANOPY_ADMIN_API_KEY_HASH)")
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(mgr, version, logger)

	watcher := progress.NewWatcher(mgr, progress.Config{
		Interval: cfg.ProgressInterval,
		MaxPolls: cfg.ProgressMaxPolls,
	}, logger)

	srv := server.New(server.Config{
		Manager:             mgr,
		Watcher:             watcher,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		AdminAPIKeyHash:     cfg.AdminAPIKeyHash,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		st:           st,
		index:        index,
		limiter:      limiter,
		mgr:          mgr,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		ownsStore:    ownsStore,
		ownsIndex:    ownsIndex,
	}, nil
}

// Run initializes the lifecycle manager, starts the HTTP server, and blocks
// until ctx is cancelled or a fatal server error occurs. On return, Shutdown
// is called automatically, so callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	if err := a.mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown drains the HTTP server, then closes the rate limiter, the
// knowledge index, the store, and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("canopy shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	_ = a.limiter.Close()
	if a.ownsIndex {
		_ = a.index.Close()
	}
	if a.ownsStore {
		_ = a.st.Close()
	}
	_ = a.otelShutdown(context.Background())

	a.logger.Info("canopy stopped")
	return nil
}

// newStore opens the configured store: Postgres when DATABASE_URL is set,
// otherwise sqlite at CANOPY_SQLITE_PATH.
func newStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		if err := pg.RunMigrations(ctx, migrations.FS); err != nil {
			_ = pg.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		logger.Info("store: postgres")
		return pg, nil
	}

	sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	logger.Info("store: sqlite", "path", cfg.SQLitePath)
	return sq, nil
}

// newInferenceClient creates an inference client based on configuration.
// Provider selection: "ollama", "gemini", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then Gemini if a key is present, else
// noop. Ollama is preferred: imagery stays on-premises with no API costs.
func newInferenceClient(cfg config.Config, logger *slog.Logger) inference.Client {
	switch cfg.InferenceProvider {
	case "gemini":
		if cfg.GeminiAPIKey == "" {
			logger.Error("GEMINI_API_KEY required when CANOPY_INFERENCE_PROVIDER=gemini")
			return inference.NewNoopClient()
		}
		logger.Info("inference provider: gemini", "model", cfg.GeminiModel)
		return inference.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)

	case "ollama":
		logger.Info("inference provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return inference.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)

	case "noop":
		logger.Info("inference provider: noop (analysis results will be empty)")
		return inference.NewNoopClient()

	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("inference provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return inference.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
		}
		if cfg.GeminiAPIKey != "" {
			logger.Info("inference provider: gemini (auto-detected)", "model", cfg.GeminiModel)
			return inference.NewGeminiClient(cfg.GeminiAPIKey, cfg.GeminiModel)
		}
		logger.Warn("no inference provider available, using noop")
		return inference.NewNoopClient()
	}
}

// newKnowledgeIndex creates the ecosystem knowledge index. Qdrant backs the
// index when QDRANT_URL is set; otherwise retrieval is a no-op and the
// ecosystem and recovery agents run without grounding snippets.
func newKnowledgeIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (retrieval.Index, error) {
	if cfg.QdrantURL == "" {
		logger.Info("qdrant: disabled (no QDRANT_URL)")
		return retrieval.NoopIndex{}, nil
	}

	var embedder retrieval.Embedder
	if ollamaReachable(cfg.OllamaURL) {
		embedder = retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.EmbeddingModel, cfg.EmbeddingDimensions)
	} else {
		logger.Warn("qdrant: ollama embedder unreachable, queries will use zero vectors")
		embedder = retrieval.NoopEmbedder{Dims: cfg.EmbeddingDimensions}
	}

	idx, err := retrieval.NewQdrantIndex(retrieval.QdrantConfig{
		URL:        cfg.QdrantURL,
		APIKey:     cfg.QdrantAPIKey,
		Collection: cfg.QdrantCollection,
		Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
	}, embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("qdrant: %w", err)
	}
	if err := idx.EnsureCollection(ctx); err != nil {
		_ = idx.Close()
		return nil, fmt.Errorf("qdrant ensure collection: %w", err)
	}
	logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	return idx, nil
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
