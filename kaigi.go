// Package kaigi is the public API for embedding the kaigi council server.
//
// Consumers import this package to construct and run the server without
// forking it:
//
//	app, err := kaigi.New(
//	    kaigi.WithVersion(version),
//	    kaigi.WithLogger(logger),
//	    kaigi.WithConsensusDetector(myDetector{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, but internal/* never imports the root.
// Public types are standalone structs; conversion lives in this file.
package kaigi

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kaigi/api"
	"github.com/ashita-ai/kaigi/internal/callback"
	"github.com/ashita-ai/kaigi/internal/config"
	"github.com/ashita-ai/kaigi/internal/council"
	"github.com/ashita-ai/kaigi/internal/eventlog"
	"github.com/ashita-ai/kaigi/internal/mcp"
	"github.com/ashita-ai/kaigi/internal/model"
	"github.com/ashita-ai/kaigi/internal/ratelimit"
	"github.com/ashita-ai/kaigi/internal/reasoning"
	"github.com/ashita-ai/kaigi/internal/retry"
	"github.com/ashita-ai/kaigi/internal/server"
	"github.com/ashita-ai/kaigi/internal/storage"
	"github.com/ashita-ai/kaigi/internal/storage/sqlite"
	"github.com/ashita-ai/kaigi/internal/telemetry"
	"github.com/ashita-ai/kaigi/internal/workpool"
	"github.com/ashita-ai/kaigi/migrations"
)

// App is the kaigi server lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	backend      *backend
	srv          *server.Server
	buf          *eventlog.Buffer
	pool         *workpool.Pool
	limiter      ratelimit.Limiter
	broker       *server.Broker
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// backend is the store chosen by KAIGI_STORE, seen through the narrow
// interfaces each subsystem needs.
type backend struct {
	kind     string
	store    council.Store
	pinger   server.Pinger
	events   eventlog.Writer
	eventLog server.EventReader
	purger   eventPurger
	listener server.Listener // nil when LISTEN is unavailable
	notifier council.Notifier
	close    func(ctx context.Context)
}

type eventPurger interface {
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// New initialises the kaigi server. It opens the store, runs migrations,
// wires all subsystems, and returns a ready-to-run App. It does NOT start any
// goroutines or accept HTTP connections; call Run().
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

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		cfg.NotifyURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kaigi starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(context.Background(), telemetry.Options{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		Store:       cfg.Store,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	be, err := openBackend(context.Background(), cfg, o.extraMigrations, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, err
	}

	signer, err := callback.NewSigner(cfg.CallbackBaseURL, cfg.CallbackPrivateKey, cfg.CallbackPublicKey, cfg.CallbackTTL)
	if err != nil {
		be.close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("callback signer: %w", err)
	}
	if cfg.CallbackPrivateKey == "" {
		logger.Warn("callback signing key is ephemeral; async callbacks issued before a restart will be rejected")
	}

	var reasoner reasoning.Client = reasoning.NewHTTPClient(cfg.ReasoningURL, cfg.ReasoningTimeout)
	if o.reasoner != nil {
		reasoner = o.reasoner
	}

	buf := eventlog.NewBuffer(be.events, logger, cfg.EventBufferSize, cfg.EventFlushTimeout)
	pool := workpool.New(logger, cfg.Workers, cfg.WorkQueue)

	// SSE broker. With a LISTEN connection, run notices round-trip through
	// Postgres so every replica sees them; otherwise they stay in process.
	broker := server.NewBroker(logger)
	notifier := be.notifier
	if be.listener == nil {
		notifier = broker
		logger.Info("sse broker: in-process (no LISTEN connection)")
	}

	var detector council.ConsensusDetector
	if o.detector != nil {
		detector = &detectorAdapter{d: o.detector}
	}

	svc := council.New(council.Deps{
		Store:    be.store,
		Reasoner: reasoner,
		Events:   buf,
		Pool:     pool,
		Detector: detector,
		Notifier: notifier,
		Signer:   signer,
		Logger:   logger,
		Config: council.Config{
			RunIDPrefix:      cfg.RunIDPrefix,
			MaxDebateRounds:  cfg.MaxDebateRounds,
			Retry:            retry.Policy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff},
			CallTimeout:      cfg.ReasoningTimeout,
			ReactionsEnabled: cfg.ReactionsEnabled,
			TranscriptTail:   cfg.TranscriptTail,
		},
	})

	mcpSrv := mcp.New(svc, logger, version)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Council:             svc,
		Store:               be.pinger,
		StoreKind:           be.kind,
		Logger:              logger,
		Verifier:            signer,
		Limiter:             limiter,
		Broker:              broker,
		Pool:                pool,
		Events:              buf,
		EventLog:            be.eventLog,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})

	return &App{
		cfg:          cfg,
		backend:      be,
		srv:          srv,
		buf:          buf,
		pool:         pool,
		limiter:      limiter,
		broker:       broker,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// openBackend connects the configured store and brings its schema up to date.
func openBackend(ctx context.Context, cfg config.Config, extra []fs.FS, logger *slog.Logger) (*backend, error) {
	switch cfg.Store {
	case config.StoreSQLite:
		if len(extra) > 0 {
			logger.Warn("extra migrations ignored for sqlite store", "count", len(extra))
		}
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return &backend{
			kind:     config.StoreSQLite,
			store:    st,
			pinger:   st,
			events:   st,
			eventLog: st,
			purger:   st,
			close: func(context.Context) {
				if err := st.Close(); err != nil {
					logger.Warn("sqlite: close", "error", err)
				}
			},
		}, nil

	default:
		db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(ctx, migrations.Set, migrations.FS); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range extra {
			if err := db.RunMigrations(ctx, fmt.Sprintf("extra%d", i), extraFS); err != nil {
				db.Close(ctx)
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		be := &backend{
			kind:     config.StorePostgres,
			store:    db,
			pinger:   db,
			events:   db,
			eventLog: db,
			purger:   db,
			notifier: db,
			close:    db.Close,
		}
		if db.HasNotify() {
			be.listener = db
		}
		return be, nil
	}
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown has
// been called; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	a.buf.Start(ctx)
	a.pool.Start()
	if a.backend.listener != nil {
		go a.broker.Start(ctx, a.backend.listener)
	}
	if a.cfg.EventRetention > 0 {
		go a.eventRetentionLoop(ctx)
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
		_ = a.Shutdown(context.Background())
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests and drain in-flight,
// (2) let queued council runs and async work finish,
// (3) flush the event buffer.
// It then closes the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kaigi shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	// Phase 1: HTTP drain.
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}

	// Phase 2: worker pool drain. Runs cut short here still close themselves
	// as errored, so no session is left in council mode.
	a.pool.Drain(shutdownCtx)

	// Phase 3: event buffer drain.
	a.buf.Drain(shutdownCtx)
	if n := a.buf.Len(); n > 0 {
		a.logger.Warn("event buffer drain incomplete; unflushed events are lost", "remaining_events", n)
	}

	_ = a.limiter.Close()
	a.backend.close(context.Background())
	_ = a.otelShutdown(context.Background())

	a.logger.Info("kaigi stopped")
	return nil
}

// Handler returns the root HTTP handler, for embedding behind another server.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

func (a *App) eventRetentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval(a.cfg.EventRetention))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, time.Minute)
			cutoff := time.Now().UTC().Add(-a.cfg.EventRetention)
			n, err := a.backend.purger.PurgeEventsBefore(opCtx, cutoff)
			cancel()
			if err != nil {
				a.logger.Warn("event retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Info("event retention purge", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}

// retentionInterval purges a few times per retention window, at most hourly.
func retentionInterval(retention time.Duration) time.Duration {
	interval := retention / 4
	if interval > time.Hour {
		return time.Hour
	}
	if interval < time.Minute {
		return time.Minute
	}
	return interval
}

// detectorAdapter exposes a public ConsensusDetector to the engine.
type detectorAdapter struct {
	d ConsensusDetector
}

func (a *detectorAdapter) Consensus(items []model.DebateItem) bool {
	if len(items) == 0 {
		return false
	}
	out := make([]DebateItem, 0, len(items))
	for _, it := range items {
		if it.IsSkipped() || strings.TrimSpace(it.Text) == "" {
			return false
		}
		out = append(out, DebateItem{Agent: it.Agent, Text: it.Text, Veto: it.Veto})
	}
	return a.d.Consensus(out)
}
