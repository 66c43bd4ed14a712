// Package server wires the agent core together: configuration, store,
// ledger, executor, orchestrator and the HTTP API.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/internal/api"
	"github.com/scrivia/agentcore/internal/api/handlers"
	"github.com/scrivia/agentcore/internal/config"
	"github.com/scrivia/agentcore/internal/contentapply"
	"github.com/scrivia/agentcore/internal/executor"
	"github.com/scrivia/agentcore/internal/ledger"
	"github.com/scrivia/agentcore/internal/livestream"
	"github.com/scrivia/agentcore/internal/notetools"
	"github.com/scrivia/agentcore/internal/orchestrator"
	"github.com/scrivia/agentcore/internal/retention"
	modelrouter "github.com/scrivia/agentcore/internal/router"
	"github.com/scrivia/agentcore/internal/sessions"
	"github.com/scrivia/agentcore/internal/signature"
	"github.com/scrivia/agentcore/internal/store"
	"github.com/scrivia/agentcore/internal/telemetry"
	"github.com/scrivia/agentcore/pkg/contracts"
)

// Server holds the initialized agent core.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	Store  store.Store
	Ledger *ledger.Ledger
	Live   *livestream.Forwarder
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	shutdownTelemetry func(context.Context) error
	stopJanitor       context.CancelFunc
	janitorDone       chan struct{}
}

// Option customizes NewWithConfig.
type Option func(*options)

type options struct {
	model contracts.ModelClient
	store store.Store
}

// WithModelClient replaces the configured model router.
func WithModelClient(m contracts.ModelClient) Option {
	return func(o *options) { o.model = m }
}

// WithStore replaces the configured store.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// New initializes every component from environment configuration.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	return NewWithConfig(ctx, config.Load(), opts...)
}

// NewWithConfig initializes the agent core with an explicit configuration.
// The ledger sweeper runs until Close.
func NewWithConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := o.store
	if dataStore == nil {
		if dataStore, err = openStore(ctx, cfg); err != nil {
			_ = shutdown(ctx)
			return nil, err
		}
	}

	led := ledger.New(ledger.Config{
		LoopThreshold: cfg.Ledger.LoopThreshold,
		LoopWindow:    cfg.Ledger.LoopWindow,
		Retention:     cfg.Ledger.Retention,
		InFlightTTL:   cfg.Ledger.InFlightTTL,
		SweepInterval: cfg.Ledger.SweepInterval,
	})
	led.Start(context.WithoutCancel(ctx))
	log.Info().
		Int("loop_threshold", cfg.Ledger.LoopThreshold).
		Dur("loop_window", cfg.Ledger.LoopWindow).
		Str("scope", cfg.Ledger.Scope).
		Msg("✅ Dedup ledger started")

	live := livestream.New(livestream.DefaultBuffer)
	engine := contentapply.New(contentapply.Limits{
		MaxDocumentBytes: cfg.Content.MaxDocumentBytes,
		MaxContentBytes:  cfg.Content.MaxContentBytes,
		MaxPatternLength: cfg.Content.MaxPatternLength,
	})

	registry := executor.NewRegistry()
	tools := notetools.New(dataStore, engine, live)
	if err := tools.Register(registry); err != nil {
		_ = led.Close()
		_ = dataStore.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("register tools: %w", err)
	}
	exec := executor.New(registry, led, cfg.Agent.ToolTimeout)

	var mr *modelrouter.ModelRouter
	model := o.model
	if model == nil {
		mr = newModelRouter(cfg.Model)
		model = mr
	}

	orch := orchestrator.New(model, led, exec, signature.NewSigner(cfg.Ledger.IgnoreFields...), orchestrator.Config{
		MaxRounds:            cfg.Agent.MaxRounds,
		MaxToolCallsPerRound: cfg.Agent.MaxToolCallsPerRound,
		MaxParallelTools:     cfg.Agent.MaxParallelTools,
		ToolRetries:          cfg.Agent.ToolRetries,
		ModelRetries:         cfg.Agent.ModelRetries,
		LedgerScope:          ledger.Scope(cfg.Ledger.Scope),
		SystemPrompt:         cfg.Agent.SystemPrompt,
	})
	log.Info().Int("tools", len(registry.Specs())).Msg("✅ Agent orchestrator initialized")

	sessionStore := sessions.NewMemorySessionStore(cfg.Agent.MaxSessionMessages)
	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		retention.NewJanitor(sessionStore, cfg.Agent.SessionIdleTTL, cfg.Agent.SessionSweepInterval).Start(janitorCtx)
	}()

	h := &handlers.Handlers{
		Store:        dataStore,
		Tools:        tools,
		Live:         live,
		Orchestrator: orch,
		Registry:     registry,
		Sessions:     sessionStore,
		Ledger:       led,
		Router:       mr,
	}

	return &Server{
		Handler:           api.NewRouter(cfg, h),
		Store:             dataStore,
		Ledger:            led,
		Live:              live,
		Config:            cfg,
		Port:              cfg.Port,
		shutdownTelemetry: shutdown,
		stopJanitor:       stopJanitor,
		janitorDone:       janitorDone,
	}, nil
}

// Close stops the background sweepers, disconnects live viewers, closes
// the store and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	s.stopJanitor()
	<-s.janitorDone
	s.Live.Close()
	_ = s.Ledger.Close()
	storeErr := s.Store.Close()
	if err := s.shutdownTelemetry(ctx); err != nil {
		return fmt.Errorf("shutdown telemetry: %w", err)
	}
	return storeErr
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, int32(cfg.Database.MaxConnections))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		log.Info().Msg("✅ PostgreSQL store initialized")
		return pg, nil
	case "memory", "":
		log.Info().Str("data_dir", cfg.Store.DataDir).Msg("✅ In-memory store initialized")
		return store.NewMemoryStore(cfg.Store.DataDir), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newModelRouter(cfg config.ModelConfig) *modelrouter.ModelRouter {
	providers := []modelrouter.Provider{{
		Name:     "primary",
		Kind:     cfg.Kind,
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Model:    cfg.Name,
	}}
	if cfg.FallbackEndpoint != "" || cfg.FallbackName != "" {
		providers = append(providers, modelrouter.Provider{
			Name:     "fallback",
			Kind:     cfg.FallbackKind,
			Endpoint: cfg.FallbackEndpoint,
			APIKey:   cfg.FallbackAPIKey,
			Model:    cfg.FallbackName,
		})
	}
	return modelrouter.NewModelRouter(cfg.Timeout, providers...)
}
