// Package app wires all Fableloom subsystems into a running application.
//
// New builds the providers from config (or accepts injected test doubles),
// opens the persistent store, rehydrates the session and its vector index,
// and constructs the turn orchestrator and compaction engine. Close tears
// everything down in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fableloom/fableloom/internal/budget"
	"github.com/fableloom/fableloom/internal/compact"
	"github.com/fableloom/fableloom/internal/config"
	"github.com/fableloom/fableloom/internal/health"
	"github.com/fableloom/fableloom/internal/observe"
	"github.com/fableloom/fableloom/internal/orchestrator"
	"github.com/fableloom/fableloom/internal/resilience"
	"github.com/fableloom/fableloom/internal/story"
	"github.com/fableloom/fableloom/pkg/memory"
	"github.com/fableloom/fableloom/pkg/memory/postgres"
	"github.com/fableloom/fableloom/pkg/memory/sqlite"
	"github.com/fableloom/fableloom/pkg/provider/embeddings"
	"github.com/fableloom/fableloom/pkg/provider/llm"
)

// App owns the lifetimes of every subsystem backing one story session.
type App struct {
	cfg *config.Config

	gen   llm.Provider
	embed embeddings.Provider

	store   memory.Store
	index   *memory.VectorIndex
	session *story.Session

	orc       *orchestrator.Orchestrator
	compactor *compact.Engine
	metrics   *observe.Metrics

	metricsSrv *http.Server

	// sessionID is only consulted between option application and session
	// construction; empty means generate one.
	sessionID string

	// closers run in reverse order during Close.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a persistent store instead of opening one from config.
func WithStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithGeneration injects a generation provider instead of building one from
// the registry.
func WithGeneration(p llm.Provider) Option {
	return func(a *App) { a.gen = p }
}

// WithEmbeddings injects an embeddings provider instead of building one from
// the registry.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(a *App) { a.embed = p }
}

// WithSessionID fixes the session ID instead of generating one. Reusing an
// ID resumes that session from its checkpoint.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New builds a fully wired application from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initSession(ctx); err != nil {
		return nil, fmt.Errorf("app: init session: %w", err)
	}
	a.initPipeline()
	if err := a.initMetrics(ctx); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}

	slog.Info("fableloom ready",
		"session_id", a.session.ID,
		"generation", a.gen.ModelID(),
		"embeddings", a.embed.ModelID(),
		"store", string(a.cfg.Store.Driver),
	)
	return a, nil
}

// Session returns the live story session.
func (a *App) Session() *story.Session { return a.session }

// Orchestrator returns the turn orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orc }

// Compactor returns the memory compaction engine.
func (a *App) Compactor() *compact.Engine { return a.compactor }

// initProviders builds the generation and embeddings providers from the
// registry unless they were injected.
func (a *App) initProviders() error {
	reg := config.NewRegistry()
	RegisterBuiltinProviders(reg)

	if a.gen == nil {
		p, err := reg.CreateGeneration(a.cfg.Providers.Generation)
		if err != nil {
			return fmt.Errorf("create generation provider %q: %w", a.cfg.Providers.Generation.Name, err)
		}
		a.gen = p
		slog.Info("provider created", "kind", "generation", "name", a.cfg.Providers.Generation.Name)
	}
	if a.embed == nil {
		p, err := reg.CreateEmbeddings(a.cfg.Providers.Embeddings)
		if err != nil {
			return fmt.Errorf("create embeddings provider %q: %w", a.cfg.Providers.Embeddings.Name, err)
		}
		a.embed = p
		slog.Info("provider created", "kind", "embeddings", "name", a.cfg.Providers.Embeddings.Name)
	}
	return nil
}

// initStore opens the persistence backend selected by the store driver.
// The memory driver maps to an in-process SQLite database.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	switch a.cfg.Store.Driver {
	case config.DriverSQLite, "":
		path := a.cfg.Store.SQLitePath
		if path == "" {
			path = config.DefaultSQLitePath
		}
		s, err := sqlite.New(path)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)

	case config.DriverMemory:
		s, err := sqlite.New(":memory:")
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, s.Close)

	case config.DriverPostgres:
		dims := a.cfg.Providers.Embeddings.Dimensions
		if dims == 0 {
			dims = a.embed.Dimensions()
		}
		s, err := postgres.New(ctx, a.cfg.Store.PostgresDSN, dims)
		if err != nil {
			return err
		}
		a.store = s
		a.closers = append(a.closers, func() error { s.Close(); return nil })

	default:
		return fmt.Errorf("unknown store driver %q", a.cfg.Store.Driver)
	}
	return nil
}

// initSession builds the story session from config and rehydrates it.
func (a *App) initSession(ctx context.Context) error {
	id := a.sessionID
	if id == "" {
		id = "story-" + uuid.NewString()
	}

	personas := make([]memory.Persona, len(a.cfg.Story.Personas))
	for i, pc := range a.cfg.Story.Personas {
		personas[i] = memory.Persona{
			Name:            pc.Name,
			Personality:     pc.Personality,
			Appearance:      pc.Appearance,
			Subconscious:    pc.Subconscious,
			PrimaryGoal:     pc.PrimaryGoal,
			AlternativeGoal: pc.AlternativeGoal,
			Player:          pc.Player,
		}
	}

	a.index = memory.NewVectorIndex(a.store, id)
	a.session = story.NewSession(id, a.store, a.index, a.cfg.Story.Plot, personas)
	if err := a.session.Restore(ctx); err != nil {
		return err
	}

	a.metrics.ActiveSessions.Add(ctx, 1)
	a.metrics.IndexEntries.Add(ctx, indexSize(a.index))
	a.closers = append(a.closers, func() error {
		ctx := context.Background()
		a.metrics.ActiveSessions.Add(ctx, -1)
		a.metrics.IndexEntries.Add(ctx, -indexSize(a.index))
		return nil
	})
	if a.cfg.Story.Title != "" && a.session.Title() == "" {
		if err := a.session.SetTitle(ctx, a.cfg.Story.Title); err != nil {
			return err
		}
	}
	return nil
}

// indexSize sums the entry counts of all namespaces.
func indexSize(index *memory.VectorIndex) int64 {
	var n int64
	for _, ns := range memory.Namespaces {
		n += int64(index.Size(ns))
	}
	return n
}

// initPipeline constructs the assembler, the compaction engine, and the
// orchestrator.
func (a *App) initPipeline() {
	retry := resilience.RetryConfig{
		Attempts:       a.cfg.Retry.Attempts,
		InitialBackoff: a.cfg.Retry.InitialBackoff.Std(),
		MaxBackoff:     a.cfg.Retry.MaxBackoff.Std(),
	}

	assembler := budget.New(budget.Config{
		Counter:          a.gen,
		Embeddings:       a.embed,
		Index:            a.index,
		Window:           a.cfg.Session.Window,
		TopK:             a.cfg.Session.TopK,
		MaxContextTokens: a.cfg.Session.MaxContextTokens,
		Metrics:          a.metrics,
	})

	a.compactor = compact.New(compact.Config{
		SessionID:   a.session.ID,
		Store:       a.store,
		Index:       a.index,
		Generation:  a.gen,
		Embeddings:  a.embed,
		Retry:       retry,
		L1Threshold: a.cfg.Session.L1Threshold,
		L2Threshold: a.cfg.Session.L2Threshold,
		Metrics:     a.metrics,
	})

	a.orc = orchestrator.New(orchestrator.Config{
		Session:    a.session,
		Generation: a.gen,
		Embeddings: a.embed,
		Assembler:  assembler,
		Retry:      retry,
		Metrics:    a.metrics,
	})
}

// initMetrics starts the optional Prometheus metrics listener with health
// endpoints. Disabled when no address is configured.
func (a *App) initMetrics(ctx context.Context) error {
	if a.cfg.Server.MetricsAddr == "" {
		return nil
	}

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{})
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(
		health.StoreChecker(a.store, a.session.ID),
		health.IndexChecker(a.index),
	).Register(mux)

	a.metricsSrv = &http.Server{
		Addr:    a.cfg.Server.MetricsAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics listener failed", "addr", a.cfg.Server.MetricsAddr, "error", err)
		}
	}()
	slog.Info("metrics listener started", "addr", a.cfg.Server.MetricsAddr)
	return nil
}

// Close tears down all subsystems in reverse-init order. It respects the
// context deadline: remaining closers are skipped once ctx expires.
func (a *App) Close(ctx context.Context) error {
	var closeErr error
	a.stopOnce.Do(func() {
		if a.metricsSrv != nil {
			if err := a.metricsSrv.Shutdown(ctx); err != nil {
				slog.Warn("metrics listener shutdown error", "error", err)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("close deadline exceeded", "remaining", i+1)
				closeErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "error", err)
			}
		}
	})
	return closeErr
}
