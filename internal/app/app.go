// Package app wires configuration into the running components shared by the
// server and the operator CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/assessment-agent/internal/breaker"
	"github.com/ashureev/assessment-agent/internal/config"
	"github.com/ashureev/assessment-agent/internal/engine"
	"github.com/ashureev/assessment-agent/internal/fallback"
	"github.com/ashureev/assessment-agent/internal/generation"
	"github.com/ashureev/assessment-agent/internal/guard"
	"github.com/ashureev/assessment-agent/internal/observability"
	"github.com/ashureev/assessment-agent/internal/retention"
	"github.com/ashureev/assessment-agent/internal/store"
	"github.com/ashureev/assessment-agent/internal/transcript"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config       *config.Config
	Store        store.Repository
	Bank         *fallback.Bank
	Breaker      *breaker.Breaker
	Generator    *generation.Client
	Metrics      *observability.Metrics
	Transcript   transcript.Logger
	Orchestrator *engine.Orchestrator
	Retention    *retention.Worker

	closers []func() error
}

// OpenStore opens the configured session store and runs its schema setup.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.Repository, error) {
	var (
		repo store.Repository
		err  error
	)
	switch cfg.Backend {
	case config.StoreBadger:
		repo, err = store.NewBadger(store.BadgerConfig{Dir: cfg.BadgerDir})
	default:
		repo, err = store.NewSQLite(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}
	if err := repo.Setup(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("setup %s store: %w", cfg.Backend, err)
	}
	return repo, nil
}

// NewBackend builds the configured generation backend. The returned closer
// may be nil.
func NewBackend(cfg config.GenerationConfig, logger *slog.Logger) (generation.Backend, func() error, error) {
	switch cfg.Backend {
	case config.GenerationOpenAI:
		b, err := generation.NewOpenAIBackend(generation.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil

	case config.GenerationGRPC:
		gcfg := generation.DefaultGRPCConfig()
		gcfg.Address = cfg.GRPCAddr
		b, err := generation.NewGRPCBackend(gcfg, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() error { b.Close(); return nil }, nil

	default:
		return generation.DisabledBackend{}, nil, nil
	}
}

// New wires every component from cfg. reg may be nil to skip metric
// registration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg}

	if reg != nil {
		a.Metrics = observability.NewMetrics(reg)
	}

	bank, err := fallback.Load(cfg.FallbackBankPath)
	if err != nil {
		return nil, fmt.Errorf("load fallback bank: %w", err)
	}
	a.Bank = bank

	repo, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = repo
	a.closers = append(a.closers, repo.Close)

	backend, closeBackend, err := NewBackend(cfg.Generation, logger)
	if err != nil {
		// Generation is optional: the fallback bank serves every question.
		logger.Warn("Question generation backend unavailable, using fallback bank only",
			"backend", cfg.Generation.Backend, "error", err)
		backend = generation.DisabledBackend{}
	} else if closeBackend != nil {
		a.closers = append(a.closers, closeBackend)
	}

	a.Breaker = breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, breaker.WithStateChange(func(from, to breaker.State) {
		logger.Warn("Generation circuit breaker state changed", "from", from.String(), "to", to.String())
		a.Metrics.BreakerTransition(from.String(), to.String(), int(to))
	}))

	a.Generator = generation.NewClient(backend, a.Breaker,
		generation.WithTimeout(cfg.Generation.Timeout),
		generation.WithLogger(logger),
		generation.WithMetrics(a.Metrics),
	)

	tl, err := transcript.New(transcript.Config{
		Enabled:       cfg.Transcript.Enabled,
		Dir:           cfg.Transcript.Dir,
		GlobalEnabled: cfg.Transcript.GlobalEnabled,
		GlobalPath:    cfg.Transcript.GlobalPath,
		QueueSize:     cfg.Transcript.QueueSize,
	}, logger, transcript.WithDropHook(a.Metrics.TranscriptDropped))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("init transcript log: %w", err)
	}
	a.Transcript = tl
	a.closers = append(a.closers, tl.Close)

	a.Orchestrator, err = engine.New(engine.Config{
		MaxResumeAttempts:  cfg.Session.MaxResumeAttempts,
		ConflictMaxRetries: cfg.Session.ConflictMaxRetries,
		StoreRetry: store.RetryPolicy{
			MaxRetries: cfg.Store.MaxRetries,
			BaseDelay:  cfg.Store.RetryBaseDelay,
		},
	}, engine.Deps{
		Store:     repo,
		Generator: a.Generator,
		Guard: guard.New(guard.Config{
			SimilarityThreshold: cfg.Guard.SimilarityThreshold,
			HistoryWindow:       cfg.Guard.HistoryWindow,
			MaxPending:          cfg.Guard.MaxPending,
			SafetyMargin:        cfg.Guard.SafetyMargin,
		}),
		Bank:       bank,
		Sink:       engine.LogSink{Logger: logger},
		Transcript: tl,
		Metrics:    a.Metrics,
		Logger:     logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Retention = retention.New(retention.Config{
		IdleTTL:   cfg.Session.IdleTTL,
		Retention: cfg.Session.Retention,
		Interval:  cfg.Session.SweepInterval,
	}, repo, a.Orchestrator, retention.WithLogger(logger))

	return a, nil
}

// Close releases everything New opened.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
