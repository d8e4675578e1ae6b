// Package retention runs the background sweep that abandons idle sessions
// and purges closed sessions past the retention window.
package retention

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ashureev/assessment-agent/internal/engine"
	"github.com/ashureev/assessment-agent/internal/store"
)

const (
	defaultInterval = 5 * time.Minute
	idleBatchSize   = 100
)

// Abandoner closes a session that has been idle since the cutoff.
type Abandoner interface {
	AbandonIdle(ctx context.Context, sessionID string, before time.Time) (bool, error)
}

// Config controls the sweep.
type Config struct {
	// IdleTTL is how long an open session may go without an update before it
	// is abandoned. Zero disables idle abandonment.
	IdleTTL time.Duration
	// Retention is how long closed sessions are kept. Zero disables purging.
	Retention time.Duration
	Interval  time.Duration
}

// Result summarizes one sweep.
type Result struct {
	Abandoned int   `json:"abandoned"`
	Skipped   int   `json:"skipped"`
	Deleted   int64 `json:"deleted"`
}

// Worker sweeps the session store.
type Worker struct {
	cfg       Config
	repo      store.Repository
	abandoner Abandoner
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Worker.
type Option func(*Worker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New returns a Worker. Idle sessions are closed through abandoner so the
// usual compare-and-swap and transcript rules apply.
func New(cfg Config, repo store.Repository, abandoner Abandoner, opts ...Option) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	w := &Worker{
		cfg:       cfg,
		repo:      repo,
		abandoner: abandoner,
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs Sweep on every interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Retention worker started",
			"interval", w.cfg.Interval, "idle_ttl", w.cfg.IdleTTL, "retention", w.cfg.Retention)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one pass. Errors are logged; the sweep continues with the next
// session.
func (w *Worker) Sweep(ctx context.Context) Result {
	var res Result
	now := w.now()

	if w.cfg.IdleTTL > 0 && w.abandoner != nil {
		w.abandonIdle(ctx, now.Add(-w.cfg.IdleTTL), &res)
	}

	if w.cfg.Retention > 0 {
		deleted, err := w.repo.DeleteClosedBefore(ctx, now.Add(-w.cfg.Retention))
		if err != nil {
			w.logger.Error("Retention worker failed to purge closed sessions", "error", err)
		} else if deleted > 0 {
			w.logger.Info("Retention worker purged closed sessions", "count", deleted)
		}
		res.Deleted = deleted
	}
	return res
}

func (w *Worker) abandonIdle(ctx context.Context, cutoff time.Time, res *Result) {
	idle, err := w.repo.ListIdle(ctx, cutoff, idleBatchSize)
	if err != nil {
		w.logger.Error("Retention worker failed to list idle sessions", "error", err)
		return
	}
	if len(idle) == 0 {
		return
	}
	w.logger.Info("Retention worker found idle sessions", "count", len(idle))

	for _, s := range idle {
		if ctx.Err() != nil {
			return
		}
		ok, err := w.abandoner.AbandonIdle(ctx, s.SessionID, cutoff)
		switch {
		case err == nil && ok:
			res.Abandoned++
		case err == nil:
			res.Skipped++
		case errors.Is(err, engine.ErrSessionNotFound):
			res.Skipped++
		default:
			res.Skipped++
			w.logger.Warn("Retention worker failed to abandon session",
				"session_id", s.SessionID, "error", err)
		}
	}
	w.logger.Info("Retention worker idle sweep completed",
		"abandoned", res.Abandoned, "skipped", res.Skipped)
}
