// Package engine sequences assessment sessions: it loads a session, runs the
// transition router over a working copy and saves the result with
// compare-and-swap, retrying on conflict.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/fallback"
	"github.com/ashureev/assessment-agent/internal/generation"
	"github.com/ashureev/assessment-agent/internal/guard"
	"github.com/ashureev/assessment-agent/internal/observability"
	"github.com/ashureev/assessment-agent/internal/store"
	"github.com/ashureev/assessment-agent/internal/transcript"
)

// parkTimeout bounds the best-effort fatal_error write after a store outage.
const parkTimeout = 2 * time.Second

// Generator produces the next candidate question for a session.
type Generator interface {
	Generate(ctx context.Context, s *domain.AssessmentSession, hint generation.Hint) (domain.QuestionRecord, error)
}

// Config holds orchestrator limits.
type Config struct {
	MaxResumeAttempts  int
	ConflictMaxRetries int
	StoreRetry         store.RetryPolicy
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxResumeAttempts:  3,
		ConflictMaxRetries: 5,
		StoreRetry:         store.DefaultRetryPolicy(),
	}
}

// Deps are the collaborators of an Orchestrator. Store, Generator and Bank
// are required.
type Deps struct {
	Store      store.Repository
	Generator  Generator
	Guard      *guard.Guard
	Bank       *fallback.Bank
	Sink       CompletionSink
	Transcript transcript.Logger
	Metrics    *observability.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time
	NewID      func() string
}

// Orchestrator is the single entry point for session commands.
type Orchestrator struct {
	cfg        Config
	store      store.Repository
	generator  Generator
	guard      *guard.Guard
	bank       *fallback.Bank
	sink       CompletionSink
	transcript transcript.Logger
	metrics    *observability.Metrics
	logger     *slog.Logger
	clock      func() time.Time
	newID      func() string
}

// New wires an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if deps.Generator == nil {
		return nil, errors.New("engine: generator is required")
	}
	if deps.Bank == nil {
		return nil, errors.New("engine: fallback bank is required")
	}

	def := DefaultConfig()
	if cfg.MaxResumeAttempts <= 0 {
		cfg.MaxResumeAttempts = def.MaxResumeAttempts
	}
	if cfg.ConflictMaxRetries <= 0 {
		cfg.ConflictMaxRetries = def.ConflictMaxRetries
	}
	if cfg.StoreRetry.BaseDelay <= 0 {
		cfg.StoreRetry = def.StoreRetry
	}

	o := &Orchestrator{
		cfg:        cfg,
		store:      deps.Store,
		generator:  deps.Generator,
		guard:      deps.Guard,
		bank:       deps.Bank,
		sink:       deps.Sink,
		transcript: deps.Transcript,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		clock:      deps.Clock,
		newID:      deps.NewID,
	}
	if o.guard == nil {
		o.guard = guard.New(guard.DefaultConfig())
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.sink == nil {
		o.sink = LogSink{Logger: o.logger}
	}
	if o.transcript == nil {
		o.transcript = transcript.Nop()
	}
	if o.clock == nil {
		o.clock = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

func (o *Orchestrator) now() time.Time {
	return o.clock()
}

func (o *Orchestrator) newIncidentID() string {
	return ulid.MustNew(ulid.Timestamp(o.now()), ulid.DefaultEntropy()).String()
}

// QuestionView is the user-facing part of a question record.
type QuestionView struct {
	ID   int    `json:"question_id"`
	Text string `json:"text"`
}

// View is what a command returns to the transport layer. It never carries
// diagnostic detail.
type View struct {
	SessionID              string             `json:"session_id"`
	FrameworkID            string             `json:"framework_id"`
	Phase                  domain.Phase       `json:"phase"`
	QuestionsAnsweredCount int                `json:"questions_answered_count"`
	PendingQuestion        *QuestionView      `json:"pending_question,omitempty"`
	Completion             *CompletionSummary `json:"completion_summary,omitempty"`
	Stale                  bool               `json:"-"`

	abandonedNow bool
}

func newView(s *domain.AssessmentSession) View {
	v := View{
		SessionID:              s.SessionID,
		FrameworkID:            s.FrameworkID,
		Phase:                  s.Phase,
		QuestionsAnsweredCount: s.QuestionsAnsweredCount,
	}
	if s.PendingQuestion != nil {
		v.PendingQuestion = &QuestionView{ID: s.PendingQuestion.QuestionID, Text: s.PendingQuestion.Text}
	}
	if s.Phase == domain.PhaseCompleted {
		sum := Summarize(s)
		v.Completion = &sum
	}
	return v
}

// Start creates a session for the framework and returns its first question.
func (o *Orchestrator) Start(ctx context.Context, frameworkID string, profile map[string]string) (View, error) {
	frameworkID = strings.TrimSpace(frameworkID)
	if frameworkID == "" {
		return View{}, fmt.Errorf("%w: framework_id is required", ErrInvalidRequest)
	}
	if _, err := o.bank.Framework(frameworkID); err != nil {
		return View{}, err
	}

	id := o.newID()
	err := store.Retry(ctx, o.cfg.StoreRetry, func() error {
		_, err := o.store.Create(ctx, id, frameworkID)
		return err
	}, o.onStoreRetry)
	if err != nil {
		if ctx.Err() != nil {
			return View{}, ctx.Err()
		}
		o.logger.Error("Failed to create assessment session", "session_id", id, "error", err)
		return View{}, ErrUnavailable
	}
	o.logger.Info("Assessment session created", "session_id", id, "framework_id", frameworkID)

	return o.execute(ctx, id, command{kind: cmdStart, profile: profile})
}

// Answer records the answer to the pending question and advances the
// session. A mismatched question id leaves the session unchanged and
// returns the current pending question with Stale set.
func (o *Orchestrator) Answer(ctx context.Context, sessionID string, questionID int, answer string) (View, error) {
	if strings.TrimSpace(answer) == "" {
		return View{}, fmt.Errorf("%w: answer_text is required", ErrInvalidRequest)
	}
	return o.execute(ctx, sessionID, command{kind: cmdAnswer, questionID: questionID, answer: answer})
}

// Resume moves a session out of fatal_error. It is a no-op in any other phase.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (View, error) {
	return o.execute(ctx, sessionID, command{kind: cmdResume})
}

// Abandon closes an open session.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID, reason string) (View, error) {
	return o.execute(ctx, sessionID, command{kind: cmdAbandon, reason: reason})
}

// AbandonIdle abandons the session only if it has not been updated since
// the cutoff. It reports whether the session was abandoned by this call.
func (o *Orchestrator) AbandonIdle(ctx context.Context, sessionID string, before time.Time) (bool, error) {
	v, err := o.execute(ctx, sessionID, command{kind: cmdAbandon, reason: "idle timeout", idleBefore: before})
	if err != nil {
		return false, err
	}
	return v.abandonedNow, nil
}

// Status returns the session's phase and progress without changing it.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (View, error) {
	s, err := o.load(ctx, sessionID)
	if err != nil {
		return View{}, err
	}
	return newView(s), nil
}

// Frameworks lists the framework catalog.
func (o *Orchestrator) Frameworks() []fallback.Framework {
	return o.bank.Frameworks()
}

func (o *Orchestrator) load(ctx context.Context, sessionID string) (*domain.AssessmentSession, error) {
	var s *domain.AssessmentSession
	err := store.Retry(ctx, o.cfg.StoreRetry, func() error {
		var err error
		s, err = o.store.Load(ctx, sessionID)
		return err
	}, o.onStoreRetry)
	switch {
	case err == nil:
		return s, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrSessionNotFound
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		o.logger.Error("Failed to load assessment session", "session_id", sessionID, "error", err)
		return nil, ErrUnavailable
	}
}

// execute runs one command: load, route over a copy, save. A version
// conflict discards the copy and starts over from a fresh load.
func (o *Orchestrator) execute(ctx context.Context, sessionID string, cmd command) (View, error) {
	for attempt := 0; ; attempt++ {
		loaded, err := o.load(ctx, sessionID)
		if err != nil {
			return View{}, err
		}

		r := &run{o: o, s: loaded.Clone(), startAt: loaded.Phase}
		if cmd.kind == cmdAbandon && !cmd.idleBefore.IsZero() && loaded.LastUpdatedAt.After(cmd.idleBefore) {
			return newView(loaded), nil
		}
		if err := r.apply(ctx, cmd); err != nil {
			return View{}, err
		}
		if !r.changed {
			return o.result(r)
		}

		err = store.Retry(ctx, o.cfg.StoreRetry, func() error {
			return o.store.Save(ctx, r.s)
		}, o.onStoreRetry)
		switch {
		case err == nil:
			o.afterSave(ctx, r)
			return o.result(r)

		case errors.Is(err, store.ErrVersionConflict):
			o.metrics.StoreRetry("conflict")
			if attempt >= o.cfg.ConflictMaxRetries {
				o.logger.Warn("Giving up after repeated version conflicts",
					"session_id", sessionID, "attempts", attempt+1)
				return View{}, ErrUnavailable
			}
			o.logger.Debug("Version conflict, reloading session",
				"session_id", sessionID, "attempt", attempt+1)
			continue

		case errors.Is(err, store.ErrNotFound):
			return View{}, ErrSessionNotFound

		case ctx.Err() != nil:
			return View{}, ctx.Err()

		default:
			o.park(ctx, loaded, err)
			return View{}, ErrUnavailable
		}
	}
}

func (o *Orchestrator) result(r *run) (View, error) {
	v := newView(r.s)
	v.Stale = r.stale
	v.abandonedNow = r.s.Phase == domain.PhaseAbandoned && r.startAt != domain.PhaseAbandoned
	if r.s.Phase == domain.PhaseFatalError {
		return v, ErrUnavailable
	}
	return v, nil
}

// park records store_unavailable on the last loaded version of the session.
// The store is likely still failing, so this is best effort.
func (o *Orchestrator) park(ctx context.Context, loaded *domain.AssessmentSession, cause error) {
	o.logger.Error("Session store unavailable after retries",
		"session_id", loaded.SessionID, "error", cause)
	if loaded.Phase.IsClosed() || loaded.Phase == domain.PhaseFatalError {
		return
	}

	s := loaded.Clone()
	from := s.Phase
	s.PendingQuestion = nil
	s.Phase = domain.PhaseFatalError
	s.LastError = &domain.ErrorRecord{
		IncidentID: o.newIncidentID(),
		Reason:     ReasonStoreUnavailable,
		Detail:     cause.Error(),
		Phase:      from,
		At:         o.now(),
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), parkTimeout)
	defer cancel()
	if err := o.store.Save(pctx, s); err != nil {
		o.logger.Warn("Failed to persist fatal_error after store outage",
			"session_id", s.SessionID, "error", err)
		return
	}
	o.metrics.PhaseTransition(string(from), string(domain.PhaseFatalError))
}

// afterSave publishes the side effects of a committed run. Only the request
// whose save succeeded gets here, so each effect happens once.
func (o *Orchestrator) afterSave(ctx context.Context, r *run) {
	for _, e := range r.events {
		o.transcript.Log(e)
	}
	for _, m := range r.moves {
		o.metrics.PhaseTransition(string(m[0]), string(m[1]))
	}
	if r.startAt == domain.PhaseInitializing {
		o.metrics.SessionStarted()
	}

	end := r.s.Phase
	if end != r.startAt && (end.IsClosed() || end == domain.PhaseFatalError) {
		o.metrics.SessionFinished(string(end))
	}
	if end == domain.PhaseCompleted && r.startAt != domain.PhaseCompleted {
		if err := o.sink.Deliver(context.WithoutCancel(ctx), Summarize(r.s)); err != nil {
			o.logger.Error("Completion hand-off failed", "session_id", r.s.SessionID, "error", err)
		}
	}
}

func (o *Orchestrator) onStoreRetry(attempt int, err error) {
	o.metrics.StoreRetry("transient")
	o.logger.Debug("Retrying session store operation", "attempt", attempt, "error", err)
}
