// Package generation wraps the external question generator behind a
// time-bounded call and a circuit breaker.
package generation

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashureev/assessment-agent/internal/breaker"
	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/observability"
)

// DefaultTimeout bounds a single generation call.
const DefaultTimeout = 10 * time.Second

// Client issues generation requests through a breaker.
type Client struct {
	backend Backend
	breaker *breaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
	metrics *observability.Metrics

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client. The breaker is owned by the caller and may be
// shared between clients.
func NewClient(backend Backend, br *breaker.Breaker, opts ...Option) *Client {
	if backend == nil {
		backend = DisabledBackend{}
	}
	if br == nil {
		br = breaker.New(breaker.DefaultConfig())
	}
	c := &Client{
		backend: backend,
		breaker: br,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Breaker returns the breaker guarding the backend.
func (c *Client) Breaker() *breaker.Breaker {
	return c.breaker
}

// BackendName returns the configured backend name.
func (c *Client) BackendName() string {
	return c.backend.Name()
}

// Generate asks the backend for the next question. The returned record has
// its text and normalized text filled in; the caller assigns the id.
//
// Errors wrap ErrGenerationFailed, except when ctx itself is cancelled, in
// which case ctx.Err() is returned and the breaker is left untouched.
func (c *Client) Generate(ctx context.Context, s *domain.AssessmentSession, hint Hint) (domain.QuestionRecord, error) {
	key := flightKey(s, hint)
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.call(ctx, s.SessionID, hint)
	})
	if shared {
		c.logger.Debug("Shared in-flight generation", "session_id", s.SessionID)
		// The call ran under another caller's context. If that caller went
		// away, this one is still live and gets its own attempt.
		if err != nil && ctx.Err() == nil && isContextErr(err) {
			c.logger.Debug("Shared generation cancelled by another caller, retrying", "session_id", s.SessionID)
			v, err = c.call(ctx, s.SessionID, hint)
		}
	}
	if err != nil {
		return domain.QuestionRecord{}, err
	}
	text, _ := v.(string)
	return domain.QuestionRecord{
		Text:           text,
		NormalizedText: domain.NormalizeText(text),
		Source:         domain.SourceGenerated,
	}, nil
}

func (c *Client) call(ctx context.Context, sessionID string, hint Hint) (string, error) {
	allowed, release := c.breaker.Allow()
	if !allowed {
		c.metrics.ObserveGeneration("rejected", 0)
		return "", fmt.Errorf("%w: %w", ErrGenerationUnavailable, breaker.ErrCircuitOpen)
	}
	if release != nil {
		defer release()
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := c.backend.Generate(callCtx, BuildPrompt(hint))
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			c.metrics.ObserveGeneration("cancelled", elapsed)
			return "", ctx.Err()
		}
		c.breaker.RecordFailure()
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			c.metrics.ObserveGeneration("timeout", elapsed)
			c.logger.Warn("Question generation timed out",
				"session_id", sessionID, "backend", c.backend.Name(), "timeout", c.timeout)
			return "", fmt.Errorf("%w after %s", ErrGenerationTimeout, c.timeout)
		}
		c.metrics.ObserveGeneration("error", elapsed)
		c.logger.Warn("Question generation failed",
			"session_id", sessionID, "backend", c.backend.Name(), "error", err)
		if errors.Is(err, ErrGenerationFailed) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	text := ParseQuestion(raw)
	if text == "" {
		c.breaker.RecordFailure()
		c.metrics.ObserveGeneration("empty", elapsed)
		return "", ErrEmptyResponse
	}

	c.breaker.RecordSuccess()
	c.metrics.ObserveGeneration("success", elapsed)
	return text, nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// flightKey identifies one generation request for a given session state.
// Concurrent requests for the same state share a single backend call.
func flightKey(s *domain.AssessmentSession, hint Hint) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.Join(hint.Avoid, "\x00")))
	return fmt.Sprintf("%s:%d:%d:%x", s.SessionID, s.Version, s.NextQuestionID(), h.Sum64())
}
