// Package api provides HTTP handlers for the assessment API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ashureev/assessment-agent/internal/breaker"
	"github.com/ashureev/assessment-agent/internal/engine"
	"github.com/ashureev/assessment-agent/internal/fallback"
)

const (
	defaultMaxRequestBodySize = 64 << 10
	defaultRateLimitRequests  = 30
	defaultRateLimitWindow    = time.Minute
)

// Assessments is the session API the handlers drive. *engine.Orchestrator
// implements it.
type Assessments interface {
	Start(ctx context.Context, frameworkID string, profile map[string]string) (engine.View, error)
	Answer(ctx context.Context, sessionID string, questionID int, answer string) (engine.View, error)
	Resume(ctx context.Context, sessionID string) (engine.View, error)
	Status(ctx context.Context, sessionID string) (engine.View, error)
	Frameworks() []fallback.Framework
}

// Pinger reports storage connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Handler. Zero values select defaults.
type Options struct {
	RateLimitRequests   int
	RateLimitWindow     time.Duration
	MaxRequestBodyBytes int64
	Store               Pinger
	Breaker             *breaker.Breaker
	GenerationBackend   string
}

// Handler serves the assessment and health endpoints.
type Handler struct {
	svc         Assessments
	store       Pinger
	breaker     *breaker.Breaker
	backend     string
	rateLimiter *RateLimiter
	maxBodySize int64
	validate    *validator.Validate
}

// NewHandler creates a Handler over svc.
func NewHandler(svc Assessments, opts Options) *Handler {
	if opts.RateLimitRequests <= 0 {
		opts.RateLimitRequests = defaultRateLimitRequests
	}
	if opts.RateLimitWindow <= 0 {
		opts.RateLimitWindow = defaultRateLimitWindow
	}
	if opts.MaxRequestBodyBytes <= 0 {
		opts.MaxRequestBodyBytes = defaultMaxRequestBodySize
	}
	return &Handler{
		svc:         svc,
		store:       opts.Store,
		breaker:     opts.Breaker,
		backend:     opts.GenerationBackend,
		rateLimiter: NewRateLimiter(opts.RateLimitRequests, opts.RateLimitWindow),
		maxBodySize: opts.MaxRequestBodyBytes,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Close stops background work owned by the handler.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
