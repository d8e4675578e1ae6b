package engine

import (
	"errors"

	"github.com/ashureev/assessment-agent/internal/fallback"
)

// Errors returned by the orchestrator. Callers map them to transport status.
var (
	ErrUnknownFramework = fallback.ErrUnknownFramework
	ErrSessionNotFound  = errors.New("assessment session not found")
	ErrSessionClosed    = errors.New("assessment session is closed")
	// ErrUnavailable covers store outages, exhausted conflict retries and
	// sessions parked in fatal_error. Its text is safe to show to end users.
	ErrUnavailable    = errors.New("assessment temporarily unavailable, please retry")
	ErrInvalidRequest = errors.New("invalid request")
)

// Reason codes recorded on ErrorRecord when a session enters fatal_error.
const (
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonInvariantViolation  = "invariant_violation"
	ReasonInvalidTransition   = "invalid_transition"
	ReasonGenerationExhausted = "generation_exhausted"
	ReasonStepLimitExceeded   = "step_limit_exceeded"
	ReasonUnknownFramework    = "unknown_framework"
)

// Completion reasons recorded on completed sessions.
const (
	CompletionTargetReached     = "target_reached"
	CompletionQuestionBudget    = "question_budget"
	CompletionFallbackExhausted = "fallback_exhausted"
)
