// Package guard implements the loop prevention checks run on every candidate
// question before it is accepted into a session.
//
// Checks are ordered by level:
//
//	1. identical text to the most recent question
//	2. similarity above threshold against the last K questions
//	3. too many unanswered questions
//	4. question count past the framework budget plus safety margin
//	5. levels 1-2 re-run against the entire history after generation
//
// All checks are pure functions of the configuration and the history view.
package guard

import (
	"fmt"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/history"
)

// Level identifies which check produced a decision.
type Level int

const (
	LevelNone Level = iota
	LevelIdentical
	LevelSimilar
	LevelPendingCap
	LevelQuestionBudget
	LevelLongRange
)

// String returns a short label used in logs and metrics.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelIdentical:
		return "identical"
	case LevelSimilar:
		return "similar"
	case LevelPendingCap:
		return "pending_cap"
	case LevelQuestionBudget:
		return "question_budget"
	case LevelLongRange:
		return "long_range"
	default:
		return "unknown"
	}
}

// Retryable reports whether a rejection at this level should trigger another
// generation attempt rather than a phase transition.
func (l Level) Retryable() bool {
	return l == LevelIdentical || l == LevelSimilar || l == LevelLongRange
}

// Config holds the guard thresholds.
type Config struct {
	// SimilarityThreshold rejects candidates scoring strictly above it (default 0.85).
	SimilarityThreshold float64
	// HistoryWindow is K, the number of recent questions compared at level 2 (default 5).
	HistoryWindow int
	// MaxPending is M, the number of unanswered questions tolerated (default 1).
	MaxPending int
	// SafetyMargin is added to the framework's expected question count (default 5).
	SafetyMargin int
}

// DefaultConfig returns the default guard thresholds.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		HistoryWindow:       5,
		MaxPending:          1,
		SafetyMargin:        5,
	}
}

// Decision is the outcome of a guard check.
type Decision struct {
	Allowed    bool
	Level      Level
	Reason     string
	Similarity float64
	MatchID    int
}

func allow() Decision {
	return Decision{Allowed: true, Level: LevelNone}
}

// Guard evaluates candidates against a session history.
type Guard struct {
	cfg Config
}

// New creates a guard, filling zero fields with defaults.
func New(cfg Config) *Guard {
	def := DefaultConfig()
	if cfg.SimilarityThreshold <= 0 || cfg.SimilarityThreshold > 1 {
		cfg.SimilarityThreshold = def.SimilarityThreshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.SafetyMargin < 0 {
		cfg.SafetyMargin = def.SafetyMargin
	}
	return &Guard{cfg: cfg}
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// CheckCandidate runs levels 1 and 2 for a normalized candidate.
func (g *Guard) CheckCandidate(h *history.Tracker, normalized string) Decision {
	if last, ok := h.Last(); ok && last.NormalizedText == normalized {
		return Decision{
			Level:      LevelIdentical,
			Reason:     fmt.Sprintf("identical to most recent question %d", last.QuestionID),
			Similarity: 1,
			MatchID:    last.QuestionID,
		}
	}
	return g.checkSimilar(h.Recent(g.cfg.HistoryWindow), normalized, LevelSimilar)
}

// CheckPostGeneration re-runs levels 1 and 2 against the entire history.
func (g *Guard) CheckPostGeneration(h *history.Tracker, normalized string) Decision {
	if h.Contains(normalized) {
		for _, q := range h.All() {
			if q.NormalizedText == normalized {
				return Decision{
					Level:      LevelLongRange,
					Reason:     fmt.Sprintf("identical to earlier question %d", q.QuestionID),
					Similarity: 1,
					MatchID:    q.QuestionID,
				}
			}
		}
	}
	return g.checkSimilar(h.All(), normalized, LevelLongRange)
}

// CheckPending is level 3: generating another question must not leave more
// than MaxPending questions unanswered.
func (g *Guard) CheckPending(h *history.Tracker) Decision {
	if n := h.UnansweredCount(); n >= g.cfg.MaxPending {
		return Decision{
			Level:  LevelPendingCap,
			Reason: fmt.Sprintf("%d unanswered questions (max %d)", n, g.cfg.MaxPending),
		}
	}
	return allow()
}

// CheckBudget is level 4: stop once the history reaches the framework's
// expected question count plus the safety margin, or once generation has
// failed that many times in a row for the session.
func (g *Guard) CheckBudget(h *history.Tracker, expected, generationFailures int) Decision {
	limit := expected + g.cfg.SafetyMargin
	if h.Len() >= limit {
		return Decision{
			Level:  LevelQuestionBudget,
			Reason: fmt.Sprintf("%d questions asked (limit %d)", h.Len(), limit),
		}
	}
	if generationFailures >= limit {
		return Decision{
			Level:  LevelQuestionBudget,
			Reason: fmt.Sprintf("%d consecutive generation failures (limit %d)", generationFailures, limit),
		}
	}
	return allow()
}

// QuestionLimit returns the hard cap on questions for a framework.
func (g *Guard) QuestionLimit(expected int) int {
	return expected + g.cfg.SafetyMargin
}

func (g *Guard) checkSimilar(window []domain.QuestionRecord, normalized string, level Level) Decision {
	candidate := Tokens(normalized)
	best := Decision{Allowed: true, Level: LevelNone}
	for _, q := range window {
		score := Similarity(candidate, Tokens(q.NormalizedText))
		if score > g.cfg.SimilarityThreshold && score > best.Similarity {
			best = Decision{
				Level:      level,
				Reason:     fmt.Sprintf("similarity %.2f with question %d exceeds %.2f", score, q.QuestionID, g.cfg.SimilarityThreshold),
				Similarity: score,
				MatchID:    q.QuestionID,
			}
		}
	}
	return best
}
