package engine

import (
	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/history"
)

// degrade draws the next question from the fallback bank. Bank questions
// pass the same near-term loop guard as generated ones. When nothing is
// left the session completes, or faults if it never asked anything.
func (r *run) degrade(h *history.Tracker) error {
	s := r.s
	for _, cand := range r.o.bank.Candidates(s.FrameworkID, h) {
		if d := r.o.guard.CheckCandidate(h, cand.NormalizedText); !d.Allowed {
			r.reject(d)
			continue
		}
		if r.accept(cand) {
			if s.Phase == domain.PhaseAwaitingAnswer {
				r.o.metrics.FallbackDrawn(s.FrameworkID)
				r.diagnose("fallback_drawn", 0, cand.Text)
			}
			return nil
		}
	}

	if h.Len() == 0 {
		r.fail(ReasonGenerationExhausted, "no generated or fallback question available")
		return nil
	}
	r.o.logger.Warn("Fallback bank exhausted, completing assessment",
		"session_id", s.SessionID, "questions_asked", h.Len())
	s.CompletionReason = CompletionFallbackExhausted
	r.transition(domain.PhaseCompletion)
	return nil
}
