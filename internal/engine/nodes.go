package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/generation"
	"github.com/ashureev/assessment-agent/internal/guard"
	"github.com/ashureev/assessment-agent/internal/history"
	"github.com/ashureev/assessment-agent/internal/transcript"
)

// generationAttempts is one call plus one retry after a loop-guard rejection.
const generationAttempts = 2

// generate runs the generating_question node: hard caps first, then the
// generator with guard checks, then the fallback bank.
func (r *run) generate(ctx context.Context) error {
	s := r.s
	fw, err := r.o.bank.Framework(s.FrameworkID)
	if err != nil {
		r.fail(ReasonUnknownFramework, err.Error())
		return nil
	}
	h := history.NewTracker(s)

	if d := r.o.guard.CheckBudget(h, fw.ExpectedQuestions, s.ConsecutiveGenerationFailures); !d.Allowed {
		r.reject(d)
		s.CompletionReason = CompletionQuestionBudget
		r.transition(domain.PhaseCompletion)
		return nil
	}

	if d := r.o.guard.CheckPending(h); !d.Allowed {
		r.reject(d)
		if q, ok := h.LastUnanswered(); ok {
			pending := q
			s.PendingQuestion = &pending
			r.transition(domain.PhaseAwaitingAnswer)
			return nil
		}
		r.fail(ReasonInvariantViolation, "pending cap reached without an unanswered question")
		return nil
	}

	hint := generation.Hint{
		FrameworkID:   fw.ID,
		FrameworkName: fw.Name,
		PriorAnswers:  h.Answered(),
		Remaining:     fw.ExpectedQuestions - s.QuestionsAnsweredCount,
		Profile:       s.Profile,
	}

	for attempt := 0; attempt < generationAttempts; attempt++ {
		cand, err := r.o.generator.Generate(ctx, s, hint)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.ConsecutiveGenerationFailures++
			r.diagnose("generation_failed", 0, err.Error())
			r.o.logger.Warn("Question generation failed, using fallback",
				"session_id", s.SessionID, "consecutive_failures", s.ConsecutiveGenerationFailures, "error", err)
			break
		}
		if s.ConsecutiveGenerationFailures != 0 {
			s.ConsecutiveGenerationFailures = 0
			r.changed = true
		}

		d := r.o.guard.CheckCandidate(h, cand.NormalizedText)
		if d.Allowed {
			d = r.o.guard.CheckPostGeneration(h, cand.NormalizedText)
		}
		if d.Allowed && r.accept(cand) {
			return nil
		}
		if !d.Allowed {
			r.reject(d)
			if m := s.Question(d.MatchID); m != nil {
				hint.Avoid = append(hint.Avoid, m.Text)
			}
		}
		hint.Avoid = append(hint.Avoid, cand.Text)
	}

	return r.degrade(h)
}

// accept appends q as the new pending question. It returns false when the
// session refuses the question (duplicate text), leaving state unchanged.
func (r *run) accept(q domain.QuestionRecord) bool {
	rec, err := r.s.AppendQuestion(q, r.o.now())
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateQuestion) {
			r.diagnose("duplicate_rejected", int(guard.LevelLongRange), err.Error())
			return false
		}
		r.fail(ReasonInvariantViolation, err.Error())
		return true
	}
	r.changed = true
	r.transition(domain.PhaseAwaitingAnswer)
	r.emit(transcript.Event{
		EventType:  transcript.EventQuestionIssued,
		QuestionID: rec.QuestionID,
		Source:     string(rec.Source),
		ContentRaw: rec.Text,
	})
	return true
}

func (r *run) reject(d guard.Decision) {
	r.o.metrics.GuardRejected(d.Level.String())
	r.diagnose("guard_rejected", int(d.Level), d.Reason)
	r.o.logger.Debug("Loop guard rejected candidate",
		"session_id", r.s.SessionID, "level", d.Level.String(), "reason", d.Reason)
}

// fail records the fault and moves the session to the error node.
func (r *run) fail(reason, detail string) {
	s := r.s
	if s.Phase == domain.PhaseError || s.Phase == domain.PhaseFatalError {
		return
	}
	s.LastError = &domain.ErrorRecord{
		IncidentID: r.o.newIncidentID(),
		Reason:     reason,
		Detail:     detail,
		Phase:      s.Phase,
		At:         r.o.now(),
	}
	s.PendingQuestion = nil
	// Faults can be raised from any phase, so the error edge is taken directly.
	r.moves = append(r.moves, [2]domain.Phase{s.Phase, domain.PhaseError})
	s.Phase = domain.PhaseError
	r.changed = true
	r.o.logger.Error("Assessment session fault",
		"session_id", s.SessionID, "incident_id", s.LastError.IncidentID,
		"reason", reason, "detail", detail, "phase", string(s.LastError.Phase))
}

// finishError runs the error node: park the session in fatal_error.
func (r *run) finishError() {
	if r.s.Phase != domain.PhaseError {
		return
	}
	r.transition(domain.PhaseFatalError)
	reason := ""
	if r.s.LastError != nil {
		reason = r.s.LastError.Reason
	}
	r.emit(transcript.Event{EventType: transcript.EventFault, Reason: reason})
}

// resume leaves fatal_error, or abandons the session once the resume budget
// is spent.
func (r *run) resume() {
	s := r.s
	s.ResumeAttempts++
	r.changed = true

	if s.ResumeAttempts > r.o.cfg.MaxResumeAttempts {
		r.abandon(fmt.Sprintf("resume attempts exhausted (%d)", r.o.cfg.MaxResumeAttempts))
		return
	}

	r.emit(transcript.Event{EventType: transcript.EventResumed})
	h := history.NewTracker(s)
	if q, ok := h.LastUnanswered(); ok {
		pending := q
		s.PendingQuestion = &pending
		r.transition(domain.PhaseAwaitingAnswer)
		return
	}
	r.transition(domain.PhaseGeneratingQuestion)
}
