package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/transcript"
)

// maxSteps bounds the internal transitions taken while handling one request.
const maxSteps = 16

// transitions is the complete edge set of the session state machine.
var transitions = map[domain.Phase][]domain.Phase{
	domain.PhaseInitializing:       {domain.PhaseGeneratingQuestion, domain.PhaseError, domain.PhaseAbandoned},
	domain.PhaseGeneratingQuestion: {domain.PhaseAwaitingAnswer, domain.PhaseCompletion, domain.PhaseError},
	domain.PhaseAwaitingAnswer:     {domain.PhaseProcessingAnswer, domain.PhaseError, domain.PhaseAbandoned},
	domain.PhaseProcessingAnswer:   {domain.PhaseGeneratingQuestion, domain.PhaseCompletion, domain.PhaseError},
	domain.PhaseCompletion:         {domain.PhaseCompleted, domain.PhaseError},
	domain.PhaseError:              {domain.PhaseFatalError},
	domain.PhaseFatalError:         {domain.PhaseGeneratingQuestion, domain.PhaseAwaitingAnswer, domain.PhaseAbandoned},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to domain.Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// isResting reports whether a request may end with the session in phase p.
// Every other phase is transient within a single request.
func isResting(p domain.Phase) bool {
	switch p {
	case domain.PhaseAwaitingAnswer, domain.PhaseCompleted, domain.PhaseAbandoned, domain.PhaseFatalError:
		return true
	}
	return false
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdAnswer
	cmdResume
	cmdAbandon
)

type command struct {
	kind       commandKind
	profile    map[string]string
	questionID int
	answer     string
	reason     string
	idleBefore time.Time
}

// run is the state for a single pass of the router over a working copy of
// the session. Nothing in it is visible outside the request until the save.
type run struct {
	o       *Orchestrator
	s       *domain.AssessmentSession
	startAt domain.Phase

	changed bool
	stale   bool
	events  []transcript.Event
	moves   [][2]domain.Phase
}

func (r *run) transition(to domain.Phase) {
	from := r.s.Phase
	if !CanTransition(from, to) {
		r.fail(ReasonInvalidTransition, fmt.Sprintf("%s -> %s", from, to))
		return
	}
	r.s.Phase = to
	r.changed = true
	r.moves = append(r.moves, [2]domain.Phase{from, to})
}

func (r *run) emit(e transcript.Event) {
	e.SessionID = r.s.SessionID
	e.FrameworkID = r.s.FrameworkID
	if e.Phase == "" {
		e.Phase = string(r.s.Phase)
	}
	e.Timestamp = r.o.now()
	r.events = append(r.events, e)
}

func (r *run) diagnose(kind string, level int, detail string) {
	r.s.AddDiagnostic(domain.Diagnostic{Kind: kind, Level: level, Detail: detail, At: r.o.now()})
	r.changed = true
}

// apply handles the inbound command and then drives the state machine until
// the session reaches a resting phase.
func (r *run) apply(ctx context.Context, cmd command) error {
	s := r.s

	switch cmd.kind {
	case cmdStart:
		if s.Phase != domain.PhaseInitializing {
			return nil
		}
		if len(cmd.profile) > 0 {
			s.Profile = cmd.profile
			r.changed = true
		}
		r.emit(transcript.Event{EventType: transcript.EventSessionStarted})

	case cmdResume:
		if s.Phase != domain.PhaseFatalError {
			return nil
		}
		r.resume()

	case cmdAbandon:
		if s.Phase.IsClosed() {
			return nil
		}
		r.abandon(cmd.reason)
		return nil

	case cmdAnswer:
		if s.Phase.IsClosed() {
			return ErrSessionClosed
		}
		if s.Phase == domain.PhaseFatalError {
			r.resume()
			if s.Phase == domain.PhaseAbandoned {
				return nil
			}
		}
		if s.Phase != domain.PhaseAwaitingAnswer || s.PendingQuestion == nil ||
			s.PendingQuestion.QuestionID != cmd.questionID {
			r.stale = true
			break
		}
		if err := s.RecordAnswer(cmd.questionID, cmd.answer, r.o.now()); err != nil {
			r.fail(ReasonInvariantViolation, err.Error())
			break
		}
		r.changed = true
		r.emit(transcript.Event{
			EventType:  transcript.EventAnswerRecorded,
			QuestionID: cmd.questionID,
			ContentRaw: cmd.answer,
		})
		r.transition(domain.PhaseProcessingAnswer)
	}

	return r.drive(ctx)
}

func (r *run) drive(ctx context.Context) error {
	for steps := 0; !isResting(r.s.Phase); steps++ {
		if steps >= maxSteps {
			r.fail(ReasonStepLimitExceeded, fmt.Sprintf("no resting phase after %d steps", maxSteps))
			r.finishError()
			break
		}

		switch r.s.Phase {
		case domain.PhaseInitializing:
			r.initialize()
		case domain.PhaseGeneratingQuestion:
			if err := r.generate(ctx); err != nil {
				return err
			}
		case domain.PhaseProcessingAnswer:
			r.processAnswer()
		case domain.PhaseCompletion:
			r.complete()
		case domain.PhaseError:
			r.finishError()
		default:
			r.fail(ReasonInvalidTransition, fmt.Sprintf("no handler for phase %s", r.s.Phase))
		}
	}

	if r.changed && r.s.Phase != domain.PhaseFatalError {
		if err := r.s.CheckInvariants(); err != nil {
			r.fail(ReasonInvariantViolation, err.Error())
			r.finishError()
		}
	}
	return nil
}

func (r *run) initialize() {
	if _, err := r.o.bank.Framework(r.s.FrameworkID); err != nil {
		r.fail(ReasonUnknownFramework, err.Error())
		return
	}
	r.transition(domain.PhaseGeneratingQuestion)
}

func (r *run) processAnswer() {
	fw, err := r.o.bank.Framework(r.s.FrameworkID)
	if err != nil {
		r.fail(ReasonUnknownFramework, err.Error())
		return
	}
	if r.s.QuestionsAnsweredCount >= fw.ExpectedQuestions {
		r.s.CompletionReason = CompletionTargetReached
		r.transition(domain.PhaseCompletion)
		return
	}
	r.transition(domain.PhaseGeneratingQuestion)
}

func (r *run) complete() {
	now := r.o.now()
	r.s.PendingQuestion = nil
	r.s.CompletedAt = &now
	if r.s.CompletionReason == "" {
		r.s.CompletionReason = CompletionTargetReached
	}
	r.transition(domain.PhaseCompleted)
	r.emit(transcript.Event{EventType: transcript.EventCompleted, Reason: r.s.CompletionReason})
}

func (r *run) abandon(reason string) {
	r.s.PendingQuestion = nil
	r.transition(domain.PhaseAbandoned)
	r.emit(transcript.Event{EventType: transcript.EventAbandoned, Reason: reason})
}
