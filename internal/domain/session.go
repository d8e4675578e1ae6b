// Package domain contains core domain types for the assessment agent.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the state-machine state of an assessment session.
type Phase string

const (
	PhaseInitializing       Phase = "initializing"
	PhaseGeneratingQuestion Phase = "generating_question"
	PhaseAwaitingAnswer     Phase = "awaiting_answer"
	PhaseProcessingAnswer   Phase = "processing_answer"
	PhaseCompletion         Phase = "completion"
	PhaseError              Phase = "error"

	PhaseCompleted  Phase = "completed"
	PhaseAbandoned  Phase = "abandoned"
	PhaseFatalError Phase = "fatal_error"
)

// IsTerminal reports whether no further questions can be issued in this phase.
// fatal_error is terminal for the question flow but may still be resumed.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseCompleted, PhaseAbandoned, PhaseFatalError:
		return true
	}
	return false
}

// IsClosed reports whether the session can never change again.
func (p Phase) IsClosed() bool {
	return p == PhaseCompleted || p == PhaseAbandoned
}

// Source records where a question came from.
type Source string

const (
	SourceGenerated Source = "generated"
	SourceFallback  Source = "fallback"
)

// Invariant violations surfaced by CheckInvariants and AppendQuestion.
var (
	ErrDuplicateQuestion = errors.New("duplicate question text")
	ErrInvariant         = errors.New("session invariant violated")
)

// maxDiagnostics bounds the diagnostic trail kept on a session.
const maxDiagnostics = 50

// QuestionRecord is one question issued in a session.
type QuestionRecord struct {
	QuestionID     int        `json:"question_id"`
	Text           string     `json:"text"`
	NormalizedText string     `json:"normalized_text"`
	Source         Source     `json:"source"`
	AskedAt        time.Time  `json:"asked_at"`
	Answer         *string    `json:"answer,omitempty"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
}

// IsAnswered returns true once an answer has been recorded.
func (q *QuestionRecord) IsAnswered() bool {
	return q.Answer != nil
}

// ErrorRecord describes the fault that moved a session to fatal_error.
type ErrorRecord struct {
	IncidentID string    `json:"incident_id"`
	Reason     string    `json:"reason"`
	Detail     string    `json:"detail,omitempty"`
	Phase      Phase     `json:"phase"`
	At         time.Time `json:"at"`
}

// Diagnostic is an operator-facing note about something that happened while
// sequencing the session (guard rejection, generation failure, fallback draw).
type Diagnostic struct {
	Kind   string    `json:"kind"`
	Level  int       `json:"level,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// AssessmentSession is the aggregate root persisted per session id.
type AssessmentSession struct {
	SessionID                     string            `json:"session_id"`
	FrameworkID                   string            `json:"framework_id"`
	Phase                         Phase             `json:"phase"`
	QuestionsAsked                []QuestionRecord  `json:"questions_asked"`
	QuestionsAnsweredCount        int               `json:"questions_answered_count"`
	PendingQuestion               *QuestionRecord   `json:"pending_question,omitempty"`
	// ConsecutiveGenerationFailures counts generation calls that failed in a
	// row for this session. It survives restarts, unlike the breaker, and
	// feeds the level 4 budget check.
	ConsecutiveGenerationFailures int               `json:"consecutive_generation_failures"`
	ResumeAttempts                int               `json:"resume_attempts"`
	Profile                       map[string]string `json:"profile,omitempty"`
	LastError                     *ErrorRecord      `json:"last_error,omitempty"`
	Diagnostics                   []Diagnostic      `json:"diagnostics,omitempty"`
	CreatedAt                     time.Time         `json:"created_at"`
	LastUpdatedAt                 time.Time         `json:"last_updated_at"`
	CompletedAt                   *time.Time        `json:"completed_at,omitempty"`
	CompletionReason              string            `json:"completion_reason,omitempty"`
	Version                       int64             `json:"version"`
}

// NewSession returns a session in the initializing phase.
func NewSession(sessionID, frameworkID string, now time.Time) *AssessmentSession {
	return &AssessmentSession{
		SessionID:      sessionID,
		FrameworkID:    frameworkID,
		Phase:          PhaseInitializing,
		QuestionsAsked: []QuestionRecord{},
		CreatedAt:      now,
		LastUpdatedAt:  now,
	}
}

// Clone returns a deep copy so a request can mutate state without touching
// the loaded original until the save succeeds.
func (s *AssessmentSession) Clone() *AssessmentSession {
	c := *s
	c.QuestionsAsked = make([]QuestionRecord, len(s.QuestionsAsked))
	for i, q := range s.QuestionsAsked {
		c.QuestionsAsked[i] = cloneRecord(q)
	}
	if s.PendingQuestion != nil {
		p := cloneRecord(*s.PendingQuestion)
		c.PendingQuestion = &p
	}
	if s.Profile != nil {
		c.Profile = make(map[string]string, len(s.Profile))
		for k, v := range s.Profile {
			c.Profile[k] = v
		}
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	c.Diagnostics = append([]Diagnostic(nil), s.Diagnostics...)
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func cloneRecord(q QuestionRecord) QuestionRecord {
	if q.Answer != nil {
		a := *q.Answer
		q.Answer = &a
	}
	if q.AnsweredAt != nil {
		t := *q.AnsweredAt
		q.AnsweredAt = &t
	}
	return q
}

// NextQuestionID returns the sequence number for the next question.
func (s *AssessmentSession) NextQuestionID() int {
	return len(s.QuestionsAsked) + 1
}

// AppendQuestion appends q to the history and makes it the pending question.
// The question id is assigned from the sequence.
func (s *AssessmentSession) AppendQuestion(q QuestionRecord, now time.Time) (QuestionRecord, error) {
	if q.NormalizedText == "" {
		q.NormalizedText = NormalizeText(q.Text)
	}
	if q.NormalizedText == "" {
		return QuestionRecord{}, fmt.Errorf("%w: empty question text", ErrInvariant)
	}
	for _, existing := range s.QuestionsAsked {
		if existing.NormalizedText == q.NormalizedText {
			return QuestionRecord{}, fmt.Errorf("%w: matches question %d", ErrDuplicateQuestion, existing.QuestionID)
		}
	}
	if s.PendingQuestion != nil {
		return QuestionRecord{}, fmt.Errorf("%w: question %d still pending", ErrInvariant, s.PendingQuestion.QuestionID)
	}

	q.QuestionID = s.NextQuestionID()
	q.AskedAt = now
	q.Answer = nil
	q.AnsweredAt = nil
	s.QuestionsAsked = append(s.QuestionsAsked, q)
	pending := cloneRecord(q)
	s.PendingQuestion = &pending
	return q, nil
}

// Question returns a pointer into the history for the given id, or nil.
func (s *AssessmentSession) Question(id int) *QuestionRecord {
	for i := range s.QuestionsAsked {
		if s.QuestionsAsked[i].QuestionID == id {
			return &s.QuestionsAsked[i]
		}
	}
	return nil
}

// RecordAnswer sets the answer on the pending question and clears it.
func (s *AssessmentSession) RecordAnswer(questionID int, answer string, now time.Time) error {
	if s.PendingQuestion == nil || s.PendingQuestion.QuestionID != questionID {
		return fmt.Errorf("%w: question %d is not pending", ErrInvariant, questionID)
	}
	q := s.Question(questionID)
	if q == nil {
		return fmt.Errorf("%w: pending question %d missing from history", ErrInvariant, questionID)
	}
	if q.IsAnswered() {
		return fmt.Errorf("%w: question %d already answered", ErrInvariant, questionID)
	}
	a := answer
	t := now
	q.Answer = &a
	q.AnsweredAt = &t
	s.QuestionsAnsweredCount++
	s.PendingQuestion = nil
	return nil
}

// AddDiagnostic appends an operator note, keeping only the most recent entries.
func (s *AssessmentSession) AddDiagnostic(d Diagnostic) {
	s.Diagnostics = append(s.Diagnostics, d)
	if over := len(s.Diagnostics) - maxDiagnostics; over > 0 {
		s.Diagnostics = append([]Diagnostic(nil), s.Diagnostics[over:]...)
	}
}

// CheckInvariants validates the structural invariants of the aggregate.
func (s *AssessmentSession) CheckInvariants() error {
	if s.PendingQuestion != nil && s.Phase != PhaseAwaitingAnswer {
		return fmt.Errorf("%w: pending question set in phase %s", ErrInvariant, s.Phase)
	}
	if s.Phase == PhaseAwaitingAnswer && s.PendingQuestion == nil {
		return fmt.Errorf("%w: awaiting answer without pending question", ErrInvariant)
	}

	seen := make(map[string]int, len(s.QuestionsAsked))
	answered := 0
	for i, q := range s.QuestionsAsked {
		if q.QuestionID != i+1 {
			return fmt.Errorf("%w: question %d out of sequence at index %d", ErrInvariant, q.QuestionID, i)
		}
		if prev, ok := seen[q.NormalizedText]; ok {
			return fmt.Errorf("%w: questions %d and %d share text", ErrDuplicateQuestion, prev, q.QuestionID)
		}
		seen[q.NormalizedText] = q.QuestionID
		if q.IsAnswered() {
			answered++
		}
	}
	if answered != s.QuestionsAnsweredCount {
		return fmt.Errorf("%w: answered count %d, history has %d answers", ErrInvariant, s.QuestionsAnsweredCount, answered)
	}

	if s.PendingQuestion != nil {
		q := s.Question(s.PendingQuestion.QuestionID)
		if q == nil || q.IsAnswered() {
			return fmt.Errorf("%w: pending question %d not an open history entry", ErrInvariant, s.PendingQuestion.QuestionID)
		}
	}
	return nil
}

// NormalizeText lower-cases text and collapses whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
