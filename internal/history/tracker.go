// Package history provides a read view over the questions issued in a session.
package history

import (
	"github.com/ashureev/assessment-agent/internal/domain"
)

// AnsweredQuestion pairs a question with the answer given to it.
type AnsweredQuestion struct {
	QuestionID int
	Question   string
	Answer     string
}

// Tracker indexes a session's question history for the loop guard.
// It is derived from session state and never persisted on its own.
type Tracker struct {
	records    []domain.QuestionRecord
	normalized map[string]int
}

// NewTracker builds a tracker over the session's current history.
func NewTracker(s *domain.AssessmentSession) *Tracker {
	t := &Tracker{
		records:    make([]domain.QuestionRecord, 0, len(s.QuestionsAsked)),
		normalized: make(map[string]int, len(s.QuestionsAsked)),
	}
	for _, q := range s.QuestionsAsked {
		t.Track(q)
	}
	return t
}

// Track records a newly appended question.
func (t *Tracker) Track(q domain.QuestionRecord) {
	t.records = append(t.records, q)
	t.normalized[q.NormalizedText] = q.QuestionID
}

// Len returns the number of questions asked.
func (t *Tracker) Len() int {
	return len(t.records)
}

// Last returns the most recently asked question.
func (t *Tracker) Last() (domain.QuestionRecord, bool) {
	if len(t.records) == 0 {
		return domain.QuestionRecord{}, false
	}
	return t.records[len(t.records)-1], true
}

// Recent returns up to the last n questions, oldest first.
func (t *Tracker) Recent(n int) []domain.QuestionRecord {
	if n <= 0 {
		return nil
	}
	if n >= len(t.records) {
		return t.records
	}
	return t.records[len(t.records)-n:]
}

// All returns the full history, oldest first.
func (t *Tracker) All() []domain.QuestionRecord {
	return t.records
}

// Contains reports whether a question with this normalized text was asked.
func (t *Tracker) Contains(normalized string) bool {
	_, ok := t.normalized[normalized]
	return ok
}

// UnansweredCount returns how many asked questions have no answer yet.
func (t *Tracker) UnansweredCount() int {
	n := 0
	for i := range t.records {
		if !t.records[i].IsAnswered() {
			n++
		}
	}
	return n
}

// LastUnanswered returns the most recent question without an answer.
func (t *Tracker) LastUnanswered() (domain.QuestionRecord, bool) {
	for i := len(t.records) - 1; i >= 0; i-- {
		if !t.records[i].IsAnswered() {
			return t.records[i], true
		}
	}
	return domain.QuestionRecord{}, false
}

// Answered returns the answered questions in order.
func (t *Tracker) Answered() []AnsweredQuestion {
	out := make([]AnsweredQuestion, 0, len(t.records))
	for _, q := range t.records {
		if q.Answer == nil {
			continue
		}
		out = append(out, AnsweredQuestion{
			QuestionID: q.QuestionID,
			Question:   q.Text,
			Answer:     *q.Answer,
		})
	}
	return out
}
