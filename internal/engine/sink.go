package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/assessment-agent/internal/domain"
)

// AnswerSummary is one answered question in a completion hand-off.
type AnswerSummary struct {
	QuestionID int           `json:"question_id"`
	Question   string        `json:"question"`
	Answer     string        `json:"answer"`
	Source     domain.Source `json:"source"`
}

// CompletionSummary is handed to downstream scoring once a session completes.
type CompletionSummary struct {
	SessionID         string          `json:"session_id"`
	FrameworkID       string          `json:"framework_id"`
	QuestionsAsked    int             `json:"questions_asked"`
	QuestionsAnswered int             `json:"questions_answered"`
	Answers           []AnswerSummary `json:"answers"`
	CompletedAt       time.Time       `json:"completed_at"`
	Reason            string          `json:"reason"`
}

// Summarize builds the completion summary for s.
func Summarize(s *domain.AssessmentSession) CompletionSummary {
	sum := CompletionSummary{
		SessionID:         s.SessionID,
		FrameworkID:       s.FrameworkID,
		QuestionsAsked:    len(s.QuestionsAsked),
		QuestionsAnswered: s.QuestionsAnsweredCount,
		Answers:           make([]AnswerSummary, 0, s.QuestionsAnsweredCount),
		Reason:            s.CompletionReason,
	}
	if s.CompletedAt != nil {
		sum.CompletedAt = *s.CompletedAt
	}
	for _, q := range s.QuestionsAsked {
		if q.Answer == nil {
			continue
		}
		sum.Answers = append(sum.Answers, AnswerSummary{
			QuestionID: q.QuestionID,
			Question:   q.Text,
			Answer:     *q.Answer,
			Source:     q.Source,
		})
	}
	return sum
}

// CompletionSink receives each completed session exactly once, after the
// completing save has succeeded.
type CompletionSink interface {
	Deliver(ctx context.Context, summary CompletionSummary) error
}

// SinkFunc adapts a function to CompletionSink.
type SinkFunc func(ctx context.Context, summary CompletionSummary) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, summary CompletionSummary) error {
	return f(ctx, summary)
}

// LogSink logs completion summaries.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver implements CompletionSink.
func (l LogSink) Deliver(_ context.Context, summary CompletionSummary) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Assessment completed",
		"session_id", summary.SessionID,
		"framework_id", summary.FrameworkID,
		"questions_asked", summary.QuestionsAsked,
		"questions_answered", summary.QuestionsAnswered,
		"reason", summary.Reason,
	)
	return nil
}
