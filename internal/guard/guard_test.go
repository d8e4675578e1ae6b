package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/history"
)

// trackerFor builds a history with every question answered except the last
// `open` ones.
func trackerFor(t *testing.T, texts []string, open int) *history.Tracker {
	t.Helper()
	now := time.Now()
	s := domain.NewSession("s-1", "GDPR-BASIC", now)
	for i, text := range texts {
		q, err := s.AppendQuestion(domain.QuestionRecord{Text: text}, now)
		require.NoError(t, err)
		if i < len(texts)-open {
			require.NoError(t, s.RecordAnswer(q.QuestionID, "yes", now))
		} else {
			// Leave unanswered but allow further appends.
			s.PendingQuestion = nil
		}
	}
	return history.NewTracker(s)
}

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TextSimilarity("do you encrypt backups?", "Do you encrypt backups"))
	assert.Equal(t, 0.0, TextSimilarity("", "anything"))
	assert.InDelta(t, 0.875, TextSimilarity(
		"do you encrypt customer data at rest?",
		"do you encrypt customer data at rest today?",
	), 0.0001)
	assert.Less(t, TextSimilarity("who is your data protection officer?", "do you encrypt backups?"), 0.2)
}

func TestTokensSkipsPunctuationAndShortTerms(t *testing.T) {
	tokens := Tokens("Is a DPO (data-protection officer) appointed?")
	assert.True(t, tokens["dpo"])
	assert.True(t, tokens["protection"])
	assert.True(t, tokens["appointed"])
	assert.False(t, tokens["a"])
	assert.Len(t, tokens, 6)
}

func TestCheckCandidateIdentical(t *testing.T) {
	g := New(DefaultConfig())
	tr := trackerFor(t, []string{"who is your dpo?"}, 0)

	d := g.CheckCandidate(tr, "who is your dpo?")
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelIdentical, d.Level)
	assert.Equal(t, 1, d.MatchID)
	assert.True(t, d.Level.Retryable())
}

func TestCheckCandidateSimilarInWindow(t *testing.T) {
	g := New(DefaultConfig())
	tr := trackerFor(t, []string{
		"do you encrypt customer data at rest?",
		"who is your dpo?",
	}, 0)

	d := g.CheckCandidate(tr, "do you encrypt customer data at rest today?")
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelSimilar, d.Level)
	assert.Equal(t, 1, d.MatchID)
	assert.Greater(t, d.Similarity, 0.85)
}

func TestCheckCandidateAllowsDistinct(t *testing.T) {
	g := New(DefaultConfig())
	tr := trackerFor(t, []string{"who is your dpo?"}, 0)

	d := g.CheckCandidate(tr, "how long do you retain access logs?")
	assert.True(t, d.Allowed)
	assert.Equal(t, LevelNone, d.Level)
}

func TestCheckPostGenerationCoversFullHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryWindow = 1
	g := New(cfg)
	tr := trackerFor(t, []string{
		"do you encrypt customer data at rest?",
		"who is your dpo?",
	}, 0)

	candidate := "do you encrypt customer data at rest today?"
	require.True(t, g.CheckCandidate(tr, candidate).Allowed, "window of 1 should not see question 1")

	d := g.CheckPostGeneration(tr, candidate)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelLongRange, d.Level)
	assert.Equal(t, 1, d.MatchID)

	exact := g.CheckPostGeneration(tr, "do you encrypt customer data at rest?")
	assert.False(t, exact.Allowed)
	assert.Equal(t, 1.0, exact.Similarity)
}

func TestCheckPending(t *testing.T) {
	g := New(DefaultConfig())

	assert.True(t, g.CheckPending(trackerFor(t, []string{"q one", "q two"}, 0)).Allowed)

	d := g.CheckPending(trackerFor(t, []string{"q one", "q two"}, 1))
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelPendingCap, d.Level)
	assert.False(t, d.Level.Retryable())
}

func TestCheckBudget(t *testing.T) {
	g := New(Config{SafetyMargin: 1})
	tr := trackerFor(t, []string{"q one", "q two"}, 0)

	assert.True(t, g.CheckBudget(tr, 2, 2).Allowed)

	tr = trackerFor(t, []string{"q one", "q two", "q three"}, 0)
	d := g.CheckBudget(tr, 2, 0)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelQuestionBudget, d.Level)
	assert.Equal(t, 3, g.QuestionLimit(2))
}

func TestCheckBudgetCountsGenerationFailures(t *testing.T) {
	g := New(Config{SafetyMargin: 1})
	tr := trackerFor(t, []string{"q one"}, 0)

	d := g.CheckBudget(tr, 2, 3)
	assert.False(t, d.Allowed)
	assert.Equal(t, LevelQuestionBudget, d.Level)
	assert.Contains(t, d.Reason, "generation failures")
}

func TestNewFillsDefaults(t *testing.T) {
	g := New(Config{})
	cfg := g.Config()
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 5, cfg.HistoryWindow)
	assert.Equal(t, 1, cfg.MaxPending)
	assert.Equal(t, 0, cfg.SafetyMargin)
}
