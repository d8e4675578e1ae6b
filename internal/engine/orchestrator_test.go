package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/assessment-agent/internal/breaker"
	"github.com/ashureev/assessment-agent/internal/domain"
	"github.com/ashureev/assessment-agent/internal/fallback"
	"github.com/ashureev/assessment-agent/internal/generation"
	"github.com/ashureev/assessment-agent/internal/guard"
	"github.com/ashureev/assessment-agent/internal/store"
)

const testBank = `
frameworks:
  - id: GDPR-BASIC
    name: GDPR baseline
    expected_questions: 4
    questions:
      - Do you maintain a record of processing activities?
      - Have you appointed a data protection officer?
      - How do you obtain consent from data subjects?
      - What is your process for subject access requests?
      - How long do you retain customer records?
  - id: TINY
    expected_questions: 5
    questions:
      - Who owns information security?
      - Do you enforce multi-factor authentication?
      - When did you last restore from backups?
  - id: EMPTY
    expected_questions: 2
`

var topics = []string{
	"encryption of laptops",
	"incident response drills",
	"vendor risk reviews",
	"backup restoration tests",
	"access recertification",
	"logging retention periods",
	"secure software development",
	"physical office security",
	"privileged account management",
	"security awareness training",
	"network segmentation design",
	"key rotation schedules",
}

// topicGenerator returns a fresh, dissimilar question on every call.
type topicGenerator struct {
	n     atomic.Int64
	calls atomic.Int64
}

func (g *topicGenerator) Generate(_ context.Context, _ *domain.AssessmentSession, _ generation.Hint) (domain.QuestionRecord, error) {
	g.calls.Add(1)
	i := int(g.n.Add(1)-1) % len(topics)
	text := fmt.Sprintf("Describe your approach to %s.", topics[i])
	return domain.QuestionRecord{Text: text, NormalizedText: domain.NormalizeText(text), Source: domain.SourceGenerated}, nil
}

type generatorFunc func(ctx context.Context, s *domain.AssessmentSession, hint generation.Hint) (domain.QuestionRecord, error)

func (f generatorFunc) Generate(ctx context.Context, s *domain.AssessmentSession, hint generation.Hint) (domain.QuestionRecord, error) {
	return f(ctx, s, hint)
}

func failingGenerator() Generator {
	return generatorFunc(func(context.Context, *domain.AssessmentSession, generation.Hint) (domain.QuestionRecord, error) {
		return domain.QuestionRecord{}, generation.ErrGenerationUnavailable
	})
}

type recordingSink struct {
	mu        sync.Mutex
	summaries []CompletionSummary
}

func (s *recordingSink) Deliver(_ context.Context, sum CompletionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}

type fixture struct {
	orch  *Orchestrator
	store store.Repository
	sink  *recordingSink
}

func newFixture(t *testing.T, gen Generator, mutate ...func(*Config, *Deps)) *fixture {
	t.Helper()

	repo, err := store.NewBadger(store.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	bank, err := fallback.Parse([]byte(testBank))
	require.NoError(t, err)

	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.StoreRetry = store.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond}
	deps := Deps{
		Store:     repo,
		Generator: gen,
		Guard:     guard.New(guard.DefaultConfig()),
		Bank:      bank,
		Sink:      sink,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}

	orch, err := New(cfg, deps)
	require.NoError(t, err)
	return &fixture{orch: orch, store: deps.Store, sink: sink}
}

func (f *fixture) load(t *testing.T, id string) *domain.AssessmentSession {
	t.Helper()
	s, err := f.store.Load(context.Background(), id)
	require.NoError(t, err)
	return s
}

// park forces the stored session into fatal_error.
func (f *fixture) park(t *testing.T, id string) {
	t.Helper()
	s := f.load(t, id)
	s.PendingQuestion = nil
	s.Phase = domain.PhaseFatalError
	s.LastError = &domain.ErrorRecord{IncidentID: "test", Reason: ReasonInvariantViolation, Phase: domain.PhaseAwaitingAnswer}
	require.NoError(t, f.store.Save(context.Background(), s))
}

func TestStartReturnsFirstQuestion(t *testing.T) {
	f := newFixture(t, &topicGenerator{})

	v, err := f.orch.Start(context.Background(), "GDPR-BASIC", map[string]string{"industry": "retail"})
	require.NoError(t, err)

	assert.NotEmpty(t, v.SessionID)
	assert.Equal(t, domain.PhaseAwaitingAnswer, v.Phase)
	assert.Equal(t, 0, v.QuestionsAnsweredCount)
	require.NotNil(t, v.PendingQuestion)
	assert.Equal(t, 1, v.PendingQuestion.ID)

	s := f.load(t, v.SessionID)
	assert.Equal(t, "retail", s.Profile["industry"])
	assert.Len(t, s.QuestionsAsked, 1)
	assert.Equal(t, domain.SourceGenerated, s.QuestionsAsked[0].Source)
}

func TestStartValidatesFramework(t *testing.T) {
	f := newFixture(t, &topicGenerator{})

	_, err := f.orch.Start(context.Background(), "PCI-DSS", nil)
	assert.ErrorIs(t, err, ErrUnknownFramework)

	_, err = f.orch.Start(context.Background(), "  ", nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAnswerAdvancesToNewQuestion(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	first := v.PendingQuestion

	v, err = f.orch.Answer(ctx, v.SessionID, first.ID, "We keep a spreadsheet.")
	require.NoError(t, err)

	assert.Equal(t, domain.PhaseAwaitingAnswer, v.Phase)
	assert.Equal(t, 1, v.QuestionsAnsweredCount)
	require.NotNil(t, v.PendingQuestion)
	assert.Equal(t, 2, v.PendingQuestion.ID)
	assert.NotEqual(t, domain.NormalizeText(first.Text), domain.NormalizeText(v.PendingQuestion.Text))
	assert.False(t, v.Stale)
}

func TestBreakerOpensAndFallbackServes(t *testing.T) {
	var backendCalls atomic.Int64
	backend := generation.BackendFunc(func(context.Context, generation.Prompt) (string, error) {
		backendCalls.Add(1)
		return "", errors.New("model overloaded")
	})
	br := breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Hour, HalfOpenMax: 1})
	client := generation.NewClient(backend, br)

	f := newFixture(t, client)
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
		require.NoError(t, err)
	}

	assert.Equal(t, breaker.StateOpen, br.State())
	assert.Equal(t, int64(3), backendCalls.Load())

	v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
	require.NoError(t, err)
	assert.Equal(t, int64(3), backendCalls.Load(), "open breaker must short-circuit the backend")

	s := f.load(t, v.SessionID)
	last := s.QuestionsAsked[len(s.QuestionsAsked)-1]
	assert.Equal(t, domain.SourceFallback, last.Source)
	assert.Equal(t, 4, s.ConsecutiveGenerationFailures)
}

func TestFallbackExhaustionCompletes(t *testing.T) {
	f := newFixture(t, failingGenerator())
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "TINY", nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NotNil(t, v.PendingQuestion, "answer %d", i)
		v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
		require.NoError(t, err)
	}

	assert.Equal(t, domain.PhaseCompleted, v.Phase)
	assert.Nil(t, v.PendingQuestion)
	require.NotNil(t, v.Completion)
	assert.Equal(t, CompletionFallbackExhausted, v.Completion.Reason)
	assert.Len(t, v.Completion.Answers, 3)
	assert.Equal(t, 1, f.sink.count())

	_, err = f.orch.Answer(ctx, v.SessionID, 3, "again")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 1, f.sink.count())
}

func TestCompletesAtExpectedCount(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	for v.Phase == domain.PhaseAwaitingAnswer {
		v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "answer")
		require.NoError(t, err)
	}

	assert.Equal(t, domain.PhaseCompleted, v.Phase)
	assert.Equal(t, 4, v.QuestionsAnsweredCount)
	require.NotNil(t, v.Completion)
	assert.Equal(t, CompletionTargetReached, v.Completion.Reason)

	s := f.load(t, v.SessionID)
	assert.NotNil(t, s.CompletedAt)
	assert.LessOrEqual(t, len(s.QuestionsAsked), 4+guard.DefaultConfig().SafetyMargin)
	assert.NoError(t, s.CheckInvariants())
}

func TestStaleAnswerReturnsCurrentQuestion(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	firstID := v.PendingQuestion.ID

	v, err = f.orch.Answer(ctx, v.SessionID, firstID, "yes")
	require.NoError(t, err)
	current := *v.PendingQuestion
	before := f.load(t, v.SessionID)

	v, err = f.orch.Answer(ctx, v.SessionID, firstID, "yes, again")
	require.NoError(t, err)
	assert.True(t, v.Stale)
	require.NotNil(t, v.PendingQuestion)
	assert.Equal(t, current, *v.PendingQuestion)

	after := f.load(t, v.SessionID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 1, after.QuestionsAnsweredCount)
}

func TestConcurrentAnswersRecordedOnce(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	id, qid := v.SessionID, v.PendingQuestion.ID

	const workers = 4
	var wg sync.WaitGroup
	views := make([]View, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = f.orch.Answer(ctx, id, qid, fmt.Sprintf("answer %d", i))
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !views[i].Stale {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)

	s := f.load(t, id)
	assert.Equal(t, 1, s.QuestionsAnsweredCount)
	assert.Len(t, s.QuestionsAsked, 2)
	assert.Equal(t, domain.PhaseAwaitingAnswer, s.Phase)
	assert.NoError(t, s.CheckInvariants())
}

func TestRepeatedCandidateIsRetriedThenFallback(t *testing.T) {
	var calls atomic.Int64
	var avoided []string
	gen := generatorFunc(func(_ context.Context, _ *domain.AssessmentSession, hint generation.Hint) (domain.QuestionRecord, error) {
		calls.Add(1)
		avoided = hint.Avoid
		text := "Who is accountable for privacy?"
		return domain.QuestionRecord{Text: text, NormalizedText: domain.NormalizeText(text)}, nil
	})
	f := newFixture(t, gen)
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "the CEO")
	require.NoError(t, err)

	assert.Equal(t, int64(1+generationAttempts), calls.Load())
	assert.NotEmpty(t, avoided)

	s := f.load(t, v.SessionID)
	require.Len(t, s.QuestionsAsked, 2)
	assert.Equal(t, domain.SourceFallback, s.QuestionsAsked[1].Source)

	var rejected int
	for _, d := range s.Diagnostics {
		if d.Kind == "guard_rejected" {
			rejected++
		}
	}
	assert.Equal(t, generationAttempts, rejected)
}

func TestExhaustedBeforeFirstQuestionFaults(t *testing.T) {
	f := newFixture(t, failingGenerator())

	v, err := f.orch.Start(context.Background(), "EMPTY", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, domain.PhaseFatalError, v.Phase)

	s := f.load(t, v.SessionID)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ReasonGenerationExhausted, s.LastError.Reason)
	assert.NotEmpty(t, s.LastError.IncidentID)
}

func TestResumeRestoresPendingThenAbandons(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	id, pending := v.SessionID, *v.PendingQuestion

	for i := 1; i <= 3; i++ {
		f.park(t, id)
		v, err = f.orch.Resume(ctx, id)
		require.NoError(t, err, "resume %d", i)
		assert.Equal(t, domain.PhaseAwaitingAnswer, v.Phase)
		assert.Equal(t, pending, *v.PendingQuestion)
	}

	f.park(t, id)
	v, err = f.orch.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAbandoned, v.Phase)
	assert.Equal(t, 4, f.load(t, id).ResumeAttempts)
}

func TestResumePastGenerationBudgetCompletes(t *testing.T) {
	gen := &topicGenerator{}
	f := newFixture(t, gen)
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	id := v.SessionID
	_, err = f.orch.Answer(ctx, id, v.PendingQuestion.ID, "A spreadsheet owned by legal.")
	require.NoError(t, err)

	// Drop the open question and record a run of failures at the level 4 limit.
	s := f.load(t, id)
	s.QuestionsAsked = s.QuestionsAsked[:len(s.QuestionsAsked)-1]
	s.PendingQuestion = nil
	s.ConsecutiveGenerationFailures = 4 + guard.DefaultConfig().SafetyMargin
	s.Phase = domain.PhaseFatalError
	s.LastError = &domain.ErrorRecord{IncidentID: "test", Reason: ReasonStoreUnavailable, Phase: domain.PhaseGeneratingQuestion}
	require.NoError(t, f.store.Save(ctx, s))
	before := gen.calls.Load()

	v, err = f.orch.Resume(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseCompleted, v.Phase)
	require.NotNil(t, v.Completion)
	assert.Equal(t, CompletionQuestionBudget, v.Completion.Reason)
	assert.Equal(t, 1, v.Completion.QuestionsAnswered)
	assert.Equal(t, before, gen.calls.Load(), "budget check must run before generation")
	assert.Equal(t, 1, f.sink.count())
}

func TestAnswerToFatalSessionResumesImplicitly(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)
	f.park(t, v.SessionID)

	v, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
	require.NoError(t, err)
	assert.False(t, v.Stale)
	assert.Equal(t, 1, v.QuestionsAnsweredCount)
	assert.Equal(t, 1, f.load(t, v.SessionID).ResumeAttempts)
}

func TestStatusAndAbandon(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	_, err := f.orch.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)

	st, err := f.orch.Status(ctx, v.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingAnswer, st.Phase)

	st, err = f.orch.Abandon(ctx, v.SessionID, "user left")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAbandoned, st.Phase)
	assert.Nil(t, st.PendingQuestion)

	_, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestAbandonIdleSkipsRecentlyUpdated(t *testing.T) {
	f := newFixture(t, &topicGenerator{})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)

	ok, err := f.orch.AbandonIdle(ctx, v.SessionID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.orch.AbandonIdle(ctx, v.SessionID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, domain.PhaseAbandoned, f.load(t, v.SessionID).Phase)
}

func TestCancelledGenerationPersistsNothing(t *testing.T) {
	started := make(chan struct{}, 1)
	var blocking atomic.Bool
	inner := &topicGenerator{}
	gen := generatorFunc(func(ctx context.Context, s *domain.AssessmentSession, hint generation.Hint) (domain.QuestionRecord, error) {
		if blocking.Load() {
			started <- struct{}{}
			<-ctx.Done()
			return domain.QuestionRecord{}, ctx.Err()
		}
		return inner.Generate(ctx, s, hint)
	})
	f := newFixture(t, gen)

	v, err := f.orch.Start(context.Background(), "GDPR-BASIC", nil)
	require.NoError(t, err)
	before := f.load(t, v.SessionID)

	blocking.Store(true)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	_, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
	assert.ErrorIs(t, err, context.Canceled)

	after := f.load(t, v.SessionID)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, 0, after.QuestionsAnsweredCount)
	assert.Equal(t, domain.PhaseAwaitingAnswer, after.Phase)
}

// flakyStore fails the first n saves with a transient error.
type flakyStore struct {
	store.Repository
	failures atomic.Int64
}

func (s *flakyStore) Save(ctx context.Context, sess *domain.AssessmentSession) error {
	if s.failures.Add(-1) >= 0 {
		return fmt.Errorf("%w: database is locked", store.ErrTransient)
	}
	return s.Repository.Save(ctx, sess)
}

func TestStoreOutageParksSession(t *testing.T) {
	flaky := &flakyStore{}
	f := newFixture(t, &topicGenerator{}, func(_ *Config, d *Deps) {
		flaky.Repository = d.Store
		d.Store = flaky
	})
	ctx := context.Background()

	v, err := f.orch.Start(ctx, "GDPR-BASIC", nil)
	require.NoError(t, err)

	// Both attempts of the retry policy fail; the park write succeeds.
	flaky.failures.Store(2)
	_, err = f.orch.Answer(ctx, v.SessionID, v.PendingQuestion.ID, "yes")
	assert.ErrorIs(t, err, ErrUnavailable)

	s := f.load(t, v.SessionID)
	assert.Equal(t, domain.PhaseFatalError, s.Phase)
	require.NotNil(t, s.LastError)
	assert.Equal(t, ReasonStoreUnavailable, s.LastError.Reason)
	assert.Equal(t, 0, s.QuestionsAnsweredCount)

	v, err = f.orch.Resume(ctx, v.SessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseAwaitingAnswer, v.Phase)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(domain.PhaseAwaitingAnswer, domain.PhaseProcessingAnswer))
	assert.True(t, CanTransition(domain.PhaseFatalError, domain.PhaseAbandoned))
	assert.False(t, CanTransition(domain.PhaseCompleted, domain.PhaseGeneratingQuestion))
	assert.False(t, CanTransition(domain.PhaseAwaitingAnswer, domain.PhaseCompleted))
	assert.False(t, CanTransition(domain.PhaseError, domain.PhaseAwaitingAnswer))

	for _, p := range []domain.Phase{domain.PhaseCompleted, domain.PhaseAbandoned} {
		assert.Empty(t, transitions[p], "closed phase %s must have no exits", p)
	}
}
