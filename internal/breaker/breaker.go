// Package breaker provides the circuit breaker guarding the question
// generation backend.
//
// State machine:
//
//	closed ──(N consecutive failures)──> open
//	open ──(cool-down elapsed)──> half_open
//	half_open ──(trial succeeds)──> closed
//	half_open ──(trial fails)──> open
//
// A breaker is an explicit object owned by whoever constructs it. Callers
// that want a shared breaker pass the same instance to every client.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures thresholds and timing.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold int
	// Cooldown is how long the breaker stays open before allowing a trial call.
	Cooldown time.Duration
	// HalfOpenMax is the number of concurrent trial calls allowed in half_open.
	HalfOpenMax int
}

// DefaultConfig returns 3 failures, 30s cool-down and a single trial call.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State           string    `json:"state"`
	TotalCalls      int64     `json:"total_calls"`
	TotalFailures   int64     `json:"total_failures"`
	TotalRejections int64     `json:"total_rejections"`
	CurrentFailures int       `json:"current_failures"`
	LastStateChange time.Time `json:"last_state_change"`
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithStateChange registers a callback invoked on every transition. It runs
// with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// Breaker is a consecutive-failure circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(from, to State)

	mu              sync.Mutex
	state           State
	failures        int
	halfOpenActive  int
	lastStateChange time.Time

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = def.HalfOpenMax
	}
	b := &Breaker{
		cfg: cfg,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.lastStateChange = b.now()
	return b
}

// State returns the current state, promoting open to half_open when the
// cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()
	return b.state
}

// Allow reports whether a call may proceed. When it returns true the caller
// must report the outcome with RecordSuccess or RecordFailure and then call
// release if it is non-nil.
func (b *Breaker) Allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.promoteLocked()

	switch b.state {
	case StateClosed:
		return true, nil
	case StateHalfOpen:
		if b.halfOpenActive >= b.cfg.HalfOpenMax {
			b.totalRejections++
			return false, nil
		}
		b.halfOpenActive++
		var once sync.Once
		return true, func() {
			once.Do(func() {
				b.mu.Lock()
				if b.halfOpenActive > 0 {
					b.halfOpenActive--
				}
				b.mu.Unlock()
			})
		}
	default:
		b.totalRejections++
		return false, nil
	}
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transitionLocked(StateClosed)
	}
}

// RecordFailure counts a failure. A failed half-open trial re-opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	allowed, release := b.Allow()
	if !allowed {
		return ErrCircuitOpen
	}
	if release != nil {
		defer release()
	}

	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// Stats returns a snapshot of the breaker counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.promoteLocked()

	return Stats{
		State:           b.state.String(),
		TotalCalls:      b.totalCalls,
		TotalFailures:   b.totalFailures,
		TotalRejections: b.totalRejections,
		CurrentFailures: b.failures,
		LastStateChange: b.lastStateChange,
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.transitionLocked(StateClosed)
	b.halfOpenActive = 0
}

func (b *Breaker) promoteLocked() {
	if b.state == StateOpen && b.now().Sub(b.lastStateChange) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	b.failures = 0
	if to != StateHalfOpen {
		b.halfOpenActive = 0
	}
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
