package generation

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors. Every failure from the client wraps ErrGenerationFailed.
var (
	ErrGenerationFailed      = errors.New("question generation failed")
	ErrGenerationTimeout     = fmt.Errorf("%w: timeout", ErrGenerationFailed)
	ErrGenerationUnavailable = fmt.Errorf("%w: backend unavailable", ErrGenerationFailed)
	ErrEmptyResponse         = fmt.Errorf("%w: empty response", ErrGenerationFailed)
)

// Prompt is the backend-neutral request sent to a text generator.
type Prompt struct {
	System string
	User   string
}

// Backend generates free text for a prompt.
type Backend interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// DisabledBackend always reports the generator as unavailable. It is used
// when no generation backend is configured so every question comes from the
// fallback bank.
type DisabledBackend struct{}

// Name implements Backend.
func (DisabledBackend) Name() string { return "none" }

// Generate implements Backend.
func (DisabledBackend) Generate(context.Context, Prompt) (string, error) {
	return "", ErrGenerationUnavailable
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, prompt Prompt) (string, error)

// Name implements Backend.
func (f BackendFunc) Name() string { return "func" }

// Generate implements Backend.
func (f BackendFunc) Generate(ctx context.Context, prompt Prompt) (string, error) {
	return f(ctx, prompt)
}
