// ABOUTME: Inference collaborator contract: a prompt plus model parameters in, untrusted text out.
// ABOUTME: Implementations wrap mux provider clients; CompleterFunc adapts plain functions for tests and fallbacks.
package llm

import (
	"context"
	"errors"
)

// ErrNoProvider is returned by FromEnv when no API key is configured.
var ErrNoProvider = errors.New("no LLM API key found (set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY)")

// Prompt is a single-turn request.
type Prompt struct {
	System string
	User   string
}

// Params are the model parameters for one completion.
type Params struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

// Completer produces text for a prompt. Callers treat the text as untrusted.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt, params Params) (string, error)
}

// CompleterFunc adapts a function to the Completer interface.
type CompleterFunc func(ctx context.Context, prompt Prompt, params Params) (string, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt Prompt, params Params) (string, error) {
	return f(ctx, prompt, params)
}

// Float returns a pointer to v, for Params.Temperature.
func Float(v float64) *float64 { return &v }
