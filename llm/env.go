// ABOUTME: Detects an LLM provider from environment variables and builds a Completer for it.
// ABOUTME: OpenAI (and compatible base URLs) use openai-go directly; Anthropic and Gemini go through mux clients.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	muxllm "github.com/2389-research/mux/llm"
)

// Provider describes the detected backend.
type Provider struct {
	Name    string
	Model   string // forced model, empty to honor Params.Model
	BaseURL string
}

type envProvider struct {
	envVar       string
	name         string
	defaultModel string
}

var envProviders = []envProvider{
	{envVar: "OPENAI_API_KEY", name: "openai"},
	{envVar: "ANTHROPIC_API_KEY", name: "anthropic", defaultModel: "claude-sonnet-4-5"},
	{envVar: "GEMINI_API_KEY", name: "gemini", defaultModel: "gemini-2.5-flash"},
}

// FromEnv picks the provider named by REPOLENS_LLM_PROVIDER, or the first of
// OPENAI_API_KEY, ANTHROPIC_API_KEY and GEMINI_API_KEY that is set. A non-empty
// model forces that model for every call.
func FromEnv(model string) (Completer, Provider, error) {
	preferred := strings.ToLower(os.Getenv("REPOLENS_LLM_PROVIDER"))
	for _, p := range envProviders {
		if preferred != "" && p.name != preferred {
			continue
		}
		key := os.Getenv(p.envVar)
		if key == "" {
			continue
		}
		info := Provider{Name: p.name, Model: model}
		if info.Model == "" {
			info.Model = p.defaultModel
		}
		client, err := newMuxClient(p.name, key, info.Model)
		if err != nil {
			return nil, Provider{}, err
		}
		if p.name == "openai" {
			info.BaseURL = os.Getenv("OPENAI_BASE_URL")
		}
		var c Completer = NewMuxCompleter(p.name, client)
		if info.Model != "" {
			c = withModel(c, info.Model)
		}
		return c, info, nil
	}
	if preferred != "" {
		return nil, Provider{}, fmt.Errorf("REPOLENS_LLM_PROVIDER=%s: %w", preferred, ErrNoProvider)
	}
	return nil, Provider{}, ErrNoProvider
}

func newMuxClient(name, apiKey, model string) (muxllm.Client, error) {
	switch name {
	case "openai":
		return NewOpenAICompatClient(apiKey, model, os.Getenv("OPENAI_BASE_URL")), nil
	case "anthropic":
		return muxllm.NewAnthropicClient(apiKey, model), nil
	case "gemini":
		client, err := muxllm.NewGeminiClient(context.Background(), apiKey, model)
		if err != nil {
			return nil, fmt.Errorf("create gemini client: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// withModel forces params.Model on every call.
func withModel(c Completer, model string) Completer {
	return CompleterFunc(func(ctx context.Context, prompt Prompt, params Params) (string, error) {
		params.Model = model
		return c.Complete(ctx, prompt, params)
	})
}
