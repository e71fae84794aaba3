// ABOUTME: Completer backed by any mux/llm.Client (Anthropic, OpenAI, Gemini or the OpenAI-compatible client).
// ABOUTME: Rate limit errors are retried with exponential backoff; other errors are returned immediately.
package llm

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	muxllm "github.com/2389-research/mux/llm"
)

// RetryPolicy configures rate limit retries.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
	OnRetry           func(err error, attempt int, delay time.Duration)
}

// CalculateDelay computes base * multiplier^attempt capped at MaxDelay, with
// full jitter when enabled.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	delayFloat := float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if delayFloat > float64(p.MaxDelay) {
		delayFloat = float64(p.MaxDelay)
	}
	delay := time.Duration(delayFloat)
	if p.Jitter {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

// rateLimitRetryPolicy gives the provider up to about three minutes to recover.
func rateLimitRetryPolicy(provider string) RetryPolicy {
	return RetryPolicy{
		MaxRetries:        5,
		BaseDelay:         2 * time.Second,
		MaxDelay:          90 * time.Second,
		BackoffMultiplier: 3.0,
		Jitter:            true,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			log.Printf("component=llm.mux action=rate_limit_retry provider=%s attempt=%d delay=%s err=%v", provider, attempt+1, delay, err)
		},
	}
}

// isRateLimitError detects 429s surfaced in provider SDK error messages.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
}

// MuxCompleter adapts a mux client to Completer.
type MuxCompleter struct {
	client muxllm.Client
	name   string
	policy RetryPolicy
}

var _ Completer = (*MuxCompleter)(nil)

// NewMuxCompleter wraps client; name is used in logs and errors.
func NewMuxCompleter(name string, client muxllm.Client) *MuxCompleter {
	return &MuxCompleter{client: client, name: name, policy: rateLimitRetryPolicy(name)}
}

// WithRetryPolicy replaces the rate limit policy (tests use zero delays).
func (m *MuxCompleter) WithRetryPolicy(p RetryPolicy) *MuxCompleter {
	m.policy = p
	return m
}

// Name returns the provider name.
func (m *MuxCompleter) Name() string { return m.name }

// Complete sends a single-turn request and returns the concatenated text blocks.
func (m *MuxCompleter) Complete(ctx context.Context, prompt Prompt, params Params) (string, error) {
	req := &muxllm.Request{
		Model:       params.Model,
		MaxTokens:   params.MaxTokens,
		Temperature: params.Temperature,
		System:      prompt.System,
		Messages: []muxllm.Message{
			{Role: muxllm.RoleUser, Content: prompt.User},
		},
	}

	var resp *muxllm.Response
	err := retryOnRateLimit(ctx, m.policy, func() error {
		var callErr error
		resp, callErr = m.client.CreateMessage(ctx, req)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("%s complete: %w", m.name, err)
	}
	if resp == nil {
		return "", fmt.Errorf("%s complete: empty response", m.name)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == muxllm.ContentTypeText {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("%s complete: response has no text (stop_reason=%s)", m.name, resp.StopReason)
	}
	return sb.String(), nil
}

// retryOnRateLimit retries fn while it returns rate limit errors.
func retryOnRateLimit(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isRateLimitError(lastErr) || attempt >= policy.MaxRetries {
			return lastErr
		}

		delay := policy.CalculateDelay(attempt)
		if policy.OnRetry != nil {
			policy.OnRetry(lastErr, attempt, delay)
		}

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}
