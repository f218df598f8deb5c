package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxTokens   = 2000
	defaultTemperature = 0.7
)

// Client drafts deck outlines through a Provider. It never retries; callers own
// the retry policy.
type Client struct {
	provider    Provider
	timeout     time.Duration
	maxTokens   int
	temperature float64
}

// NewClient returns a Client that bounds every call to provider by timeout.
func NewClient(provider Provider, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		provider:    provider,
		timeout:     timeout,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
	}
}

// ProviderName returns the name of the underlying provider.
func (c *Client) ProviderName() string {
	return c.provider.Name()
}

// Complete asks the model for a five-section outline of topic, drawn from
// source when it is non-empty, and returns the raw text. Every failure is a
// *ProviderError.
func (c *Client) Complete(ctx context.Context, topic, source string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	name := c.provider.Name()
	system, user := BuildPrompt(topic, source)

	start := time.Now()
	resp, err := c.provider.Chat(ctx, ChatRequest{
		System:      system,
		Messages:    []Message{{Role: "user", Content: user}},
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	metrics.ObserveSince(metrics.CompletionDuration.WithLabelValues(name), start)

	if err != nil {
		perr := transportError(name, err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && perr.Kind == Unknown {
			perr = &ProviderError{Kind: Timeout, Provider: name, StatusCode: perr.StatusCode, Err: err}
		}
		metrics.CompletionErrorsTotal.WithLabelValues(name, string(perr.Kind)).Inc()
		log.Debug().
			Err(err).
			Str("provider", name).
			Str("kind", string(perr.Kind)).
			Int("status", perr.StatusCode).
			Dur("elapsed", time.Since(start)).
			Msg("Completion failed")
		return "", perr
	}

	if strings.TrimSpace(resp.Content) == "" {
		metrics.CompletionErrorsTotal.WithLabelValues(name, string(Unknown)).Inc()
		return "", &ProviderError{Kind: Unknown, Provider: name, Err: fmt.Errorf("empty completion (stop reason %q)", resp.StopReason)}
	}

	log.Debug().
		Str("provider", name).
		Str("model", resp.Model).
		Int("input_tokens", resp.InputTokens).
		Int("output_tokens", resp.OutputTokens).
		Dur("elapsed", time.Since(start)).
		Msg("Completion received")
	return resp.Content, nil
}
