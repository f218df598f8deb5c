// Package pipeline orchestrates one deck generation: reserve quota, draft an
// outline, validate it, render it, then settle the reservation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rcourtman/deckforge/internal/completion"
	"github.com/rcourtman/deckforge/internal/deck"
	"github.com/rcourtman/deckforge/internal/entitlement"
	"github.com/rcourtman/deckforge/internal/logging"
	"github.com/rcourtman/deckforge/internal/metrics"
	"github.com/rcourtman/deckforge/internal/outline"
)

const (
	// MaxTopicLength is the longest accepted topic, in runes.
	MaxTopicLength = 200

	defaultTimeout  = 150 * time.Second
	maxRetries      = 2
	initialBackoff  = 500 * time.Millisecond
	releaseDeadline = 10 * time.Second
)

// Ledger is the quota surface the pipeline needs.
type Ledger interface {
	Get(ctx context.Context, userID string) (*entitlement.Record, error)
	CheckAndReserve(ctx context.Context, userID string) (*entitlement.Reservation, error)
	Commit(ctx context.Context, r *entitlement.Reservation) error
	Release(ctx context.Context, r *entitlement.Reservation) error
	Plan(tier entitlement.Tier) entitlement.Plan
}

// Completer drafts raw outline text for a topic, optionally from source text.
type Completer interface {
	Complete(ctx context.Context, topic, source string) (string, error)
}

// Renderer turns a validated outline into a file.
type Renderer interface {
	Render(ctx context.Context, o outline.Outline, opts deck.RenderOptions) (*deck.Artifact, error)
}

// ArtifactSink persists a rendered deck before the reservation is committed.
// Put returns the id the artifact can later be fetched by; Delete withdraws it
// again when the commit fails.
type ArtifactSink interface {
	Put(ctx context.Context, userID, topic string, art *deck.Artifact) (string, error)
	Delete(ctx context.Context, userID, id string) error
}

// Result is a successful generation.
type Result struct {
	Artifact   *deck.Artifact
	ArtifactID string // empty without a sink
	Outline    outline.Outline
}

// Pipeline wires the generation steps together. It holds no per-request state.
type Pipeline struct {
	ledger     Ledger
	completer  Completer
	renderer   Renderer
	sink       ArtifactSink
	timeout    time.Duration
	regenerate bool
	backoff    time.Duration
	footer     string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTimeout bounds a whole generation, retries included.
func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithArtifactSink stores each artifact before its reservation is committed.
func WithArtifactSink(sink ArtifactSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithRegenerateOnMalformed allows one fresh completion when the first cannot
// be parsed into a valid outline.
func WithRegenerateOnMalformed(enabled bool) Option {
	return func(p *Pipeline) { p.regenerate = enabled }
}

// WithBackoff sets the first retry delay; later retries double it.
func WithBackoff(d time.Duration) Option {
	return func(p *Pipeline) { p.backoff = d }
}

// WithFooter sets footer text printed on every slide.
func WithFooter(footer string) Option {
	return func(p *Pipeline) { p.footer = footer }
}

// New returns a Pipeline.
func New(ledger Ledger, completer Completer, renderer Renderer, opts ...Option) *Pipeline {
	p := &Pipeline{
		ledger:    ledger,
		completer: completer,
		renderer:  renderer,
		timeout:   defaultTimeout,
		backoff:   initialBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Generate produces a deck for topic on behalf of userID. Exactly one quota unit
// is consumed if and only if a Result is returned. Every error is an *Error.
func (p *Pipeline) Generate(ctx context.Context, userID, topic string) (*Result, error) {
	return p.GenerateFromSource(ctx, userID, topic, "")
}

// GenerateFromSource is Generate with user-supplied source text the model must
// draw the slides from. An empty source behaves exactly like Generate.
func (p *Pipeline) GenerateFromSource(ctx context.Context, userID, topic, source string) (result *Result, err error) {
	start := time.Now()
	logger := logging.FromContext(logging.WithUserID(ctx, userID))

	defer func() {
		outcome := "success"
		var perr *Error
		if errors.As(err, &perr) {
			outcome = string(perr.Kind)
		}
		metrics.GenerationsTotal.WithLabelValues(outcome).Inc()
		metrics.ObserveSince(metrics.GenerationDuration, start)
	}()

	topic = normalizeTopic(topic)
	if topic == "" {
		return nil, fail(InvalidTopic, errors.New("topic is empty"))
	}
	if utf8.RuneCountInString(topic) > MaxTopicLength {
		return nil, fail(InvalidTopic, fmt.Errorf("topic exceeds %d characters", MaxTopicLength))
	}
	source = strings.TrimSpace(source)
	if utf8.RuneCountInString(source) > completion.MaxSourceLength {
		return nil, fail(InvalidSource, fmt.Errorf("source exceeds %d characters", completion.MaxSourceLength))
	}

	reservation, err := p.ledger.CheckAndReserve(ctx, userID)
	if err != nil {
		switch {
		case errors.Is(err, entitlement.ErrQuotaExceeded):
			return nil, fail(QuotaExceeded, err)
		case errors.Is(err, entitlement.ErrAccountNotFound), errors.Is(err, entitlement.ErrAccountClosed):
			return nil, fail(AccountUnavailable, err)
		default:
			return nil, fail(Internal, err)
		}
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		panicked := recover()
		// The caller's context may already be cancelled; the release must still land.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseDeadline)
		defer cancel()
		if rerr := p.ledger.Release(releaseCtx, reservation); rerr != nil {
			logger.Error().Err(rerr).Str("reservation_id", reservation.ID).Msg("Failed to release quota reservation")
		}
		if panicked != nil {
			err = fail(Internal, fmt.Errorf("panic: %v", panicked))
			panic(panicked)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	o, err := p.draft(runCtx, topic, source)
	if err != nil {
		return nil, err
	}
	if o.Topic == "" {
		o.Topic = topic
	}

	opts := deck.RenderOptions{Footer: p.footer}
	if rec, err := p.ledger.Get(runCtx, userID); err == nil {
		if plan := p.ledger.Plan(rec.Tier); plan.Watermark {
			opts.Watermark = fmt.Sprintf("Made with DeckForge %s", plan.Name)
		}
	} else {
		logger.Warn().Err(err).Msg("Could not load plan for watermark; rendering without one")
	}

	art, err := p.renderer.Render(runCtx, o, opts)
	if err != nil {
		return nil, fail(RenderFailed, err)
	}

	result = &Result{Artifact: art, Outline: o}
	if p.sink != nil {
		id, err := p.sink.Put(runCtx, userID, topic, art)
		if err != nil {
			return nil, fail(RenderFailed, fmt.Errorf("store artifact: %w", err))
		}
		result.ArtifactID = id
	}

	// A caller that goes away after the deck is stored still gets charged for it.
	commitCtx, cancelCommit := context.WithTimeout(context.WithoutCancel(ctx), releaseDeadline)
	defer cancelCommit()
	if err := p.ledger.Commit(commitCtx, reservation); err != nil {
		// The reservation was reaped or the store failed; the deck is not handed out.
		if result.ArtifactID != "" {
			if derr := p.sink.Delete(commitCtx, userID, result.ArtifactID); derr != nil {
				logger.Error().Err(derr).Str("artifact_id", result.ArtifactID).Msg("Failed to withdraw uncharged artifact")
			}
		}
		return nil, fail(Internal, err)
	}
	committed = true

	logger.Info().
		Str("topic", topic).
		Bool("from_source", source != "").
		Str("artifact_id", result.ArtifactID).
		Int("bytes", len(art.Data)).
		Dur("elapsed", time.Since(start)).
		Msg("Deck generated")
	return result, nil
}

// draft obtains a valid outline, retrying transient provider errors and
// optionally regenerating once after malformed output.
func (p *Pipeline) draft(ctx context.Context, topic, source string) (outline.Outline, error) {
	attempts := 1
	if p.regenerate {
		attempts = 2
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		raw, err := p.complete(ctx, topic, source)
		if err != nil {
			return outline.Outline{}, err
		}

		parsed, err := outline.Parse(raw)
		if err == nil {
			parsed, err = outline.Validate(parsed)
		}
		if err == nil {
			return parsed, nil
		}
		lastErr = err
		logging.FromContext(ctx).Warn().
			Err(err).
			Int("attempt", i+1).
			Msg("Model output did not form a valid outline")
	}
	return outline.Outline{}, fail(GenerationFailed, lastErr)
}

func (p *Pipeline) complete(ctx context.Context, topic, source string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := p.backoff * time.Duration(1<<(attempt-1))
			metrics.CompletionRetriesTotal.Inc()
			logging.FromContext(ctx).Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Str("last_error", lastErr.Error()).
				Msg("Retrying completion after transient error")

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return "", fail(UpstreamUnavailable, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr))
			case <-timer.C:
			}
		}

		raw, err := p.completer.Complete(ctx, topic, source)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		var perr *completion.ProviderError
		if !errors.As(err, &perr) || !perr.Transient() || ctx.Err() != nil {
			return "", fail(UpstreamUnavailable, err)
		}
	}
	return "", fail(UpstreamUnavailable, fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr))
}

func normalizeTopic(topic string) string {
	return strings.Join(strings.Fields(topic), " ")
}
