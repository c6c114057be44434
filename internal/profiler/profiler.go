// Package profiler generates traveller-profile scores and short descriptive
// texts for a restaurant with an LLM.
package profiler

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/resilience"
	"github.com/mallorcaeat/pipeline/pkg/anthropic"
)

const (
	defaultModel       = "claude-haiku-4-5-20251001"
	defaultMaxTokens   = 1024
	defaultTemperature = 0.3
	systemCacheTTL     = "1h"
)

// Generator produces a profile for one restaurant.
type Generator interface {
	Generate(ctx context.Context, r *model.Restaurant) (*model.Profile, error)
}

// Config holds the LLM call parameters.
type Config struct {
	Model      string
	MaxTokens  int64
	RatePerSec float64
}

// Option configures a Profiler.
type Option func(*Profiler)

// WithRetry overrides the retry policy for LLM calls.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(p *Profiler) { p.retry = cfg }
}

// WithBreaker sets the circuit breaker wrapping LLM calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(p *Profiler) { p.breaker = cb }
}

// Profiler implements Generator over the Anthropic Messages API.
type Profiler struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
	retry     resilience.RetryConfig
	breaker   *resilience.CircuitBreaker
	now       func() time.Time
}

// New creates a Profiler. Zero config fields fall back to defaults; a zero
// rate disables limiting.
func New(client anthropic.Client, cfg Config, opts ...Option) *Profiler {
	p := &Profiler{
		client:    client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		retry:     resilience.DefaultRetryConfig(),
		breaker:   resilience.NewCircuitBreaker("anthropic", resilience.DefaultCircuitBreakerConfig()),
		now:       time.Now,
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	if cfg.RatePerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	p.retry.OnRetry = resilience.RetryLogger("anthropic", "profile")
	for _, o := range opts {
		o(p)
	}
	return p
}

// Generate asks the model for a profile and parses it. Transient provider
// errors are retried; a malformed answer is returned as ErrMalformed.
func (p *Profiler) Generate(ctx context.Context, r *model.Restaurant) (*model.Profile, error) {
	if r == nil || r.PlaceID == "" {
		return nil, eris.New("profiler: restaurant without place id")
	}

	temp := defaultTemperature
	req := anthropic.MessageRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		System:      anthropic.CachedSystem(systemPrompt, systemCacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: userPrompt(r)}},
		Temperature: &temp,
	}

	resp, err := resilience.Call(ctx, p.breaker, p.retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "profiler: rate limit wait")
		}
		return p.client.CreateMessage(ctx, req)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "profiler: generate %s", r.PlaceID)
	}
	resp.Usage.LogCost(p.model, r.PlaceID)

	prof, err := ParseProfile(r.PlaceID, resp.Text())
	if err != nil {
		zap.L().Warn("profiler: unusable answer",
			zap.String("place_id", r.PlaceID),
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, err
	}
	prof.Model = p.model
	prof.EnrichedAt = p.now().UTC()
	return prof, nil
}
