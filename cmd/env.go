package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/pipeline"
	"github.com/mallorcaeat/pipeline/internal/profiler"
	"github.com/mallorcaeat/pipeline/internal/resilience"
	"github.com/mallorcaeat/pipeline/internal/store"
	anthropicpkg "github.com/mallorcaeat/pipeline/pkg/anthropic"
	"github.com/mallorcaeat/pipeline/pkg/serpapi"
	"github.com/mallorcaeat/pipeline/pkg/serper"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "mallorcaeat.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore validates cfg for mode, opens the store and applies the schema.
func openStore(ctx context.Context, mode string) (store.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// needs reports which provider clients the selected stages call.
func needs(stages []pipeline.Stage) (search, details, profiles bool) {
	for _, s := range stages {
		switch s {
		case pipeline.StageSearch:
			search = true
		case pipeline.StageEnrich:
			profiles = true
		case pipeline.StageDetails, pipeline.StageVerify:
			details = true
		}
	}
	return search, details, profiles
}

// initPipeline builds the provider clients the selected stages need and the
// Pipeline over st. Missing keys are only an error for stages that call out.
func initPipeline(st store.Store, stages []pipeline.Stage, dryRun bool) (*pipeline.Pipeline, error) {
	wantSearch, wantDetails, wantProfiles := needs(stages)

	var searchClient serper.Client
	if wantSearch && !dryRun {
		if cfg.Serper.Key == "" {
			return nil, eris.New("serper key is required for the search stage (MALLORCAEAT_SERPER_KEY)")
		}
		opts := []serper.Option{serper.WithRateLimit(cfg.Search.RatePerSec)}
		if cfg.Serper.BaseURL != "" {
			opts = append(opts, serper.WithBaseURL(cfg.Serper.BaseURL))
		}
		searchClient = serper.NewClient(cfg.Serper.Key, opts...)
	}

	var detailsClient serpapi.Client
	if wantDetails && !dryRun {
		opts := []serpapi.Option{serpapi.WithRateLimit(cfg.SerpAPI.RatePerSec)}
		if cfg.SerpAPI.BaseURL != "" {
			opts = append(opts, serpapi.WithBaseURL(cfg.SerpAPI.BaseURL))
		}
		c, err := serpapi.NewClient(cfg.SerpAPI.Keys, opts...)
		if err != nil {
			return nil, eris.Wrap(err, "init serpapi")
		}
		detailsClient = c
	}

	var generator profiler.Generator
	if wantProfiles && !dryRun {
		if cfg.Anthropic.Key == "" {
			return nil, eris.New("anthropic key is required for the enrich stage (MALLORCAEAT_ANTHROPIC_KEY)")
		}
		generator = profiler.New(anthropicpkg.NewClient(cfg.Anthropic.Key), profiler.Config{
			Model:      cfg.Anthropic.Model,
			MaxTokens:  cfg.Anthropic.MaxTokens,
			RatePerSec: cfg.Anthropic.RatePerSec,
		}, profiler.WithBreaker(resilience.NewCircuitBreaker("anthropic", resilience.DefaultCircuitBreakerConfig())))
	}

	zap.L().Debug("pipeline clients ready",
		zap.Bool("search", searchClient != nil),
		zap.Bool("details", detailsClient != nil),
		zap.Bool("profiles", generator != nil),
	)
	return pipeline.New(cfg, st, searchClient, detailsClient, generator), nil
}
