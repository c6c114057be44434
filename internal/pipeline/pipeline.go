// Package pipeline runs the curation stages: search, qualify, enrich,
// completeness, details and verify. Each stage reads its candidates from the
// store and applies provider results through the catalog.
package pipeline

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/config"
	"github.com/mallorcaeat/pipeline/internal/profiler"
	"github.com/mallorcaeat/pipeline/internal/resilience"
	"github.com/mallorcaeat/pipeline/internal/store"
	"github.com/mallorcaeat/pipeline/pkg/serpapi"
	"github.com/mallorcaeat/pipeline/pkg/serper"
)

// Stage names one pipeline step.
type Stage string

const (
	StageSearch       Stage = "search"
	StageQualify      Stage = "qualify"
	StageEnrich       Stage = "enrich"
	StageCompleteness Stage = "completeness"
	StageDetails      Stage = "details"
	StageVerify       Stage = "verify"
)

// AllStages lists every stage in execution order.
var AllStages = []Stage{StageSearch, StageQualify, StageEnrich, StageCompleteness, StageDetails, StageVerify}

// ParseStages parses a comma-separated stage list. An empty list selects all stages.
func ParseStages(s string) ([]Stage, error) {
	if strings.TrimSpace(s) == "" {
		return AllStages, nil
	}
	var out []Stage
	for _, part := range strings.Split(s, ",") {
		st := Stage(strings.ToLower(strings.TrimSpace(part)))
		if !st.valid() {
			return nil, eris.Errorf("pipeline: unknown stage %q", part)
		}
		out = append(out, st)
	}
	return out, nil
}

func (s Stage) valid() bool {
	for _, st := range AllStages {
		if s == st {
			return true
		}
	}
	return false
}

// Options selects and tunes the stages of one run.
type Options struct {
	Stages      []Stage
	DryRun      bool
	ForceSearch bool
	// Limit caps the number of provider calls per stage; 0 means no cap.
	Limit int
	// DailyLimit overrides the configured enrichment cap when positive.
	DailyLimit int
	// VerifyDays overrides the configured re-verification age when positive.
	VerifyDays int
	// ReEnrich regenerates profiles of enriched restaurants whose cached
	// profile missed the completeness gate, replacing the cached row.
	ReEnrich bool
}

// StageReport counts what one stage did.
type StageReport struct {
	Stage      Stage         `json:"stage" yaml:"stage"`
	Candidates int64         `json:"candidates" yaml:"candidates"`
	Succeeded  int64         `json:"succeeded" yaml:"succeeded"`
	Failed     int64         `json:"failed" yaml:"failed"`
	Skipped    int64         `json:"skipped" yaml:"skipped"`
	Changed    int64         `json:"changed" yaml:"changed"`
	DryRun     bool          `json:"dry_run" yaml:"dry_run"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Error      string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// Report is the outcome of one pipeline invocation.
type Report struct {
	RunID  string        `json:"run_id" yaml:"run_id"`
	Stages []StageReport `json:"stages" yaml:"stages"`
}

// Pipeline wires the catalog to the provider clients.
type Pipeline struct {
	cfg      *config.Config
	store    store.Store
	catalog  *catalog.Catalog
	search   serper.Client
	details  serpapi.Client
	profiles profiler.Generator
	now      func() time.Time
}

// New creates a Pipeline. Provider clients may be nil when the stages that
// need them are not run.
func New(cfg *config.Config, st store.Store, search serper.Client, details serpapi.Client, profiles profiler.Generator) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    st,
		catalog:  catalog.New(st, cfg.Thresholds),
		search:   search,
		details:  details,
		profiles: profiles,
		now:      time.Now,
	}
}

// Catalog returns the catalog the pipeline writes through.
func (p *Pipeline) Catalog() *catalog.Catalog { return p.catalog }

// Run executes the selected stages in order. A stage error stops the run;
// the report holds every stage that ran.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Report, error) {
	selected := opts.Stages
	if len(selected) == 0 {
		selected = AllStages
	}
	want := make(map[Stage]bool, len(selected))
	for _, s := range selected {
		want[s] = true
	}

	report := &Report{RunID: uuid.NewString()}
	log := zap.L().With(zap.String("run_id", report.RunID), zap.Bool("dry_run", opts.DryRun))
	log.Info("pipeline: starting", zap.Any("stages", selected))

	for _, stage := range AllStages {
		if !want[stage] {
			continue
		}
		slog := log.With(zap.String("stage", string(stage)))
		start := time.Now()
		sr := StageReport{Stage: stage, DryRun: opts.DryRun}
		err := p.runStage(ctx, stage, opts, &sr, slog)
		sr.Duration = time.Since(start)
		if err != nil {
			sr.Error = err.Error()
			report.Stages = append(report.Stages, sr)
			slog.Error("pipeline: stage failed", zap.Duration("duration", sr.Duration), zap.Error(err))
			return report, eris.Wrapf(err, "pipeline: stage %s", stage)
		}
		report.Stages = append(report.Stages, sr)
		slog.Info("pipeline: stage complete",
			zap.Int64("candidates", sr.Candidates),
			zap.Int64("succeeded", sr.Succeeded),
			zap.Int64("failed", sr.Failed),
			zap.Int64("skipped", sr.Skipped),
			zap.Int64("changed", sr.Changed),
			zap.Duration("duration", sr.Duration),
		)
	}
	return report, nil
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, opts Options, sr *StageReport, log *zap.Logger) error {
	switch stage {
	case StageSearch:
		return p.runSearch(ctx, opts, sr, log)
	case StageQualify:
		return p.runQualify(ctx, opts, sr, log)
	case StageEnrich:
		return p.runEnrich(ctx, opts, sr, log)
	case StageCompleteness:
		return p.runCompleteness(ctx, opts, sr, log)
	case StageDetails:
		return p.runDetails(ctx, opts, sr, log)
	case StageVerify:
		return p.runVerify(ctx, opts, sr, log)
	}
	return eris.Errorf("pipeline: unknown stage %q", stage)
}

// counters accumulates per-item outcomes across goroutines.
type counters struct {
	succeeded, failed, skipped, changed atomic.Int64
}

func (c *counters) into(sr *StageReport) {
	sr.Succeeded += c.succeeded.Load()
	sr.Failed += c.failed.Load()
	sr.Skipped += c.skipped.Load()
	sr.Changed += c.changed.Load()
}

// fanOut runs fn over items with at most limit in flight. Item failures are
// logged and counted; a quota error or cancellation aborts the whole batch.
func fanOut[T any](ctx context.Context, items []T, limit int, c *counters, log *zap.Logger, key func(T) string, fn func(ctx context.Context, item T) error) error {
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, item := range items {
		g.Go(func() error {
			err := fn(gctx, item)
			if err == nil {
				return nil
			}
			if resilience.IsQuota(err) || gctx.Err() != nil {
				return err
			}
			c.failed.Add(1)
			log.Warn("pipeline: item failed", zap.String("item", key(item)), zap.Error(err))
			return nil
		})
	}
	return g.Wait()
}

func capped[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
