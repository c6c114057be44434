// Package reconcile brings an existing database up to the current pipeline
// schema and backfills derived state. Every step is idempotent, so a failed
// run is resumed by running it again.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/lifecycle"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

// Step names, in execution order.
const (
	StepSchema          = "schema"
	StepScrapedAt       = "backfill_scraped_at"
	StepPipelineRuns    = "backfill_pipeline_runs"
	StepClassifyNew     = "classify_new"
	StepPromoteProfiled = "promote_profiled"
	StepSeedConfigured  = "seed_configured_runs"
)

// Step is one named reconciliation action. Run returns the number of rows
// or columns it changed.
type Step struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Result reports what one step changed.
type Result struct {
	Step     string        `json:"step" yaml:"step"`
	Changed  int64         `json:"changed" yaml:"changed"`
	Detail   []string      `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Reconciler runs the ordered steps against a store.
type Reconciler struct {
	store      store.Store
	catalog    *catalog.Catalog
	thresholds lifecycle.Thresholds
	added      []string
	steps      []Step
}

// New builds the standard step list over s.
func New(s store.Store, th lifecycle.Thresholds) *Reconciler {
	r := &Reconciler{store: s, catalog: catalog.New(s, th), thresholds: th}
	r.steps = []Step{
		{Name: StepSchema, Run: r.schema},
		{Name: StepScrapedAt, Run: s.BackfillScrapedAt},
		{Name: StepPipelineRuns, Run: s.BackfillRunsFromCache},
		{Name: StepClassifyNew, Run: r.classifyNew},
		{Name: StepPromoteProfiled, Run: r.promoteProfiled},
	}
	return r
}

// WithSeed appends a step that inserts pending run rows for ids without
// touching existing rows.
func (r *Reconciler) WithSeed(ids []model.RunIdentity) *Reconciler {
	if len(ids) == 0 {
		return r
	}
	r.steps = append(r.steps, Step{
		Name: StepSeedConfigured,
		Run: func(ctx context.Context) (int64, error) {
			return r.store.SeedRuns(ctx, ids)
		},
	})
	return r
}

// Steps returns the step names in order.
func (r *Reconciler) Steps() []string {
	names := make([]string, len(r.steps))
	for i, s := range r.steps {
		names[i] = s.Name
	}
	return names
}

// Run executes every step in order and stops at the first failure. The
// results of the steps that completed are returned alongside the error.
func (r *Reconciler) Run(ctx context.Context) ([]Result, error) {
	log := zap.L().With(zap.String("component", "reconcile"))
	results := make([]Result, 0, len(r.steps))
	for _, step := range r.steps {
		start := time.Now()
		n, err := step.Run(ctx)
		if err != nil {
			return results, eris.Wrapf(err, "reconcile: step %s", step.Name)
		}
		res := Result{Step: step.Name, Changed: n, Duration: time.Since(start)}
		if step.Name == StepSchema {
			res.Detail = r.added
		}
		log.Info("reconcile: step done",
			zap.String("step", step.Name),
			zap.Int64("changed", n),
			zap.Duration("duration", res.Duration),
		)
		results = append(results, res)
	}
	return results, nil
}

func (r *Reconciler) schema(ctx context.Context) (int64, error) {
	added, err := r.store.EnsureSchema(ctx)
	r.added = added
	return int64(len(added)), err
}

func (r *Reconciler) classifyNew(ctx context.Context) (int64, error) {
	return r.store.DisqualifyBelow(ctx, r.thresholds.MinRating, r.thresholds.MinRatingCount)
}

// promoteProfiled applies the completeness gate to restaurants still at new
// that already have a cached profile, moving them to enriched or complete.
func (r *Reconciler) promoteProfiled(ctx context.Context) (int64, error) {
	th := r.thresholds
	hasProfile := true
	profiled, err := r.store.ListRestaurants(ctx, store.RestaurantFilter{
		Statuses:       []model.PipelineStatus{model.StatusNew},
		HasProfile:     &hasProfile,
		MinRating:      &th.MinRating,
		MinRatingCount: &th.MinRatingCount,
	})
	if err != nil {
		return 0, eris.Wrap(err, "list profiled restaurants")
	}
	var n int64
	for _, rest := range profiled {
		status, err := r.catalog.Evaluate(ctx, rest.PlaceID)
		if err != nil {
			return n, err
		}
		if status != model.StatusNew {
			n++
		}
	}
	return n, nil
}
