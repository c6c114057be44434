package pipeline

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
	"github.com/mallorcaeat/pipeline/pkg/serpapi"
)

func restaurantKey(r model.Restaurant) string { return r.PlaceID }

func boolPtr(v bool) *bool { return &v }

func (p *Pipeline) runQualify(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	if opts.DryRun {
		fresh, err := p.store.ListRestaurants(ctx, store.RestaurantFilter{Statuses: []model.PipelineStatus{model.StatusNew}})
		if err != nil {
			return eris.Wrap(err, "pipeline: list new restaurants")
		}
		sr.Candidates = int64(len(fresh))
		for _, r := range fresh {
			if p.cfg.Thresholds.Violates(r.Rating, r.RatingCount) {
				sr.Changed++
				log.Info("pipeline: would disqualify", zap.String("place_id", r.PlaceID), zap.String("name", r.Name))
			}
		}
		return nil
	}
	n, err := p.catalog.Qualify(ctx)
	if err != nil {
		return err
	}
	sr.Changed = n
	return nil
}

// enrichBudget returns how many profiles may still be generated today.
func (p *Pipeline) enrichBudget(ctx context.Context, opts Options, log *zap.Logger) (int, error) {
	daily := p.cfg.Enrich.DailyLimit
	if opts.DailyLimit > 0 {
		daily = opts.DailyLimit
	}
	today, err := p.store.CountProfilesSince(ctx, catalog.StartOfDay(p.now()))
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: count today's profiles")
	}
	remaining := daily - today
	log.Info("pipeline: enrichment budget",
		zap.Int("daily_limit", daily),
		zap.Int("today", today),
		zap.Int("remaining", max(remaining, 0)),
	)
	if opts.Limit > 0 && opts.Limit < remaining {
		remaining = opts.Limit
	}
	return max(remaining, 0), nil
}

func (p *Pipeline) runEnrich(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	if p.profiles == nil && !opts.DryRun {
		return eris.New("pipeline: enrich stage needs a profile generator")
	}
	budget, err := p.enrichBudget(ctx, opts, log)
	if err != nil {
		return err
	}
	if budget == 0 {
		log.Info("pipeline: daily enrichment limit reached")
		return nil
	}

	th := p.cfg.Thresholds
	filter := store.RestaurantFilter{
		Statuses:       []model.PipelineStatus{model.StatusNew},
		ActiveOnly:     true,
		HasProfile:     boolPtr(false),
		MinRating:      &th.MinRating,
		MinRatingCount: &th.MinRatingCount,
		Limit:          budget,
	}
	save := p.catalog.SaveProfile
	if opts.ReEnrich {
		filter.Statuses = []model.PipelineStatus{model.StatusEnriched}
		filter.HasProfile = boolPtr(true)
		save = p.catalog.ReEnrich
	}
	candidates, err := p.store.ListRestaurants(ctx, filter)
	if err != nil {
		return eris.Wrap(err, "pipeline: list enrichment candidates")
	}
	sr.Candidates = int64(len(candidates))

	if opts.DryRun {
		for _, r := range candidates {
			log.Info("pipeline: would enrich", zap.String("place_id", r.PlaceID), zap.String("name", r.Name))
		}
		return nil
	}

	var c counters
	err = fanOut(ctx, candidates, p.cfg.Enrich.Concurrency, &c, log, restaurantKey, func(ctx context.Context, r model.Restaurant) error {
		prof, err := p.profiles.Generate(ctx, &r)
		if err != nil {
			return err
		}
		status, err := save(ctx, prof)
		if err != nil {
			return err
		}
		c.succeeded.Add(1)
		if status != r.PipelineStatus {
			c.changed.Add(1)
		}
		log.Info("pipeline: enriched",
			zap.String("place_id", r.PlaceID),
			zap.String("status", string(status)),
			zap.Int("scores", prof.Scores.NonNull()),
		)
		return nil
	})
	c.into(sr)
	return err
}

func (p *Pipeline) runCompleteness(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	enriched, err := p.store.ListRestaurants(ctx, store.RestaurantFilter{
		Statuses:   []model.PipelineStatus{model.StatusEnriched},
		HasProfile: boolPtr(true),
		Limit:      opts.Limit,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: list enriched restaurants")
	}
	sr.Candidates = int64(len(enriched))

	for _, r := range enriched {
		if opts.DryRun {
			prof, err := p.store.GetProfile(ctx, r.PlaceID)
			if err != nil {
				return eris.Wrapf(err, "pipeline: get profile %s", r.PlaceID)
			}
			if p.cfg.Thresholds.IsComplete(prof) {
				sr.Changed++
				log.Info("pipeline: would complete", zap.String("place_id", r.PlaceID))
			}
			continue
		}
		status, err := p.catalog.Evaluate(ctx, r.PlaceID)
		if err != nil {
			return err
		}
		sr.Succeeded++
		if status == model.StatusComplete {
			sr.Changed++
		}
	}
	return nil
}

// fetchDetails calls the details provider for r, which needs the numeric CID.
func (p *Pipeline) fetchDetails(ctx context.Context, r model.Restaurant) (*model.PlaceDetails, error) {
	raw, err := p.details.PlaceDetails(ctx, r.CID)
	if err != nil {
		return nil, err
	}
	return serpapi.ParseDetails(r.PlaceID, raw)
}

func withCID(rs []model.Restaurant, sr *StageReport) []model.Restaurant {
	out := rs[:0:0]
	for _, r := range rs {
		if r.CID == "" {
			sr.Skipped++
			continue
		}
		out = append(out, r)
	}
	return out
}

func (p *Pipeline) runDetails(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	if p.details == nil && !opts.DryRun {
		return eris.New("pipeline: details stage needs a details client")
	}
	missing, err := p.store.ListRestaurants(ctx, store.RestaurantFilter{
		Statuses:   []model.PipelineStatus{model.StatusComplete},
		ActiveOnly: true,
		HasDetails: boolPtr(false),
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: list details candidates")
	}
	todo := capped(withCID(missing, sr), opts.Limit)
	sr.Candidates = int64(len(todo))

	if opts.DryRun {
		for _, r := range todo {
			log.Info("pipeline: would fetch details", zap.String("place_id", r.PlaceID), zap.String("cid", r.CID))
		}
		return nil
	}

	var c counters
	err = fanOut(ctx, todo, p.cfg.Search.Concurrency, &c, log, restaurantKey, func(ctx context.Context, r model.Restaurant) error {
		raw, err := p.details.PlaceDetails(ctx, r.CID)
		if err != nil {
			return err
		}
		d, err := p.catalog.IngestDetails(ctx, r.PlaceID, raw)
		if err != nil {
			return err
		}
		c.succeeded.Add(1)
		if d.Closed {
			c.changed.Add(1)
		}
		return nil
	})
	c.into(sr)
	return err
}

func (p *Pipeline) runVerify(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	if p.details == nil && !opts.DryRun {
		return eris.New("pipeline: verify stage needs a details client")
	}
	maxAge := p.cfg.Verify.MaxAgeDays
	if opts.VerifyDays > 0 {
		maxAge = opts.VerifyDays
	}
	cutoff := p.now().UTC().Add(-days(maxAge))
	stale, err := p.store.ListRestaurants(ctx, store.RestaurantFilter{
		Statuses:       []model.PipelineStatus{model.StatusComplete},
		ActiveOnly:     true,
		VerifiedBefore: &cutoff,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: list verify candidates")
	}
	todo := capped(withCID(stale, sr), opts.Limit)
	sr.Candidates = int64(len(todo))

	if opts.DryRun {
		for _, r := range todo {
			log.Info("pipeline: would verify", zap.String("place_id", r.PlaceID), zap.Timep("last_verified_at", r.LastVerifiedAt))
		}
		return nil
	}

	var c counters
	err = fanOut(ctx, todo, p.cfg.Search.Concurrency, &c, log, restaurantKey, func(ctx context.Context, r model.Restaurant) error {
		d, err := p.fetchDetails(ctx, r)
		if err != nil {
			return err
		}
		active, err := p.catalog.Verify(ctx, d)
		if err != nil {
			return err
		}
		c.succeeded.Add(1)
		if !active {
			c.changed.Add(1)
		}
		return nil
	})
	c.into(sr)
	return err
}
