package pipeline

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/config"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
	"github.com/mallorcaeat/pipeline/pkg/serper"
)

// ConfiguredRuns returns every configured (term, location) pair, normalized
// and deduplicated, locations outermost.
func ConfiguredRuns(cfg config.SearchConfig) []model.RunIdentity {
	seen := make(map[model.RunIdentity]bool)
	var out []model.RunIdentity
	for _, loc := range cfg.Locations {
		for _, term := range cfg.Terms {
			id := model.NewRunIdentity(term, loc)
			if id.Query == "" || id.Location == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// SeedRuns inserts pending tracker rows for the configured pairs.
func (p *Pipeline) SeedRuns(ctx context.Context) (int64, error) {
	n, err := p.store.SeedRuns(ctx, ConfiguredRuns(p.cfg.Search))
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: seed runs")
	}
	return n, nil
}

// searchTask is one due (query, location) pair. Refresh is set when the
// cached response is stale or the run is forced.
type searchTask struct {
	id      model.RunIdentity
	refresh bool
}

func taskKey(t searchTask) string { return t.id.Query + "@" + t.id.Location }

func (p *Pipeline) runSearch(ctx context.Context, opts Options, sr *StageReport, log *zap.Logger) error {
	if p.search == nil && !opts.DryRun {
		return eris.New("pipeline: search stage needs a search client")
	}
	ids := ConfiguredRuns(p.cfg.Search)
	if len(ids) == 0 {
		log.Warn("pipeline: no search terms or locations configured")
		return nil
	}
	if !opts.DryRun {
		seeded, err := p.store.SeedRuns(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "pipeline: seed runs")
		}
		if seeded > 0 {
			log.Info("pipeline: seeded run tracker", zap.Int64("rows", seeded))
		}
	}

	runs, err := p.store.ListRuns(ctx, store.RunFilter{})
	if err != nil {
		return eris.Wrap(err, "pipeline: list runs")
	}
	tracked := make(map[model.RunIdentity]model.PipelineRun, len(runs))
	for _, r := range runs {
		tracked[r.Identity()] = r
	}

	now := p.now().UTC()
	maxAge := days(p.cfg.Search.RerunAfterDays)
	var tasks []searchTask
	for _, id := range ids {
		run, ok := tracked[id]
		switch {
		case opts.ForceSearch:
			tasks = append(tasks, searchTask{id: id, refresh: true})
		case !ok || run.Due(now, maxAge):
			tasks = append(tasks, searchTask{id: id, refresh: ok && run.LastSuccessAt != nil})
		default:
			sr.Skipped++
		}
	}
	tasks = capped(tasks, opts.Limit)
	sr.Candidates = int64(len(tasks))

	if opts.DryRun {
		for _, t := range tasks {
			log.Info("pipeline: would search",
				zap.String("query", t.id.Query),
				zap.String("location", t.id.Location),
				zap.Bool("refresh", t.refresh),
			)
		}
		return nil
	}

	var c counters
	err = fanOut(ctx, tasks, p.cfg.Search.Concurrency, &c, log, taskKey, func(ctx context.Context, t searchTask) error {
		return p.searchOne(ctx, t, &c, log)
	})
	c.into(sr)
	return err
}

func (p *Pipeline) searchOne(ctx context.Context, t searchTask, c *counters, log *zap.Logger) error {
	sid := model.NewSearchIdentity(t.id.Query, t.id.Location, p.cfg.Search.Type)
	fetch := func(ctx context.Context) (json.RawMessage, error) {
		return p.search.Maps(ctx, serper.MapsRequest{
			Query:    t.id.Query,
			Location: t.id.Location,
			Country:  p.cfg.Search.Country,
			Language: p.cfg.Search.Language,
			Num:      p.cfg.Search.ResultsPerCall,
		})
	}

	var (
		entry  *model.SearchCacheEntry
		cached bool
		err    error
	)
	if t.refresh {
		entry, err = p.catalog.Refresh(ctx, sid, fetch)
	} else {
		entry, cached, err = p.catalog.GetOrFetch(ctx, sid, fetch)
	}
	if err != nil {
		p.recordFailure(ctx, t.id, log)
		return err
	}

	stats, err := p.catalog.Ingest(ctx, entry)
	if err != nil {
		p.recordFailure(ctx, t.id, log)
		return err
	}
	if _, err := p.catalog.RecordRun(ctx, t.id, stats.Upserted, model.RunStatusOK); err != nil {
		return err
	}
	c.succeeded.Add(1)
	c.changed.Add(int64(stats.Linked))
	log.Info("pipeline: search done",
		zap.String("query", t.id.Query),
		zap.String("location", t.id.Location),
		zap.Bool("cached", cached),
		zap.Int("places", stats.Places),
		zap.Int("linked", stats.Linked),
		zap.Int("disqualified", stats.Disqualified),
	)
	return nil
}

func (p *Pipeline) recordFailure(ctx context.Context, id model.RunIdentity, log *zap.Logger) {
	if _, err := p.catalog.RecordRun(ctx, id, 0, model.RunStatusError); err != nil {
		log.Warn("pipeline: record failed run", zap.String("query", id.Query), zap.String("location", id.Location), zap.Error(err))
	}
}
