package catalog

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

// Stats is the admin snapshot of the pipeline.
type Stats struct {
	Statuses      map[model.PipelineStatus]int `json:"statuses" yaml:"statuses"`
	Total         int                          `json:"total" yaml:"total"`
	Curated       int                          `json:"curated" yaml:"curated"`
	ProfilesToday int                          `json:"profiles_today" yaml:"profiles_today"`
	DueRuns       int                          `json:"due_runs" yaml:"due_runs"`
}

// Stats counts restaurants per status, today's profiles and runs due for a
// rescrape under rerunAfter.
func (c *Catalog) Stats(ctx context.Context, rerunAfter time.Duration) (*Stats, error) {
	counts, err := c.store.StatusCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: stats")
	}
	st := &Stats{Statuses: make(map[model.PipelineStatus]int, len(model.AllStatuses))}
	for _, s := range model.AllStatuses {
		st.Statuses[s] = counts[s]
		st.Total += counts[s]
	}
	st.Curated = counts[model.StatusComplete]

	now := c.now().UTC()
	if st.ProfilesToday, err = c.store.CountProfilesSince(ctx, StartOfDay(now)); err != nil {
		return nil, eris.Wrap(err, "catalog: stats")
	}
	cutoff := now.Add(-rerunAfter)
	due, err := c.store.ListRuns(ctx, store.RunFilter{DueBefore: &cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "catalog: stats")
	}
	st.DueRuns = len(due)
	return st, nil
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
