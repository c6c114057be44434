// Package catalog is the write path of the curation pipeline. It applies
// provider responses to the store and moves restaurants through the status
// state machine, committing every transition with the write that caused it.
package catalog

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/lifecycle"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

// FetchFunc calls the search provider for one identity.
type FetchFunc func(ctx context.Context) (json.RawMessage, error)

// Catalog applies provider data to the store.
type Catalog struct {
	store      store.Store
	thresholds lifecycle.Thresholds
	now        func() time.Time
}

// New creates a Catalog over s with the given thresholds.
func New(s store.Store, th lifecycle.Thresholds) *Catalog {
	return &Catalog{store: s, thresholds: th, now: time.Now}
}

// Thresholds returns the gates this catalog applies.
func (c *Catalog) Thresholds() lifecycle.Thresholds { return c.thresholds }

// GetOrFetch returns the cached response for id, calling fetch only on a
// miss. A failed fetch writes nothing. The bool reports a cache hit.
func (c *Catalog) GetOrFetch(ctx context.Context, id model.SearchIdentity, fetch FetchFunc) (*model.SearchCacheEntry, bool, error) {
	if err := id.Validate(); err != nil {
		return nil, false, eris.Wrap(err, "catalog: get or fetch")
	}
	entry, err := c.store.GetSearchCache(ctx, id)
	if err != nil {
		return nil, false, eris.Wrapf(err, "catalog: lookup %s", id)
	}
	if entry != nil {
		return entry, true, nil
	}
	entry, err = c.Refresh(ctx, id, fetch)
	if err != nil {
		return nil, false, err
	}
	return entry, false, nil
}

// Refresh calls fetch unconditionally and replaces the cached payload for id.
func (c *Catalog) Refresh(ctx context.Context, id model.SearchIdentity, fetch FetchFunc) (*model.SearchCacheEntry, error) {
	raw, err := fetch(ctx)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: fetch %s", id)
	}
	entry, err := c.store.PutSearchCache(ctx, id, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: store %s", id)
	}
	return entry, nil
}

// Deactivate soft-deletes a restaurant. It is the only way into inactive.
func (c *Catalog) Deactivate(ctx context.Context, placeID string) error {
	if err := c.store.Deactivate(ctx, placeID); err != nil {
		return eris.Wrapf(err, "catalog: deactivate %s", placeID)
	}
	zap.L().Info("catalog: restaurant deactivated", zap.String("place_id", placeID))
	return nil
}

// RecordRun stores the outcome of one (query, location) scrape.
func (c *Catalog) RecordRun(ctx context.Context, id model.RunIdentity, resultCount int, status model.RunStatus) (*model.PipelineRun, error) {
	run, err := c.store.RecordRun(ctx, id, resultCount, status)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: record run %s@%s", id.Query, id.Location)
	}
	return run, nil
}

// Qualify disqualifies every restaurant still at new that fails the thresholds.
func (c *Catalog) Qualify(ctx context.Context) (int64, error) {
	n, err := c.store.DisqualifyBelow(ctx, c.thresholds.MinRating, c.thresholds.MinRatingCount)
	if err != nil {
		return 0, eris.Wrap(err, "catalog: qualify")
	}
	return n, nil
}

// CuratedRestaurants returns the published set, best rated first.
func (c *Catalog) CuratedRestaurants(ctx context.Context, limit int) ([]model.CuratedRestaurant, error) {
	out, err := c.store.CuratedRestaurants(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: curated restaurants")
	}
	return out, nil
}

// transition moves r to `to` if it is still at the status it was read with.
// A lost race is not an error; the winner's status is returned.
func (c *Catalog) transition(ctx context.Context, q store.Queries, r *model.Restaurant, to model.PipelineStatus) (model.PipelineStatus, error) {
	moved, err := q.TransitionStatus(ctx, r.PlaceID, []model.PipelineStatus{r.PipelineStatus}, to)
	if err != nil {
		return "", err
	}
	if moved {
		zap.L().Debug("catalog: status transition",
			zap.String("place_id", r.PlaceID),
			zap.String("from", string(r.PipelineStatus)),
			zap.String("to", string(to)),
		)
		return to, nil
	}
	cur, err := q.GetRestaurant(ctx, r.PlaceID)
	if err != nil {
		return "", err
	}
	return cur.PipelineStatus, nil
}
