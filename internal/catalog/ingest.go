package catalog

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/profiler"
	"github.com/mallorcaeat/pipeline/internal/store"
	"github.com/mallorcaeat/pipeline/pkg/serpapi"
	"github.com/mallorcaeat/pipeline/pkg/serper"
)

// IngestStats counts what one search response did to the registry.
type IngestStats struct {
	Places       int
	Upserted     int
	Linked       int
	Disqualified int
	Skipped      int
}

// IngestSearchResponse caches raw for id and applies it to the registry.
func (c *Catalog) IngestSearchResponse(ctx context.Context, id model.SearchIdentity, raw json.RawMessage) (*model.SearchCacheEntry, IngestStats, error) {
	entry, err := c.store.PutSearchCache(ctx, id, raw)
	if err != nil {
		return nil, IngestStats{}, eris.Wrapf(err, "catalog: store %s", id)
	}
	stats, err := c.Ingest(ctx, entry)
	return entry, stats, err
}

// Ingest upserts every place in a cached search response, disqualifies new
// restaurants below threshold and links each place to the entry. Places
// without an id or with invalid attributes are skipped.
func (c *Catalog) Ingest(ctx context.Context, entry *model.SearchCacheEntry) (IngestStats, error) {
	var stats IngestStats
	places, err := serper.ParsePlaces(entry.Response)
	if err != nil {
		return stats, eris.Wrapf(err, "catalog: parse %s", entry.Identity)
	}
	stats.Places = len(places)

	for _, p := range places {
		if p.ID() == "" {
			stats.Skipped++
			continue
		}
		var disqualified, linked bool
		err := c.store.InTx(ctx, func(q store.Queries) error {
			disqualified, linked = false, false
			r, err := q.UpsertRestaurant(ctx, p.Attrs())
			if err != nil {
				return err
			}
			if to, ok := c.thresholds.OnUpsert(r); ok {
				got, err := c.transition(ctx, q, r, to)
				if err != nil {
					return err
				}
				disqualified = got == to
			}
			linked, err = q.LinkResult(ctx, entry.ID, r.ID, p.Position)
			return err
		})
		if model.IsConstraint(err) {
			zap.L().Warn("catalog: place rejected",
				zap.String("place_id", p.ID()),
				zap.String("search", entry.Identity.String()),
				zap.Error(err),
			)
			stats.Skipped++
			continue
		}
		if err != nil {
			return stats, eris.Wrapf(err, "catalog: ingest %s", p.ID())
		}
		stats.Upserted++
		if disqualified {
			stats.Disqualified++
		}
		if linked {
			stats.Linked++
		}
	}
	return stats, nil
}

// IngestDetails parses a place-details response and stores it. A closed
// place is deactivated in the same transaction.
func (c *Catalog) IngestDetails(ctx context.Context, placeID string, raw json.RawMessage) (*model.PlaceDetails, error) {
	d, err := serpapi.ParseDetails(placeID, raw)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: parse details %s", placeID)
	}
	if err := c.SaveDetails(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// SaveDetails stores a parsed details row and deactivates closed places.
func (c *Catalog) SaveDetails(ctx context.Context, d *model.PlaceDetails) error {
	err := c.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.GetRestaurant(ctx, d.PlaceID); err != nil {
			return err
		}
		if err := q.PutDetails(ctx, d); err != nil {
			return err
		}
		if d.Closed {
			return q.Deactivate(ctx, d.PlaceID)
		}
		return nil
	})
	if err != nil {
		return eris.Wrapf(err, "catalog: save details %s", d.PlaceID)
	}
	if d.Closed {
		zap.L().Info("catalog: closed place deactivated", zap.String("place_id", d.PlaceID))
	}
	return nil
}

// IngestProfile parses a raw profile answer and stores it.
func (c *Catalog) IngestProfile(ctx context.Context, placeID, raw string) (model.PipelineStatus, error) {
	p, err := profiler.ParseProfile(placeID, raw)
	if err != nil {
		return "", eris.Wrapf(err, "catalog: parse profile %s", placeID)
	}
	return c.SaveProfile(ctx, p)
}

// SaveProfile stores a profile and applies the resulting transition in one
// transaction. A place that already has a profile keeps it; the gate is then
// applied to the stored profile. It returns the restaurant's status afterwards.
func (c *Catalog) SaveProfile(ctx context.Context, p *model.Profile) (model.PipelineStatus, error) {
	if err := p.Validate(); err != nil {
		return "", eris.Wrap(err, "catalog: save profile")
	}
	var status model.PipelineStatus
	err := c.store.InTx(ctx, func(q store.Queries) error {
		r, err := q.GetRestaurant(ctx, p.PlaceID)
		if err != nil {
			return err
		}
		inserted, err := q.InsertProfile(ctx, p)
		if err != nil {
			return err
		}
		gated := p
		if !inserted {
			zap.L().Info("catalog: profile already cached, keeping it", zap.String("place_id", p.PlaceID))
			if gated, err = q.GetProfile(ctx, p.PlaceID); err != nil {
				return err
			}
		}
		status, err = c.applyEnrichment(ctx, q, r, gated)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "catalog: save profile %s", p.PlaceID)
	}
	return status, nil
}

// ReEnrich replaces the cached profile of a place. A complete restaurant
// only accepts a profile that still passes the completeness gate.
func (c *Catalog) ReEnrich(ctx context.Context, p *model.Profile) (model.PipelineStatus, error) {
	if err := p.Validate(); err != nil {
		return "", eris.Wrap(err, "catalog: re-enrich")
	}
	var status model.PipelineStatus
	err := c.store.InTx(ctx, func(q store.Queries) error {
		r, err := q.GetRestaurant(ctx, p.PlaceID)
		if err != nil {
			return err
		}
		if r.PipelineStatus == model.StatusComplete && !c.thresholds.IsComplete(p) {
			return &model.ConstraintError{
				Entity: "profile",
				Field:  "scores",
				Reason: "would leave a complete restaurant with an incomplete profile",
			}
		}
		if err := q.PutProfile(ctx, p); err != nil {
			return err
		}
		status, err = c.applyEnrichment(ctx, q, r, p)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "catalog: re-enrich %s", p.PlaceID)
	}
	return status, nil
}

func (c *Catalog) applyEnrichment(ctx context.Context, q store.Queries, r *model.Restaurant, p *model.Profile) (model.PipelineStatus, error) {
	if to, ok := c.thresholds.OnEnrichment(r, p); ok {
		return c.transition(ctx, q, r, to)
	}
	return r.PipelineStatus, nil
}

// Evaluate re-applies the completeness gate to a restaurant's stored
// profile. Restaurants without a profile keep their status.
func (c *Catalog) Evaluate(ctx context.Context, placeID string) (model.PipelineStatus, error) {
	var status model.PipelineStatus
	err := c.store.InTx(ctx, func(q store.Queries) error {
		r, err := q.GetRestaurant(ctx, placeID)
		if err != nil {
			return err
		}
		status = r.PipelineStatus
		p, err := q.GetProfile(ctx, placeID)
		if err != nil || p == nil {
			return err
		}
		status, err = c.applyEnrichment(ctx, q, r, p)
		return err
	})
	if err != nil {
		return "", eris.Wrapf(err, "catalog: evaluate %s", placeID)
	}
	return status, nil
}

// Verify applies a fresh details fetch to a published restaurant: closed
// places and places whose current rating fell below threshold are
// deactivated, everything else gets last_verified_at stamped. It reports
// whether the restaurant is still active.
func (c *Catalog) Verify(ctx context.Context, d *model.PlaceDetails) (bool, error) {
	below := d.Rating != nil && d.RatingCount != nil && c.thresholds.Violates(d.Rating, d.RatingCount)
	err := c.store.InTx(ctx, func(q store.Queries) error {
		if _, err := q.GetRestaurant(ctx, d.PlaceID); err != nil {
			return err
		}
		if err := q.PutDetails(ctx, d); err != nil {
			return err
		}
		if d.Closed || below {
			return q.Deactivate(ctx, d.PlaceID)
		}
		return q.TouchVerified(ctx, d.PlaceID, c.now().UTC())
	})
	if err != nil {
		return false, eris.Wrapf(err, "catalog: verify %s", d.PlaceID)
	}
	if d.Closed || below {
		zap.L().Info("catalog: restaurant failed verification",
			zap.String("place_id", d.PlaceID),
			zap.Bool("closed", d.Closed),
			zap.Bool("below_threshold", below),
		)
		return false, nil
	}
	return true, nil
}
