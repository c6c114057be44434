// Package store persists the curation pipeline: the search response cache,
// the restaurant registry, result links, enrichment caches and the run tracker.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/lifecycle"
	"github.com/mallorcaeat/pipeline/internal/model"
)

// ErrNotFound is returned when a keyed lookup that must succeed finds no row.
var ErrNotFound = eris.New("store: not found")

// ConstraintError is returned for data rejected at the write boundary.
type ConstraintError = model.ConstraintError

// RestaurantFilter specifies criteria for listing restaurants. Results are
// ordered by rating, then review count, both descending.
type RestaurantFilter struct {
	Statuses       []model.PipelineStatus
	ActiveOnly     bool
	HasProfile     *bool
	HasDetails     *bool
	MinRating      *float64
	MinRatingCount *int
	// VerifiedBefore keeps rows never verified or verified before the cutoff.
	VerifiedBefore *time.Time
	Limit          int
}

// RunFilter specifies criteria for listing the run tracker.
type RunFilter struct {
	Status model.RunStatus
	// DueBefore keeps runs that never succeeded or last succeeded before the cutoff.
	DueBefore *time.Time
	Limit     int
}

// Queries is the repository surface available both on the store and inside
// a transaction. Cache lookups return (nil, nil) on a miss.
type Queries interface {
	// Search response cache
	GetSearchCache(ctx context.Context, id model.SearchIdentity) (*model.SearchCacheEntry, error)
	PutSearchCache(ctx context.Context, id model.SearchIdentity, response json.RawMessage) (*model.SearchCacheEntry, error)

	// Restaurant registry
	UpsertRestaurant(ctx context.Context, attrs model.RestaurantAttrs) (*model.Restaurant, error)
	GetRestaurant(ctx context.Context, placeID string) (*model.Restaurant, error)
	TransitionStatus(ctx context.Context, placeID string, from []model.PipelineStatus, to model.PipelineStatus) (bool, error)
	Deactivate(ctx context.Context, placeID string) error
	TouchVerified(ctx context.Context, placeID string, at time.Time) error

	// Result linker
	LinkResult(ctx context.Context, cacheID, restaurantID int64, position int) (bool, error)
	ListResults(ctx context.Context, cacheID int64) ([]model.SearchResult, error)

	// Enrichment caches
	PutDetails(ctx context.Context, d *model.PlaceDetails) error
	GetDetails(ctx context.Context, placeID string) (*model.PlaceDetails, error)
	PutProfile(ctx context.Context, p *model.Profile) error
	InsertProfile(ctx context.Context, p *model.Profile) (bool, error)
	GetProfile(ctx context.Context, placeID string) (*model.Profile, error)

	// Run tracker
	RecordRun(ctx context.Context, id model.RunIdentity, resultCount int, status model.RunStatus) (*model.PipelineRun, error)
	GetRun(ctx context.Context, id model.RunIdentity) (*model.PipelineRun, error)
}

// Store defines the persistence interface for the curation pipeline.
type Store interface {
	Queries

	// InTx runs fn in one transaction; a status transition and the write that
	// triggered it commit together or not at all.
	InTx(ctx context.Context, fn func(q Queries) error) error

	ListRestaurants(ctx context.Context, filter RestaurantFilter) ([]model.Restaurant, error)
	CuratedRestaurants(ctx context.Context, limit int) ([]model.CuratedRestaurant, error)
	StatusCounts(ctx context.Context) (map[model.PipelineStatus]int, error)
	CountProfilesSince(ctx context.Context, since time.Time) (int, error)

	ListRuns(ctx context.Context, filter RunFilter) ([]model.PipelineRun, error)
	SeedRuns(ctx context.Context, ids []model.RunIdentity) (int64, error)

	// Reconciliation
	EnsureSchema(ctx context.Context) ([]string, error)
	BackfillScrapedAt(ctx context.Context) (int64, error)
	BackfillRunsFromCache(ctx context.Context) (int64, error)
	DisqualifyBelow(ctx context.Context, minRating float64, minRatingCount int) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// pipelineColumn is a restaurants column added after the table's first release.
type pipelineColumn struct {
	name     string
	postgres string
	sqlite   string
}

var pipelineColumns = []pipelineColumn{
	{"cid", "TEXT NOT NULL DEFAULT ''", "TEXT NOT NULL DEFAULT ''"},
	{
		"pipeline_status",
		"TEXT NOT NULL DEFAULT 'new' CHECK (pipeline_status IN ('new','disqualified','enriched','complete','inactive'))",
		"TEXT NOT NULL DEFAULT 'new' CHECK (pipeline_status IN ('new','disqualified','enriched','complete','inactive'))",
	},
	{"is_active", "BOOLEAN NOT NULL DEFAULT true", "INTEGER NOT NULL DEFAULT 1"},
	{"scraped_at", "TIMESTAMPTZ", "DATETIME"},
	{"last_verified_at", "TIMESTAMPTZ", "DATETIME"},
}

func validateRun(id model.RunIdentity, resultCount int, status model.RunStatus) error {
	switch {
	case id.Query == "":
		return &ConstraintError{Entity: "pipeline_run", Field: "query", Reason: "must not be empty"}
	case id.Location == "":
		return &ConstraintError{Entity: "pipeline_run", Field: "location", Reason: "must not be empty"}
	case !status.Valid():
		return &ConstraintError{Entity: "pipeline_run", Field: "status", Reason: "unknown status " + string(status)}
	case resultCount < 0:
		return &ConstraintError{Entity: "pipeline_run", Field: "result_count", Reason: "must not be negative"}
	}
	return nil
}

func validateLink(position int) error {
	if position < 0 {
		return &ConstraintError{Entity: "search_result", Field: "position", Reason: "must not be negative"}
	}
	return nil
}

func validateTransition(from []model.PipelineStatus, to model.PipelineStatus) error {
	if !to.Valid() {
		return &ConstraintError{Entity: "restaurant", Field: "pipeline_status", Reason: "unknown status " + string(to)}
	}
	if len(from) == 0 {
		return &ConstraintError{Entity: "restaurant", Field: "pipeline_status", Reason: "no source status"}
	}
	for _, f := range from {
		if !lifecycle.CanTransition(f, to) {
			return &ConstraintError{
				Entity: "restaurant",
				Field:  "pipeline_status",
				Reason: "illegal transition " + string(f) + " -> " + string(to),
			}
		}
	}
	return nil
}

func statusStrings(ss []model.PipelineStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// lastSuccess returns the success stamp a run outcome carries.
func lastSuccess(status model.RunStatus, now time.Time) *time.Time {
	if status == model.RunStatusOK {
		return &now
	}
	return nil
}

// lastRun returns the attempt stamp; pending rows have not been attempted.
func lastRun(status model.RunStatus, now time.Time) *time.Time {
	if status == model.RunStatusPending {
		return nil
	}
	return &now
}
