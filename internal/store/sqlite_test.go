package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallorcaeat/pipeline/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func f64(v float64) *float64 { return &v }
func ip(v int) *int          { return &v }
func sp(v string) *string    { return &v }

func attrs(placeID string, rating float64, count int) model.RestaurantAttrs {
	return model.RestaurantAttrs{
		PlaceID:     placeID,
		Name:        "Ca'n " + placeID,
		Address:     "Carrer Major 1, Sóller",
		Rating:      f64(rating),
		RatingCount: ip(count),
		Categories:  []string{"Restaurant", "Mallorcan"},
		RawData:     json.RawMessage(`{"cid":"123"}`),
	}
}

func TestNewSQLite_InvalidDSN(t *testing.T) {
	_, err := NewSQLite("/nonexistent/dir/subdir/test.db")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestSQLite_MigrateTwice(t *testing.T) {
	st := newTestSQLiteStore(t)
	added, err := st.EnsureSchema(context.Background())
	require.NoError(t, err)
	assert.Empty(t, added)
}

// --- search cache ---

func TestSQLite_SearchCache_MissReturnsNil(t *testing.T) {
	st := newTestSQLiteStore(t)

	e, err := st.GetSearchCache(context.Background(), model.NewSearchIdentity("pizza", "Palma", ""))
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestSQLite_SearchCache_UpsertKeepsOneRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := model.NewSearchIdentity("pizza", "Palma", "")

	first, err := st.PutSearchCache(ctx, id, json.RawMessage(`{"places":[1]}`))
	require.NoError(t, err)
	second, err := st.PutSearchCache(ctx, id, json.RawMessage(`{"places":[1,2]}`))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.JSONEq(t, `{"places":[1,2]}`, string(second.Response))
	assert.False(t, second.UpdatedAt.Before(second.CreatedAt))

	got, err := st.GetSearchCache(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id, got.Identity)

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM search_cache`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSQLite_SearchCache_ConcurrentSameIdentity(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := model.NewSearchIdentity("pizza", "Palma", "")
	payloads := []string{`{"places":[{"placeId":"a"}]}`, `{"places":[{"placeId":"b"}]}`}

	var wg sync.WaitGroup
	entries := make([]*model.SearchCacheEntry, len(payloads))
	errs := make([]error, len(payloads))
	for i, body := range payloads {
		wg.Add(1)
		go func(i int, body string) {
			defer wg.Done()
			entries[i], errs[i] = st.PutSearchCache(ctx, id, json.RawMessage(body))
		}(i, body)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	var n int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM search_cache`).Scan(&n))
	assert.Equal(t, 1, n)

	got, err := st.GetSearchCache(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, payloads, string(got.Response))
	for _, e := range entries {
		assert.Equal(t, got.ID, e.ID)
		assert.False(t, got.UpdatedAt.Before(e.UpdatedAt), "updated_at went backwards")
	}
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))
}

func TestSQLite_SearchCache_UpdatedAtNeverGoesBack(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := model.NewSearchIdentity("pizza", "Palma", "")

	first, err := st.PutSearchCache(ctx, id, json.RawMessage(`{"places":[1]}`))
	require.NoError(t, err)

	future := first.UpdatedAt.Add(time.Hour)
	_, err = st.db.Exec(`UPDATE search_cache SET updated_at = ? WHERE id = ?`, future, first.ID)
	require.NoError(t, err)

	second, err := st.PutSearchCache(ctx, id, json.RawMessage(`{"places":[2]}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"places":[2]}`, string(second.Response))
	assert.True(t, second.UpdatedAt.Equal(future), "got %s", second.UpdatedAt)
}

func TestSQLite_SearchCache_RejectsEmptyIdentity(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.PutSearchCache(context.Background(), model.NewSearchIdentity("", "Palma", ""), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, model.IsConstraint(err))
}

// --- restaurants ---

func TestSQLite_UpsertRestaurant_InsertThenMerge(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	r, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, r.PipelineStatus)
	assert.True(t, r.IsActive)
	require.NotNil(t, r.ScrapedAt)
	assert.Equal(t, []string{"Restaurant", "Mallorcan"}, r.Categories)

	ok, err := st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusNew}, model.StatusComplete)
	require.NoError(t, err)
	require.True(t, ok)

	updated := attrs("p1", 4.8, 250)
	updated.Phone = "+34 971 000 000"
	r2, err := st.UpsertRestaurant(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, r.ID, r2.ID)
	assert.Equal(t, 4.8, *r2.Rating)
	assert.Equal(t, 250, *r2.RatingCount)
	assert.Equal(t, "+34 971 000 000", r2.Phone)
	assert.Equal(t, model.StatusComplete, r2.PipelineStatus, "upsert must not touch pipeline status")
	assert.NotNil(t, r2.LastVerifiedAt)
	assert.False(t, r2.UpdatedAt.Before(r.UpdatedAt))
}

func TestSQLite_UpsertRestaurant_ConcurrentSameID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := st.UpsertRestaurant(ctx, attrs("same-place", 4.5+float64(i%5)/10, 100+i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := st.ListRestaurants(ctx, RestaurantFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLite_UpsertRestaurant_RejectsEmptyPlaceID(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.UpsertRestaurant(context.Background(), model.RestaurantAttrs{Name: "nameless"})
	require.Error(t, err)
	assert.True(t, model.IsConstraint(err))
}

func TestSQLite_GetRestaurant_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetRestaurant(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_TransitionStatus_CompareAndSet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	ok, err := st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusNew}, model.StatusEnriched)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusNew}, model.StatusDisqualified)
	require.NoError(t, err)
	assert.False(t, ok, "stale source status must not match")

	r, err := st.GetRestaurant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnriched, r.PipelineStatus)
	assert.Nil(t, r.LastVerifiedAt)

	_, err = st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusEnriched}, "published")
	assert.True(t, model.IsConstraint(err))
}

func TestSQLite_TransitionStatus_RejectsBackwardMove(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)
	ok, err := st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusNew}, model.StatusComplete)
	require.NoError(t, err)
	require.True(t, ok)

	for _, to := range []model.PipelineStatus{model.StatusNew, model.StatusEnriched, model.StatusDisqualified} {
		ok, err = st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusComplete}, to)
		assert.True(t, model.IsConstraint(err), to)
		assert.False(t, ok, to)
	}

	// One illegal source poisons the whole set.
	_, err = st.TransitionStatus(ctx, "p1", []model.PipelineStatus{model.StatusNew, model.StatusDisqualified}, model.StatusComplete)
	assert.True(t, model.IsConstraint(err))

	r, err := st.GetRestaurant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusComplete, r.PipelineStatus)
}

func TestSQLite_Deactivate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	require.NoError(t, st.Deactivate(ctx, "p1"))
	r, err := st.GetRestaurant(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInactive, r.PipelineStatus)
	assert.False(t, r.IsActive)

	// A later sighting refreshes attributes but never reactivates.
	r, err = st.UpsertRestaurant(ctx, attrs("p1", 4.9, 900))
	require.NoError(t, err)
	assert.Equal(t, model.StatusInactive, r.PipelineStatus)
	assert.False(t, r.IsActive)

	assert.ErrorIs(t, st.Deactivate(ctx, "ghost"), ErrNotFound)
}

// --- search results ---

func TestSQLite_LinkResult_FirstPositionWins(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e, err := st.PutSearchCache(ctx, model.NewSearchIdentity("tapas", "Palma", ""), json.RawMessage(`{}`))
	require.NoError(t, err)
	r, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	inserted, err := st.LinkResult(ctx, e.ID, r.ID, 3)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.LinkResult(ctx, e.ID, r.ID, 7)
	require.NoError(t, err)
	assert.False(t, inserted)

	results, err := st.ListResults(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 3, results[0].Position)
}

// --- enrichment caches ---

func TestSQLite_InsertProfile_KeepsCachedRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	inserted, err := st.InsertProfile(ctx, &model.Profile{PlaceID: "p1", Summary: sp("first"), Scores: model.Scores{Family: ip(8)}})
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertProfile(ctx, &model.Profile{PlaceID: "p1", Summary: sp("second")})
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := st.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", *got.Summary)
	assert.Equal(t, 1, got.Scores.NonNull())

	require.NoError(t, st.PutProfile(ctx, &model.Profile{PlaceID: "p1", Summary: sp("second")}))
	got, err = st.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "second", *got.Summary)
	assert.Equal(t, 0, got.Scores.NonNull())
}

func TestSQLite_Profile_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	none, err := st.GetProfile(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, none)

	p := &model.Profile{
		PlaceID: "p1",
		Scores:  model.Scores{Family: ip(8), Foodie: ip(9), DressCode: ip(2)},
		Summary: sp("Seafood by the harbour"),
		Vibe:    sp("breezy"),
		Model:   "claude-haiku",
	}
	require.NoError(t, st.PutProfile(ctx, p))

	got, err := st.GetProfile(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 8, *got.Scores.Family)
	assert.Nil(t, got.Scores.Date)
	assert.Equal(t, 3, got.Scores.NonNull())
	assert.Equal(t, "breezy", *got.Vibe)
	assert.Nil(t, got.MustOrder)
	assert.False(t, got.EnrichedAt.IsZero())
}

func TestSQLite_Profile_ScoreOutOfRange(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	err = st.PutProfile(ctx, &model.Profile{PlaceID: "p1", Scores: model.Scores{Solo: ip(11)}})
	require.Error(t, err)
	assert.True(t, model.IsConstraint(err))

	_, err = st.db.Exec(`INSERT INTO restaurant_profiles (place_id, solo_score) VALUES ('p1', 0)`)
	require.Error(t, err, "CHECK constraint backs the Go validation")
}

func TestSQLite_Details_RoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	_, err := st.UpsertRestaurant(ctx, attrs("p1", 4.7, 200))
	require.NoError(t, err)

	d := &model.PlaceDetails{
		PlaceID:        "p1",
		Attributes:     map[string][]string{model.AttrAtmosphere: {"Cozy", "Romantic"}},
		ServiceOptions: json.RawMessage(`{"dine_in":true}`),
		RawResponse:    json.RawMessage(`{"place_results":{}}`),
	}
	require.NoError(t, st.PutDetails(ctx, d))

	got, err := st.GetDetails(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"Cozy", "Romantic"}, got.Attributes[model.AttrAtmosphere])
	assert.JSONEq(t, `{"dine_in":true}`, string(got.ServiceOptions))
	assert.Nil(t, got.RawExtensions)
	assert.False(t, got.Closed)

	missing, err := st.GetDetails(ctx, "p2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// --- curated view ---

func TestSQLite_CuratedRestaurants(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	seed := []struct {
		id     string
		rating float64
		count  int
		status model.PipelineStatus
	}{
		{"a", 4.6, 500, model.StatusComplete},
		{"b", 4.9, 120, model.StatusComplete},
		{"c", 4.9, 900, model.StatusComplete},
		{"d", 4.95, 900, model.StatusEnriched},
		{"e", 5.0, 999, model.StatusComplete},
	}
	for _, s := range seed {
		_, err := st.UpsertRestaurant(ctx, attrs(s.id, s.rating, s.count))
		require.NoError(t, err)
		if s.status != model.StatusNew {
			ok, err := st.TransitionStatus(ctx, s.id, []model.PipelineStatus{model.StatusNew}, s.status)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}
	require.NoError(t, st.Deactivate(ctx, "e"))

	curated, err := st.CuratedRestaurants(ctx, 0)
	require.NoError(t, err)

	var ids []string
	for _, c := range curated {
		ids = append(ids, c.PlaceID)
	}
	assert.Equal(t, []string{"c", "b", "a"}, ids)
	assert.Equal(t, []string{"Restaurant", "Mallorcan"}, curated[0].Categories)

	limited, err := st.CuratedRestaurants(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_ListRestaurants_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		_, err := st.UpsertRestaurant(ctx, attrs(id, 4.7, 200))
		require.NoError(t, err)
	}
	require.NoError(t, st.PutProfile(ctx, &model.Profile{PlaceID: "p2", Summary: sp("x")}))
	require.NoError(t, st.Deactivate(ctx, "p3"))

	no := false
	got, err := st.ListRestaurants(ctx, RestaurantFilter{
		Statuses:   []model.PipelineStatus{model.StatusNew},
		ActiveOnly: true,
		HasProfile: &no,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].PlaceID)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, st.TouchVerified(ctx, "p1", old))
	cutoff := time.Now().Add(-time.Minute)
	got, err = st.ListRestaurants(ctx, RestaurantFilter{VerifiedBefore: &cutoff, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// --- run tracker ---

func TestSQLite_RecordRun(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	id := model.NewRunIdentity("pizza", "Palma")

	r, err := st.RecordRun(ctx, id, 0, model.RunStatusPending)
	require.NoError(t, err)
	assert.Nil(t, r.LastRunAt)
	assert.Nil(t, r.LastSuccessAt)

	r, err = st.RecordRun(ctx, id, 18, model.RunStatusOK)
	require.NoError(t, err)
	require.NotNil(t, r.LastSuccessAt)
	success := *r.LastSuccessAt
	assert.Equal(t, 18, r.ResultCount)

	r, err = st.RecordRun(ctx, id, 0, model.RunStatusError)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, r.Status)
	require.NotNil(t, r.LastSuccessAt)
	assert.True(t, success.Equal(*r.LastSuccessAt), "an error keeps the last success")

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = st.RecordRun(ctx, id, 1, model.RunStatus("running"))
	assert.True(t, model.IsConstraint(err))
	_, err = st.RecordRun(ctx, id, -1, model.RunStatusOK)
	assert.True(t, model.IsConstraint(err))
}

func TestSQLite_SeedRuns_NeverOverwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.RecordRun(ctx, model.NewRunIdentity("pizza", "Palma"), 5, model.RunStatusOK)
	require.NoError(t, err)

	n, err := st.SeedRuns(ctx, []model.RunIdentity{
		model.NewRunIdentity("pizza", "Palma"),
		model.NewRunIdentity("tapas", "Sóller"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := st.GetRun(ctx, model.NewRunIdentity("pizza", "Palma"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusOK, r.Status)
	assert.Equal(t, 5, r.ResultCount)

	cutoff := time.Now().Add(-24 * time.Hour)
	due, err := st.ListRuns(ctx, RunFilter{DueBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "tapas", due[0].Query)
}

// --- reconciliation ---

const legacyRestaurants = `
CREATE TABLE restaurants (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id      TEXT NOT NULL UNIQUE,
	name          TEXT NOT NULL DEFAULT '',
	address       TEXT,
	rating        REAL,
	rating_count  INTEGER,
	categories    TEXT,
	phone         TEXT,
	website       TEXT,
	latitude      REAL,
	longitude     REAL,
	price_level   TEXT,
	thumbnail_url TEXT,
	raw_data      TEXT,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
INSERT INTO restaurants (place_id, name, rating, rating_count) VALUES
	('old-good', 'Es Racó', 4.8, 340),
	('old-bad', 'Bar Sa Plaça', 3.9, 80),
	('old-null', 'Nou Local', NULL, NULL);
`

func TestSQLite_EnsureSchema_LegacyTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = raw.Exec(legacyRestaurants)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()

	added, err := st.EnsureSchema(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cid", "pipeline_status", "is_active", "scraped_at", "last_verified_at"}, added)

	r, err := st.GetRestaurant(ctx, "old-good")
	require.NoError(t, err)
	assert.Equal(t, model.StatusNew, r.PipelineStatus)
	assert.True(t, r.IsActive)
	assert.Nil(t, r.ScrapedAt)

	n, err := st.BackfillScrapedAt(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = st.BackfillScrapedAt(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.DisqualifyBelow(ctx, 4.5, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := st.StatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[model.PipelineStatus]int{model.StatusNew: 1, model.StatusDisqualified: 2}, counts)

	added, err = st.EnsureSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, added)
}

func TestSQLite_BackfillRunsFromCache(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e, err := st.PutSearchCache(ctx, model.NewSearchIdentity("pizza", "Palma", "maps"), json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = st.PutSearchCache(ctx, model.NewSearchIdentity("pizza", "Palma", "places"), json.RawMessage(`{}`))
	require.NoError(t, err)
	for i, id := range []string{"p1", "p2"} {
		r, err := st.UpsertRestaurant(ctx, attrs(id, 4.7, 200))
		require.NoError(t, err)
		_, err = st.LinkResult(ctx, e.ID, r.ID, i)
		require.NoError(t, err)
	}
	_, err = st.RecordRun(ctx, model.NewRunIdentity("tapas", "Deià"), 3, model.RunStatusError)
	require.NoError(t, err)

	n, err := st.BackfillRunsFromCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := st.GetRun(ctx, model.NewRunIdentity("pizza", "Palma"))
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, model.RunStatusOK, r.Status)
	assert.Equal(t, 2, r.ResultCount)
	assert.NotNil(t, r.LastSuccessAt)

	tapas, err := st.GetRun(ctx, model.NewRunIdentity("tapas", "Deià"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusError, tapas.Status, "existing runs are not overwritten")

	n, err = st.BackfillRunsFromCache(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLite_InTx_RollsBackOnError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.InTx(ctx, func(q Queries) error {
		if _, err := q.UpsertRestaurant(ctx, attrs("p1", 4.7, 200)); err != nil {
			return err
		}
		_, err := q.LinkResult(ctx, 1, 1, -1)
		return err
	})
	require.Error(t, err)

	_, err = st.GetRestaurant(ctx, "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_CountProfilesSince(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2"} {
		_, err := st.UpsertRestaurant(ctx, attrs(id, 4.7, 200))
		require.NoError(t, err)
	}
	require.NoError(t, st.PutProfile(ctx, &model.Profile{PlaceID: "p1", EnrichedAt: time.Now().Add(-48 * time.Hour)}))
	require.NoError(t, st.PutProfile(ctx, &model.Profile{PlaceID: "p2"}))

	n, err := st.CountProfilesSince(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
