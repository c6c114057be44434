//go:build !integration

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mallorcaeat/pipeline/internal/catalog"
	"github.com/mallorcaeat/pipeline/internal/lifecycle"
	"github.com/mallorcaeat/pipeline/internal/model"
	"github.com/mallorcaeat/pipeline/internal/store"
)

const serveFixture = `{"places": [
  {"position": 1, "title": "Ca'n Toni", "rating": 4.8, "ratingCount": 512, "placeId": "ChIJ-cantoni", "cid": "111"},
  {"position": 2, "title": "Bar Central", "rating": 4.1, "ratingCount": 820, "placeId": "ChIJ-central"}
]}`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	cat := catalog.New(st, lifecycle.DefaultThresholds())
	_, _, err = cat.IngestSearchResponse(ctx, model.NewSearchIdentity("tapas", "Sóller", "maps"), json.RawMessage(serveFixture))
	require.NoError(t, err)

	seven := 7
	summary, vibe := "Familiäre Tapas-Bar.", "Laut und herzlich."
	_, err = cat.SaveProfile(ctx, &model.Profile{
		PlaceID: "ChIJ-cantoni",
		Scores: model.Scores{
			Family: &seven, Date: &seven, Friends: &seven, Foodie: &seven, Relaxed: &seven,
		},
		Summary:    &summary,
		Vibe:       &vibe,
		Model:      "claude-test",
		EnrichedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(st, cat, 180*24*time.Hour))
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, v any) *http.Response {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() }) //nolint:errcheck
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func TestServe_Health(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	resp := getJSON(t, srv.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServe_CuratedRestaurants(t *testing.T) {
	srv := newTestServer(t)
	var list []model.CuratedRestaurant
	resp := getJSON(t, srv.URL+"/api/restaurants", &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list, 1)
	assert.Equal(t, "ChIJ-cantoni", list[0].PlaceID)
}

func TestServe_CuratedRestaurants_BadLimit(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	resp := getJSON(t, srv.URL+"/api/restaurants?limit=-1", &body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "limit")
}

func TestServe_Restaurant(t *testing.T) {
	srv := newTestServer(t)
	var view struct {
		PlaceID        string               `json:"place_id"`
		PipelineStatus model.PipelineStatus `json:"pipeline_status"`
		Profile        *model.Profile       `json:"profile"`
		Details        *model.PlaceDetails  `json:"details"`
	}
	resp := getJSON(t, srv.URL+"/api/restaurants/ChIJ-cantoni", &view)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ChIJ-cantoni", view.PlaceID)
	assert.Equal(t, model.StatusComplete, view.PipelineStatus)
	require.NotNil(t, view.Profile)
	assert.Equal(t, 5, view.Profile.Scores.NonNull())
	assert.Nil(t, view.Details)
}

func TestServe_RestaurantNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp := getJSON(t, srv.URL+"/api/restaurants/ChIJ-ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServe_Stats(t *testing.T) {
	srv := newTestServer(t)
	var stats catalog.Stats
	resp := getJSON(t, srv.URL+"/api/stats", &stats)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Curated)
	assert.Equal(t, 1, stats.Statuses[model.StatusDisqualified])
	assert.Equal(t, 1, stats.ProfilesToday)
}

func TestServe_CORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/restaurants", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://mallorcaeat.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
