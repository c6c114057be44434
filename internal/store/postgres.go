package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/db"
	"github.com/mallorcaeat/pipeline/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// pgQueries implements Queries over a pool or a transaction.
type pgQueries struct {
	db db.DBTX
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return newPostgresStore(pool, pool.Close), nil
}

func newPostgresStore(pool db.Pool, closeFn func()) *PostgresStore {
	return &PostgresStore{pgQueries: pgQueries{db: pool}, pool: pool, closeFn: closeFn}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresTables = `
CREATE TABLE IF NOT EXISTS search_cache (
	id          BIGSERIAL PRIMARY KEY,
	query       TEXT NOT NULL CHECK (query <> ''),
	location    TEXT NOT NULL CHECK (location <> ''),
	search_type TEXT NOT NULL CHECK (search_type <> ''),
	response    JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (query, location, search_type)
);

CREATE TABLE IF NOT EXISTS restaurants (
	id            BIGSERIAL PRIMARY KEY,
	place_id      TEXT NOT NULL UNIQUE CHECK (place_id <> ''),
	name          TEXT NOT NULL DEFAULT '',
	address       TEXT,
	rating        DOUBLE PRECISION,
	rating_count  INTEGER,
	categories    TEXT[],
	phone         TEXT,
	website       TEXT,
	latitude      DOUBLE PRECISION,
	longitude     DOUBLE PRECISION,
	price_level   TEXT,
	thumbnail_url TEXT,
	raw_data      JSONB,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS search_results (
	cache_id      BIGINT NOT NULL REFERENCES search_cache(id),
	restaurant_id BIGINT NOT NULL REFERENCES restaurants(id),
	position      INTEGER NOT NULL CHECK (position >= 0),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (cache_id, restaurant_id)
);

CREATE TABLE IF NOT EXISTS place_details (
	place_id        TEXT PRIMARY KEY REFERENCES restaurants(place_id),
	attributes      JSONB,
	service_options JSONB,
	raw_extensions  JSONB,
	closed          BOOLEAN NOT NULL DEFAULT false,
	raw_response    JSONB,
	fetched_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS restaurant_profiles (
	place_id        TEXT PRIMARY KEY REFERENCES restaurants(place_id),
	family_score    SMALLINT CHECK (family_score BETWEEN 1 AND 10),
	date_score      SMALLINT CHECK (date_score BETWEEN 1 AND 10),
	friends_score   SMALLINT CHECK (friends_score BETWEEN 1 AND 10),
	solo_score      SMALLINT CHECK (solo_score BETWEEN 1 AND 10),
	relaxed_score   SMALLINT CHECK (relaxed_score BETWEEN 1 AND 10),
	party_score     SMALLINT CHECK (party_score BETWEEN 1 AND 10),
	special_score   SMALLINT CHECK (special_score BETWEEN 1 AND 10),
	foodie_score    SMALLINT CHECK (foodie_score BETWEEN 1 AND 10),
	lingering_score SMALLINT CHECK (lingering_score BETWEEN 1 AND 10),
	unique_score    SMALLINT CHECK (unique_score BETWEEN 1 AND 10),
	dresscode_score SMALLINT CHECK (dresscode_score BETWEEN 1 AND 10),
	summary         TEXT,
	must_order      TEXT,
	vibe            TEXT,
	model           TEXT NOT NULL DEFAULT '',
	raw_response    JSONB,
	enriched_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	query           TEXT NOT NULL CHECK (query <> ''),
	location        TEXT NOT NULL CHECK (location <> ''),
	status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','ok','error')),
	result_count    INTEGER NOT NULL DEFAULT 0 CHECK (result_count >= 0),
	last_run_at     TIMESTAMPTZ,
	last_success_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (query, location)
);
`

const postgresIndexes = `
CREATE INDEX IF NOT EXISTS idx_restaurants_pipeline_status ON restaurants(pipeline_status);
CREATE INDEX IF NOT EXISTS idx_restaurants_curated ON restaurants(rating DESC, rating_count DESC)
	WHERE pipeline_status = 'complete' AND is_active;
CREATE INDEX IF NOT EXISTS idx_search_results_restaurant ON search_results(restaurant_id);
CREATE INDEX IF NOT EXISTS idx_restaurant_profiles_enriched_at ON restaurant_profiles(enriched_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_last_success ON pipeline_runs(last_success_at);

CREATE OR REPLACE VIEW curated_restaurants AS
	SELECT place_id, name, address, rating, rating_count, categories, phone, website,
	       latitude, longitude, price_level, thumbnail_url
	FROM restaurants
	WHERE pipeline_status = 'complete' AND is_active
	ORDER BY rating DESC NULLS LAST, rating_count DESC NULLS LAST;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.EnsureSchema(ctx)
	return err
}

// EnsureSchema creates missing tables, adds pipeline columns absent from an
// older restaurants table and (re)creates indexes. It returns the columns added.
func (s *PostgresStore) EnsureSchema(ctx context.Context) ([]string, error) {
	if _, err := s.pool.Exec(ctx, postgresTables); err != nil {
		return nil, eris.Wrap(err, "postgres: create tables")
	}

	rows, err := s.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = 'restaurants'`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list restaurant columns")
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan restaurant columns")
	}
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[c] = true
	}

	var added []string
	for _, col := range pipelineColumns {
		if have[col.name] {
			continue
		}
		if _, err := s.pool.Exec(ctx, "ALTER TABLE restaurants ADD COLUMN IF NOT EXISTS "+col.name+" "+col.postgres); err != nil {
			return added, eris.Wrapf(err, "postgres: add column %s", col.name)
		}
		added = append(added, col.name)
	}

	if _, err := s.pool.Exec(ctx, postgresIndexes); err != nil {
		return added, eris.Wrap(err, "postgres: create indexes")
	}
	return added, nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// InTx runs fn inside one Postgres transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	return db.InTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgQueries{db: tx})
	})
}

// --- search cache ---

const cacheCols = `id, query, location, search_type, response, created_at, updated_at`

func (q *pgQueries) GetSearchCache(ctx context.Context, id model.SearchIdentity) (*model.SearchCacheEntry, error) {
	e, err := scanCacheEntry(q.db.QueryRow(ctx,
		`SELECT `+cacheCols+` FROM search_cache WHERE query = $1 AND location = $2 AND search_type = $3`,
		id.Query, id.Location, id.SearchType,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get search cache %s", id)
	}
	return e, nil
}

func (q *pgQueries) PutSearchCache(ctx context.Context, id model.SearchIdentity, response json.RawMessage) (*model.SearchCacheEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if !json.Valid(response) {
		return nil, &ConstraintError{Entity: "search_cache", Field: "response", Reason: "not valid JSON"}
	}
	now := time.Now().UTC()
	e, err := scanCacheEntry(q.db.QueryRow(ctx,
		`INSERT INTO search_cache (query, location, search_type, response, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $5)
		 ON CONFLICT (query, location, search_type)
		 DO UPDATE SET response = EXCLUDED.response,
			updated_at = GREATEST(search_cache.updated_at, EXCLUDED.updated_at)
		 RETURNING `+cacheCols,
		id.Query, id.Location, id.SearchType, []byte(response), now,
	))
	if err != nil {
		return nil, pgWrap(err, "put search cache "+id.String())
	}
	return e, nil
}

// --- restaurants ---

const restaurantCols = `id, place_id, cid, name, COALESCE(address, ''), rating, rating_count, categories,
	COALESCE(phone, ''), COALESCE(website, ''), latitude, longitude, COALESCE(price_level, ''),
	COALESCE(thumbnail_url, ''), raw_data, pipeline_status, is_active, scraped_at, last_verified_at,
	created_at, updated_at`

func (q *pgQueries) UpsertRestaurant(ctx context.Context, a model.RestaurantAttrs) (*model.Restaurant, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	r, err := scanPgRestaurant(q.db.QueryRow(ctx,
		`INSERT INTO restaurants (place_id, cid, name, address, rating, rating_count, categories, phone,
			website, latitude, longitude, price_level, thumbnail_url, raw_data, scraped_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15, $15)
		 ON CONFLICT (place_id) DO UPDATE SET
			cid = EXCLUDED.cid, name = EXCLUDED.name, address = EXCLUDED.address,
			rating = EXCLUDED.rating, rating_count = EXCLUDED.rating_count,
			categories = EXCLUDED.categories, phone = EXCLUDED.phone, website = EXCLUDED.website,
			latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude,
			price_level = EXCLUDED.price_level, thumbnail_url = EXCLUDED.thumbnail_url,
			raw_data = EXCLUDED.raw_data, scraped_at = EXCLUDED.scraped_at, updated_at = EXCLUDED.updated_at
		 RETURNING `+restaurantCols,
		a.PlaceID, a.CID, a.Name, a.Address, a.Rating, a.RatingCount, a.Categories, a.Phone,
		a.Website, a.Latitude, a.Longitude, a.PriceLevel, a.ThumbnailURL, nullJSON(a.RawData), now,
	))
	if err != nil {
		return nil, pgWrap(err, "upsert restaurant "+a.PlaceID)
	}
	return r, nil
}

func (q *pgQueries) GetRestaurant(ctx context.Context, placeID string) (*model.Restaurant, error) {
	r, err := scanPgRestaurant(q.db.QueryRow(ctx,
		`SELECT `+restaurantCols+` FROM restaurants WHERE place_id = $1`, placeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: restaurant %s", placeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get restaurant %s", placeID)
	}
	return r, nil
}

func (q *pgQueries) TransitionStatus(ctx context.Context, placeID string, from []model.PipelineStatus, to model.PipelineStatus) (bool, error) {
	if err := validateTransition(from, to); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	var verified *time.Time
	if to == model.StatusComplete {
		verified = &now
	}
	w := &where{ph: pgPlaceholder, args: []any{string(to), now, verified, placeID}}
	w.raw("place_id = $4")
	w.addIn("pipeline_status", statusStrings(from))

	tag, err := q.db.Exec(ctx,
		`UPDATE restaurants SET pipeline_status = $1, updated_at = $2,
			last_verified_at = COALESCE($3, last_verified_at)`+w.String(),
		w.args...,
	)
	if err != nil {
		return false, pgWrap(err, "transition "+placeID)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) Deactivate(ctx context.Context, placeID string) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE restaurants SET pipeline_status = 'inactive', is_active = false, updated_at = $1 WHERE place_id = $2`,
		time.Now().UTC(), placeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate %s", placeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: deactivate %s", placeID)
	}
	return nil
}

func (q *pgQueries) TouchVerified(ctx context.Context, placeID string, at time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE restaurants SET last_verified_at = $1, updated_at = $1 WHERE place_id = $2`,
		at.UTC(), placeID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch verified %s", placeID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: touch verified %s", placeID)
	}
	return nil
}

// --- search results ---

func (q *pgQueries) LinkResult(ctx context.Context, cacheID, restaurantID int64, position int) (bool, error) {
	if err := validateLink(position); err != nil {
		return false, err
	}
	tag, err := q.db.Exec(ctx,
		`INSERT INTO search_results (cache_id, restaurant_id, position, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cache_id, restaurant_id) DO NOTHING`,
		cacheID, restaurantID, position, time.Now().UTC(),
	)
	if err != nil {
		return false, pgWrap(err, "link result")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ListResults(ctx context.Context, cacheID int64) ([]model.SearchResult, error) {
	rows, err := q.db.Query(ctx,
		`SELECT cache_id, restaurant_id, position, created_at FROM search_results
		 WHERE cache_id = $1 ORDER BY position, restaurant_id`, cacheID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list results")
	}
	defer rows.Close()

	var out []model.SearchResult
	for rows.Next() {
		var sr model.SearchResult
		if err := rows.Scan(&sr.CacheID, &sr.RestaurantID, &sr.Position, &sr.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan result")
		}
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate results")
}

// --- enrichment caches ---

func (q *pgQueries) PutDetails(ctx context.Context, d *model.PlaceDetails) error {
	if err := d.Validate(); err != nil {
		return err
	}
	attrs, err := marshalAttributes(d.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO place_details (place_id, attributes, service_options, raw_extensions, closed, raw_response, fetched_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (place_id) DO UPDATE SET
			attributes = EXCLUDED.attributes, service_options = EXCLUDED.service_options,
			raw_extensions = EXCLUDED.raw_extensions, closed = EXCLUDED.closed,
			raw_response = EXCLUDED.raw_response, fetched_at = EXCLUDED.fetched_at`,
		d.PlaceID, attrs, nullJSON(d.ServiceOptions), nullJSON(d.RawExtensions), d.Closed,
		nullJSON(d.RawResponse), fetchedAt.UTC(),
	)
	return pgWrap(err, "put details "+d.PlaceID)
}

func (q *pgQueries) GetDetails(ctx context.Context, placeID string) (*model.PlaceDetails, error) {
	d, err := scanDetails(q.db.QueryRow(ctx,
		`SELECT place_id, attributes, service_options, raw_extensions, closed, raw_response, fetched_at
		 FROM place_details WHERE place_id = $1`, placeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get details %s", placeID)
	}
	return d, nil
}

const profileCols = `place_id, family_score, date_score, friends_score, solo_score, relaxed_score,
	party_score, special_score, foodie_score, lingering_score, unique_score, dresscode_score,
	summary, must_order, vibe, model, raw_response, enriched_at`

// PutProfile stores p, replacing any cached profile for the place.
func (q *pgQueries) PutProfile(ctx context.Context, p *model.Profile) error {
	_, err := q.writeProfile(ctx, p, `ON CONFLICT (place_id) DO UPDATE SET
			family_score = EXCLUDED.family_score, date_score = EXCLUDED.date_score,
			friends_score = EXCLUDED.friends_score, solo_score = EXCLUDED.solo_score,
			relaxed_score = EXCLUDED.relaxed_score, party_score = EXCLUDED.party_score,
			special_score = EXCLUDED.special_score, foodie_score = EXCLUDED.foodie_score,
			lingering_score = EXCLUDED.lingering_score, unique_score = EXCLUDED.unique_score,
			dresscode_score = EXCLUDED.dresscode_score, summary = EXCLUDED.summary,
			must_order = EXCLUDED.must_order, vibe = EXCLUDED.vibe, model = EXCLUDED.model,
			raw_response = EXCLUDED.raw_response, enriched_at = EXCLUDED.enriched_at`)
	return err
}

// InsertProfile stores p unless the place already has a profile. It
// reports whether a row was written.
func (q *pgQueries) InsertProfile(ctx context.Context, p *model.Profile) (bool, error) {
	return q.writeProfile(ctx, p, `ON CONFLICT (place_id) DO NOTHING`)
}

func (q *pgQueries) writeProfile(ctx context.Context, p *model.Profile, onConflict string) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	enrichedAt := p.EnrichedAt
	if enrichedAt.IsZero() {
		enrichedAt = time.Now()
	}
	args := []any{p.PlaceID}
	for _, v := range p.Scores.Values() {
		args = append(args, v)
	}
	args = append(args, p.Summary, p.MustOrder, p.Vibe, p.Model, nullJSON(p.RawResponse), enrichedAt.UTC())

	tag, err := q.db.Exec(ctx,
		`INSERT INTO restaurant_profiles (`+profileCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 `+onConflict,
		args...,
	)
	if err != nil {
		return false, pgWrap(err, "put profile "+p.PlaceID)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) GetProfile(ctx context.Context, placeID string) (*model.Profile, error) {
	p, err := scanProfile(q.db.QueryRow(ctx,
		`SELECT `+profileCols+` FROM restaurant_profiles WHERE place_id = $1`, placeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get profile %s", placeID)
	}
	return p, nil
}

// --- run tracker ---

const runCols = `query, location, status, result_count, last_run_at, last_success_at, created_at, updated_at`

func (q *pgQueries) RecordRun(ctx context.Context, id model.RunIdentity, resultCount int, status model.RunStatus) (*model.PipelineRun, error) {
	if err := validateRun(id, resultCount, status); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	r, err := scanRun(q.db.QueryRow(ctx,
		`INSERT INTO pipeline_runs (`+runCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (query, location) DO UPDATE SET
			status = EXCLUDED.status, result_count = EXCLUDED.result_count,
			last_run_at = COALESCE(EXCLUDED.last_run_at, pipeline_runs.last_run_at),
			last_success_at = COALESCE(EXCLUDED.last_success_at, pipeline_runs.last_success_at),
			updated_at = EXCLUDED.updated_at
		 RETURNING `+runCols,
		id.Query, id.Location, string(status), resultCount, lastRun(status, now), lastSuccess(status, now), now,
	))
	if err != nil {
		return nil, pgWrap(err, "record run")
	}
	return r, nil
}

func (q *pgQueries) GetRun(ctx context.Context, id model.RunIdentity) (*model.PipelineRun, error) {
	r, err := scanRun(q.db.QueryRow(ctx,
		`SELECT `+runCols+` FROM pipeline_runs WHERE query = $1 AND location = $2`, id.Query, id.Location))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return r, nil
}

// --- store-level reads ---

func (s *PostgresStore) ListRestaurants(ctx context.Context, f RestaurantFilter) ([]model.Restaurant, error) {
	w := restaurantWhere(f, pgPlaceholder, "true")
	query := `SELECT ` + restaurantCols + ` FROM restaurants r` + w.String() + restaurantOrder
	if f.Limit > 0 {
		query += " LIMIT " + w.next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list restaurants")
	}
	defer rows.Close()

	var out []model.Restaurant
	for rows.Next() {
		r, err := scanPgRestaurant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan restaurant")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate restaurants")
}

func (s *PostgresStore) CuratedRestaurants(ctx context.Context, limit int) ([]model.CuratedRestaurant, error) {
	query := `SELECT place_id, name, COALESCE(address, ''), rating, rating_count, categories,
		COALESCE(phone, ''), COALESCE(website, ''), latitude, longitude, COALESCE(price_level, ''),
		COALESCE(thumbnail_url, '')
		FROM restaurants r
		WHERE pipeline_status = 'complete' AND is_active` + restaurantOrder
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: curated restaurants")
	}
	defer rows.Close()

	var out []model.CuratedRestaurant
	for rows.Next() {
		var c model.CuratedRestaurant
		if err := rows.Scan(&c.PlaceID, &c.Name, &c.Address, &c.Rating, &c.RatingCount, &c.Categories,
			&c.Phone, &c.Website, &c.Latitude, &c.Longitude, &c.PriceLevel, &c.ThumbnailURL); err != nil {
			return nil, eris.Wrap(err, "postgres: scan curated")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate curated")
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (map[model.PipelineStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT pipeline_status, COUNT(*) FROM restaurants GROUP BY pipeline_status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: status counts")
	}
	defer rows.Close()

	counts := make(map[model.PipelineStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.PipelineStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: iterate status counts")
}

func (s *PostgresStore) CountProfilesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM restaurant_profiles WHERE enriched_at >= $1`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "postgres: count profiles")
}

func (s *PostgresStore) ListRuns(ctx context.Context, f RunFilter) ([]model.PipelineRun, error) {
	w := runWhere(f, pgPlaceholder)
	query := `SELECT ` + runCols + ` FROM pipeline_runs` + w.String() +
		` ORDER BY last_success_at NULLS FIRST, query, location`
	if f.Limit > 0 {
		query += " LIMIT " + w.next(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var out []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// SeedRuns inserts pending tracker rows for pairs not yet tracked. Existing
// rows are left untouched.
func (s *PostgresStore) SeedRuns(ctx context.Context, ids []model.RunIdentity) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		if err := validateRun(id, 0, model.RunStatusPending); err != nil {
			return 0, err
		}
		rows = append(rows, []any{id.Query, id.Location, string(model.RunStatusPending), 0, now, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "pipeline_runs",
		Columns:      []string{"query", "location", "status", "result_count", "created_at", "updated_at"},
		ConflictKeys: []string{"query", "location"},
		DoNothing:    true,
	}, rows)
	return n, eris.Wrap(err, "postgres: seed runs")
}

// --- reconciliation ---

func (s *PostgresStore) BackfillScrapedAt(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `UPDATE restaurants SET scraped_at = created_at WHERE scraped_at IS NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: backfill scraped_at")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) BackfillRunsFromCache(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (`+runCols+`)
		 SELECT sc.query, sc.location, 'ok', COUNT(DISTINCT sr.restaurant_id),
			MAX(sc.updated_at), MAX(sc.updated_at), $1, $1
		 FROM search_cache sc
		 LEFT JOIN search_results sr ON sr.cache_id = sc.id
		 GROUP BY sc.query, sc.location
		 ON CONFLICT (query, location) DO NOTHING`, now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: backfill runs")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) DisqualifyBelow(ctx context.Context, minRating float64, minRatingCount int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE restaurants SET pipeline_status = 'disqualified', updated_at = $1
		 WHERE pipeline_status = 'new'
		   AND (rating IS NULL OR rating_count IS NULL OR rating < $2 OR rating_count < $3)`,
		time.Now().UTC(), minRating, minRatingCount,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: disqualify")
	}
	return tag.RowsAffected(), nil
}

// --- helpers ---

// pgWrap maps integrity violations to ConstraintError and wraps everything else.
func pgWrap(err error, action string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23514", "23502", "23503":
			return eris.Wrap(&ConstraintError{
				Entity: pgErr.TableName,
				Field:  pgErr.ColumnName,
				Reason: pgErr.Message,
			}, "postgres: "+action)
		}
	}
	return eris.Wrap(err, "postgres: "+action)
}

func scanPgRestaurant(row scannable) (*model.Restaurant, error) {
	var r model.Restaurant
	var raw []byte
	err := row.Scan(&r.ID, &r.PlaceID, &r.CID, &r.Name, &r.Address, &r.Rating, &r.RatingCount, &r.Categories,
		&r.Phone, &r.Website, &r.Latitude, &r.Longitude, &r.PriceLevel, &r.ThumbnailURL, &raw,
		&r.PipelineStatus, &r.IsActive, &r.ScrapedAt, &r.LastVerifiedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.RawData = raw
	return &r, nil
}
