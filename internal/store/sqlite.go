package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mallorcaeat/pipeline/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. All access goes
// through a single connection, so upserts read their row back with a plain
// SELECT instead of RETURNING.
type SQLiteStore struct {
	sqliteQueries
	db *sql.DB
}

// sqliteQueries implements Queries over a *sql.DB or *sql.Tx.
type sqliteQueries struct {
	db sqlExecer
}

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sqliteDSNParams = "_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_time_format=sqlite"

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+sqliteDSNParams)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{sqliteQueries: sqliteQueries{db: db}, db: db}, nil
}

const sqliteTables = `
CREATE TABLE IF NOT EXISTS search_cache (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	query       TEXT NOT NULL CHECK (query <> ''),
	location    TEXT NOT NULL CHECK (location <> ''),
	search_type TEXT NOT NULL CHECK (search_type <> ''),
	response    TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (query, location, search_type)
);

CREATE TABLE IF NOT EXISTS restaurants (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	place_id      TEXT NOT NULL UNIQUE CHECK (place_id <> ''),
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

CREATE TABLE IF NOT EXISTS search_results (
	cache_id      INTEGER NOT NULL REFERENCES search_cache(id),
	restaurant_id INTEGER NOT NULL REFERENCES restaurants(id),
	position      INTEGER NOT NULL CHECK (position >= 0),
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (cache_id, restaurant_id)
);

CREATE TABLE IF NOT EXISTS place_details (
	place_id        TEXT PRIMARY KEY REFERENCES restaurants(place_id),
	attributes      TEXT,
	service_options TEXT,
	raw_extensions  TEXT,
	closed          INTEGER NOT NULL DEFAULT 0,
	raw_response    TEXT,
	fetched_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS restaurant_profiles (
	place_id        TEXT PRIMARY KEY REFERENCES restaurants(place_id),
	family_score    INTEGER CHECK (family_score BETWEEN 1 AND 10),
	date_score      INTEGER CHECK (date_score BETWEEN 1 AND 10),
	friends_score   INTEGER CHECK (friends_score BETWEEN 1 AND 10),
	solo_score      INTEGER CHECK (solo_score BETWEEN 1 AND 10),
	relaxed_score   INTEGER CHECK (relaxed_score BETWEEN 1 AND 10),
	party_score     INTEGER CHECK (party_score BETWEEN 1 AND 10),
	special_score   INTEGER CHECK (special_score BETWEEN 1 AND 10),
	foodie_score    INTEGER CHECK (foodie_score BETWEEN 1 AND 10),
	lingering_score INTEGER CHECK (lingering_score BETWEEN 1 AND 10),
	unique_score    INTEGER CHECK (unique_score BETWEEN 1 AND 10),
	dresscode_score INTEGER CHECK (dresscode_score BETWEEN 1 AND 10),
	summary         TEXT,
	must_order      TEXT,
	vibe            TEXT,
	model           TEXT NOT NULL DEFAULT '',
	raw_response    TEXT,
	enriched_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	query           TEXT NOT NULL CHECK (query <> ''),
	location        TEXT NOT NULL CHECK (location <> ''),
	status          TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','ok','error')),
	result_count    INTEGER NOT NULL DEFAULT 0 CHECK (result_count >= 0),
	last_run_at     DATETIME,
	last_success_at DATETIME,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (query, location)
);
`

const sqliteIndexes = `
CREATE INDEX IF NOT EXISTS idx_restaurants_pipeline_status ON restaurants(pipeline_status);
CREATE INDEX IF NOT EXISTS idx_search_results_restaurant ON search_results(restaurant_id);
CREATE INDEX IF NOT EXISTS idx_restaurant_profiles_enriched_at ON restaurant_profiles(enriched_at);
CREATE INDEX IF NOT EXISTS idx_pipeline_runs_last_success ON pipeline_runs(last_success_at);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.EnsureSchema(ctx)
	return err
}

// EnsureSchema creates missing tables, adds pipeline columns absent from an
// older restaurants table and creates indexes. It returns the columns added.
func (s *SQLiteStore) EnsureSchema(ctx context.Context) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, sqliteTables); err != nil {
		return nil, eris.Wrap(err, "sqlite: create tables")
	}

	rows, err := s.db.QueryContext(ctx, `PRAGMA table_info(restaurants)`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: table info")
	}
	have := make(map[string]bool)
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typ        string
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			rows.Close() //nolint:errcheck
			return nil, eris.Wrap(err, "sqlite: scan table info")
		}
		have[name] = true
	}
	if err := rows.Close(); err != nil {
		return nil, eris.Wrap(err, "sqlite: close table info")
	}

	var added []string
	for _, col := range pipelineColumns {
		if have[col.name] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "ALTER TABLE restaurants ADD COLUMN "+col.name+" "+col.sqlite); err != nil {
			return added, eris.Wrapf(err, "sqlite: add column %s", col.name)
		}
		added = append(added, col.name)
	}

	if _, err := s.db.ExecContext(ctx, sqliteIndexes); err != nil {
		return added, eris.Wrap(err, "sqlite: create indexes")
	}
	return added, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InTx runs fn inside one SQLite transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(q Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&sqliteQueries{db: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// --- search cache ---

func (q *sqliteQueries) GetSearchCache(ctx context.Context, id model.SearchIdentity) (*model.SearchCacheEntry, error) {
	e, err := scanCacheEntry(q.db.QueryRowContext(ctx,
		`SELECT `+cacheCols+` FROM search_cache WHERE query = ? AND location = ? AND search_type = ?`,
		id.Query, id.Location, id.SearchType,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get search cache %s", id)
	}
	return e, nil
}

func (q *sqliteQueries) PutSearchCache(ctx context.Context, id model.SearchIdentity, response json.RawMessage) (*model.SearchCacheEntry, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if !json.Valid(response) {
		return nil, &ConstraintError{Entity: "search_cache", Field: "response", Reason: "not valid JSON"}
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO search_cache (query, location, search_type, response, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (query, location, search_type)
		 DO UPDATE SET response = excluded.response,
			updated_at = MAX(COALESCE(search_cache.updated_at, excluded.updated_at), excluded.updated_at)`,
		id.Query, id.Location, id.SearchType, string(response), now, now,
	)
	if err != nil {
		return nil, sqliteWrap(err, "put search cache "+id.String())
	}
	return q.GetSearchCache(ctx, id)
}

// --- restaurants ---

func (q *sqliteQueries) UpsertRestaurant(ctx context.Context, a model.RestaurantAttrs) (*model.Restaurant, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	cats, err := marshalCategories(a.Categories)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal categories")
	}
	now := time.Now().UTC()
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO restaurants (place_id, cid, name, address, rating, rating_count, categories, phone,
			website, latitude, longitude, price_level, thumbnail_url, raw_data, scraped_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (place_id) DO UPDATE SET
			cid = excluded.cid, name = excluded.name, address = excluded.address,
			rating = excluded.rating, rating_count = excluded.rating_count,
			categories = excluded.categories, phone = excluded.phone, website = excluded.website,
			latitude = excluded.latitude, longitude = excluded.longitude,
			price_level = excluded.price_level, thumbnail_url = excluded.thumbnail_url,
			raw_data = excluded.raw_data, scraped_at = excluded.scraped_at, updated_at = excluded.updated_at`,
		a.PlaceID, a.CID, a.Name, a.Address, a.Rating, a.RatingCount, cats, a.Phone,
		a.Website, a.Latitude, a.Longitude, a.PriceLevel, a.ThumbnailURL, nullJSONText(a.RawData),
		now, now, now,
	)
	if err != nil {
		return nil, sqliteWrap(err, "upsert restaurant "+a.PlaceID)
	}
	return q.GetRestaurant(ctx, a.PlaceID)
}

func (q *sqliteQueries) GetRestaurant(ctx context.Context, placeID string) (*model.Restaurant, error) {
	r, err := scanSQLiteRestaurant(q.db.QueryRowContext(ctx,
		`SELECT `+restaurantCols+` FROM restaurants WHERE place_id = ?`, placeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: restaurant %s", placeID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get restaurant %s", placeID)
	}
	return r, nil
}

func (q *sqliteQueries) TransitionStatus(ctx context.Context, placeID string, from []model.PipelineStatus, to model.PipelineStatus) (bool, error) {
	if err := validateTransition(from, to); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	var verified *time.Time
	if to == model.StatusComplete {
		verified = &now
	}
	w := &where{ph: sqlitePlaceholder, args: []any{string(to), now, verified, placeID}}
	w.raw("place_id = ?")
	w.addIn("pipeline_status", statusStrings(from))

	res, err := q.db.ExecContext(ctx,
		`UPDATE restaurants SET pipeline_status = ?, updated_at = ?,
			last_verified_at = COALESCE(?, last_verified_at)`+w.String(),
		w.args...,
	)
	if err != nil {
		return false, sqliteWrap(err, "transition "+placeID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (q *sqliteQueries) Deactivate(ctx context.Context, placeID string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE restaurants SET pipeline_status = 'inactive', is_active = 0, updated_at = ? WHERE place_id = ?`,
		time.Now().UTC(), placeID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate %s", placeID)
	}
	return checkRowsAffected(res, "deactivate", placeID)
}

func (q *sqliteQueries) TouchVerified(ctx context.Context, placeID string, at time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE restaurants SET last_verified_at = ?, updated_at = ? WHERE place_id = ?`,
		at.UTC(), at.UTC(), placeID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch verified %s", placeID)
	}
	return checkRowsAffected(res, "touch verified", placeID)
}

// --- search results ---

func (q *sqliteQueries) LinkResult(ctx context.Context, cacheID, restaurantID int64, position int) (bool, error) {
	if err := validateLink(position); err != nil {
		return false, err
	}
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO search_results (cache_id, restaurant_id, position, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (cache_id, restaurant_id) DO NOTHING`,
		cacheID, restaurantID, position, time.Now().UTC(),
	)
	if err != nil {
		return false, sqliteWrap(err, "link result")
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (q *sqliteQueries) ListResults(ctx context.Context, cacheID int64) ([]model.SearchResult, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT cache_id, restaurant_id, position, created_at FROM search_results
		 WHERE cache_id = ? ORDER BY position, restaurant_id`, cacheID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list results")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.SearchResult
	for rows.Next() {
		var sr model.SearchResult
		if err := rows.Scan(&sr.CacheID, &sr.RestaurantID, &sr.Position, &sr.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan result")
		}
		out = append(out, sr)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate results")
}

// --- enrichment caches ---

func (q *sqliteQueries) PutDetails(ctx context.Context, d *model.PlaceDetails) error {
	if err := d.Validate(); err != nil {
		return err
	}
	attrs, err := marshalAttributes(d.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	if b, ok := attrs.([]byte); ok {
		attrs = string(b)
	}
	fetchedAt := d.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now()
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO place_details (place_id, attributes, service_options, raw_extensions, closed, raw_response, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (place_id) DO UPDATE SET
			attributes = excluded.attributes, service_options = excluded.service_options,
			raw_extensions = excluded.raw_extensions, closed = excluded.closed,
			raw_response = excluded.raw_response, fetched_at = excluded.fetched_at`,
		d.PlaceID, attrs, nullJSONText(d.ServiceOptions), nullJSONText(d.RawExtensions), d.Closed,
		nullJSONText(d.RawResponse), fetchedAt.UTC(),
	)
	return sqliteWrap(err, "put details "+d.PlaceID)
}

func (q *sqliteQueries) GetDetails(ctx context.Context, placeID string) (*model.PlaceDetails, error) {
	d, err := scanDetails(q.db.QueryRowContext(ctx,
		`SELECT place_id, attributes, service_options, raw_extensions, closed, raw_response, fetched_at
		 FROM place_details WHERE place_id = ?`, placeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get details %s", placeID)
	}
	return d, nil
}

// PutProfile stores p, replacing any cached profile for the place.
func (q *sqliteQueries) PutProfile(ctx context.Context, p *model.Profile) error {
	_, err := q.writeProfile(ctx, p, `ON CONFLICT (place_id) DO UPDATE SET
			family_score = excluded.family_score, date_score = excluded.date_score,
			friends_score = excluded.friends_score, solo_score = excluded.solo_score,
			relaxed_score = excluded.relaxed_score, party_score = excluded.party_score,
			special_score = excluded.special_score, foodie_score = excluded.foodie_score,
			lingering_score = excluded.lingering_score, unique_score = excluded.unique_score,
			dresscode_score = excluded.dresscode_score, summary = excluded.summary,
			must_order = excluded.must_order, vibe = excluded.vibe, model = excluded.model,
			raw_response = excluded.raw_response, enriched_at = excluded.enriched_at`)
	return err
}

// InsertProfile stores p unless the place already has a profile. It
// reports whether a row was written.
func (q *sqliteQueries) InsertProfile(ctx context.Context, p *model.Profile) (bool, error) {
	return q.writeProfile(ctx, p, `ON CONFLICT (place_id) DO NOTHING`)
}

func (q *sqliteQueries) writeProfile(ctx context.Context, p *model.Profile, onConflict string) (bool, error) {
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
	args = append(args, p.Summary, p.MustOrder, p.Vibe, p.Model, nullJSONText(p.RawResponse), enrichedAt.UTC())

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO restaurant_profiles (`+profileCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 `+onConflict,
		args...,
	)
	if err != nil {
		return false, sqliteWrap(err, "put profile "+p.PlaceID)
	}
	n, err := res.RowsAffected()
	return n == 1, eris.Wrap(err, "sqlite: rows affected")
}

func (q *sqliteQueries) GetProfile(ctx context.Context, placeID string) (*model.Profile, error) {
	p, err := scanProfile(q.db.QueryRowContext(ctx,
		`SELECT `+profileCols+` FROM restaurant_profiles WHERE place_id = ?`, placeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get profile %s", placeID)
	}
	return p, nil
}

// --- run tracker ---

func (q *sqliteQueries) RecordRun(ctx context.Context, id model.RunIdentity, resultCount int, status model.RunStatus) (*model.PipelineRun, error) {
	if err := validateRun(id, resultCount, status); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (query, location) DO UPDATE SET
			status = excluded.status, result_count = excluded.result_count,
			last_run_at = COALESCE(excluded.last_run_at, pipeline_runs.last_run_at),
			last_success_at = COALESCE(excluded.last_success_at, pipeline_runs.last_success_at),
			updated_at = excluded.updated_at`,
		id.Query, id.Location, string(status), resultCount, lastRun(status, now), lastSuccess(status, now), now, now,
	)
	if err != nil {
		return nil, sqliteWrap(err, "record run")
	}
	return q.GetRun(ctx, id)
}

func (q *sqliteQueries) GetRun(ctx context.Context, id model.RunIdentity) (*model.PipelineRun, error) {
	r, err := scanRun(q.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM pipeline_runs WHERE query = ? AND location = ?`, id.Query, id.Location))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get run")
	}
	return r, nil
}

// --- store-level reads ---

func (s *SQLiteStore) ListRestaurants(ctx context.Context, f RestaurantFilter) ([]model.Restaurant, error) {
	w := restaurantWhere(f, sqlitePlaceholder, "1")
	query := `SELECT ` + restaurantCols + ` FROM restaurants r` + w.String() + restaurantOrder
	if f.Limit > 0 {
		query += " LIMIT " + w.next(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list restaurants")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Restaurant
	for rows.Next() {
		r, err := scanSQLiteRestaurant(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan restaurant")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate restaurants")
}

func (s *SQLiteStore) CuratedRestaurants(ctx context.Context, limit int) ([]model.CuratedRestaurant, error) {
	query := `SELECT place_id, name, COALESCE(address, ''), rating, rating_count, categories,
		COALESCE(phone, ''), COALESCE(website, ''), latitude, longitude, COALESCE(price_level, ''),
		COALESCE(thumbnail_url, '')
		FROM restaurants r
		WHERE pipeline_status = 'complete' AND is_active = 1` + restaurantOrder
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: curated restaurants")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CuratedRestaurant
	for rows.Next() {
		var c model.CuratedRestaurant
		var cats sql.NullString
		if err := rows.Scan(&c.PlaceID, &c.Name, &c.Address, &c.Rating, &c.RatingCount, &cats,
			&c.Phone, &c.Website, &c.Latitude, &c.Longitude, &c.PriceLevel, &c.ThumbnailURL); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan curated")
		}
		if c.Categories, err = unmarshalCategories(cats); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal categories")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate curated")
}

func (s *SQLiteStore) StatusCounts(ctx context.Context) (map[model.PipelineStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT pipeline_status, COUNT(*) FROM restaurants GROUP BY pipeline_status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: status counts")
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[model.PipelineStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.PipelineStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: iterate status counts")
}

func (s *SQLiteStore) CountProfilesSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM restaurant_profiles WHERE enriched_at >= ?`, since.UTC()).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count profiles")
}

func (s *SQLiteStore) ListRuns(ctx context.Context, f RunFilter) ([]model.PipelineRun, error) {
	w := runWhere(f, sqlitePlaceholder)
	query := `SELECT ` + runCols + ` FROM pipeline_runs` + w.String() +
		` ORDER BY last_success_at NULLS FIRST, query, location`
	if f.Limit > 0 {
		query += " LIMIT " + w.next(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PipelineRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate runs")
}

// SeedRuns inserts pending tracker rows for pairs not yet tracked.
func (s *SQLiteStore) SeedRuns(ctx context.Context, ids []model.RunIdentity) (int64, error) {
	var total int64
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin seed")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, id := range ids {
		if err := validateRun(id, 0, model.RunStatusPending); err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_runs (query, location, status, result_count, created_at, updated_at)
			 VALUES (?, ?, 'pending', 0, ?, ?)
			 ON CONFLICT (query, location) DO NOTHING`,
			id.Query, id.Location, now, now,
		)
		if err != nil {
			return 0, sqliteWrap(err, "seed run")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit seed")
	}
	return total, nil
}

// --- reconciliation ---

func (s *SQLiteStore) BackfillScrapedAt(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE restaurants SET scraped_at = created_at WHERE scraped_at IS NULL`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: backfill scraped_at")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) BackfillRunsFromCache(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (`+runCols+`)
		 SELECT sc.query, sc.location, 'ok', COUNT(DISTINCT sr.restaurant_id),
			MAX(sc.updated_at), MAX(sc.updated_at), ?, ?
		 FROM search_cache sc
		 LEFT JOIN search_results sr ON sr.cache_id = sc.id
		 WHERE true
		 GROUP BY sc.query, sc.location
		 ON CONFLICT (query, location) DO NOTHING`, now, now)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: backfill runs")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) DisqualifyBelow(ctx context.Context, minRating float64, minRatingCount int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE restaurants SET pipeline_status = 'disqualified', updated_at = ?
		 WHERE pipeline_status = 'new'
		   AND (rating IS NULL OR rating_count IS NULL OR rating < ? OR rating_count < ?)`,
		time.Now().UTC(), minRating, minRatingCount,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: disqualify")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: rows affected")
}

// --- helpers ---

func checkRowsAffected(res sql.Result, action, placeID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", action, placeID)
	}
	return nil
}

// sqliteWrap maps constraint failures to ConstraintError and wraps everything else.
func sqliteWrap(err error, action string) error {
	if err == nil {
		return nil
	}
	var se *sqlite.Error
	if errors.As(err, &se) && se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT {
		return eris.Wrap(&ConstraintError{Entity: action, Reason: se.Error()}, "sqlite: "+action)
	}
	return eris.Wrap(err, "sqlite: "+action)
}

func nullJSONText(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func marshalCategories(cats []string) (any, error) {
	if cats == nil {
		return nil, nil
	}
	b, err := json.Marshal(cats)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalCategories(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var cats []string
	if err := json.Unmarshal([]byte(s.String), &cats); err != nil {
		return nil, err
	}
	return cats, nil
}

func scanSQLiteRestaurant(row scannable) (*model.Restaurant, error) {
	var r model.Restaurant
	var cats sql.NullString
	var raw []byte
	err := row.Scan(&r.ID, &r.PlaceID, &r.CID, &r.Name, &r.Address, &r.Rating, &r.RatingCount, &cats,
		&r.Phone, &r.Website, &r.Latitude, &r.Longitude, &r.PriceLevel, &r.ThumbnailURL, &raw,
		&r.PipelineStatus, &r.IsActive, &r.ScrapedAt, &r.LastVerifiedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if r.Categories, err = unmarshalCategories(cats); err != nil {
		return nil, err
	}
	r.RawData = raw
	return &r, nil
}
