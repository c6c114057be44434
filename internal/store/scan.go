package store

import (
	"encoding/json"

	"github.com/mallorcaeat/pipeline/internal/model"
)

type scannable interface {
	Scan(dest ...any) error
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func marshalAttributes(attrs map[string][]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanCacheEntry(row scannable) (*model.SearchCacheEntry, error) {
	var e model.SearchCacheEntry
	var resp []byte
	if err := row.Scan(&e.ID, &e.Identity.Query, &e.Identity.Location, &e.Identity.SearchType,
		&resp, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Response = resp
	return &e, nil
}

func scanDetails(row scannable) (*model.PlaceDetails, error) {
	var d model.PlaceDetails
	var attrs, opts, ext, raw []byte
	if err := row.Scan(&d.PlaceID, &attrs, &opts, &ext, &d.Closed, &raw, &d.FetchedAt); err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &d.Attributes); err != nil {
			return nil, err
		}
	}
	d.ServiceOptions = opts
	d.RawExtensions = ext
	d.RawResponse = raw
	return &d, nil
}

func scanProfile(row scannable) (*model.Profile, error) {
	var p model.Profile
	var raw []byte
	dest := []any{&p.PlaceID}
	for _, ptr := range p.Scores.Pointers() {
		dest = append(dest, ptr)
	}
	dest = append(dest, &p.Summary, &p.MustOrder, &p.Vibe, &p.Model, &raw, &p.EnrichedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	p.RawResponse = raw
	return &p, nil
}

func scanRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	if err := row.Scan(&r.Query, &r.Location, &r.Status, &r.ResultCount,
		&r.LastRunAt, &r.LastSuccessAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
