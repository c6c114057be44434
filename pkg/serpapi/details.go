package serpapi

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/model"
)

type placeResults struct {
	Extensions          []map[string]json.RawMessage `json:"extensions"`
	ServiceOptions      json.RawMessage              `json:"service_options"`
	PermanentlyClosed   bool                         `json:"permanently_closed"`
	TemporarilyClosed   bool                         `json:"temporarily_closed"`
	ClosedOnPermanently bool                         `json:"closed_on_permanently"`
	Rating              *float64                     `json:"rating"`
	Reviews             *int                         `json:"reviews"`
}

// ParseDetails turns a raw place-details response into the details cache row
// for placeID. The extensions list of single-key objects is flattened into
// attribute groups; groups that are not string lists are kept only in
// RawExtensions.
func ParseDetails(placeID string, raw json.RawMessage) (*model.PlaceDetails, error) {
	var envelope struct {
		PlaceResults *placeResults `json:"place_results"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, eris.Wrap(err, "serpapi: decode details")
	}

	d := &model.PlaceDetails{
		PlaceID:     placeID,
		RawResponse: raw,
		FetchedAt:   time.Now().UTC(),
	}
	place := envelope.PlaceResults
	if place == nil {
		return d, nil
	}

	merged := make(map[string]json.RawMessage)
	for _, ext := range place.Extensions {
		for k, v := range ext {
			merged[k] = v
		}
	}
	if len(merged) > 0 {
		d.Attributes = make(map[string][]string, len(merged))
		for k, v := range merged {
			var vals []string
			if err := json.Unmarshal(v, &vals); err == nil {
				d.Attributes[k] = vals
			}
		}
		b, err := json.Marshal(merged)
		if err != nil {
			return nil, eris.Wrap(err, "serpapi: encode extensions")
		}
		d.RawExtensions = b
	}

	if len(place.ServiceOptions) > 0 && string(place.ServiceOptions) != "null" {
		d.ServiceOptions = place.ServiceOptions
	}
	d.Rating = place.Rating
	d.RatingCount = place.Reviews
	d.Closed = place.PermanentlyClosed || place.TemporarilyClosed || place.ClosedOnPermanently
	return d, nil
}
