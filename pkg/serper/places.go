package serper

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/mallorcaeat/pipeline/internal/model"
)

// Place is one entry of a maps search response.
type Place struct {
	Position     int      `json:"position"`
	Title        string   `json:"title"`
	Address      string   `json:"address"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Rating       *float64 `json:"rating"`
	RatingCount  *int     `json:"ratingCount"`
	Type         string   `json:"type"`
	Types        []string `json:"types"`
	Website      string   `json:"website"`
	PhoneNumber  string   `json:"phoneNumber"`
	PlaceID      string   `json:"placeId"`
	CID          string   `json:"cid"`
	PriceLevel   string   `json:"priceLevel"`
	ThumbnailURL string   `json:"thumbnailUrl"`

	raw json.RawMessage
}

// Raw returns the provider JSON the place was decoded from.
func (p Place) Raw() json.RawMessage { return p.raw }

// ID returns the permanent place id, falling back to the numeric CID.
func (p Place) ID() string {
	if p.PlaceID != "" {
		return p.PlaceID
	}
	return p.CID
}

// Categories returns the place types, or the single type when no list is given.
func (p Place) Categories() []string {
	if len(p.Types) > 0 {
		return p.Types
	}
	if p.Type != "" {
		return []string{p.Type}
	}
	return nil
}

// Attrs maps the place onto the registry's provider-refreshed columns.
func (p Place) Attrs() model.RestaurantAttrs {
	return model.RestaurantAttrs{
		PlaceID:      p.ID(),
		CID:          p.CID,
		Name:         p.Title,
		Address:      p.Address,
		Rating:       p.Rating,
		RatingCount:  p.RatingCount,
		Categories:   p.Categories(),
		Phone:        p.PhoneNumber,
		Website:      p.Website,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		PriceLevel:   p.PriceLevel,
		ThumbnailURL: p.ThumbnailURL,
		RawData:      p.raw,
	}
}

// ParsePlaces decodes the places of a raw maps response. Positions missing
// from the payload are filled from the 1-based list order.
func ParsePlaces(raw json.RawMessage) ([]Place, error) {
	var envelope struct {
		Places []json.RawMessage `json:"places"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, eris.Wrap(err, "serper: decode maps response")
	}

	places := make([]Place, 0, len(envelope.Places))
	for i, item := range envelope.Places {
		var p Place
		if err := json.Unmarshal(item, &p); err != nil {
			return nil, eris.Wrapf(err, "serper: decode place %d", i)
		}
		if p.Position <= 0 {
			p.Position = i + 1
		}
		p.raw = item
		places = append(places, p)
	}
	return places, nil
}
