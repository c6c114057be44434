package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Profile score bounds.
const (
	MinScore = 1
	MaxScore = 10
)

// ScoreNames lists the eleven profile dimensions in column order.
var ScoreNames = []string{
	"family", "date", "friends", "solo", "relaxed", "party",
	"special", "foodie", "lingering", "unique", "dresscode",
}

// Scores holds the eleven 1–10 profile ratings. A nil field means the
// generator declined or failed to rate that dimension.
type Scores struct {
	Family    *int `json:"family,omitempty"`
	Date      *int `json:"date,omitempty"`
	Friends   *int `json:"friends,omitempty"`
	Solo      *int `json:"solo,omitempty"`
	Relaxed   *int `json:"relaxed,omitempty"`
	Party     *int `json:"party,omitempty"`
	Special   *int `json:"special,omitempty"`
	Foodie    *int `json:"foodie,omitempty"`
	Lingering *int `json:"lingering,omitempty"`
	Unique    *int `json:"unique,omitempty"`
	DressCode *int `json:"dresscode,omitempty"`
}

// Values returns the scores in ScoreNames order.
func (s Scores) Values() []*int {
	return []*int{
		s.Family, s.Date, s.Friends, s.Solo, s.Relaxed, s.Party,
		s.Special, s.Foodie, s.Lingering, s.Unique, s.DressCode,
	}
}

// Pointers returns addresses of the score fields in ScoreNames order, for scanning.
func (s *Scores) Pointers() []**int {
	return []**int{
		&s.Family, &s.Date, &s.Friends, &s.Solo, &s.Relaxed, &s.Party,
		&s.Special, &s.Foodie, &s.Lingering, &s.Unique, &s.DressCode,
	}
}

// NonNull counts rated dimensions.
func (s Scores) NonNull() int {
	n := 0
	for _, v := range s.Values() {
		if v != nil {
			n++
		}
	}
	return n
}

// Profile is the LLM-generated enrichment for one restaurant.
type Profile struct {
	PlaceID     string          `json:"place_id"`
	Scores      Scores          `json:"scores"`
	Summary     *string         `json:"summary,omitempty"`
	MustOrder   *string         `json:"must_order,omitempty"`
	Vibe        *string         `json:"vibe,omitempty"`
	Model       string          `json:"model,omitempty"`
	RawResponse json.RawMessage `json:"raw_response,omitempty"`
	EnrichedAt  time.Time       `json:"enriched_at"`
}

// Validate rejects profiles whose scores fall outside the declared range.
func (p Profile) Validate() error {
	if p.PlaceID == "" {
		return &ConstraintError{Entity: "profile", Field: "place_id", Reason: "must not be empty"}
	}
	for i, v := range p.Scores.Values() {
		if v != nil && (*v < MinScore || *v > MaxScore) {
			return &ConstraintError{
				Entity: "profile",
				Field:  ScoreNames[i] + "_score",
				Reason: fmt.Sprintf("%d outside %d–%d", *v, MinScore, MaxScore),
			}
		}
	}
	return nil
}

// Details attribute groups returned by the place-details provider.
const (
	AttrHighlights    = "highlights"
	AttrPopularFor    = "popular_for"
	AttrOfferings     = "offerings"
	AttrAtmosphere    = "atmosphere"
	AttrCrowd         = "crowd"
	AttrPlanning      = "planning"
	AttrPayments      = "payments"
	AttrAccessibility = "accessibility"
	AttrChildren      = "children"
	AttrParking       = "parking"
	AttrDiningOptions = "dining_options"
	AttrAmenities     = "amenities"
)

// PlaceDetails is the structured place-details enrichment for one restaurant.
type PlaceDetails struct {
	PlaceID        string              `json:"place_id"`
	Attributes     map[string][]string `json:"attributes,omitempty"`
	ServiceOptions json.RawMessage     `json:"service_options,omitempty"`
	RawExtensions  json.RawMessage     `json:"raw_extensions,omitempty"`
	Closed         bool                `json:"closed"`
	// Rating and RatingCount are read from the provider response for
	// re-verification and are not persisted.
	Rating         *float64            `json:"-"`
	RatingCount    *int                `json:"-"`
	RawResponse    json.RawMessage     `json:"raw_response,omitempty"`
	FetchedAt      time.Time           `json:"fetched_at"`
}

// Validate checks the details row at the write boundary.
func (d PlaceDetails) Validate() error {
	if d.PlaceID == "" {
		return &ConstraintError{Entity: "place_details", Field: "place_id", Reason: "must not be empty"}
	}
	return nil
}
