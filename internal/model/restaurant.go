// Package model defines the entities persisted by the curation pipeline.
package model

import (
	"encoding/json"
	"time"
)

// PipelineStatus is a restaurant's stage in the ingestion → enrichment → publication workflow.
type PipelineStatus string

const (
	StatusNew          PipelineStatus = "new"
	StatusDisqualified PipelineStatus = "disqualified"
	StatusEnriched     PipelineStatus = "enriched"
	StatusComplete     PipelineStatus = "complete"
	StatusInactive     PipelineStatus = "inactive"
)

// AllStatuses lists every pipeline status in workflow order.
var AllStatuses = []PipelineStatus{
	StatusNew,
	StatusDisqualified,
	StatusEnriched,
	StatusComplete,
	StatusInactive,
}

// Valid reports whether s is a known pipeline status.
func (s PipelineStatus) Valid() bool {
	switch s {
	case StatusNew, StatusDisqualified, StatusEnriched, StatusComplete, StatusInactive:
		return true
	}
	return false
}

// Visible reports whether the status is the terminal state exposed by the curated view.
func (s PipelineStatus) Visible() bool {
	return s == StatusComplete
}

// Restaurant is the canonical, deduplicated record for one provider place.
type Restaurant struct {
	ID             int64           `json:"id"`
	PlaceID        string          `json:"place_id"`
	CID            string          `json:"cid,omitempty"`
	Name           string          `json:"name"`
	Address        string          `json:"address,omitempty"`
	Rating         *float64        `json:"rating,omitempty"`
	RatingCount    *int            `json:"rating_count,omitempty"`
	Categories     []string        `json:"categories,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Website        string          `json:"website,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	PriceLevel     string          `json:"price_level,omitempty"`
	ThumbnailURL   string          `json:"thumbnail_url,omitempty"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	PipelineStatus PipelineStatus  `json:"pipeline_status"`
	IsActive       bool            `json:"is_active"`
	ScrapedAt      *time.Time      `json:"scraped_at,omitempty"`
	LastVerifiedAt *time.Time      `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// RestaurantAttrs carries the provider-refreshed fields of a restaurant. An
// upsert overwrites exactly these columns and nothing else.
type RestaurantAttrs struct {
	PlaceID      string
	CID          string
	Name         string
	Address      string
	Rating       *float64
	RatingCount  *int
	Categories   []string
	Phone        string
	Website      string
	Latitude     *float64
	Longitude    *float64
	PriceLevel   string
	ThumbnailURL string
	RawData      json.RawMessage
}

// Validate checks the attributes at the write boundary.
func (a RestaurantAttrs) Validate() error {
	if a.PlaceID == "" {
		return &ConstraintError{Entity: "restaurant", Field: "place_id", Reason: "must not be empty"}
	}
	if a.Rating != nil && (*a.Rating < 0 || *a.Rating > 5) {
		return &ConstraintError{Entity: "restaurant", Field: "rating", Reason: "must be between 0 and 5"}
	}
	if a.RatingCount != nil && *a.RatingCount < 0 {
		return &ConstraintError{Entity: "restaurant", Field: "rating_count", Reason: "must not be negative"}
	}
	return nil
}

// CuratedRestaurant is the read-only projection handed to the consuming application.
type CuratedRestaurant struct {
	PlaceID      string   `json:"place_id" yaml:"place_id"`
	Name         string   `json:"name" yaml:"name"`
	Address      string   `json:"address,omitempty" yaml:"address,omitempty"`
	Rating       *float64 `json:"rating,omitempty" yaml:"rating,omitempty"`
	RatingCount  *int     `json:"rating_count,omitempty" yaml:"rating_count,omitempty"`
	Categories   []string `json:"categories,omitempty" yaml:"categories,omitempty"`
	Phone        string   `json:"phone,omitempty" yaml:"phone,omitempty"`
	Website      string   `json:"website,omitempty" yaml:"website,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty" yaml:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty" yaml:"longitude,omitempty"`
	PriceLevel   string   `json:"price_level,omitempty" yaml:"price_level,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty" yaml:"thumbnail_url,omitempty"`
}
