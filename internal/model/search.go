package model

import (
	"encoding/json"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DefaultSearchType is the provider endpoint used for restaurant discovery.
const DefaultSearchType = "maps"

// SearchIdentity is the natural key of a cached provider search.
type SearchIdentity struct {
	Query      string `json:"query"`
	Location   string `json:"location"`
	SearchType string `json:"search_type"`
}

// NewSearchIdentity builds a normalized identity. Query and location are
// NFC-normalized with inner whitespace collapsed so that "Alaró" typed with a
// combining accent and "Alaró" precomposed hit the same cache row.
func NewSearchIdentity(query, location, searchType string) SearchIdentity {
	if strings.TrimSpace(searchType) == "" {
		searchType = DefaultSearchType
	}
	return SearchIdentity{
		Query:      NormalizeKey(query),
		Location:   NormalizeKey(location),
		SearchType: strings.ToLower(strings.TrimSpace(searchType)),
	}
}

// NormalizeKey canonicalizes a free-text key component.
func NormalizeKey(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

// Validate rejects identities with an empty component.
func (id SearchIdentity) Validate() error {
	switch {
	case id.Query == "":
		return &ConstraintError{Entity: "search_cache", Field: "query", Reason: "must not be empty"}
	case id.Location == "":
		return &ConstraintError{Entity: "search_cache", Field: "location", Reason: "must not be empty"}
	case id.SearchType == "":
		return &ConstraintError{Entity: "search_cache", Field: "search_type", Reason: "must not be empty"}
	}
	return nil
}

func (id SearchIdentity) String() string {
	return id.SearchType + ":" + id.Query + "@" + id.Location
}

// SearchCacheEntry is a stored raw provider response for one identity.
type SearchCacheEntry struct {
	ID        int64           `json:"id"`
	Identity  SearchIdentity  `json:"identity"`
	Response  json.RawMessage `json:"response"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// SearchResult links a cached search to a restaurant it surfaced.
type SearchResult struct {
	CacheID      int64     `json:"cache_id"`
	RestaurantID int64     `json:"restaurant_id"`
	Position     int       `json:"position"`
	CreatedAt    time.Time `json:"created_at"`
}
