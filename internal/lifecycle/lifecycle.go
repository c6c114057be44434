// Package lifecycle holds the restaurant status state machine and the
// completeness gate that promotes a record to the curated view.
package lifecycle

import (
	"strings"

	"github.com/mallorcaeat/pipeline/internal/model"
)

// Thresholds gate which restaurants are worth enriching and when a profile is complete.
type Thresholds struct {
	MinRating        float64 `yaml:"min_rating" mapstructure:"min_rating"`
	MinRatingCount   int     `yaml:"min_rating_count" mapstructure:"min_rating_count"`
	MinNonNullScores int     `yaml:"min_nonnull_scores" mapstructure:"min_nonnull_scores"`
}

// DefaultThresholds returns the production thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinRating:        4.5,
		MinRatingCount:   100,
		MinNonNullScores: 5,
	}
}

var transitions = map[model.PipelineStatus][]model.PipelineStatus{
	model.StatusNew:          {model.StatusDisqualified, model.StatusEnriched, model.StatusComplete, model.StatusInactive},
	model.StatusEnriched:     {model.StatusComplete, model.StatusInactive},
	model.StatusDisqualified: {model.StatusInactive},
	model.StatusComplete:     {model.StatusInactive},
}

// CanTransition reports whether from → to is a legal move. Staying put is not a transition.
func CanTransition(from, to model.PipelineStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Violates reports whether rating or review volume is below threshold.
// A missing rating or count counts as below.
func (t Thresholds) Violates(rating *float64, ratingCount *int) bool {
	if rating == nil || ratingCount == nil {
		return true
	}
	return *rating < t.MinRating || *ratingCount < t.MinRatingCount
}

// OnUpsert returns the status a restaurant should move to after its provider
// attributes were written. Only new restaurants are disqualified.
func (t Thresholds) OnUpsert(r *model.Restaurant) (model.PipelineStatus, bool) {
	if r.PipelineStatus == model.StatusNew && t.Violates(r.Rating, r.RatingCount) {
		return model.StatusDisqualified, true
	}
	return r.PipelineStatus, false
}

// OnEnrichment returns the status after a profile row was stored for r.
// A failed threshold check wins over the profile; a complete profile
// promotes new or enriched records; an incomplete one parks new records at
// enriched. Every other status is left as is.
func (t Thresholds) OnEnrichment(r *model.Restaurant, p *model.Profile) (model.PipelineStatus, bool) {
	switch r.PipelineStatus {
	case model.StatusNew:
		if t.Violates(r.Rating, r.RatingCount) {
			return model.StatusDisqualified, true
		}
		if t.IsComplete(p) {
			return model.StatusComplete, true
		}
		return model.StatusEnriched, true
	case model.StatusEnriched:
		if t.IsComplete(p) {
			return model.StatusComplete, true
		}
	}
	return r.PipelineStatus, false
}

// IsComplete reports whether a profile has a summary, a vibe and at least
// MinNonNullScores rated dimensions.
func (t Thresholds) IsComplete(p *model.Profile) bool {
	return IsComplete(p, t.MinNonNullScores)
}

// IsComplete is the completeness predicate with an explicit score minimum.
func IsComplete(p *model.Profile, minScores int) bool {
	if p == nil {
		return false
	}
	if blank(p.Summary) || blank(p.Vibe) {
		return false
	}
	return p.Scores.NonNull() >= minScores
}

func blank(s *string) bool {
	return s == nil || strings.TrimSpace(*s) == ""
}
