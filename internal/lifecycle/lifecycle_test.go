package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mallorcaeat/pipeline/internal/model"
)

func f64(v float64) *float64 { return &v }
func ip(v int) *int          { return &v }
func sp(v string) *string    { return &v }

func profileWith(n int) *model.Profile {
	p := &model.Profile{PlaceID: "p", Summary: sp("Family trattoria"), Vibe: sp("lively")}
	for i, ptr := range p.Scores.Pointers() {
		if i < n {
			*ptr = ip(7)
		}
	}
	return p
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]model.PipelineStatus{
		{model.StatusNew, model.StatusDisqualified},
		{model.StatusNew, model.StatusEnriched},
		{model.StatusNew, model.StatusComplete},
		{model.StatusEnriched, model.StatusComplete},
		{model.StatusComplete, model.StatusInactive},
		{model.StatusDisqualified, model.StatusInactive},
		{model.StatusNew, model.StatusInactive},
	}
	for _, tr := range legal {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	illegal := [][2]model.PipelineStatus{
		{model.StatusComplete, model.StatusEnriched},
		{model.StatusComplete, model.StatusNew},
		{model.StatusDisqualified, model.StatusNew},
		{model.StatusDisqualified, model.StatusComplete},
		{model.StatusEnriched, model.StatusNew},
		{model.StatusInactive, model.StatusNew},
		{model.StatusInactive, model.StatusComplete},
		{model.StatusNew, model.StatusNew},
	}
	for _, tr := range illegal {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestOnUpsert_Thresholds(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	tests := []struct {
		name   string
		rating *float64
		count  *int
		status model.PipelineStatus
		want   model.PipelineStatus
		moved  bool
	}{
		{"low rating", f64(4.4), ip(150), model.StatusNew, model.StatusDisqualified, true},
		{"few reviews", f64(4.6), ip(50), model.StatusNew, model.StatusDisqualified, true},
		{"qualifies", f64(4.6), ip(150), model.StatusNew, model.StatusNew, false},
		{"exact boundary", f64(4.5), ip(100), model.StatusNew, model.StatusNew, false},
		{"missing rating", nil, ip(500), model.StatusNew, model.StatusDisqualified, true},
		{"missing count", f64(4.9), nil, model.StatusNew, model.StatusDisqualified, true},
		{"complete untouched", f64(3.0), ip(10), model.StatusComplete, model.StatusComplete, false},
		{"enriched untouched", f64(3.0), ip(10), model.StatusEnriched, model.StatusEnriched, false},
		{"inactive untouched", f64(3.0), ip(10), model.StatusInactive, model.StatusInactive, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := &model.Restaurant{Rating: tt.rating, RatingCount: tt.count, PipelineStatus: tt.status}
			got, moved := th.OnUpsert(r)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.moved, moved)
		})
	}
}

func TestIsComplete_Boundary(t *testing.T) {
	t.Parallel()

	assert.False(t, IsComplete(profileWith(4), 5))
	assert.True(t, IsComplete(profileWith(5), 5))
	assert.True(t, IsComplete(profileWith(11), 5))

	noVibe := profileWith(11)
	noVibe.Vibe = sp("   ")
	assert.False(t, IsComplete(noVibe, 5))

	noSummary := profileWith(11)
	noSummary.Summary = nil
	assert.False(t, IsComplete(noSummary, 5))

	assert.False(t, IsComplete(nil, 0))
}

func TestOnEnrichment(t *testing.T) {
	t.Parallel()

	th := DefaultThresholds()
	good := func(s model.PipelineStatus) *model.Restaurant {
		return &model.Restaurant{Rating: f64(4.7), RatingCount: ip(300), PipelineStatus: s}
	}

	tests := []struct {
		name    string
		r       *model.Restaurant
		p       *model.Profile
		want    model.PipelineStatus
		changed bool
	}{
		{"new complete", good(model.StatusNew), profileWith(6), model.StatusComplete, true},
		{"new incomplete", good(model.StatusNew), profileWith(4), model.StatusEnriched, true},
		{"enriched now complete", good(model.StatusEnriched), profileWith(5), model.StatusComplete, true},
		{"enriched still incomplete", good(model.StatusEnriched), profileWith(2), model.StatusEnriched, false},
		{"complete never regresses", good(model.StatusComplete), profileWith(0), model.StatusComplete, false},
		{"inactive stays", good(model.StatusInactive), profileWith(11), model.StatusInactive, false},
		{"disqualified stays", good(model.StatusDisqualified), profileWith(11), model.StatusDisqualified, false},
		{
			"new below threshold",
			&model.Restaurant{Rating: f64(4.0), RatingCount: ip(300), PipelineStatus: model.StatusNew},
			profileWith(11), model.StatusDisqualified, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, changed := th.OnEnrichment(tt.r, tt.p)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
			if changed {
				assert.True(t, CanTransition(tt.r.PipelineStatus, got))
			}
		})
	}
}
