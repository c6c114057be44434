package store

import (
	"fmt"
	"strings"
)

// where accumulates SQL predicates with backend-specific placeholders.
type where struct {
	ph    func(n int) string
	parts []string
	args  []any
}

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func sqlitePlaceholder(int) string { return "?" }

func (w *where) add(pred string, args ...any) {
	phs := make([]any, len(args))
	for i := range args {
		phs[i] = w.ph(len(w.args) + i + 1)
	}
	w.parts = append(w.parts, fmt.Sprintf(pred, phs...))
	w.args = append(w.args, args...)
}

func (w *where) addIn(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	phs := make([]string, len(vals))
	for i, v := range vals {
		phs[i] = w.ph(len(w.args) + 1)
		w.args = append(w.args, v)
	}
	w.parts = append(w.parts, fmt.Sprintf("%s IN (%s)", col, strings.Join(phs, ", ")))
}

func (w *where) raw(pred string) {
	w.parts = append(w.parts, pred)
}

func (w *where) String() string {
	if len(w.parts) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.parts, " AND ")
}

// next returns the placeholder for the next positional argument.
func (w *where) next(arg any) string {
	w.args = append(w.args, arg)
	return w.ph(len(w.args))
}

// restaurantWhere renders a RestaurantFilter. activeTrue is the backend's
// literal for a true boolean column.
func restaurantWhere(f RestaurantFilter, ph func(int) string, activeTrue string) *where {
	w := &where{ph: ph}
	w.addIn("r.pipeline_status", statusStrings(f.Statuses))
	if f.ActiveOnly {
		w.raw("r.is_active = " + activeTrue)
	}
	if f.HasProfile != nil {
		w.raw(existsPredicate(*f.HasProfile, "restaurant_profiles"))
	}
	if f.HasDetails != nil {
		w.raw(existsPredicate(*f.HasDetails, "place_details"))
	}
	if f.MinRating != nil {
		w.add("r.rating >= %s", *f.MinRating)
	}
	if f.MinRatingCount != nil {
		w.add("r.rating_count >= %s", *f.MinRatingCount)
	}
	if f.VerifiedBefore != nil {
		w.add("(r.last_verified_at IS NULL OR r.last_verified_at < %s)", f.VerifiedBefore.UTC())
	}
	return w
}

func existsPredicate(want bool, table string) string {
	neg := "NOT "
	if want {
		neg = ""
	}
	return fmt.Sprintf("%sEXISTS (SELECT 1 FROM %s x WHERE x.place_id = r.place_id)", neg, table)
}

func runWhere(f RunFilter, ph func(int) string) *where {
	w := &where{ph: ph}
	if f.Status != "" {
		w.add("status = %s", string(f.Status))
	}
	if f.DueBefore != nil {
		w.add("(last_success_at IS NULL OR last_success_at < %s)", f.DueBefore.UTC())
	}
	return w
}

const restaurantOrder = " ORDER BY r.rating DESC NULLS LAST, r.rating_count DESC NULLS LAST, r.id"
