package model

import (
	"errors"
	"fmt"
)

// ConstraintError reports data rejected at the write boundary: an empty
// identity, a score outside its declared range, an unknown status. It is a
// data-quality error and must not be retried without fixing the input.
type ConstraintError struct {
	Entity string
	Field  string
	Reason string
}

func (e *ConstraintError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Entity, e.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", e.Entity, e.Field, e.Reason)
}

// IsConstraint reports whether err (or any error in its chain) is a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}
