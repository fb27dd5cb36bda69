package domain

import (
	"fmt"
	"strings"
)

// ValidationError reports malformed input on a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidTransitionError carries the allowed set so callers can self-correct.
type InvalidTransitionError struct {
	Current   PlanStatus
	Requested PlanStatus
	Valid     []PlanStatus
}

func (e InvalidTransitionError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("invalid rtw plan transition %s -> %s: %s is terminal", e.Current, e.Requested, e.Current)
	}
	return fmt.Sprintf("invalid rtw plan transition %s -> %s (allowed: %s)",
		e.Current, e.Requested, strings.Join(StatusStrings(e.Valid), ", "))
}
