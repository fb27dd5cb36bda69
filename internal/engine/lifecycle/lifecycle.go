// Package lifecycle holds the RTW plan transition table and validates
// transition requests against it. It performs no I/O.
package lifecycle

import (
	"strings"
	"unicode/utf8"

	"rtwline/internal/domain"
	"rtwline/internal/engine/auth"
)

// MaxReasonLength bounds the free-text reason, counted in characters.
const MaxReasonLength = 500

// PermissionForceTransition is the capability required for forced overrides.
const PermissionForceTransition = "rtw_plan.force_transition"

// transitions is the only definition of allowed moves. completed has no exits.
var transitions = map[domain.PlanStatus][]domain.PlanStatus{
	domain.StatusNotPlanned:        {domain.StatusPlannedNotStarted},
	domain.StatusPlannedNotStarted: {domain.StatusInProgress, domain.StatusOnHold, domain.StatusNotPlanned},
	domain.StatusInProgress:        {domain.StatusWorkingWell, domain.StatusFailing, domain.StatusOnHold, domain.StatusCompleted},
	domain.StatusWorkingWell:       {domain.StatusInProgress, domain.StatusCompleted, domain.StatusOnHold},
	domain.StatusFailing:           {domain.StatusInProgress, domain.StatusOnHold, domain.StatusNotPlanned},
	domain.StatusOnHold:            {domain.StatusPlannedNotStarted, domain.StatusInProgress, domain.StatusNotPlanned},
	domain.StatusCompleted:         {},
}

// ValidTransitions returns a copy of the allowed next states for from.
func ValidTransitions(from domain.PlanStatus) []domain.PlanStatus {
	allowed := transitions[from]
	out := make([]domain.PlanStatus, len(allowed))
	copy(out, allowed)
	return out
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to domain.PlanStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no standard transition leaves s.
func IsTerminal(s domain.PlanStatus) bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Table returns the full table keyed by state, for read-only clients.
func Table() map[string][]string {
	out := make(map[string][]string, len(transitions))
	for from, to := range transitions {
		out[string(from)] = domain.StatusStrings(to)
	}
	return out
}

// ValidateReason checks the reason precondition shared by every transition.
func ValidateReason(reason string) error {
	if strings.TrimSpace(reason) == "" {
		return domain.ValidationError{Field: "reason", Message: "reason is required"}
	}
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return domain.ValidationError{Field: "reason", Message: "reason must be at most 500 characters"}
	}
	return nil
}

type Request struct {
	Current   domain.PlanStatus
	Requested domain.PlanStatus
	Reason    string
	Force     bool
	// Admin is whether the caller holds the override capability.
	Admin bool
}

type Outcome struct {
	Previous domain.PlanStatus
	New      domain.PlanStatus
	// Forced is set only when the override bypassed the table.
	Forced bool
	// Confirmed is set when the requested state equals the current one.
	Confirmed bool
}

// Metadata builds the audit payload matching the outcome.
func (o Outcome) Metadata(reason string) domain.AuditMetadata {
	if o.Forced {
		return domain.OverrideMetadata{
			PreviousStatus:      o.Previous,
			NewStatus:           o.New,
			Reason:              reason,
			Forced:              true,
			BypassedTransitions: ValidTransitions(o.Previous),
		}
	}
	return domain.TransitionMetadata{
		PreviousStatus: o.Previous,
		NewStatus:      o.New,
		Reason:         reason,
	}
}

// RequestTransition validates req against the table.
//
// A forced request from a caller without the override capability fails with
// auth.ForbiddenError regardless of the target. completed is terminal even for
// forced requests.
func RequestTransition(req Request) (Outcome, error) {
	if err := ValidateReason(req.Reason); err != nil {
		return Outcome{}, err
	}
	if !req.Requested.Valid() {
		return Outcome{}, domain.ValidationError{Field: "rtwPlanStatus", Message: "unknown rtw plan status " + string(req.Requested)}
	}
	if !req.Current.Valid() {
		return Outcome{}, domain.ValidationError{Field: "currentStatus", Message: "unknown rtw plan status " + string(req.Current)}
	}
	if req.Force && !req.Admin {
		return Outcome{}, auth.ForbiddenError{Permission: PermissionForceTransition}
	}
	out := Outcome{Previous: req.Current, New: req.Requested}
	if req.Requested == req.Current {
		out.Confirmed = true
		return out, nil
	}
	if CanTransition(req.Current, req.Requested) {
		return out, nil
	}
	if IsTerminal(req.Current) || !req.Force {
		return Outcome{}, domain.InvalidTransitionError{
			Current:   req.Current,
			Requested: req.Requested,
			Valid:     ValidTransitions(req.Current),
		}
	}
	out.Forced = true
	return out, nil
}
