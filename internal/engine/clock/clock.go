// Package clock computes treatment plan deadlines and expiry classifications.
// Every function is pure.
package clock

import (
	"time"

	"rtwline/internal/domain"
)

const (
	day  = 24 * time.Hour
	week = 7 * day
)

// MinExtensionWeeks and MaxExtensionWeeks bound a single plan extension.
const (
	MinExtensionWeeks = 1
	MaxExtensionWeeks = 52
)

// DefaultLookahead is the expiring-soon window when none is configured.
const DefaultLookahead = 7 * day

type Classification string

const (
	NoActivePlan     Classification = "no_active_plan"
	OnTrack          Classification = "on_track"
	PlanExpiringSoon Classification = "plan_expiring_soon"
	PlanExpired      Classification = "plan_expired"
)

// Expiry is the result of EvaluatePlanExpiry. Exactly one of DaysUntilExpiry
// and DaysSinceExpiry is set unless the classification is NoActivePlan.
type Expiry struct {
	Classification  Classification `json:"classification"`
	TargetEnd       *time.Time     `json:"targetEndDate,omitempty"`
	DaysUntilExpiry *int           `json:"daysUntilExpiry,omitempty"`
	DaysSinceExpiry *int           `json:"daysSinceExpiry,omitempty"`
}

// TargetEnd returns start plus weeks whole weeks.
func TargetEnd(start time.Time, weeks int) time.Time {
	return start.Add(time.Duration(weeks) * week)
}

// wholeDays truncates toward zero.
func wholeDays(d time.Duration) int {
	return int(d / day)
}

// EvaluatePlanExpiry classifies a plan starting at start with the given
// expected duration as of asOf. A nil or non-positive duration means there is
// no active plan.
func EvaluatePlanExpiry(start time.Time, expectedDurationWeeks *int, asOf time.Time, lookahead time.Duration) Expiry {
	if expectedDurationWeeks == nil || *expectedDurationWeeks <= 0 || start.IsZero() {
		return Expiry{Classification: NoActivePlan}
	}
	target := TargetEnd(start, *expectedDurationWeeks)
	res := Expiry{TargetEnd: &target}
	if asOf.After(target) {
		since := wholeDays(asOf.Sub(target))
		res.Classification = PlanExpired
		res.DaysSinceExpiry = &since
		return res
	}
	remaining := target.Sub(asOf)
	until := wholeDays(remaining)
	res.DaysUntilExpiry = &until
	if remaining > lookahead {
		res.Classification = OnTrack
	} else {
		res.Classification = PlanExpiringSoon
	}
	return res
}

// EvaluateTreatmentPlan is EvaluatePlanExpiry over an optional plan record.
func EvaluateTreatmentPlan(plan *domain.TreatmentPlan, asOf time.Time, lookahead time.Duration) Expiry {
	if plan == nil {
		return Expiry{Classification: NoActivePlan}
	}
	return EvaluatePlanExpiry(plan.StartDate, plan.ExpectedDurationWeeks, asOf, lookahead)
}

type Extension struct {
	PreviousDurationWeeks int
	NewDurationWeeks      int
	AdditionalWeeks       int
	PreviousTargetEnd     *time.Time
	NewTargetEnd          *time.Time
}

// ValidateExtension checks the additional weeks precondition.
func ValidateExtension(additionalWeeks int) error {
	if additionalWeeks < MinExtensionWeeks || additionalWeeks > MaxExtensionWeeks {
		return domain.ValidationError{Field: "additionalWeeks", Message: "additionalWeeks must be between 1 and 52"}
	}
	return nil
}

// ExtendPlan lengthens a plan by additionalWeeks. The target end moves by the
// same amount when one exists and stays unset otherwise.
func ExtendPlan(currentDurationWeeks, additionalWeeks int, currentTargetEnd *time.Time) (Extension, error) {
	if err := ValidateExtension(additionalWeeks); err != nil {
		return Extension{}, err
	}
	ext := Extension{
		PreviousDurationWeeks: currentDurationWeeks,
		NewDurationWeeks:      currentDurationWeeks + additionalWeeks,
		AdditionalWeeks:       additionalWeeks,
	}
	if currentTargetEnd != nil {
		prev := *currentTargetEnd
		next := prev.Add(time.Duration(additionalWeeks) * week)
		ext.PreviousTargetEnd = &prev
		ext.NewTargetEnd = &next
	}
	return ext, nil
}

// Apply writes the extension onto plan and stamps the review date.
func (e Extension) Apply(plan *domain.TreatmentPlan, reviewedAt time.Time) {
	weeks := e.NewDurationWeeks
	plan.ExpectedDurationWeeks = &weeks
	plan.TargetEndDate = e.NewTargetEnd
	plan.LastReviewDate = &reviewedAt
}

// Metadata builds the audit payload for the extension.
func (e Extension) Metadata(reason string) domain.ExtensionMetadata {
	return domain.ExtensionMetadata{
		PreviousDurationWeeks: e.PreviousDurationWeeks,
		NewDurationWeeks:      e.NewDurationWeeks,
		AdditionalWeeks:       e.AdditionalWeeks,
		PreviousTargetEndDate: e.PreviousTargetEnd,
		NewTargetEndDate:      e.NewTargetEnd,
		Reason:                reason,
	}
}
