package domain

import "time"

// PlanStatus is the lifecycle state of a case's return-to-work plan.
type PlanStatus string

const (
	StatusNotPlanned        PlanStatus = "not_planned"
	StatusPlannedNotStarted PlanStatus = "planned_not_started"
	StatusInProgress        PlanStatus = "in_progress"
	StatusWorkingWell       PlanStatus = "working_well"
	StatusFailing           PlanStatus = "failing"
	StatusOnHold            PlanStatus = "on_hold"
	StatusCompleted         PlanStatus = "completed"
)

// PlanStatuses lists every state in display order.
var PlanStatuses = []PlanStatus{
	StatusNotPlanned,
	StatusPlannedNotStarted,
	StatusInProgress,
	StatusWorkingWell,
	StatusFailing,
	StatusOnHold,
	StatusCompleted,
}

func (s PlanStatus) Valid() bool {
	for _, known := range PlanStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s PlanStatus) String() string { return string(s) }

// ParsePlanStatus returns a ValidationError for values outside the enumeration.
func ParsePlanStatus(v string) (PlanStatus, error) {
	s := PlanStatus(v)
	if !s.Valid() {
		return "", ValidationError{Field: "rtwPlanStatus", Message: "unknown rtw plan status " + v}
	}
	return s, nil
}

// StatusStrings converts statuses for wire payloads; never returns nil.
func StatusStrings(in []PlanStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

const (
	WorkStatusAtWork       = "at_work"
	WorkStatusModifiedDuty = "modified_duty"
	WorkStatusOffWork      = "off_work"
)

type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// TreatmentPlan is embedded in a Case. TargetEndDate, when set, equals
// StartDate plus ExpectedDurationWeeks weeks.
type TreatmentPlan struct {
	StartDate             time.Time  `json:"startDate"`
	ExpectedDurationWeeks *int       `json:"expectedDurationWeeks,omitempty"`
	TargetEndDate         *time.Time `json:"targetEndDate,omitempty"`
	LastReviewDate        *time.Time `json:"lastReviewDate,omitempty"`
}

type Case struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"organizationId"`
	WorkerName    string         `json:"workerName"`
	WorkStatus    string         `json:"workStatus"`
	RTWPlanStatus PlanStatus     `json:"rtwPlanStatus"`
	TreatmentPlan *TreatmentPlan `json:"treatmentPlan,omitempty"`
	Version       int64          `json:"version"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	OrgID     string    `json:"organizationId"`
	Name      string    `json:"name,omitempty"`
	KeyHash   string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}
