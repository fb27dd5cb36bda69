package domain

import "time"

// Audit event types. The set is closed; each type has exactly one metadata shape.
const (
	EventCaseOpened        = "case.opened"
	EventPlanTransitioned  = "rtw_plan.transitioned"
	EventPlanConfirmed     = "rtw_plan.confirmed"
	EventPlanOverridden    = "rtw_plan.overridden"
	EventTreatmentExtended = "treatment_plan.extended"
)

const (
	ResourceCase          = "case"
	ResourceTreatmentPlan = "treatment_plan"
)

// AuditMetadata is implemented only by the metadata variants below.
type AuditMetadata interface {
	EventType() string
	auditMetadata()
}

// TransitionMetadata backs rtw_plan.transitioned and rtw_plan.confirmed.
type TransitionMetadata struct {
	PreviousStatus PlanStatus `json:"previousStatus"`
	NewStatus      PlanStatus `json:"newStatus"`
	Reason         string     `json:"reason"`
	Forced         bool       `json:"forced"`
}

func (m TransitionMetadata) EventType() string {
	if m.PreviousStatus == m.NewStatus {
		return EventPlanConfirmed
	}
	return EventPlanTransitioned
}

func (TransitionMetadata) auditMetadata() {}

// OverrideMetadata backs rtw_plan.overridden. BypassedTransitions is the
// allowed set the override ignored.
type OverrideMetadata struct {
	PreviousStatus      PlanStatus   `json:"previousStatus"`
	NewStatus           PlanStatus   `json:"newStatus"`
	Reason              string       `json:"reason"`
	Forced              bool         `json:"forced"`
	BypassedTransitions []PlanStatus `json:"bypassedTransitions"`
}

func (OverrideMetadata) EventType() string { return EventPlanOverridden }
func (OverrideMetadata) auditMetadata()    {}

type ExtensionMetadata struct {
	PreviousDurationWeeks int        `json:"previousDurationWeeks"`
	NewDurationWeeks      int        `json:"newDurationWeeks"`
	AdditionalWeeks       int        `json:"additionalWeeks"`
	PreviousTargetEndDate *time.Time `json:"previousTargetEndDate,omitempty"`
	NewTargetEndDate      *time.Time `json:"newTargetEndDate,omitempty"`
	Reason                string     `json:"reason,omitempty"`
}

func (ExtensionMetadata) EventType() string { return EventTreatmentExtended }
func (ExtensionMetadata) auditMetadata()    {}

type CaseOpenedMetadata struct {
	RTWPlanStatus         PlanStatus `json:"rtwPlanStatus"`
	WorkStatus            string     `json:"workStatus"`
	ExpectedDurationWeeks *int       `json:"expectedDurationWeeks,omitempty"`
	TargetEndDate         *time.Time `json:"targetEndDate,omitempty"`
}

func (CaseOpenedMetadata) EventType() string { return EventCaseOpened }
func (CaseOpenedMetadata) auditMetadata()    {}

// AuditEvent is an immutable record of a state-changing action.
type AuditEvent struct {
	ID            int64         `json:"id"`
	TS            time.Time     `json:"timestamp"`
	Type          string        `json:"eventType"`
	ActorID       string        `json:"actorId"`
	OrgID         string        `json:"organizationId"`
	ResourceType  string        `json:"resourceType"`
	ResourceID    string        `json:"resourceId"`
	Metadata      AuditMetadata `json:"metadata"`
	OriginAddress string        `json:"originAddress,omitempty"`
	ClientID      string        `json:"clientId,omitempty"`
}
