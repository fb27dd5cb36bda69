package server

import (
	"time"

	"rtwline/internal/domain"
)

// Request payloads

type OpenCaseRequest struct {
	ID             string            `json:"id,omitempty" doc:"Case id; generated when empty"`
	OrganizationID string            `json:"organizationId,omitempty"`
	WorkerName     string            `json:"workerName"`
	WorkStatus     string            `json:"workStatus,omitempty" enum:"at_work,modified_duty,off_work"`
	TreatmentPlan  *PlanInputRequest `json:"treatmentPlan,omitempty"`
}

type PlanInputRequest struct {
	StartDate             time.Time `json:"startDate"`
	ExpectedDurationWeeks *int      `json:"expectedDurationWeeks,omitempty" minimum:"1"`
}

type TransitionRequest struct {
	RTWPlanStatus   string `json:"rtwPlanStatus" enum:"not_planned,planned_not_started,in_progress,working_well,failing,on_hold,completed"`
	Reason          string `json:"reason" maxLength:"500" doc:"Why the status is changing"`
	ForceTransition bool   `json:"forceTransition,omitempty" doc:"Bypass the transition table; requires the override capability"`
}

type ExtendPlanRequest struct {
	AdditionalWeeks int    `json:"additionalWeeks" minimum:"1" maximum:"52"`
	Reason          string `json:"reason,omitempty" maxLength:"500"`
}

type DevLoginRequest struct {
	ActorID        string   `json:"actorId"`
	OrganizationID string   `json:"organizationId"`
	Roles          []string `json:"roles,omitempty"`
}

// Response payloads

type TransitionResponse struct {
	CaseID           string   `json:"caseId"`
	PreviousStatus   string   `json:"previousStatus"`
	RTWPlanStatus    string   `json:"rtwPlanStatus"`
	ValidTransitions []string `json:"validTransitions"`
	Forced           bool     `json:"forced"`
	Confirmed        bool     `json:"confirmed"`
}

type ExtendPlanResponse struct {
	CaseID                string     `json:"caseId"`
	PreviousDurationWeeks int        `json:"previousDurationWeeks"`
	NewDurationWeeks      int        `json:"newDurationWeeks"`
	NewTargetEndDate      *time.Time `json:"newTargetEndDate"`
	LastReviewDate        time.Time  `json:"lastReviewDate"`
}

type PlanResponse struct {
	CaseID           string                `json:"caseId"`
	OrganizationID   string                `json:"organizationId"`
	RTWPlanStatus    string                `json:"rtwPlanStatus"`
	ValidTransitions []string              `json:"validTransitions"`
	TreatmentPlan    *domain.TreatmentPlan `json:"treatmentPlan,omitempty"`
	Expiry           ExpiryResponse        `json:"expiry"`
}

type ExpiryResponse struct {
	Classification  string     `json:"classification"`
	TargetEndDate   *time.Time `json:"targetEndDate,omitempty"`
	DaysUntilExpiry *int       `json:"daysUntilExpiry,omitempty"`
	DaysSinceExpiry *int       `json:"daysSinceExpiry,omitempty"`
}

type TransitionTableResponse struct {
	States      []string            `json:"states"`
	Terminal    []string            `json:"terminal"`
	Transitions map[string][]string `json:"transitions"`
}

type AuditEventResponse struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"eventType"`
	ActorID        string    `json:"actorId"`
	OrganizationID string    `json:"organizationId"`
	ResourceType   string    `json:"resourceType"`
	ResourceID     string    `json:"resourceId"`
	Metadata       any       `json:"metadata"`
	OriginAddress  string    `json:"originAddress,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
}

type AuditTrailResponse struct {
	CaseID string               `json:"caseId"`
	Items  []AuditEventResponse `json:"items"`
}

type WhoAmIResponse struct {
	ActorID        string   `json:"actorId"`
	OrganizationID string   `json:"organizationId"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schemaVersion"`
}

func auditEventResponse(evt domain.AuditEvent) AuditEventResponse {
	return AuditEventResponse{
		ID:             evt.ID,
		Timestamp:      evt.TS,
		EventType:      evt.Type,
		ActorID:        evt.ActorID,
		OrganizationID: evt.OrgID,
		ResourceType:   evt.ResourceType,
		ResourceID:     evt.ResourceID,
		Metadata:       evt.Metadata,
		OriginAddress:  evt.OriginAddress,
		ClientID:       evt.ClientID,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
