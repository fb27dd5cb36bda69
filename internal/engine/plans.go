package engine

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/domain"
	"rtwline/internal/engine/auth"
	"rtwline/internal/engine/clock"
	"rtwline/internal/engine/lifecycle"
	"rtwline/internal/events"
)

type ChangeStatusRequest struct {
	CaseID          string
	OrganizationID  string
	RequestedStatus domain.PlanStatus
	Reason          string
	Force           bool
	Actor           auth.Actor
	Provenance      events.Provenance
}

type StatusChange struct {
	CaseID           string              `json:"caseId"`
	PreviousStatus   domain.PlanStatus   `json:"previousStatus"`
	RTWPlanStatus    domain.PlanStatus   `json:"rtwPlanStatus"`
	ValidTransitions []domain.PlanStatus `json:"validTransitions"`
	Forced           bool                `json:"forced"`
	Confirmed        bool                `json:"confirmed"`
	Version          int64               `json:"version"`
	AuditEventID     int64               `json:"auditEventId"`
}

// ChangeStatus is the only writer of a case's RTW plan status. It loads the
// case, validates the request against the transition table, persists with a
// version check and records exactly one audit event in the same transaction.
func (e Engine) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (StatusChange, error) {
	canForce := req.Actor.Can(lifecycle.PermissionForceTransition)
	if req.Force && !canForce {
		return StatusChange{}, auth.ForbiddenError{Permission: lifecycle.PermissionForceTransition}
	}
	if err := req.Actor.Require(auth.PermissionTransition); err != nil {
		return StatusChange{}, err
	}
	var res StatusChange
	err := e.inTx(ctx, "change_status", func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := e.loadCase(ctx, tx, req.CaseID, req.OrganizationID, req.Actor)
		if err != nil {
			return err
		}
		out, err := lifecycle.RequestTransition(lifecycle.Request{
			Current:   c.RTWPlanStatus,
			Requested: req.RequestedStatus,
			Reason:    req.Reason,
			Force:     req.Force,
			Admin:     canForce,
		})
		if err != nil {
			return err
		}
		version, err := e.Repo.UpdatePlanStatus(ctx, tx, c.ID, c.Version, out.New, e.now())
		if err != nil {
			return fmt.Errorf("persist rtw plan status: %w", err)
		}
		eventID, err := e.audit(ctx, tx, events.Record{
			ActorID:      req.Actor.ID,
			OrgID:        c.OrgID,
			ResourceType: domain.ResourceCase,
			ResourceID:   c.ID,
			Metadata:     out.Metadata(req.Reason),
			Provenance:   req.Provenance,
		})
		if err != nil {
			return err
		}
		res = StatusChange{
			CaseID:           c.ID,
			PreviousStatus:   out.Previous,
			RTWPlanStatus:    out.New,
			ValidTransitions: lifecycle.ValidTransitions(out.New),
			Forced:           out.Forced,
			Confirmed:        out.Confirmed,
			Version:          version,
			AuditEventID:     eventID,
		}
		return nil
	})
	if err != nil {
		e.Metrics.Transition(ctx, "", string(req.RequestedStatus), "rejected")
		return StatusChange{}, err
	}
	outcome := "transitioned"
	switch {
	case res.Forced:
		outcome = "overridden"
		e.logger().Warn("rtw plan override", "case_id", res.CaseID, "from", res.PreviousStatus, "to", res.RTWPlanStatus, "actor_id", req.Actor.ID)
	case res.Confirmed:
		outcome = "confirmed"
	}
	e.Metrics.Transition(ctx, string(res.PreviousStatus), string(res.RTWPlanStatus), outcome)
	e.logger().Info("rtw plan status changed", "case_id", res.CaseID, "from", res.PreviousStatus, "to", res.RTWPlanStatus, "outcome", outcome)
	return res, nil
}

type ExtendPlanRequest struct {
	CaseID          string
	OrganizationID  string
	AdditionalWeeks int
	Reason          string
	Actor           auth.Actor
	Provenance      events.Provenance
}

type PlanExtension struct {
	CaseID                string     `json:"caseId"`
	PreviousDurationWeeks int        `json:"previousDurationWeeks"`
	NewDurationWeeks      int        `json:"newDurationWeeks"`
	PreviousTargetEndDate *time.Time `json:"previousTargetEndDate,omitempty"`
	NewTargetEndDate      *time.Time `json:"newTargetEndDate"`
	LastReviewDate        time.Time  `json:"lastReviewDate"`
	AuditEventID          int64      `json:"auditEventId"`
}

// ExtendPlan lengthens a case's treatment plan. It does not touch the RTW
// plan status.
func (e Engine) ExtendPlan(ctx context.Context, req ExtendPlanRequest) (PlanExtension, error) {
	if err := clock.ValidateExtension(req.AdditionalWeeks); err != nil {
		return PlanExtension{}, err
	}
	if utf8.RuneCountInString(req.Reason) > lifecycle.MaxReasonLength {
		return PlanExtension{}, domain.ValidationError{Field: "reason", Message: "reason must be at most 500 characters"}
	}
	if err := req.Actor.Require(auth.PermissionExtend); err != nil {
		return PlanExtension{}, err
	}
	var res PlanExtension
	err := e.inTx(ctx, "extend_plan", func(ctx context.Context, tx *sqlx.Tx) error {
		c, err := e.loadCase(ctx, tx, req.CaseID, req.OrganizationID, req.Actor)
		if err != nil {
			return err
		}
		if c.TreatmentPlan == nil {
			return domain.ValidationError{Field: "treatmentPlan", Message: "case has no treatment plan to extend"}
		}
		plan := *c.TreatmentPlan
		current := 0
		if plan.ExpectedDurationWeeks != nil {
			current = *plan.ExpectedDurationWeeks
		}
		ext, err := clock.ExtendPlan(current, req.AdditionalWeeks, plan.TargetEndDate)
		if err != nil {
			return err
		}
		now := e.now()
		ext.Apply(&plan, now)
		if _, err := e.Repo.UpdateTreatmentPlan(ctx, tx, c.ID, c.Version, plan, now); err != nil {
			return fmt.Errorf("persist treatment plan: %w", err)
		}
		eventID, err := e.audit(ctx, tx, events.Record{
			ActorID:      req.Actor.ID,
			OrgID:        c.OrgID,
			ResourceType: domain.ResourceTreatmentPlan,
			ResourceID:   c.ID,
			Metadata:     ext.Metadata(req.Reason),
			Provenance:   req.Provenance,
		})
		if err != nil {
			return err
		}
		res = PlanExtension{
			CaseID:                c.ID,
			PreviousDurationWeeks: ext.PreviousDurationWeeks,
			NewDurationWeeks:      ext.NewDurationWeeks,
			PreviousTargetEndDate: ext.PreviousTargetEnd,
			NewTargetEndDate:      ext.NewTargetEnd,
			LastReviewDate:        now,
			AuditEventID:          eventID,
		}
		return nil
	})
	if err != nil {
		return PlanExtension{}, err
	}
	e.Metrics.Extension(ctx, req.AdditionalWeeks)
	e.logger().Info("treatment plan extended", "case_id", res.CaseID, "weeks", res.NewDurationWeeks, "actor_id", req.Actor.ID)
	return res, nil
}

type PlanView struct {
	CaseID           string                `json:"caseId"`
	OrganizationID   string                `json:"organizationId"`
	RTWPlanStatus    domain.PlanStatus     `json:"rtwPlanStatus"`
	ValidTransitions []domain.PlanStatus   `json:"validTransitions"`
	TreatmentPlan    *domain.TreatmentPlan `json:"treatmentPlan,omitempty"`
	Expiry           clock.Expiry          `json:"expiry"`
	Version          int64                 `json:"version"`
}

// GetPlan reads a case's plan status, its valid next states and the expiry
// classification as of now.
func (e Engine) GetPlan(ctx context.Context, caseID, orgID string, actor auth.Actor) (PlanView, error) {
	c, err := e.GetCase(ctx, caseID, orgID, actor)
	if err != nil {
		return PlanView{}, err
	}
	return PlanView{
		CaseID:           c.ID,
		OrganizationID:   c.OrgID,
		RTWPlanStatus:    c.RTWPlanStatus,
		ValidTransitions: lifecycle.ValidTransitions(c.RTWPlanStatus),
		TreatmentPlan:    c.TreatmentPlan,
		Expiry:           clock.EvaluateTreatmentPlan(c.TreatmentPlan, e.now(), e.lookahead()),
		Version:          c.Version,
	}, nil
}
