package engine

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"rtwline/internal/domain"
	"rtwline/internal/engine/auth"
	"rtwline/internal/engine/clock"
	"rtwline/internal/repo"
)

type CaseSummary struct {
	CaseID        string            `json:"caseId"`
	WorkerName    string            `json:"workerName"`
	WorkStatus    string            `json:"workStatus"`
	RTWPlanStatus domain.PlanStatus `json:"rtwPlanStatus"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func summarize(c domain.Case) CaseSummary {
	return CaseSummary{
		CaseID:        c.ID,
		WorkerName:    c.WorkerName,
		WorkStatus:    c.WorkStatus,
		RTWPlanStatus: c.RTWPlanStatus,
		UpdatedAt:     c.UpdatedAt,
	}
}

type Overview struct {
	OrganizationID   string         `json:"organizationId"`
	TotalCases       int            `json:"totalCases"`
	StatusCounts     map[string]int `json:"statusCounts"`
	CasesNeedingPlan []CaseSummary  `json:"casesNeedingPlan"`
	FailingPlans     []CaseSummary  `json:"failingPlans"`
}

// Overview aggregates an organization's plans. Every status appears in the
// counts, zero when no case holds it.
func (e Engine) Overview(ctx context.Context, orgID string, actor auth.Actor) (Overview, error) {
	if err := actor.Require(auth.PermissionOverviewRead); err != nil {
		return Overview{}, err
	}
	orgID, err := scopeOrg(actor, orgID)
	if err != nil {
		return Overview{}, err
	}
	res := Overview{
		OrganizationID:   orgID,
		StatusCounts:     make(map[string]int, len(domain.PlanStatuses)),
		CasesNeedingPlan: []CaseSummary{},
		FailingPlans:     []CaseSummary{},
	}
	for _, s := range domain.PlanStatuses {
		res.StatusCounts[string(s)] = 0
	}
	err = e.read(ctx, "overview", func(ctx context.Context) error {
		counts, err := e.Repo.CountByStatus(ctx, orgID)
		if err != nil {
			return err
		}
		for s, n := range counts {
			res.StatusCounts[string(s)] = n
			res.TotalCases += n
		}
		needing, err := e.Repo.ListCases(ctx, repo.CaseFilters{OrgID: orgID, Status: domain.StatusNotPlanned})
		if err != nil {
			return err
		}
		for _, c := range needing {
			res.CasesNeedingPlan = append(res.CasesNeedingPlan, summarize(c))
		}
		failing, err := e.Repo.ListCases(ctx, repo.CaseFilters{OrgID: orgID, Status: domain.StatusFailing})
		if err != nil {
			return err
		}
		for _, c := range failing {
			res.FailingPlans = append(res.FailingPlans, summarize(c))
		}
		return nil
	})
	if err != nil {
		return Overview{}, err
	}
	return res, nil
}

type ExpiryItem struct {
	CaseID                string            `json:"caseId"`
	WorkerName            string            `json:"workerName"`
	RTWPlanStatus         domain.PlanStatus `json:"rtwPlanStatus"`
	ExpectedDurationWeeks int               `json:"expectedDurationWeeks"`
	TargetEndDate         time.Time         `json:"targetEndDate"`
	DaysUntilExpiry       *int              `json:"daysUntilExpiry,omitempty"`
	DaysSinceExpiry       *int              `json:"daysSinceExpiry,omitempty"`
}

type ExpiryReport struct {
	OrganizationID string       `json:"organizationId"`
	AsOf           time.Time    `json:"asOf"`
	Expiring       []ExpiryItem `json:"expiring"`
	Expired        []ExpiryItem `json:"expired"`
	TotalAffected  int          `json:"totalAffected"`
}

// ExpiryOverview lists an organization's plans that are expiring soon or
// expired as of asOf. A zero asOf means now.
func (e Engine) ExpiryOverview(ctx context.Context, orgID string, asOf time.Time, actor auth.Actor) (ExpiryReport, error) {
	if err := actor.Require(auth.PermissionOverviewRead); err != nil {
		return ExpiryReport{}, err
	}
	orgID, err := scopeOrg(actor, orgID)
	if err != nil {
		return ExpiryReport{}, err
	}
	if asOf.IsZero() {
		asOf = e.now()
	}
	var report ExpiryReport
	err = e.read(ctx, "expiry_overview", func(ctx context.Context) error {
		var err error
		report, err = e.expiryReport(ctx, orgID, asOf)
		return err
	})
	return report, err
}

func (e Engine) expiryReport(ctx context.Context, orgID string, asOf time.Time) (ExpiryReport, error) {
	report := ExpiryReport{OrganizationID: orgID, AsOf: asOf.UTC(), Expiring: []ExpiryItem{}, Expired: []ExpiryItem{}}
	cases, err := e.Repo.ListCases(ctx, repo.CaseFilters{OrgID: orgID, WithPlan: true})
	if err != nil {
		return report, err
	}
	results := e.evaluateAll(ctx, cases, asOf)
	for i, c := range cases {
		ev := results[i]
		switch ev.Classification {
		case clock.PlanExpiringSoon, clock.PlanExpired:
		default:
			continue
		}
		item := ExpiryItem{
			CaseID:                c.ID,
			WorkerName:            c.WorkerName,
			RTWPlanStatus:         c.RTWPlanStatus,
			ExpectedDurationWeeks: *c.TreatmentPlan.ExpectedDurationWeeks,
			TargetEndDate:         *ev.TargetEnd,
			DaysUntilExpiry:       ev.DaysUntilExpiry,
			DaysSinceExpiry:       ev.DaysSinceExpiry,
		}
		if ev.Classification == clock.PlanExpired {
			report.Expired = append(report.Expired, item)
		} else {
			report.Expiring = append(report.Expiring, item)
		}
	}
	sort.SliceStable(report.Expiring, func(i, j int) bool {
		return *report.Expiring[i].DaysUntilExpiry < *report.Expiring[j].DaysUntilExpiry
	})
	sort.SliceStable(report.Expired, func(i, j int) bool {
		return *report.Expired[i].DaysSinceExpiry > *report.Expired[j].DaysSinceExpiry
	})
	report.TotalAffected = len(report.Expiring) + len(report.Expired)
	return report, nil
}

// evaluateAll classifies each case independently on a bounded worker pool.
// Completed plans are reported as having no active plan.
func (e Engine) evaluateAll(ctx context.Context, cases []domain.Case, asOf time.Time) []clock.Expiry {
	results := make([]clock.Expiry, len(cases))
	workers := 8
	if e.Config != nil {
		workers = e.Config.ScanWorkers()
	}
	lookahead := e.lookahead()
	var g errgroup.Group
	g.SetLimit(workers)
	for i, c := range cases {
		g.Go(func() error {
			if c.RTWPlanStatus == domain.StatusCompleted {
				results[i] = clock.Expiry{Classification: clock.NoActivePlan}
				return nil
			}
			results[i] = clock.EvaluateTreatmentPlan(c.TreatmentPlan, asOf, lookahead)
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		e.Metrics.Expiry(ctx, string(r.Classification))
	}
	return results
}

type SweepResult struct {
	AsOf          time.Time `json:"asOf"`
	Organizations int       `json:"organizations"`
	Expiring      int       `json:"expiring"`
	Expired       int       `json:"expired"`
}

// SweepExpiry evaluates every organization's plans and logs those needing
// attention. It is driven by the compliance task runner.
func (e Engine) SweepExpiry(ctx context.Context, asOf time.Time) (SweepResult, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	res := SweepResult{AsOf: asOf.UTC()}
	err := e.read(ctx, "sweep_expiry", func(ctx context.Context) error {
		orgs, err := e.Repo.ListOrgs(ctx)
		if err != nil {
			return err
		}
		for _, org := range orgs {
			report, err := e.expiryReport(ctx, org.ID, asOf)
			if err != nil {
				return err
			}
			res.Organizations++
			res.Expiring += len(report.Expiring)
			res.Expired += len(report.Expired)
			for _, item := range report.Expired {
				e.logger().Warn("treatment plan expired", "org_id", org.ID, "case_id", item.CaseID, "days_since_expiry", *item.DaysSinceExpiry)
			}
			if len(report.Expiring) > 0 {
				e.logger().Info("treatment plans expiring soon", "org_id", org.ID, "count", len(report.Expiring))
			}
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, err
	}
	return res, nil
}
