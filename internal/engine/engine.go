package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rtwline/internal/config"
	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/engine/auth"
	"rtwline/internal/engine/clock"
	"rtwline/internal/events"
	"rtwline/internal/repo"
	"rtwline/internal/telemetry"
)

const tracerScope = "rtwline/engine"

// ErrStoreTimeout reports that a store round trip exceeded the configured
// timeout. The transaction was rolled back.
var ErrStoreTimeout = errors.New("store timeout")

// AuditWriteError means the audit event could not be recorded, so the state
// change that required it was rolled back.
type AuditWriteError struct {
	EventType string
	Err       error
}

func (e AuditWriteError) Error() string {
	return fmt.Sprintf("audit write %s failed: %v", e.EventType, e.Err)
}

func (e AuditWriteError) Unwrap() error { return e.Err }

type Engine struct {
	DB      *sqlx.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	Now     func() time.Time
}

func New(conn *sqlx.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default("")
	}
	return Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{},
		Auth:   auth.Service{DB: conn, Config: cfg},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) lookahead() time.Duration {
	if e.Config == nil {
		return clock.DefaultLookahead
	}
	return e.Config.Lookahead()
}

func (e Engine) storeTimeout() time.Duration {
	if e.Config == nil {
		return 5 * time.Second
	}
	return e.Config.StoreTimeout()
}

// inTx runs fn in one transaction under the store timeout, inside a span.
func (e Engine) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	start := time.Now()
	ctx, span := telemetry.Tracer(tracerScope).Start(ctx, "engine."+op)
	defer span.End()
	err := e.runTx(ctx, fn)
	e.Metrics.Observe(ctx, op, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if repo.IsConflict(err) {
			e.Metrics.Conflict(ctx, op)
		}
	}
	return err
}

func (e Engine) runTx(ctx context.Context, fn func(ctx context.Context, tx *sqlx.Tx) error) error {
	tctx, cancel := context.WithTimeout(ctx, e.storeTimeout())
	defer cancel()
	tx, err := e.DB.BeginTxx(tctx, nil)
	if err != nil {
		return storeErr(ctx, tctx, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()
	if err := fn(tctx, tx); err != nil {
		return storeErr(ctx, tctx, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(ctx, tctx, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// read runs a query under the store timeout without a transaction.
func (e Engine) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := telemetry.Tracer(tracerScope).Start(ctx, "engine."+op, trace.WithAttributes(attribute.Bool("read_only", true)))
	defer span.End()
	tctx, cancel := context.WithTimeout(ctx, e.storeTimeout())
	defer cancel()
	err := fn(tctx)
	if err != nil {
		err = storeErr(ctx, tctx, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.Metrics.Observe(ctx, op, start, err)
	return err
}

func storeErr(parent, tctx context.Context, err error) error {
	var aw AuditWriteError
	if errors.As(err, &aw) {
		return err
	}
	if parent.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreTimeout, err)
	}
	if db.IsBusy(err) && !errors.Is(err, repo.ErrConflict) {
		return fmt.Errorf("%w: %v", repo.ErrConflict, err)
	}
	return err
}

func (e Engine) audit(ctx context.Context, tx *sqlx.Tx, rec events.Record) (int64, error) {
	id, err := e.Events.Append(ctx, tx, rec)
	if err != nil {
		e.Metrics.AuditFailure(ctx, rec.Metadata.EventType())
		e.logger().Error("audit write failed", "event_type", rec.Metadata.EventType(), "resource_id", rec.ResourceID, "err", err)
		return 0, AuditWriteError{EventType: rec.Metadata.EventType(), Err: err}
	}
	return id, nil
}

// scopeOrg resolves the organization a request targets. Non-admins only see
// their own organization; anything else reads as not found.
func scopeOrg(actor auth.Actor, orgID string) (string, error) {
	if orgID == "" {
		orgID = actor.OrgID
	}
	if orgID == "" {
		return "", domain.ValidationError{Field: "organizationId", Message: "organization is required"}
	}
	if !actor.Admin() && orgID != actor.OrgID {
		return "", fmt.Errorf("organization %s: %w", orgID, repo.ErrNotFound)
	}
	return orgID, nil
}

// loadCase reads a case and applies organization scoping. Admins bypass the
// scope check but never the existence check.
func (e Engine) loadCase(ctx context.Context, q sqlx.QueryerContext, caseID, orgID string, actor auth.Actor) (domain.Case, error) {
	if strings.TrimSpace(caseID) == "" {
		return domain.Case{}, domain.ValidationError{Field: "caseId", Message: "case id is required"}
	}
	var (
		c   domain.Case
		err error
	)
	if tx, ok := q.(*sqlx.Tx); ok {
		c, err = e.Repo.GetCaseTx(ctx, tx, caseID)
	} else {
		c, err = e.Repo.GetCase(ctx, caseID)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Case{}, fmt.Errorf("case %s: %w", caseID, repo.ErrNotFound)
		}
		return domain.Case{}, err
	}
	if actor.Admin() {
		return c, nil
	}
	if c.OrgID != actor.OrgID || (orgID != "" && orgID != c.OrgID) {
		return domain.Case{}, fmt.Errorf("case %s: %w", caseID, repo.ErrNotFound)
	}
	return c, nil
}

// PlanInput describes the treatment plan a case opens with.
type PlanInput struct {
	StartDate             time.Time
	ExpectedDurationWeeks *int
}

type OpenCaseRequest struct {
	ID             string
	OrganizationID string
	WorkerName     string
	WorkStatus     string
	TreatmentPlan  *PlanInput
	Actor          auth.Actor
	Provenance     events.Provenance
}

// OpenCase creates a case in not_planned. Intake itself lives elsewhere; this
// is the minimal entry point for seeding cases.
func (e Engine) OpenCase(ctx context.Context, req OpenCaseRequest) (domain.Case, error) {
	if err := req.Actor.Require(auth.PermissionOpenCase); err != nil {
		return domain.Case{}, err
	}
	orgID, err := scopeOrg(req.Actor, req.OrganizationID)
	if err != nil {
		return domain.Case{}, err
	}
	if strings.TrimSpace(req.WorkerName) == "" {
		return domain.Case{}, domain.ValidationError{Field: "workerName", Message: "worker name is required"}
	}
	workStatus := req.WorkStatus
	switch workStatus {
	case "":
		workStatus = domain.WorkStatusOffWork
	case domain.WorkStatusAtWork, domain.WorkStatusModifiedDuty, domain.WorkStatusOffWork:
	default:
		return domain.Case{}, domain.ValidationError{Field: "workStatus", Message: "unknown work status " + workStatus}
	}
	now := e.now()
	c := domain.Case{
		ID:            req.ID,
		OrgID:         orgID,
		WorkerName:    strings.TrimSpace(req.WorkerName),
		WorkStatus:    workStatus,
		RTWPlanStatus: domain.StatusNotPlanned,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if p := req.TreatmentPlan; p != nil {
		if p.StartDate.IsZero() {
			return domain.Case{}, domain.ValidationError{Field: "treatmentPlan.startDate", Message: "start date is required"}
		}
		plan := &domain.TreatmentPlan{StartDate: p.StartDate.UTC()}
		if w := p.ExpectedDurationWeeks; w != nil {
			if *w < 0 {
				return domain.Case{}, domain.ValidationError{Field: "treatmentPlan.expectedDurationWeeks", Message: "expected duration must not be negative"}
			}
			weeks := *w
			plan.ExpectedDurationWeeks = &weeks
			if weeks > 0 {
				target := clock.TargetEnd(plan.StartDate, weeks)
				plan.TargetEndDate = &target
			}
		}
		c.TreatmentPlan = plan
	}

	err = e.inTx(ctx, "open_case", func(ctx context.Context, tx *sqlx.Tx) error {
		orgName := ""
		if e.Config != nil && e.Config.Organization.ID == orgID {
			orgName = e.Config.Organization.Name
		}
		if err := e.Repo.EnsureOrg(ctx, tx, orgID, orgName, now); err != nil {
			return fmt.Errorf("ensure organization: %w", err)
		}
		if err := e.Repo.InsertCase(ctx, tx, c); err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		md := domain.CaseOpenedMetadata{RTWPlanStatus: c.RTWPlanStatus, WorkStatus: c.WorkStatus}
		if c.TreatmentPlan != nil {
			md.ExpectedDurationWeeks = c.TreatmentPlan.ExpectedDurationWeeks
			md.TargetEndDate = c.TreatmentPlan.TargetEndDate
		}
		_, err := e.audit(ctx, tx, events.Record{
			ActorID:      req.Actor.ID,
			OrgID:        orgID,
			ResourceType: domain.ResourceCase,
			ResourceID:   c.ID,
			Metadata:     md,
			Provenance:   req.Provenance,
		})
		return err
	})
	if err != nil {
		return domain.Case{}, err
	}
	e.logger().Info("case opened", "case_id", c.ID, "org_id", orgID, "actor_id", req.Actor.ID)
	return c, nil
}

// GetCase returns a case visible to actor.
func (e Engine) GetCase(ctx context.Context, caseID, orgID string, actor auth.Actor) (domain.Case, error) {
	var c domain.Case
	err := e.read(ctx, "get_case", func(ctx context.Context) error {
		var err error
		c, err = e.loadCase(ctx, e.DB, caseID, orgID, actor)
		return err
	})
	return c, err
}

// AuditTrail returns a case's events in recorded order.
func (e Engine) AuditTrail(ctx context.Context, caseID, orgID string, actor auth.Actor) ([]domain.AuditEvent, error) {
	if err := actor.Require(auth.PermissionAuditRead); err != nil {
		return nil, err
	}
	var res []domain.AuditEvent
	err := e.read(ctx, "audit_trail", func(ctx context.Context) error {
		c, err := e.loadCase(ctx, e.DB, caseID, orgID, actor)
		if err != nil {
			return err
		}
		res, err = e.Repo.ListAuditEvents(ctx, repo.AuditFilters{OrgID: c.OrgID, ResourceID: c.ID})
		return err
	})
	return res, err
}

// GrantRole assigns role to actorID in orgID, creating both if needed.
func (e Engine) GrantRole(ctx context.Context, orgID, actorID, role string) error {
	return e.inTx(ctx, "grant_role", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := e.Repo.EnsureOrg(ctx, tx, orgID, "", e.now()); err != nil {
			return err
		}
		return e.Auth.GrantRole(ctx, tx, orgID, actorID, role)
	})
}

func (e Engine) RevokeRole(ctx context.Context, orgID, actorID, role string) error {
	return e.inTx(ctx, "revoke_role", func(ctx context.Context, tx *sqlx.Tx) error {
		return e.Auth.RevokeRole(ctx, tx, orgID, actorID, role)
	})
}

// CreateAPIKey issues a new key for actorID. The plaintext key is returned
// once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, orgID, actorID, name string) (string, domain.APIKey, error) {
	if strings.TrimSpace(actorID) == "" {
		return "", domain.APIKey{}, domain.ValidationError{Field: "actorId", Message: "actor id is required"}
	}
	if strings.TrimSpace(orgID) == "" {
		return "", domain.APIKey{}, domain.ValidationError{Field: "organizationId", Message: "organization is required"}
	}
	plain := "rtw_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		OrgID:     orgID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(plain),
		CreatedAt: e.now(),
	}
	err := e.inTx(ctx, "create_api_key", func(ctx context.Context, tx *sqlx.Tx) error {
		if err := e.Repo.EnsureOrg(ctx, tx, orgID, "", key.CreatedAt); err != nil {
			return err
		}
		if err := e.Auth.EnsureActor(ctx, tx, actorID); err != nil {
			return err
		}
		return e.Repo.InsertAPIKey(ctx, tx, key)
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return plain, key, nil
}
