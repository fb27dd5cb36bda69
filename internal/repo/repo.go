package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/events"
)

type Repo struct {
	DB *sqlx.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost optimistic-concurrency race on a case row.
	ErrConflict = errors.New("concurrent modification")
)

const caseColumns = `id,org_id,worker_name,work_status,rtw_plan_status,has_treatment_plan,plan_start_date,expected_duration_weeks,target_end_date,last_review_date,version,created_at,updated_at`

type caseRow struct {
	ID                    string         `db:"id"`
	OrgID                 string         `db:"org_id"`
	WorkerName            string         `db:"worker_name"`
	WorkStatus            string         `db:"work_status"`
	RTWPlanStatus         string         `db:"rtw_plan_status"`
	HasTreatmentPlan      bool           `db:"has_treatment_plan"`
	PlanStartDate         sql.NullString `db:"plan_start_date"`
	ExpectedDurationWeeks sql.NullInt64  `db:"expected_duration_weeks"`
	TargetEndDate         sql.NullString `db:"target_end_date"`
	LastReviewDate        sql.NullString `db:"last_review_date"`
	Version               int64          `db:"version"`
	CreatedAt             string         `db:"created_at"`
	UpdatedAt             string         `db:"updated_at"`
}

func (r caseRow) toDomain() (domain.Case, error) {
	c := domain.Case{
		ID:            r.ID,
		OrgID:         r.OrgID,
		WorkerName:    r.WorkerName,
		WorkStatus:    r.WorkStatus,
		RTWPlanStatus: domain.PlanStatus(r.RTWPlanStatus),
		Version:       r.Version,
	}
	var err error
	if c.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(r.UpdatedAt); err != nil {
		return c, err
	}
	if !r.HasTreatmentPlan {
		return c, nil
	}
	plan := &domain.TreatmentPlan{}
	if r.PlanStartDate.Valid {
		if plan.StartDate, err = parseTime(r.PlanStartDate.String); err != nil {
			return c, err
		}
	}
	if r.ExpectedDurationWeeks.Valid {
		w := int(r.ExpectedDurationWeeks.Int64)
		plan.ExpectedDurationWeeks = &w
	}
	if plan.TargetEndDate, err = parseNullTime(r.TargetEndDate); err != nil {
		return c, err
	}
	if plan.LastReviewDate, err = parseNullTime(r.LastReviewDate); err != nil {
		return c, err
	}
	c.TreatmentPlan = plan
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sqlx.Tx, c domain.Case) error {
	var (
		hasPlan               bool
		start, target, review any
		weeks                 any
	)
	if p := c.TreatmentPlan; p != nil {
		hasPlan = true
		if !p.StartDate.IsZero() {
			start = formatTime(p.StartDate)
		}
		weeks = nullableIntPtr(p.ExpectedDurationWeeks)
		target = nullableTimePtr(p.TargetEndDate)
		review = nullableTimePtr(p.LastReviewDate)
	}
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(`+caseColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OrgID, c.WorkerName, c.WorkStatus, string(c.RTWPlanStatus), hasPlan, start, weeks, target, review,
		c.Version, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return getCase(ctx, r.DB, id)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Case, error) {
	return getCase(ctx, tx, id)
}

func getCase(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Case, error) {
	var row caseRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Case{}, ErrNotFound
	}
	if err != nil {
		return domain.Case{}, mapBusy(err)
	}
	return row.toDomain()
}

type CaseFilters struct {
	OrgID  string
	Status domain.PlanStatus
	// WithPlan restricts the listing to cases that carry a treatment plan.
	WithPlan bool
	Limit    int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Status != "" {
		clauses = append(clauses, "rtw_plan_status=?")
		args = append(args, string(f.Status))
	}
	if f.WithPlan {
		clauses = append(clauses, "has_treatment_plan=1")
	}
	query := `SELECT ` + caseColumns + ` FROM cases`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []caseRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapBusy(err)
	}
	res := make([]domain.Case, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, nil
}

// CountByStatus returns case counts per plan status for an organization.
// Statuses with no cases are absent from the map.
func (r Repo) CountByStatus(ctx context.Context, orgID string) (map[domain.PlanStatus]int, error) {
	var rows []struct {
		Status string `db:"rtw_plan_status"`
		Count  int    `db:"n"`
	}
	err := r.DB.SelectContext(ctx, &rows, `SELECT rtw_plan_status, COUNT(*) AS n FROM cases WHERE org_id=? GROUP BY rtw_plan_status`, orgID)
	if err != nil {
		return nil, mapBusy(err)
	}
	res := make(map[domain.PlanStatus]int, len(rows))
	for _, row := range rows {
		res[domain.PlanStatus(row.Status)] = row.Count
	}
	return res, nil
}

// UpdatePlanStatus writes a new plan status if the row is still at version.
// A stale version yields ErrConflict and leaves the row untouched.
func (r Repo) UpdatePlanStatus(ctx context.Context, tx *sqlx.Tx, id string, version int64, status domain.PlanStatus, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET rtw_plan_status=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(status), formatTime(now), id, version)
	if err != nil {
		return 0, mapBusy(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}
	return version + 1, nil
}

// UpdateTreatmentPlan rewrites the plan fields under the same version check
// as UpdatePlanStatus.
func (r Repo) UpdateTreatmentPlan(ctx context.Context, tx *sqlx.Tx, id string, version int64, plan domain.TreatmentPlan, now time.Time) (int64, error) {
	var start any
	if !plan.StartDate.IsZero() {
		start = formatTime(plan.StartDate)
	}
	res, err := tx.ExecContext(ctx, `UPDATE cases SET has_treatment_plan=1, plan_start_date=?, expected_duration_weeks=?, target_end_date=?, last_review_date=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		start, nullableIntPtr(plan.ExpectedDurationWeeks), nullableTimePtr(plan.TargetEndDate), nullableTimePtr(plan.LastReviewDate),
		formatTime(now), id, version)
	if err != nil {
		return 0, mapBusy(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrConflict
	}
	return version + 1, nil
}

type auditRow struct {
	ID            int64          `db:"id"`
	TS            string         `db:"ts"`
	Type          string         `db:"type"`
	ActorID       string         `db:"actor_id"`
	OrgID         string         `db:"org_id"`
	ResourceType  string         `db:"resource_type"`
	ResourceID    string         `db:"resource_id"`
	MetadataJSON  string         `db:"metadata_json"`
	OriginAddress sql.NullString `db:"origin_address"`
	ClientID      sql.NullString `db:"client_id"`
}

type AuditFilters struct {
	OrgID      string
	ResourceID string
	Type       string
	// AfterID pages forward from an event id.
	AfterID int64
	Limit   int
}

// ListAuditEvents returns events oldest first, ordered by timestamp then id.
func (r Repo) ListAuditEvents(ctx context.Context, f AuditFilters) ([]domain.AuditEvent, error) {
	var (
		clauses []string
		args    []any
	)
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id=?")
		args = append(args, f.ResourceID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.AfterID)
	}
	query := `SELECT id,ts,type,actor_id,org_id,resource_type,resource_id,metadata_json,origin_address,client_id FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY ts ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []auditRow
	if err := r.DB.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapBusy(err)
	}
	res := make([]domain.AuditEvent, 0, len(rows))
	for _, row := range rows {
		ts, err := parseTime(row.TS)
		if err != nil {
			return nil, err
		}
		md, err := events.DecodeMetadata(row.Type, []byte(row.MetadataJSON))
		if err != nil {
			return nil, err
		}
		res = append(res, domain.AuditEvent{
			ID:            row.ID,
			TS:            ts,
			Type:          row.Type,
			ActorID:       row.ActorID,
			OrgID:         row.OrgID,
			ResourceType:  row.ResourceType,
			ResourceID:    row.ResourceID,
			Metadata:      md,
			OriginAddress: row.OriginAddress.String,
			ClientID:      row.ClientID.String,
		})
	}
	return res, nil
}

func formatTime(t time.Time) string {
	return db.FormatTime(t)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return t, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTimePtr(v *time.Time) any {
	if v == nil {
		return nil
	}
	return formatTime(*v)
}

// mapBusy turns lock contention into ErrConflict so callers retry rather
// than surface an internal error.
func mapBusy(err error) error {
	if db.IsBusy(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// IsConflict reports whether err is a concurrency conflict, including lock
// contention raised while beginning a transaction.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || db.IsBusy(err)
}
