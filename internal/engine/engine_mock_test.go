package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/config"
	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/repo"
)

var caseCols = []string{
	"id", "org_id", "worker_name", "work_status", "rtw_plan_status", "has_treatment_plan", "plan_start_date",
	"expected_duration_weeks", "target_end_date", "last_review_date", "version", "created_at", "updated_at",
}

func newMockEngine(t *testing.T) (engine.Engine, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	conn := sqlx.NewDb(mockDB, "sqlite")
	eng := engine.New(conn, config.Default("org-1"))
	eng.Now = func() time.Time { return fixedNow }
	return eng, mock
}

func mockActor(cfg *config.Config) auth.Actor {
	return auth.Actor{ID: "alice", OrgID: "org-1", Permissions: auth.ResolvePermissions(cfg, []string{"case_manager"})}
}

func caseRow(status domain.PlanStatus, version int64) *sqlmock.Rows {
	ts := db.FormatTime(fixedNow)
	return sqlmock.NewRows(caseCols).
		AddRow("case-1", "org-1", "Jordan Lee", "off_work", string(status), int64(0), nil, nil, nil, nil, version, ts, ts)
}

func TestAuditInsertFailureRollsBack(t *testing.T) {
	eng, mock := newMockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM cases WHERE id=\?`).WithArgs("case-1").
		WillReturnRows(caseRow(domain.StatusInProgress, 3))
	mock.ExpectExec(`UPDATE cases SET rtw_plan_status=\?`).
		WithArgs("completed", sqlmock.AnyArg(), "case-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_events`).WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := eng.ChangeStatus(context.Background(), engine.ChangeStatusRequest{
		CaseID:          "case-1",
		RequestedStatus: domain.StatusCompleted,
		Reason:          "worker fully recovered",
		Actor:           mockActor(eng.Config),
	})
	var auditErr engine.AuditWriteError
	require.ErrorAs(t, err, &auditErr)
	assert.Equal(t, domain.EventPlanTransitioned, auditErr.EventType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStaleVersionIsConflict(t *testing.T) {
	eng, mock := newMockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM cases WHERE id=\?`).WithArgs("case-1").
		WillReturnRows(caseRow(domain.StatusInProgress, 3))
	mock.ExpectExec(`UPDATE cases SET rtw_plan_status=\?`).
		WithArgs("working_well", sqlmock.AnyArg(), "case-1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := eng.ChangeStatus(context.Background(), engine.ChangeStatusRequest{
		CaseID:          "case-1",
		RequestedStatus: domain.StatusWorkingWell,
		Reason:          "weekly review",
		Actor:           mockActor(eng.Config),
	})
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBusyStoreIsConflict(t *testing.T) {
	eng, mock := newMockEngine(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked (5) (SQLITE_BUSY)"))

	_, err := eng.ChangeStatus(context.Background(), engine.ChangeStatusRequest{
		CaseID:          "case-1",
		RequestedStatus: domain.StatusWorkingWell,
		Reason:          "weekly review",
		Actor:           mockActor(eng.Config),
	})
	assert.ErrorIs(t, err, repo.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTimeout(t *testing.T) {
	eng, mock := newMockEngine(t)
	eng.Config.Store.Timeout = "20ms"
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM cases WHERE id=\?`).WithArgs("case-1").
		WillDelayFor(200 * time.Millisecond).
		WillReturnRows(caseRow(domain.StatusInProgress, 3))
	mock.ExpectRollback()

	_, err := eng.ChangeStatus(context.Background(), engine.ChangeStatusRequest{
		CaseID:          "case-1",
		RequestedStatus: domain.StatusWorkingWell,
		Reason:          "weekly review",
		Actor:           mockActor(eng.Config),
	})
	assert.ErrorIs(t, err, engine.ErrStoreTimeout)
}
