package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/events"
	"rtwline/internal/migrate"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	return Repo{DB: conn}, ctx
}

func withTx(t *testing.T, r Repo, ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	t.Helper()
	tx, err := r.DB.BeginTxx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func seedCase(t *testing.T, r Repo, ctx context.Context, plan *domain.TreatmentPlan) domain.Case {
	t.Helper()
	c := domain.Case{
		ID:            "case-1",
		OrgID:         "org-1",
		WorkerName:    "Jordan Lee",
		WorkStatus:    domain.WorkStatusOffWork,
		RTWPlanStatus: domain.StatusNotPlanned,
		TreatmentPlan: plan,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, withTx(t, r, ctx, func(tx *sqlx.Tx) error {
		if err := r.EnsureOrg(ctx, tx, "org-1", "Acme", now); err != nil {
			return err
		}
		return r.InsertCase(ctx, tx, c)
	}))
	return c
}

func TestCaseRoundTripWithPlan(t *testing.T) {
	r, ctx := newTestRepo(t)
	weeks := 8
	target := now.AddDate(0, 0, 56)
	seedCase(t, r, ctx, &domain.TreatmentPlan{StartDate: now, ExpectedDurationWeeks: &weeks, TargetEndDate: &target})

	got, err := r.GetCase(ctx, "case-1")
	require.NoError(t, err)
	require.NotNil(t, got.TreatmentPlan)
	assert.Equal(t, 8, *got.TreatmentPlan.ExpectedDurationWeeks)
	assert.True(t, target.Equal(*got.TreatmentPlan.TargetEndDate))
	assert.Nil(t, got.TreatmentPlan.LastReviewDate)
	assert.Equal(t, int64(1), got.Version)

	_, err = r.GetCase(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdatePlanStatusCompareAndSwap(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedCase(t, r, ctx, nil)

	var version int64
	require.NoError(t, withTx(t, r, ctx, func(tx *sqlx.Tx) error {
		var err error
		version, err = r.UpdatePlanStatus(ctx, tx, "case-1", 1, domain.StatusPlannedNotStarted, now)
		return err
	}))
	assert.Equal(t, int64(2), version)

	err := withTx(t, r, ctx, func(tx *sqlx.Tx) error {
		_, err := r.UpdatePlanStatus(ctx, tx, "case-1", 1, domain.StatusOnHold, now)
		return err
	})
	assert.ErrorIs(t, err, ErrConflict)

	got, err := r.GetCase(ctx, "case-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlannedNotStarted, got.RTWPlanStatus)
}

func TestStatusCheckConstraint(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedCase(t, r, ctx, nil)
	_, err := r.DB.ExecContext(ctx, `UPDATE cases SET rtw_plan_status='archived' WHERE id='case-1'`)
	assert.Error(t, err)
}

func TestAuditEventsAreAppendOnly(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedCase(t, r, ctx, nil)
	w := events.Writer{Now: func() time.Time { return now }}
	require.NoError(t, withTx(t, r, ctx, func(tx *sqlx.Tx) error {
		for _, s := range []domain.PlanStatus{domain.StatusPlannedNotStarted, domain.StatusInProgress} {
			_, err := w.Append(ctx, tx, events.Record{
				ActorID:      "alice",
				OrgID:        "org-1",
				ResourceType: domain.ResourceCase,
				ResourceID:   "case-1",
				Metadata:     domain.TransitionMetadata{PreviousStatus: domain.StatusNotPlanned, NewStatus: s, Reason: "r"},
			})
			if err != nil {
				return err
			}
		}
		return nil
	}))

	_, err := r.DB.ExecContext(ctx, `UPDATE audit_events SET actor_id='mallory'`)
	assert.ErrorContains(t, err, "append-only")
	_, err = r.DB.ExecContext(ctx, `DELETE FROM audit_events`)
	assert.ErrorContains(t, err, "append-only")

	// Same timestamp: the sequence id breaks the tie.
	got, err := r.ListAuditEvents(ctx, AuditFilters{OrgID: "org-1", ResourceID: "case-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.StatusPlannedNotStarted, got[0].Metadata.(domain.TransitionMetadata).NewStatus)
	assert.Equal(t, domain.StatusInProgress, got[1].Metadata.(domain.TransitionMetadata).NewStatus)
}

func TestAuditEventsKeepRecordedOrderWithinASecond(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedCase(t, r, ctx, nil)
	stamps := []time.Time{now.Add(500 * time.Millisecond), now.Add(510 * time.Millisecond)}
	for i, reason := range []string{"first", "second"} {
		w := events.Writer{Now: func() time.Time { return stamps[i] }}
		require.NoError(t, withTx(t, r, ctx, func(tx *sqlx.Tx) error {
			_, err := w.Append(ctx, tx, events.Record{
				ActorID:      "alice",
				OrgID:        "org-1",
				ResourceType: domain.ResourceCase,
				ResourceID:   "case-1",
				Metadata:     domain.TransitionMetadata{PreviousStatus: domain.StatusNotPlanned, NewStatus: domain.StatusPlannedNotStarted, Reason: reason},
			})
			return err
		}))
	}

	got, err := r.ListAuditEvents(ctx, AuditFilters{OrgID: "org-1", ResourceID: "case-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Metadata.(domain.TransitionMetadata).Reason)
	assert.Equal(t, "second", got[1].Metadata.(domain.TransitionMetadata).Reason)
	assert.True(t, stamps[0].Equal(got[0].TS))
	assert.Less(t, got[0].ID, got[1].ID)
}

func TestStoredTimestampsSortChronologically(t *testing.T) {
	a := formatTime(now.Add(500 * time.Millisecond))
	b := formatTime(now.Add(510 * time.Millisecond))
	assert.Less(t, a, b)
	parsed, err := parseTime(a)
	require.NoError(t, err)
	assert.True(t, now.Add(500*time.Millisecond).Equal(parsed))
}

func TestCountByStatus(t *testing.T) {
	r, ctx := newTestRepo(t)
	seedCase(t, r, ctx, nil)
	counts, err := r.CountByStatus(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, map[domain.PlanStatus]int{domain.StatusNotPlanned: 1}, counts)
}

func TestBusyErrorsMapToConflict(t *testing.T) {
	assert.ErrorIs(t, mapBusy(errors.New("database is locked (5) (SQLITE_BUSY)")), ErrConflict)
	plain := errors.New("no such table: cases")
	assert.Equal(t, plain, mapBusy(plain))
}
