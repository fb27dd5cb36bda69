package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/domain"
)

func intPtr(v int) *int { return &v }

var start = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func TestExpiredSeventyDaysIntoEightWeekPlan(t *testing.T) {
	asOf := start.Add(70 * day)
	got := EvaluatePlanExpiry(start, intPtr(8), asOf, DefaultLookahead)
	assert.Equal(t, PlanExpired, got.Classification)
	require.NotNil(t, got.DaysSinceExpiry)
	assert.Equal(t, 14, *got.DaysSinceExpiry)
	assert.Nil(t, got.DaysUntilExpiry)
	assert.Equal(t, start.Add(56*day), *got.TargetEnd)
}

func TestNoActivePlan(t *testing.T) {
	assert.Equal(t, NoActivePlan, EvaluatePlanExpiry(start, nil, start, DefaultLookahead).Classification)
	assert.Equal(t, NoActivePlan, EvaluatePlanExpiry(start, intPtr(0), start, DefaultLookahead).Classification)
	assert.Equal(t, NoActivePlan, EvaluateTreatmentPlan(nil, start, DefaultLookahead).Classification)
}

func TestLookaheadBoundary(t *testing.T) {
	target := TargetEnd(start, 4)
	tests := []struct {
		name  string
		asOf  time.Time
		want  Classification
		until int
	}{
		{"well before", target.Add(-30 * day), OnTrack, 30},
		{"just outside window", target.Add(-DefaultLookahead - time.Second), OnTrack, 7},
		{"at window edge", target.Add(-DefaultLookahead), PlanExpiringSoon, 7},
		{"inside window", target.Add(-36 * time.Hour), PlanExpiringSoon, 1},
		{"at target", target, PlanExpiringSoon, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EvaluatePlanExpiry(start, intPtr(4), tt.asOf, DefaultLookahead)
			assert.Equal(t, tt.want, got.Classification)
			require.NotNil(t, got.DaysUntilExpiry)
			assert.Equal(t, tt.until, *got.DaysUntilExpiry)
		})
	}
}

func TestExpiredTruncatesTowardZero(t *testing.T) {
	target := TargetEnd(start, 2)
	got := EvaluatePlanExpiry(start, intPtr(2), target.Add(time.Hour), DefaultLookahead)
	assert.Equal(t, PlanExpired, got.Classification)
	assert.Equal(t, 0, *got.DaysSinceExpiry)

	got = EvaluatePlanExpiry(start, intPtr(2), target.Add(47*time.Hour), DefaultLookahead)
	assert.Equal(t, 1, *got.DaysSinceExpiry)
}

func TestExpiredForAnyInstantPastTarget(t *testing.T) {
	for w := 1; w <= 52; w++ {
		target := TargetEnd(start, w)
		got := EvaluatePlanExpiry(start, intPtr(w), target.Add(time.Nanosecond), DefaultLookahead)
		assert.Equal(t, PlanExpired, got.Classification, w)
	}
}

func TestExtendPlan(t *testing.T) {
	d := start.Add(56 * day)
	ext, err := ExtendPlan(8, 4, &d)
	require.NoError(t, err)
	assert.Equal(t, 12, ext.NewDurationWeeks)
	require.NotNil(t, ext.NewTargetEnd)
	assert.Equal(t, d.Add(28*day), *ext.NewTargetEnd)
	assert.Equal(t, d, *ext.PreviousTargetEnd)
}

func TestExtendPlanWithoutTarget(t *testing.T) {
	ext, err := ExtendPlan(0, 6, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, ext.NewDurationWeeks)
	assert.Nil(t, ext.NewTargetEnd)

	plan := domain.TreatmentPlan{StartDate: start}
	reviewed := start.Add(day)
	ext.Apply(&plan, reviewed)
	assert.Equal(t, 6, *plan.ExpectedDurationWeeks)
	assert.Nil(t, plan.TargetEndDate)
	assert.Equal(t, reviewed, *plan.LastReviewDate)
}

func TestExtendPlanBounds(t *testing.T) {
	for _, weeks := range []int{-1, 0, 53} {
		_, err := ExtendPlan(8, weeks, nil)
		var verr domain.ValidationError
		require.ErrorAs(t, err, &verr, weeks)
		assert.Equal(t, "additionalWeeks", verr.Field)
	}
	for _, weeks := range []int{1, 52} {
		_, err := ExtendPlan(8, weeks, nil)
		assert.NoError(t, err, weeks)
	}
}

func TestExtensionMetadata(t *testing.T) {
	d := start.Add(56 * day)
	ext, err := ExtendPlan(8, 4, &d)
	require.NoError(t, err)
	md := ext.Metadata("slow recovery")
	assert.Equal(t, domain.EventTreatmentExtended, md.EventType())
	assert.Equal(t, 8, md.PreviousDurationWeeks)
	assert.Equal(t, 12, md.NewDurationWeeks)
	assert.Equal(t, 4, md.AdditionalWeeks)
	assert.Equal(t, "slow recovery", md.Reason)
}
