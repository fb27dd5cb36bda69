package lifecycle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/domain"
	"rtwline/internal/engine/auth"
)

const reason = "case review"

func TestTransitionClosure(t *testing.T) {
	for _, from := range domain.PlanStatuses {
		for _, to := range domain.PlanStatuses {
			if from == to {
				continue
			}
			out, err := RequestTransition(Request{Current: from, Requested: to, Reason: reason})
			if CanTransition(from, to) {
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, from, out.Previous)
				assert.Equal(t, to, out.New)
				assert.False(t, out.Forced)
				continue
			}
			var invalid domain.InvalidTransitionError
			require.ErrorAs(t, err, &invalid, "%s -> %s", from, to)
			assert.Equal(t, from, invalid.Current)
			assert.ElementsMatch(t, ValidTransitions(from), invalid.Valid)
		}
	}
}

func TestSameStateIsConfirmed(t *testing.T) {
	for _, s := range domain.PlanStatuses {
		out, err := RequestTransition(Request{Current: s, Requested: s, Reason: reason})
		require.NoError(t, err, s)
		assert.True(t, out.Confirmed)
		md, ok := out.Metadata(reason).(domain.TransitionMetadata)
		require.True(t, ok)
		assert.Equal(t, domain.EventPlanConfirmed, md.EventType())
	}
}

func TestCompletedIsTerminalEvenWhenForced(t *testing.T) {
	assert.True(t, IsTerminal(domain.StatusCompleted))
	assert.Empty(t, ValidTransitions(domain.StatusCompleted))
	for _, to := range domain.PlanStatuses {
		if to == domain.StatusCompleted {
			continue
		}
		_, err := RequestTransition(Request{Current: domain.StatusCompleted, Requested: to, Reason: reason, Force: true, Admin: true})
		var invalid domain.InvalidTransitionError
		require.ErrorAs(t, err, &invalid, to)
		assert.Empty(t, invalid.Valid)
	}
}

func TestForceRequiresCapability(t *testing.T) {
	// Reachable and unreachable targets alike.
	cases := []struct{ from, to domain.PlanStatus }{
		{domain.StatusInProgress, domain.StatusCompleted},
		{domain.StatusNotPlanned, domain.StatusInProgress},
		{domain.StatusCompleted, domain.StatusInProgress},
	}
	for _, tc := range cases {
		_, err := RequestTransition(Request{Current: tc.from, Requested: tc.to, Reason: reason, Force: true})
		var forbidden auth.ForbiddenError
		require.ErrorAs(t, err, &forbidden)
		assert.Equal(t, PermissionForceTransition, forbidden.Permission)
	}
}

func TestForcedOverrideByAdmin(t *testing.T) {
	out, err := RequestTransition(Request{
		Current:   domain.StatusNotPlanned,
		Requested: domain.StatusInProgress,
		Reason:    "imported from legacy system",
		Force:     true,
		Admin:     true,
	})
	require.NoError(t, err)
	assert.True(t, out.Forced)
	md, ok := out.Metadata("imported from legacy system").(domain.OverrideMetadata)
	require.True(t, ok)
	assert.True(t, md.Forced)
	assert.Equal(t, []domain.PlanStatus{domain.StatusPlannedNotStarted}, md.BypassedTransitions)
	assert.Equal(t, domain.EventPlanOverridden, md.EventType())
}

func TestForceOnAllowedTransitionIsNotFlagged(t *testing.T) {
	out, err := RequestTransition(Request{
		Current:   domain.StatusInProgress,
		Requested: domain.StatusWorkingWell,
		Reason:    reason,
		Force:     true,
		Admin:     true,
	})
	require.NoError(t, err)
	assert.False(t, out.Forced)
	_, ok := out.Metadata(reason).(domain.TransitionMetadata)
	assert.True(t, ok)
}

func TestReasonValidation(t *testing.T) {
	for _, r := range []string{"", "   ", strings.Repeat("x", MaxReasonLength+1)} {
		_, err := RequestTransition(Request{Current: domain.StatusInProgress, Requested: domain.StatusCompleted, Reason: r})
		var verr domain.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "reason", verr.Field)
	}
	// Multi-byte characters count once.
	_, err := RequestTransition(Request{Current: domain.StatusInProgress, Requested: domain.StatusCompleted, Reason: strings.Repeat("é", MaxReasonLength)})
	require.NoError(t, err)
}

func TestUnknownRequestedStatus(t *testing.T) {
	_, err := RequestTransition(Request{Current: domain.StatusInProgress, Requested: "archived", Reason: reason})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "rtwPlanStatus", verr.Field)
}

func TestValidTransitionsReturnsCopy(t *testing.T) {
	got := ValidTransitions(domain.StatusInProgress)
	got[0] = domain.StatusCompleted
	assert.Equal(t, domain.StatusWorkingWell, ValidTransitions(domain.StatusInProgress)[0])
}

func TestTableCoversEveryStatus(t *testing.T) {
	table := Table()
	require.Len(t, table, len(domain.PlanStatuses))
	assert.Equal(t, []string{"planned_not_started"}, table["not_planned"])
	assert.NotNil(t, table["completed"])
	assert.Empty(t, table["completed"])
}
