package rtwsdk

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionPlanSendsAuthAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/cases/case-1/rtw-plan", r.URL.Path)
		assert.Equal(t, "org-1", r.URL.Query().Get("organizationId"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "rtwsdk-go", r.Header.Get("X-Client-Id"))
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "in_progress", body["rtwPlanStatus"])
		assert.NotContains(t, body, "forceTransition")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"caseId":"case-1","previousStatus":"planned_not_started","rtwPlanStatus":"in_progress","validTransitions":["working_well","failing","on_hold","completed"]}`)
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.BearerToken = "tok"
	c.OrganizationID = "org-1"
	res, err := c.TransitionPlan(context.Background(), "case-1", StatusInProgress, "started", false)
	require.NoError(t, err)
	assert.Equal(t, StatusPlannedNotStarted, res.PreviousStatus)
	assert.Len(t, res.ValidTransitions, 4)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"invalid_transition","message":"completed is terminal","details":{"currentStatus":"completed","validTransitions":[]}}}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "rtw_key"
	_, err := c.TransitionPlan(context.Background(), "case-1", StatusInProgress, "relapse", false)
	require.Error(t, err)
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsConflict(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Empty(t, apiErr.ValidTransitions())
	assert.Equal(t, "completed", apiErr.Details["currentStatus"])
}

func TestExtendPlanOmitsEmptyReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rtw_key", r.Header.Get("X-Api-Key"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(4), body["additionalWeeks"])
		assert.NotContains(t, body, "reason")
		io.WriteString(w, `{"caseId":"case-1","previousDurationWeeks":8,"newDurationWeeks":12,"newTargetEndDate":"2024-06-15T00:00:00Z","lastReviewDate":"2024-06-01T12:00:00Z"}`)
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "rtw_key"
	res, err := c.ExtendPlan(context.Background(), "case-1", 4, "")
	require.NoError(t, err)
	assert.Equal(t, 12, res.NewDurationWeeks)
	require.NotNil(t, res.NewTargetEndDate)
	assert.Equal(t, 15, res.NewTargetEndDate.Day())
}
