package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtwline/internal/config"
	"rtwline/internal/db"
	"rtwline/internal/domain"
	"rtwline/internal/engine"
	"rtwline/internal/migrate"
	"rtwline/internal/scheduler"
)

const testSecret = "test-secret"

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	cfg := config.Default("org-1")
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return fixedNow }
	e.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	runner := scheduler.New(e.Logger, e.Tasks()...)

	handler, err := New(Config{
		Engine: e,
		Tasks:  runner,
		Logger: e.Logger,
		Auth:   AuthConfig{JWTSecret: testSecret, DevLogin: true},
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String() + "/api", Engine: e, client: &http.Client{}}
}

func token(t *testing.T, actorID, orgID string, roles ...string) map[string]string {
	t.Helper()
	tok, err := SignToken(testSecret, actorID, orgID, roles, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (int, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func (s *testServer) openCase(t *testing.T, headers map[string]string, body map[string]any) domain.Case {
	t.Helper()
	status, data := s.do(t, http.MethodPost, "/cases", body, headers)
	require.Equal(t, http.StatusOK, status, string(data))
	var c domain.Case
	require.NoError(t, json.Unmarshal(data, &c))
	return c
}

func (s *testServer) transition(t *testing.T, headers map[string]string, caseID, to, reason string) (int, []byte) {
	t.Helper()
	return s.do(t, http.MethodPut, "/cases/"+caseID+"/rtw-plan", map[string]any{
		"rtwPlanStatus": to,
		"reason":        reason,
	}, headers)
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	c := srv.openCase(t, manager, map[string]any{"workerName": "Jordan Lee", "workStatus": "off_work"})
	assert.Equal(t, domain.StatusNotPlanned, c.RTWPlanStatus)

	status, data := srv.transition(t, manager, c.ID, "planned_not_started", "plan agreed with GP")
	require.Equal(t, http.StatusOK, status, string(data))
	var res TransitionResponse
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, "not_planned", res.PreviousStatus)
	assert.Equal(t, "planned_not_started", res.RTWPlanStatus)
	assert.ElementsMatch(t, []string{"in_progress", "on_hold", "not_planned"}, res.ValidTransitions)

	status, data = srv.do(t, http.MethodGet, "/cases/"+c.ID+"/rtw-plan", nil, manager)
	require.Equal(t, http.StatusOK, status, string(data))
	var plan PlanResponse
	require.NoError(t, json.Unmarshal(data, &plan))
	assert.Equal(t, "planned_not_started", plan.RTWPlanStatus)
	assert.Equal(t, "no_active_plan", plan.Expiry.Classification)

	status, data = srv.do(t, http.MethodGet, "/cases/"+c.ID+"/audit", nil, manager)
	require.Equal(t, http.StatusOK, status, string(data))
	var trail AuditTrailResponse
	require.NoError(t, json.Unmarshal(data, &trail))
	require.Len(t, trail.Items, 2)
	assert.Equal(t, domain.EventCaseOpened, trail.Items[0].EventType)
	assert.Equal(t, domain.EventPlanTransitioned, trail.Items[1].EventType)
	assert.Equal(t, "127.0.0.1", trail.Items[1].OriginAddress)
}

func TestTerminalStateRejectsTransition(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	c := srv.openCase(t, manager, map[string]any{"workerName": "Jordan Lee"})
	for _, to := range []string{"planned_not_started", "in_progress", "working_well", "completed"} {
		status, data := srv.transition(t, manager, c.ID, to, "review")
		require.Equal(t, http.StatusOK, status, string(data))
	}

	status, data := srv.transition(t, manager, c.ID, "in_progress", "relapse")
	require.Equal(t, http.StatusConflict, status)
	env := decodeError(t, data)
	assert.Equal(t, "invalid_transition", env.Error.Code)
	assert.Equal(t, "completed", env.Error.Details["currentStatus"])
	assert.Equal(t, []any{}, env.Error.Details["validTransitions"])

	forced := map[string]any{"rtwPlanStatus": "in_progress", "reason": "reopen", "forceTransition": true}
	status, data = srv.do(t, http.MethodPut, "/cases/"+c.ID+"/rtw-plan", forced, manager)
	require.Equal(t, http.StatusForbidden, status, string(data))
	assert.Equal(t, "rtw_plan.force_transition", decodeError(t, data).Error.Details["permission"])
}

func TestForceTransitionRequiresCapability(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	c := srv.openCase(t, manager, map[string]any{"workerName": "Jordan Lee"})

	body := map[string]any{"rtwPlanStatus": "working_well", "reason": "data correction", "forceTransition": true}
	status, data := srv.do(t, http.MethodPut, "/cases/"+c.ID+"/rtw-plan", body, manager)
	require.Equal(t, http.StatusForbidden, status, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)

	admin := token(t, "root", "org-admin", "admin")
	status, data = srv.do(t, http.MethodPut, "/cases/"+c.ID+"/rtw-plan", body, admin)
	require.Equal(t, http.StatusOK, status, string(data))
	var res TransitionResponse
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.Forced)
	assert.Equal(t, "working_well", res.RTWPlanStatus)
}

func TestTransitionErrors(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	c := srv.openCase(t, manager, map[string]any{"workerName": "Jordan Lee"})

	t.Run("unauthenticated", func(t *testing.T) {
		status, data := srv.transition(t, nil, c.ID, "planned_not_started", "x")
		require.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "unauthorized", decodeError(t, data).Error.Code)
	})
	t.Run("skipping planning", func(t *testing.T) {
		status, data := srv.transition(t, manager, c.ID, "in_progress", "eager")
		require.Equal(t, http.StatusConflict, status)
		env := decodeError(t, data)
		assert.Equal(t, "not_planned", env.Error.Details["currentStatus"])
		assert.Equal(t, []any{"planned_not_started"}, env.Error.Details["validTransitions"])
	})
	t.Run("blank reason", func(t *testing.T) {
		status, data := srv.transition(t, manager, c.ID, "planned_not_started", "   ")
		require.Equal(t, http.StatusBadRequest, status, string(data))
		env := decodeError(t, data)
		assert.Equal(t, "validation_error", env.Error.Code)
		assert.Equal(t, "reason", env.Error.Details["field"])
	})
	t.Run("unknown status", func(t *testing.T) {
		status, _ := srv.transition(t, manager, c.ID, "retired", "x")
		assert.Equal(t, http.StatusBadRequest, status)
	})
	t.Run("viewer forbidden", func(t *testing.T) {
		status, _ := srv.transition(t, token(t, "vic", "org-1", "viewer"), c.ID, "planned_not_started", "x")
		assert.Equal(t, http.StatusForbidden, status)
	})
	t.Run("other organization", func(t *testing.T) {
		status, data := srv.transition(t, token(t, "bob", "org-2", "case_manager"), c.ID, "planned_not_started", "x")
		require.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "not_found", decodeError(t, data).Error.Code)
	})
	t.Run("missing case", func(t *testing.T) {
		status, _ := srv.transition(t, manager, "nope", "planned_not_started", "x")
		assert.Equal(t, http.StatusNotFound, status)
	})
}

func TestExtendAndExpiryOverview(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	c := srv.openCase(t, manager, map[string]any{
		"workerName": "Jordan Lee",
		"treatmentPlan": map[string]any{
			"startDate":             fixedNow.AddDate(0, 0, -70),
			"expectedDurationWeeks": 8,
		},
	})

	status, data := srv.do(t, http.MethodGet, "/rtw/expiry-overview/org-1", nil, manager)
	require.Equal(t, http.StatusOK, status, string(data))
	var report engine.ExpiryReport
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Expired, 1)
	assert.Equal(t, 14, *report.Expired[0].DaysSinceExpiry)
	assert.Equal(t, 1, report.TotalAffected)

	status, data = srv.do(t, http.MethodPut, "/cases/"+c.ID+"/rtw-plan/extend", map[string]any{
		"additionalWeeks": 4,
		"reason":          "specialist review",
	}, manager)
	require.Equal(t, http.StatusOK, status, string(data))
	var ext ExtendPlanResponse
	require.NoError(t, json.Unmarshal(data, &ext))
	assert.Equal(t, 12, ext.NewDurationWeeks)
	require.NotNil(t, ext.NewTargetEndDate)
	assert.True(t, ext.NewTargetEndDate.Equal(fixedNow.AddDate(0, 0, 14)))

	status, _ = srv.do(t, http.MethodPut, "/cases/"+c.ID+"/rtw-plan/extend", map[string]any{"additionalWeeks": 53}, manager)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = srv.do(t, http.MethodGet, "/rtw/expiry-overview/org-2", nil, manager)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = srv.do(t, http.MethodGet, "/rtw/expiry-overview/org-1?asOf=yesterday", nil, manager)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestOverviewCountsEveryStatus(t *testing.T) {
	srv := newTestServer(t)
	manager := token(t, "alice", "org-1", "case_manager")
	srv.openCase(t, manager, map[string]any{"workerName": "Jordan Lee"})

	status, data := srv.do(t, http.MethodGet, "/rtw/overview", nil, token(t, "vic", "org-1", "viewer"))
	require.Equal(t, http.StatusOK, status, string(data))
	var ov engine.Overview
	require.NoError(t, json.Unmarshal(data, &ov))
	assert.Equal(t, 1, ov.TotalCases)
	assert.Len(t, ov.StatusCounts, len(domain.PlanStatuses))
	assert.Equal(t, 1, ov.StatusCounts["not_planned"])
	assert.Len(t, ov.CasesNeedingPlan, 1)
}

func TestAPIKeyUsesStoredRoles(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	plain, _, err := srv.Engine.CreateAPIKey(ctx, "org-1", "intake-bot", "intake")
	require.NoError(t, err)
	headers := map[string]string{"X-Api-Key": plain, "X-Client-Id": "intake-service"}

	status, _ := srv.do(t, http.MethodPost, "/cases", map[string]any{"workerName": "Sam"}, headers)
	assert.Equal(t, http.StatusForbidden, status)

	require.NoError(t, srv.Engine.GrantRole(ctx, "org-1", "intake-bot", "case_manager"))
	c := srv.openCase(t, headers, map[string]any{"workerName": "Sam"})
	assert.Equal(t, "org-1", c.OrgID)

	status, data := srv.do(t, http.MethodGet, "/cases/"+c.ID+"/audit", nil, headers)
	require.Equal(t, http.StatusOK, status, string(data))
	var trail AuditTrailResponse
	require.NoError(t, json.Unmarshal(data, &trail))
	require.Len(t, trail.Items, 1)
	assert.Equal(t, "intake-service", trail.Items[0].ClientID)

	status, _ = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "rtw_bogus"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestTasksEndpoints(t *testing.T) {
	srv := newTestServer(t)
	status, data := srv.do(t, http.MethodGet, "/rtw/tasks", nil, token(t, "vic", "org-1", "viewer"))
	require.Equal(t, http.StatusOK, status, string(data))
	var list TasksResponse
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list.Tasks, 1)
	assert.Equal(t, engine.ExpirySweepTask, list.Tasks[0].Name)

	status, _ = srv.do(t, http.MethodPost, "/rtw/tasks/expiry-sweep/trigger", nil, token(t, "alice", "org-1", "case_manager"))
	assert.Equal(t, http.StatusForbidden, status)

	admin := token(t, "root", "org-admin", "admin")
	status, data = srv.do(t, http.MethodPost, "/rtw/tasks/expiry-sweep/trigger", nil, admin)
	require.Equal(t, http.StatusOK, status, string(data))
	var st scheduler.TaskStatus
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, int64(1), st.Runs)
	assert.Empty(t, st.LastError)

	status, _ = srv.do(t, http.MethodPost, "/rtw/tasks/nope/trigger", nil, admin)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPublicRoutes(t *testing.T) {
	srv := newTestServer(t)
	status, data := srv.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Positive(t, health.SchemaVersion)

	status, _ = srv.do(t, http.MethodGet, "/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, status)

	status, data = srv.do(t, http.MethodPost, "/auth/dev/login", map[string]any{
		"actorId": "alice", "organizationId": "org-1", "roles": []string{"case_manager"},
	}, nil)
	require.Equal(t, http.StatusOK, status, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	status, data = srv.do(t, http.MethodGet, "/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, status, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "org-1", me.OrganizationID)
	assert.Contains(t, me.Permissions, "rtw_plan.transition")

	status, data = srv.do(t, http.MethodGet, "/rtw/plan-transitions", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, status, string(data))
	var table TransitionTableResponse
	require.NoError(t, json.Unmarshal(data, &table))
	assert.Equal(t, []string{"completed"}, table.Terminal)
	assert.Empty(t, table.Transitions["completed"])
}

func TestOpenAPIDocumentConcurrentFirstRequests(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	var wg sync.WaitGroup
	bodies := make([][]byte, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/openapi.json")
			if err != nil {
				errs[i] = err
				return
			}
			defer res.Body.Close()
			bodies[i], errs[i] = io.ReadAll(res.Body)
		}()
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, bodies[0], bodies[i])
	}
	var doc map[string]any
	require.NoError(t, json.Unmarshal(bodies[0], &doc))
	assert.Contains(t, doc, "paths")
}
