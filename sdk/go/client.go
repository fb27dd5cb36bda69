package rtwsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal RTW plan HTTP API client.
type Client struct {
	BaseURL string
	// OrganizationID scopes case requests; empty uses the caller's own organization.
	OrganizationID string
	APIKey         string
	BearerToken    string
	// ClientID is sent as X-Client-Id and recorded in the audit trail.
	ClientID   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		ClientID: "rtwsdk-go",
		Timeout:  10 * time.Second,
	}
}

// Plan status values.
const (
	StatusNotPlanned        = "not_planned"
	StatusPlannedNotStarted = "planned_not_started"
	StatusInProgress        = "in_progress"
	StatusWorkingWell       = "working_well"
	StatusFailing           = "failing"
	StatusOnHold            = "on_hold"
	StatusCompleted         = "completed"
)

type TreatmentPlan struct {
	StartDate             time.Time  `json:"startDate"`
	ExpectedDurationWeeks *int       `json:"expectedDurationWeeks,omitempty"`
	TargetEndDate         *time.Time `json:"targetEndDate,omitempty"`
	LastReviewDate        *time.Time `json:"lastReviewDate,omitempty"`
}

type Case struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organizationId"`
	WorkerName     string         `json:"workerName"`
	WorkStatus     string         `json:"workStatus"`
	RTWPlanStatus  string         `json:"rtwPlanStatus"`
	TreatmentPlan  *TreatmentPlan `json:"treatmentPlan,omitempty"`
	Version        int64          `json:"version"`
}

type Expiry struct {
	Classification  string     `json:"classification"`
	TargetEndDate   *time.Time `json:"targetEndDate,omitempty"`
	DaysUntilExpiry *int       `json:"daysUntilExpiry,omitempty"`
	DaysSinceExpiry *int       `json:"daysSinceExpiry,omitempty"`
}

type Plan struct {
	CaseID           string         `json:"caseId"`
	OrganizationID   string         `json:"organizationId"`
	RTWPlanStatus    string         `json:"rtwPlanStatus"`
	ValidTransitions []string       `json:"validTransitions"`
	TreatmentPlan    *TreatmentPlan `json:"treatmentPlan,omitempty"`
	Expiry           Expiry         `json:"expiry"`
}

type Transition struct {
	CaseID           string   `json:"caseId"`
	PreviousStatus   string   `json:"previousStatus"`
	RTWPlanStatus    string   `json:"rtwPlanStatus"`
	ValidTransitions []string `json:"validTransitions"`
	Forced           bool     `json:"forced"`
	Confirmed        bool     `json:"confirmed"`
}

type Extension struct {
	CaseID                string     `json:"caseId"`
	PreviousDurationWeeks int        `json:"previousDurationWeeks"`
	NewDurationWeeks      int        `json:"newDurationWeeks"`
	NewTargetEndDate      *time.Time `json:"newTargetEndDate"`
	LastReviewDate        time.Time  `json:"lastReviewDate"`
}

type CaseSummary struct {
	CaseID        string    `json:"caseId"`
	WorkerName    string    `json:"workerName"`
	WorkStatus    string    `json:"workStatus"`
	RTWPlanStatus string    `json:"rtwPlanStatus"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Overview struct {
	OrganizationID   string         `json:"organizationId"`
	TotalCases       int            `json:"totalCases"`
	StatusCounts     map[string]int `json:"statusCounts"`
	CasesNeedingPlan []CaseSummary  `json:"casesNeedingPlan"`
	FailingPlans     []CaseSummary  `json:"failingPlans"`
}

type ExpiryItem struct {
	CaseID                string    `json:"caseId"`
	WorkerName            string    `json:"workerName"`
	RTWPlanStatus         string    `json:"rtwPlanStatus"`
	ExpectedDurationWeeks int       `json:"expectedDurationWeeks"`
	TargetEndDate         time.Time `json:"targetEndDate"`
	DaysUntilExpiry       *int      `json:"daysUntilExpiry,omitempty"`
	DaysSinceExpiry       *int      `json:"daysSinceExpiry,omitempty"`
}

type ExpiryReport struct {
	OrganizationID string       `json:"organizationId"`
	AsOf           time.Time    `json:"asOf"`
	Expiring       []ExpiryItem `json:"expiring"`
	Expired        []ExpiryItem `json:"expired"`
	TotalAffected  int          `json:"totalAffected"`
}

// AuditEvent is one immutable audit record. Metadata varies by EventType.
type AuditEvent struct {
	ID             int64           `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	EventType      string          `json:"eventType"`
	ActorID        string          `json:"actorId"`
	OrganizationID string          `json:"organizationId"`
	ResourceType   string          `json:"resourceType"`
	ResourceID     string          `json:"resourceId"`
	Metadata       json.RawMessage `json:"metadata"`
	OriginAddress  string          `json:"originAddress,omitempty"`
	ClientID       string          `json:"clientId,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ValidTransitions returns the allowed next states carried by an
// invalid_transition error.
func (e *APIError) ValidTransitions() []string {
	raw, _ := e.Details["validTransitions"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// IsInvalidTransition reports whether err is an invalid_transition rejection.
func IsInvalidTransition(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "invalid_transition"
}

// IsConflict reports whether err is a concurrent-modification conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "conflict"
}

// GetPlan reads a case's plan status and valid next states.
func (c *Client) GetPlan(ctx context.Context, caseID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "rtw-plan"), nil, &resp)
	return resp, err
}

// TransitionPlan moves a case's plan to status.
func (c *Client) TransitionPlan(ctx context.Context, caseID, status, reason string, force bool) (Transition, error) {
	body := map[string]any{
		"rtwPlanStatus": status,
		"reason":        reason,
	}
	if force {
		body["forceTransition"] = true
	}
	var resp Transition
	err := c.do(ctx, http.MethodPut, c.casePath(caseID, "rtw-plan"), body, &resp)
	return resp, err
}

// ExtendPlan adds weeks to a case's treatment plan.
func (c *Client) ExtendPlan(ctx context.Context, caseID string, weeks int, reason string) (Extension, error) {
	body := map[string]any{"additionalWeeks": weeks}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Extension
	err := c.do(ctx, http.MethodPut, c.casePath(caseID, "rtw-plan/extend"), body, &resp)
	return resp, err
}

// AuditTrail returns a case's events, oldest first.
func (c *Client) AuditTrail(ctx context.Context, caseID string) ([]AuditEvent, error) {
	var resp struct {
		Items []AuditEvent `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.casePath(caseID, "audit"), nil, &resp)
	return resp.Items, err
}

// Overview returns status counts for the client's organization.
func (c *Client) Overview(ctx context.Context) (Overview, error) {
	endpoint := "rtw/overview"
	if c.OrganizationID != "" {
		endpoint += "?organizationId=" + url.QueryEscape(c.OrganizationID)
	}
	var resp Overview
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ExpiryOverview lists plans expiring soon or expired in orgID. A zero asOf
// means now.
func (c *Client) ExpiryOverview(ctx context.Context, orgID string, asOf time.Time) (ExpiryReport, error) {
	endpoint := "rtw/expiry-overview/" + url.PathEscape(orgID)
	if !asOf.IsZero() {
		endpoint += "?asOf=" + url.QueryEscape(asOf.UTC().Format(time.RFC3339))
	}
	var resp ExpiryReport
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transitions returns the transition table keyed by state.
func (c *Client) Transitions(ctx context.Context) (map[string][]string, error) {
	var resp struct {
		Transitions map[string][]string `json:"transitions"`
	}
	err := c.do(ctx, http.MethodGet, "rtw/plan-transitions", nil, &resp)
	return resp.Transitions, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ClientID != "" {
		req.Header.Set("X-Client-Id", c.ClientID)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) casePath(caseID, p string) string {
	endpoint := fmt.Sprintf("cases/%s/%s", url.PathEscape(caseID), strings.TrimLeft(p, "/"))
	if c.OrganizationID != "" {
		endpoint += "?organizationId=" + url.QueryEscape(c.OrganizationID)
	}
	return endpoint
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
