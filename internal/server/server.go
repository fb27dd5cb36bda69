package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"rtwline/internal/domain"
	"rtwline/internal/engine"
	"rtwline/internal/engine/auth"
	"rtwline/internal/engine/lifecycle"
	"rtwline/internal/migrate"
	"rtwline/internal/repo"
	"rtwline/internal/scheduler"
)

// Version is reported in the OpenAPI document.
var Version = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Tasks is optional; without it the task endpoints report no tasks.
	Tasks  *scheduler.Runner
	Logger *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid rtw plan transition completed -> in_progress: completed is terminal"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"currentStatus\":\"completed\",\"validTransitions\":[]}"`
}

type requestKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type output[T any] struct {
	Body T
}

// New returns an HTTP handler exposing the RTW plan API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain 400s.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("RTW Plan API", Version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerOverview(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerTasks(group, cfg.Engine, cfg.Tasks)
	registerMe(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError is the single translation from engine errors to HTTP.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_error", err.Error(), details)
	}
	var te domain.InvalidTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"currentStatus":    string(te.Current),
			"requestedStatus":  string(te.Requested),
			"validTransitions": domain.StatusStrings(te.Valid),
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ae engine.AuditWriteError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusInternalServerError, "audit_write_failed", "audit event could not be recorded; no change was made", map[string]any{"eventType": ae.EventType})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", "case was modified concurrently; reload and retry", nil)
	case errors.Is(err, engine.ErrStoreTimeout):
		return newAPIError(http.StatusServiceUnavailable, "store_timeout", err.Error(), nil)
	case errors.Is(err, scheduler.ErrUnknownTask):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, scheduler.ErrTaskRunning):
		return newAPIError(http.StatusConflict, "task_running", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var ref *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		ref = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: ref},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>RTW Plan API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[HealthResponse], error) {
		resp := HealthResponse{Status: "ok"}
		if e.DB != nil {
			v, err := migrate.Version(ctx, e.DB)
			if err != nil {
				return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", nil)
			}
			resp.SchemaVersion = v
		}
		return &output[HealthResponse]{Body: resp}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "open-case",
		Method:      http.MethodPost,
		Path:        "/cases",
		Summary:     "Open a case",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body OpenCaseRequest
	}) (*output[domain.Case], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		req := engine.OpenCaseRequest{
			ID:             input.Body.ID,
			OrganizationID: input.Body.OrganizationID,
			WorkerName:     input.Body.WorkerName,
			WorkStatus:     input.Body.WorkStatus,
			Actor:          actor,
			Provenance:     provenance(ctx),
		}
		if tp := input.Body.TreatmentPlan; tp != nil {
			req.TreatmentPlan = &engine.PlanInput{StartDate: tp.StartDate, ExpectedDurationWeeks: tp.ExpectedDurationWeeks}
		}
		c, err := e.OpenCase(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Case]{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CaseParams) (*output[domain.Case], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetCase(ctx, input.ID, input.OrganizationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[domain.Case]{Body: c}, nil
	})
}

type CaseParams struct {
	ID             string `path:"id"`
	OrganizationID string `query:"organizationId" doc:"Organization scope; admins may address any organization"`
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-rtw-plan",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/rtw-plan",
		Summary:     "Current RTW plan status and valid next states",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *CaseParams) (*output[PlanResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetPlan(ctx, input.ID, input.OrganizationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[PlanResponse]{Body: PlanResponse{
			CaseID:           view.CaseID,
			OrganizationID:   view.OrganizationID,
			RTWPlanStatus:    string(view.RTWPlanStatus),
			ValidTransitions: nonNilSlice(domain.StatusStrings(view.ValidTransitions)),
			TreatmentPlan:    view.TreatmentPlan,
			Expiry: ExpiryResponse{
				Classification:  string(view.Expiry.Classification),
				TargetEndDate:   view.Expiry.TargetEnd,
				DaysUntilExpiry: view.Expiry.DaysUntilExpiry,
				DaysSinceExpiry: view.Expiry.DaysSinceExpiry,
			},
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-rtw-plan",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/rtw-plan",
		Summary:     "Change the RTW plan status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CaseParams
		Body TransitionRequest
	}) (*output[TransitionResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ChangeStatus(ctx, engine.ChangeStatusRequest{
			CaseID:          input.ID,
			OrganizationID:  input.OrganizationID,
			RequestedStatus: domain.PlanStatus(input.Body.RTWPlanStatus),
			Reason:          input.Body.Reason,
			Force:           input.Body.ForceTransition,
			Actor:           actor,
			Provenance:      provenance(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[TransitionResponse]{Body: TransitionResponse{
			CaseID:           res.CaseID,
			PreviousStatus:   string(res.PreviousStatus),
			RTWPlanStatus:    string(res.RTWPlanStatus),
			ValidTransitions: nonNilSlice(domain.StatusStrings(res.ValidTransitions)),
			Forced:           res.Forced,
			Confirmed:        res.Confirmed,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extend-treatment-plan",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/rtw-plan/extend",
		Summary:     "Extend the treatment plan",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		CaseParams
		Body ExtendPlanRequest
	}) (*output[ExtendPlanResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ExtendPlan(ctx, engine.ExtendPlanRequest{
			CaseID:          input.ID,
			OrganizationID:  input.OrganizationID,
			AdditionalWeeks: input.Body.AdditionalWeeks,
			Reason:          input.Body.Reason,
			Actor:           actor,
			Provenance:      provenance(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &output[ExtendPlanResponse]{Body: ExtendPlanResponse{
			CaseID:                res.CaseID,
			PreviousDurationWeeks: res.PreviousDurationWeeks,
			NewDurationWeeks:      res.NewDurationWeeks,
			NewTargetEndDate:      res.NewTargetEndDate,
			LastReviewDate:        res.LastReviewDate,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-transitions",
		Method:      http.MethodGet,
		Path:        "/rtw/plan-transitions",
		Summary:     "The RTW plan transition table",
	}, func(ctx context.Context, _ *struct{}) (*output[TransitionTableResponse], error) {
		if _, herr := principalFromRequest(ctx); herr != nil {
			return nil, herr
		}
		resp := TransitionTableResponse{
			States:      domain.StatusStrings(domain.PlanStatuses),
			Terminal:    []string{},
			Transitions: lifecycle.Table(),
		}
		for _, s := range domain.PlanStatuses {
			if lifecycle.IsTerminal(s) {
				resp.Terminal = append(resp.Terminal, string(s))
			}
		}
		return &output[TransitionTableResponse]{Body: resp}, nil
	})
}

func registerOverview(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "rtw-overview",
		Method:      http.MethodGet,
		Path:        "/rtw/overview",
		Summary:     "RTW plan status counts for an organization",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `query:"organizationId"`
	}) (*output[engine.Overview], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Overview(ctx, input.OrganizationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[engine.Overview]{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rtw-expiry-overview",
		Method:      http.MethodGet,
		Path:        "/rtw/expiry-overview/{organizationId}",
		Summary:     "Treatment plans expiring soon or expired",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrganizationID string `path:"organizationId"`
		AsOf           string `query:"asOf" doc:"RFC3339 instant or YYYY-MM-DD; defaults to now"`
	}) (*output[engine.ExpiryReport], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		asOf, err := parseAsOf(input.AsOf)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation_error", "asOf must be RFC3339 or YYYY-MM-DD", map[string]any{"field": "asOf"})
		}
		res, err := e.ExpiryOverview(ctx, input.OrganizationID, asOf, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[engine.ExpiryReport]{Body: res}, nil
	})
}

func parseAsOf(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, raw)
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "case-audit-trail",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/audit",
		Summary:     "Audit trail of a case, oldest first",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *CaseParams) (*output[AuditTrailResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.AuditTrail(ctx, input.ID, input.OrganizationID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		resp := AuditTrailResponse{CaseID: input.ID, Items: []AuditEventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, auditEventResponse(evt))
		}
		return &output[AuditTrailResponse]{Body: resp}, nil
	})
}

type TasksResponse struct {
	Tasks []scheduler.TaskStatus `json:"tasks"`
}

func registerTasks(api huma.API, e engine.Engine, runner *scheduler.Runner) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/rtw/tasks",
		Summary:     "Background task status",
	}, func(ctx context.Context, _ *struct{}) (*output[TasksResponse], error) {
		if _, herr := principalFromRequest(ctx); herr != nil {
			return nil, herr
		}
		resp := TasksResponse{Tasks: []scheduler.TaskStatus{}}
		if runner != nil {
			resp.Tasks = nonNilSlice(runner.Status())
		}
		return &output[TasksResponse]{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-task",
		Method:      http.MethodPost,
		Path:        "/rtw/tasks/{name}/trigger",
		Summary:     "Run a background task now",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*output[scheduler.TaskStatus], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		if err := actor.Require(auth.PermissionTasksTrigger); err != nil {
			return nil, handleError(err)
		}
		if runner == nil {
			return nil, handleError(scheduler.ErrUnknownTask)
		}
		st, err := runner.TriggerNow(ctx, input.Name)
		if err != nil && (errors.Is(err, scheduler.ErrUnknownTask) || errors.Is(err, scheduler.ErrTaskRunning)) {
			return nil, handleError(err)
		}
		// A failed run is reported through the returned status.
		return &output[scheduler.TaskStatus]{Body: st}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		actor, err := actorFromRequest(ctx, e)
		if err != nil {
			return nil, handleError(err)
		}
		return &output[WhoAmIResponse]{Body: WhoAmIResponse{
			ActorID:        actor.ID,
			OrganizationID: actor.OrgID,
			Roles:          nonNilSlice(actor.Roles),
			Permissions:    nonNilSlice(actor.Permissions),
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest
	}) (*output[DevLoginResponse], error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrganizationID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actorId and organizationId are required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, org, input.Body.Roles, authCfg.TokenTTL)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		authCfg.logger().Warn("dev token minted", "actor_id", actor, "org_id", org)
		return &output[DevLoginResponse]{Body: DevLoginResponse{Token: token}}, nil
	})
}
