package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pulseline/internal/app"
	"pulseline/internal/briefing"
	"pulseline/internal/domain"
	"pulseline/internal/engine"
	"pulseline/internal/logging"
)

// metricsPath sits outside the base path but is guarded like the API.
const metricsPath = "/metrics"

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	// Gatherer serves /metrics; defaults to the app registry, then the
	// process default.
	Gatherer prometheus.Gatherer
	Now      func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"confirmation_required"`
	Message string         `json:"message" example:"reset refused: pass confirm=true to discard every job"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	app *app.App
	now func() time.Time
}

// New returns an HTTP handler exposing the tool, hook and briefing API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires an app")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	gatherer := cfg.Gatherer
	if gatherer == nil && cfg.App.Registry != nil {
		gatherer = cfg.App.Registry
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = cfg.App.Log
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	hcfg := huma.DefaultConfig("Pulseline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{app: cfg.App, now: now}
	registerHealth(group)
	h.registerTools(group)
	h.registerHooks(group)
	h.registerBriefing(group)
	registerOpenAPI(router, api, basePath, cfg.Auth.JWTSecret != "")

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, engine.ErrResetNotConfirmed):
		return newAPIError(http.StatusBadRequest, "confirmation_required", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidState),
		errors.Is(err, engine.ErrInvalidProgress),
		errors.Is(err, engine.ErrMissingJobID):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		logging.Logger.Errorw("request failed", "error", err)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string, secured bool) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			if secured {
				applyAuthSecurity(oas, basePath)
			}
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerTools(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "tool-report",
		Method:      http.MethodPost,
		Path:        "/tools/report",
		Summary:     "Report progress for a job",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ReportRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		rec, err := h.app.Engine.Report(ctx, engine.ReportOptions{
			JobID:    input.Body.JobID,
			Title:    input.Body.Title,
			Owner:    input.Body.Owner,
			State:    input.Body.State,
			Progress: input.Body.Progress,
			Detail:   input.Body.Detail,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tool-status",
		Method:      http.MethodPost,
		Path:        "/tools/status",
		Summary:     "Render current job status",
	}, func(ctx context.Context, input *struct {
		Body *StatusRequest `json:"body"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		includeCompleted := h.app.Config().Briefing.IncludeCompleted
		if input.Body != nil {
			includeCompleted = input.Body.IncludeCompleted
		}
		jobs, err := h.app.Engine.ListJobs(ctx, includeCompleted)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Text: briefing.RenderStatus(jobs, h.now()), Jobs: jobs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tool-agents",
		Method:      http.MethodPost,
		Path:        "/tools/agents",
		Summary:     "Render per-agent activity",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AgentsResponse `json:"body"`
	}, error) {
		jobs, err := h.app.Engine.CurrentState(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		snap := h.app.Activity.Snapshot()
		views := briefing.Agents(jobs, snap)
		return &struct {
			Body AgentsResponse `json:"body"`
		}{Body: AgentsResponse{Text: briefing.RenderAgents(views, h.now()), Agents: views, Recent: snap.Completed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "tool-reset",
		Method:      http.MethodPost,
		Path:        "/tools/reset",
		Summary:     "Discard every job",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ResetRequest `json:"body"`
	}) (*struct {
		Body ResetResponse `json:"body"`
	}, error) {
		if err := h.app.Engine.Reset(ctx, input.Body.Confirm); err != nil {
			return nil, handleError(err)
		}
		h.app.Activity.Reset()
		h.app.Log.Infow("jobs reset")
		return &struct {
			Body ResetResponse `json:"body"`
		}{Body: ResetResponse{Reset: true}}, nil
	})
}

func (h handlers) registerHooks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "hook-before-tool-call",
		Method:      http.MethodPost,
		Path:        "/hooks/before-tool-call",
		Summary:     "Record that an agent started a tool call",
	}, func(ctx context.Context, input *struct {
		Body BeforeToolCallRequest `json:"body"`
	}) (*struct {
		Body HookResponse `json:"body"`
	}, error) {
		agent := attribute(ctx, input.Body.AgentID, input.Body.SessionKey)
		tool := strings.TrimSpace(input.Body.ToolName)
		h.app.Activity.CallStarted(agent, tool, input.Body.Params)
		return &struct {
			Body HookResponse `json:"body"`
		}{Body: HookResponse{Agent: agent, Tracked: agent != "" && !h.app.Activity.Excluded(tool)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "hook-tool-result",
		Method:      http.MethodPost,
		Path:        "/hooks/tool-result",
		Summary:     "Record the outcome of a tool call",
	}, func(ctx context.Context, input *struct {
		Body ToolResultRequest `json:"body"`
	}) (*struct {
		Body HookResponse `json:"body"`
	}, error) {
		agent := attribute(ctx, input.Body.AgentID, input.Body.SessionKey)
		tool := strings.TrimSpace(input.Body.ToolName)
		outcome := strings.TrimSpace(input.Body.Outcome)
		if input.Body.Error != "" {
			outcome = "error: " + input.Body.Error
		} else if outcome == "" {
			outcome = "ok"
		}
		h.app.Activity.CallFinished(agent, tool, outcome, time.Duration(input.Body.DurationMs)*time.Millisecond)
		return &struct {
			Body HookResponse `json:"body"`
		}{Body: HookResponse{Agent: agent, Tracked: !h.app.Activity.Excluded(tool)}}, nil
	})
}

func (h handlers) registerBriefing(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "briefing-preview",
		Method:      http.MethodGet,
		Path:        "/briefing/preview",
		Summary:     "Render the briefing without publishing it",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PreviewResponse `json:"body"`
	}, error) {
		text, err := h.app.Scheduler.Preview(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreviewResponse `json:"body"`
		}{Body: PreviewResponse{Text: text}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "briefing-tick",
		Method:      http.MethodPost,
		Path:        "/briefing/tick",
		Summary:     "Run one scheduler tick now",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TickResponse `json:"body"`
	}, error) {
		out, err := h.app.Scheduler.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TickResponse `json:"body"`
		}{Body: mapOutcome(out)}, nil
	})
}

// attribute picks the caller identity: the explicit agent id, then an
// agent:<id>:... session key, then the token subject.
func attribute(ctx context.Context, agentID, sessionKey string) string {
	if id := strings.TrimSpace(agentID); id != "" {
		return id
	}
	if id, ok := agentFromSessionKey(sessionKey); ok {
		return id
	}
	if p, ok := principalFromContext(ctx); ok {
		return p.Subject
	}
	return ""
}

func agentFromSessionKey(key string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(key), ":", 3)
	if len(parts) < 2 || parts[0] != "agent" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
