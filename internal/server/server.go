package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/poliarc/election-management-system-sub008/internal/domain"
	"github.com/poliarc/election-management-system-sub008/internal/engine"
	"github.com/poliarc/election-management-system-sub008/internal/engine/auth"
	"github.com/poliarc/election-management-system-sub008/internal/errs"
	"github.com/poliarc/election-management-system-sub008/internal/lock"
	"github.com/poliarc/election-management-system-sub008/internal/logging"
	"github.com/poliarc/election-management-system-sub008/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"report 7 was modified (expected version 2, found 3); re-fetch and retry"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the reports API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errList ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema violations are plain bad requests
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errList) > 0 {
			details = map[string]any{"errors": errList}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(log))
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Election Reports API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerNodes(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger tags each request with an id and logs its outcome.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()
			next.ServeHTTP(rec, r.WithContext(logging.WithRequestID(r.Context(), id)))
			log.Info("http request",
				zap.String("request_id", id),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve errs.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), details)
	}
	var ae errs.AuthorizationError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"report_id": ae.ReportID})
	}
	var uc auth.UnknownCallerError
	if errors.As(err, &uc) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ce errs.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "version_conflict", err.Error(), map[string]any{
			"expected_version": ce.ExpectedVersion,
			"actual_version":   ce.ActualVersion,
		})
	}
	if errors.Is(err, lock.ErrNotObtained) {
		return newAPIError(http.StatusConflict, "report_busy", err.Error(), nil)
	}
	var nf errs.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var fe errs.FetchError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusBadGateway, "fetch_failed", fe.Op+" failed; retry", nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			if oas.Components != nil && oas.Components.Schemas != nil {
				oas.Components.Schemas.Schema(reflect.TypeOf(ApiError{}), true, "ApiError")
			}
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
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
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
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
    <title>Election Reports API Docs</title>
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

func registerNodes(api huma.API, e engine.Engine) {
	type nodePath struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-roots",
		Method:      http.MethodGet,
		Path:        "/nodes",
		Summary:     "List top-level nodes",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.HierarchyNode `json:"body"`
	}, error) {
		roots, err := e.Roots(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HierarchyNode `json:"body"`
		}{Body: roots}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-node",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}",
		Summary:     "Get node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body domain.HierarchyNode `json:"body"`
	}, error) {
		n, err := e.Node(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.HierarchyNode `json:"body"`
		}{Body: n}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-children",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/children",
		Summary:     "Direct children of a node",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body []domain.HierarchyNode `json:"body"`
	}, error) {
		children, err := e.Children(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HierarchyNode `json:"body"`
		}{Body: children}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-node-users",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/users",
		Summary:     "Users assigned to a node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *nodePath) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		users, err := e.AssignedUsers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "discover",
		Method:      http.MethodGet,
		Path:        "/nodes/{id}/discover",
		Summary:     "Discover levels below a node",
		Description: "Walks one level at a time. `path` lists the node selected at each intermediate level; `leaf` narrows the leaf set.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   int64  `path:"id"`
		Path string `query:"path" doc:"Comma-separated node ids, one per level"`
		Leaf int64  `query:"leaf"`
	}) (*struct {
		Body domain.DiscoveryResult `json:"body"`
	}, error) {
		sel, err := parseIDList(input.Path)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"path": input.Path})
		}
		var leaf *int64
		if input.Leaf > 0 {
			leaf = &input.Leaf
		}
		res, err := e.Discover(ctx, input.ID, sel, leaf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DiscoveryResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		levels, err := e.CallerLevels(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{UserID: principal.UserID, Source: principal.Source, Levels: nonNilSlice(levels)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-levels",
		Method:      http.MethodGet,
		Path:        "/me/levels",
		Summary:     "Levels the caller is assigned to",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.HierarchyNode `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		levels, err := e.CallerLevels(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.HierarchyNode `json:"body"`
		}{Body: nonNilSlice(levels)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	type reportPath struct {
		ID int64 `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "submit-report",
		Method:        http.MethodPost,
		Path:          "/reports",
		Summary:       "Submit report",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body SubmitReportRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.SubmitReport(ctx, engine.SubmitReportInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			ReportType:  input.Body.ReportType,
			LevelID:     input.Body.LevelID,
			Attachments: input.Body.Attachments,
			SubmittedBy: userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/reports",
		Summary:     "List reports",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Priority string `query:"priority"`
		Type     string `query:"type"`
		Search   string `query:"search"`
		Level    int64  `query:"level" doc:"Only reports currently at this level"`
		Mine     bool   `query:"mine" doc:"Only reports at levels the caller is assigned to"`
		Page     int    `query:"page" default:"1" minimum:"1"`
		Limit    int    `query:"limit" minimum:"0"`
	}) (*struct {
		Body domain.ReportPage `json:"body"`
	}, error) {
		f := domain.ReportFilter{
			Status:     input.Status,
			Priority:   input.Priority,
			ReportType: input.Type,
			Search:     input.Search,
			Page:       input.Page,
			Limit:      input.Limit,
		}
		if input.Mine {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			ids, err := e.Auth.CallerLevelIDs(ctx, nil, userID)
			if err != nil {
				return nil, handleError(err)
			}
			f.LevelIDs = ids
		}
		if input.Level > 0 {
			if f.LevelIDs != nil && !containsID(f.LevelIDs, input.Level) {
				f.LevelIDs = []int64{}
			} else {
				f.LevelIDs = []int64{input.Level}
			}
		}
		page, err := e.ListReports(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReportPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/reports/{id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		rep, err := e.GetReport(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-eligibility",
		Method:      http.MethodGet,
		Path:        "/reports/{id}/eligibility",
		Summary:     "Actions available to the caller",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *reportPath) (*struct {
		Body EligibilityResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		elig, err := e.Eligibility(ctx, input.ID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EligibilityResponse `json:"body"`
		}{Body: elig}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-action",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/actions",
		Summary:     "Approve, reject, forward or resolve a report",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64               `path:"id"`
		Body ReportActionRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.SubmitAction(ctx, engine.ActionRequest{
			ReportID:             input.ID,
			Action:               input.Body.Action,
			Notes:                input.Body.Notes,
			ForwardTargetLevelID: input.Body.ForwardTargetLevelID,
			ExpectedVersion:      input.Body.ExpectedVersion,
			ActorID:              userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-in-progress",
		Method:      http.MethodPost,
		Path:        "/reports/{id}/in-progress",
		Summary:     "Mark a report as being handled",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body InProgressRequest `json:"body"`
	}) (*struct {
		Body domain.Report `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.MarkInProgress(ctx, input.ID, input.Body.ExpectedVersion, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"report,node,hierarchy,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilter{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Cursor: cursorID, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		if err := e.Auth.RequireUser(ctx, userID); err != nil {
			return nil, newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
		}
		token, err := SignToken(authCfg.JWTSecret, userID, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func normalizeLimit(in int) int {
	switch {
	case in <= 0:
		return 50
	case in > 500:
		return 500
	default:
		return in
	}
}

func parseIDList(raw string) ([]int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid node id %q in path", p)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
