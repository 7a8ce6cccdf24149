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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"obrasurbanas/internal/catalog"
	"obrasurbanas/internal/domain"
	"obrasurbanas/internal/indicators"
	"obrasurbanas/internal/metrics"
	"obrasurbanas/internal/repo"
)

// Config for the read-only HTTP API handler.
type Config struct {
	Gateway    repo.Gateway
	Indicators indicators.Aggregator
	Metrics    *metrics.Recorder
	BasePath   string
	Auth       AuthConfig
	Logger     *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"obra 12 not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"id\":12}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the obras API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("server: gateway required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	if cfg.Indicators.Source == nil {
		cfg.Indicators.Source = cfg.Gateway
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(requestLogger(logger))
	hcfg := huma.DefaultConfig("Obras API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	cat := catalog.New(cfg.Gateway, logger)
	registerDocs(router, basePath)
	registerHealth(group)
	registerObras(group, cfg.Gateway, cat)
	registerReferences(group, cat)
	registerIndicators(group, cfg.Indicators)
	registerEvents(group, cfg.Gateway)
	registerOpenAPI(router, api, basePath)
	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	return router, nil
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			}
			if p, ok := PrincipalFromContext(r.Context()); ok {
				attrs = append(attrs, "subject", p.Subject)
			}
			logger.Debug("http request", attrs...)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var nf domain.ReferenceNotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "reference_not_found", err.Error(), map[string]any{"category": string(nf.Category), "label": nf.Label})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		if op := item.Get; op != nil {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		if item.Get == nil {
			continue
		}
		if route == healthPath {
			item.Get.Security = []map[string][]string{}
			continue
		}
		item.Get.Security = security
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="es">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Obras API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerObras(api huma.API, gw repo.Gateway, cat catalog.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-obras",
		Method:      http.MethodGet,
		Path:        "/obras",
		Summary:     "List works",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Stage string `query:"stage" doc:"stage label"`
		Type  string `query:"type" doc:"intervention type label"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body ObraList `json:"body"`
	}, error) {
		f := repo.ObraFilter{Limit: normalizeLimit(input.Limit)}
		if input.Stage != "" {
			ref, err := cat.Find(ctx, domain.CategoryEtapa, input.Stage)
			if err != nil {
				return nil, handleError(err)
			}
			f.StageID = &ref.ID
		}
		if input.Type != "" {
			ref, err := cat.Find(ctx, domain.CategoryTipoIntervencion, input.Type)
			if err != nil {
				return nil, handleError(err)
			}
			f.InterventionTypeID = &ref.ID
		}
		items, err := gw.ListObras(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		labels := newLabeler(cat)
		resp := ObraList{Items: make([]ObraResponse, 0, len(items))}
		for _, o := range items {
			resp.Items = append(resp.Items, obraResponse(ctx, labels, o))
		}
		return &struct {
			Body ObraList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-obra",
		Method:      http.MethodGet,
		Path:        "/obras/{id}",
		Summary:     "Get a work",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ObraResponse `json:"body"`
	}, error) {
		o, err := gw.GetObra(ctx, input.ID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("obra %d not found", input.ID), map[string]any{"id": input.ID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body ObraResponse `json:"body"`
		}{Body: obraResponse(ctx, newLabeler(cat), o)}, nil
	})
}

func registerReferences(api huma.API, cat catalog.Catalog) {
	huma.Register(api, huma.Operation{
		OperationID: "list-references",
		Method:      http.MethodGet,
		Path:        "/references/{category}",
		Summary:     "List reference rows of a category",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Category string `path:"category" enum:"entorno,etapa,tipo_intervencion,area_responsable,comuna,barrio,empresa,contratacion,financiamiento"`
	}) (*struct {
		Body ReferenceList `json:"body"`
	}, error) {
		category, ok := domain.ParseCategory(input.Category)
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown category", map[string]any{"category": input.Category})
		}
		items, err := cat.List(ctx, category)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReferenceList `json:"body"`
		}{Body: ReferenceList{Items: nonNilSlice(items)}}, nil
	})
}

func registerIndicators(api huma.API, agg indicators.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID: "indicators",
		Method:      http.MethodGet,
		Path:        "/indicators",
		Summary:     "Aggregate indicators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body indicators.Report `json:"body"`
	}, error) {
		rep, err := agg.Compute(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		rep.ResponsibleAreas = nonNilSlice(rep.ResponsibleAreas)
		rep.InterventionTypes = nonNilSlice(rep.InterventionTypes)
		rep.Neighborhoods = nonNilSlice(rep.Neighborhoods)
		return &struct {
			Body indicators.Report `json:"body"`
		}{Body: rep}, nil
	})
}

func registerEvents(api huma.API, gw repo.Gateway) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ObraID int64  `query:"obra_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		f := repo.EventFilter{ObraID: input.ObraID, Type: input.Type, Limit: limit + 1}
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			f.BeforeID = parsed
		}
		items, err := gw.ListEvents(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
