package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"sitetrack/internal/engine"
	"sitetrack/internal/logging"
	"sitetrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *zap.Logger
	// Hub receives committed status changes for /stream. New creates one
	// when nil.
	Hub *Hub
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"「見積」から「施工中」への変更は許可されていません"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"施工中\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the sitetrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.OrNop(cfg.Logger)
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewHub(logger)
	}
	cfg.Engine.Subscribe(hub.Observe)

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema errors are malformed requests, not rejected transitions
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	api := humachi.New(router, apiConfig(basePath))
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerStatuses(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerExports(router, basePath, cfg.Engine, logger)
	router.Get(path.Join(basePath, "stream"), hub.ServeHTTP)

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
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		details := map[string]any{}
		if ve.Status != "" {
			details["status"] = ve.Status
		}
		if len(ve.Fields) > 0 {
			details["fields"] = ve.Fields
		}
		if len(details) == 0 {
			details = nil
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", ve.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var pe *engine.PersistenceError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusServiceUnavailable, "persistence_failed", "storage unavailable", map[string]any{"op": pe.Op, "error": pe.Err.Error()})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

// repoError wraps a direct repository failure the way the engine does, so
// handleError maps it to persistence_failed.
func repoError(op string, err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return &engine.PersistenceError{Op: op, Err: err}
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
	case http.StatusServiceUnavailable:
		return "persistence_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// apiConfig serves the OpenAPI document at <base>/openapi.json (and .yaml) and the docs
// page at /docs. Every operation except health requires a bearer token.
func apiConfig(basePath string) huma.Config {
	hcfg := huma.DefaultConfig("sitetrack API", "1.0.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = "/docs"
	if hcfg.Components == nil {
		hcfg.Components = &huma.Components{}
	}
	if hcfg.Components.SecuritySchemes == nil {
		hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	hcfg.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	hcfg.Security = []map[string][]string{{"bearerAuth": {}}}
	return hcfg
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Security:    []map[string][]string{},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
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
