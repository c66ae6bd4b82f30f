package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/repo"
	"upkeep/internal/storage"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Store    *storage.DiskStore
	Mediator *storage.Mediator
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"entity is in status \"completed\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Upkeep API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Upkeep API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerAccounts(group, cfg.Engine)
	registerProperties(group, cfg.Engine)
	registerAssetTypes(group, cfg.Engine)
	registerAssets(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerUploadSlots(group, cfg.Mediator)
	registerEvidenceUpload(router, basePath, cfg.Engine, cfg.Mediator)
	registerEvidenceStore(router, cfg.Store)
	registerOpenAPI(router, api, basePath)

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

// handleError maps domain errors onto the wire taxonomy. Assignment failures
// surface as not_found on purpose.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": string(fe.Role)})
	}
	if errors.Is(err, auth.ErrNotAssigned) || errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var sce engine.StateConflictError
	if errors.As(err, &sce) {
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), map[string]any{"current_status": sce.Current})
	}
	var ire engine.InvalidReferenceError
	if errors.As(err, &ire) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_reference", err.Error(), map[string]any{"kind": ire.Kind, "id": ire.ID})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ipe storage.InvalidPayloadError
	if errors.As(err, &ipe) {
		return newAPIError(http.StatusBadRequest, "invalid_payload", err.Error(), nil)
	}
	if errors.Is(err, storage.ErrPayloadTooLarge) {
		return newAPIError(http.StatusRequestEntityTooLarge, "payload_too_large", err.Error(), nil)
	}
	if errors.Is(err, storage.ErrObjectExists) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, storage.ErrSlotExpired) {
		return newAPIError(http.StatusForbidden, "slot_expired", err.Error(), nil)
	}
	var ue storage.UnavailableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "storage_unavailable", "evidence store unavailable", nil)
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
		return "invalid_reference"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI) {
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
	oas.Security = []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Upkeep API Docs</title>
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

func registerAuth(api huma.API, e *engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/auth/signup",
		Summary:       "Create owner account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		account, err := e.CreateOwner(ctx, engine.CreateOwnerParams{
			Email:    input.Body.Email,
			Name:     input.Body.Name,
			Password: input.Body.Password,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(account)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in and receive a token",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		account, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now()
		token, expires, err := IssueToken(authCfg.JWTSecret, account.ID, authCfg.TokenTTL, now)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{
			Token:     token,
			ExpiresAt: expires.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Account:   accountResponse(account),
		}}, nil
	})
}

func registerAccounts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current account",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		account, err := e.Repo.GetAccount(ctx, p.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(account)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-operator",
		Method:        http.MethodPost,
		Path:          "/operators",
		Summary:       "Create operator",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateOperatorRequest `json:"body"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		account, err := e.CreateOperator(ctx, p, engine.CreateOperatorParams{
			Email:    input.Body.Email,
			Name:     input.Body.Name,
			Password: input.Body.Password,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(account)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-operators",
		Method:      http.MethodGet,
		Path:        "/operators",
		Summary:     "List operators",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		accounts, err := e.ListOperators(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]AccountResponse, 0, len(accounts))
		for _, a := range accounts {
			out = append(out, accountResponse(a))
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-operator",
		Method:      http.MethodDelete,
		Path:        "/operators/{id}",
		Summary:     "Deactivate operator",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AccountResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		account, err := e.DeactivateOperator(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AccountResponse `json:"body"`
		}{Body: accountResponse(account)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		key, raw, err := e.CreateAPIKey(ctx, p, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, Name: key.Name, CreatedAt: key.CreatedAt, Key: raw}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-api-key",
		Method:        http.MethodDelete,
		Path:          "/api-keys/{id}",
		Summary:       "Delete API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProperties(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-property",
		Method:        http.MethodPost,
		Path:          "/properties",
		Summary:       "Create property",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body PropertyRequest `json:"body"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prop, err := e.CreateProperty(ctx, p, engine.PropertyParams{Name: input.Body.Name, Address: input.Body.Address})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-properties",
		Method:      http.MethodGet,
		Path:        "/properties",
		Summary:     "List properties",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Property `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		props, err := e.ListProperties(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Property `json:"body"`
		}{Body: props}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-property",
		Method:      http.MethodGet,
		Path:        "/properties/{id}",
		Summary:     "Get property",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prop, err := e.GetProperty(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: prop}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-property",
		Method:      http.MethodPatch,
		Path:        "/properties/{id}",
		Summary:     "Update property",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body PropertyRequest `json:"body"`
	}) (*struct {
		Body domain.Property `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prop, err := e.UpdateProperty(ctx, p, input.ID, engine.PropertyParams{Name: input.Body.Name, Address: input.Body.Address})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Property `json:"body"`
		}{Body: prop}, nil
	})
}

func registerAssetTypes(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-asset-type",
		Method:        http.MethodPost,
		Path:          "/asset-types",
		Summary:       "Create asset type",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AssetTypeRequest `json:"body"`
	}) (*struct {
		Body domain.AssetType `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.CreateAssetType(ctx, p, engine.AssetTypeParams{Name: input.Body.Name, Category: input.Body.Category})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AssetType `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-asset-types",
		Method:      http.MethodGet,
		Path:        "/asset-types",
		Summary:     "List asset types",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AssetType `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		types, err := e.ListAssetTypes(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AssetType `json:"body"`
		}{Body: types}, nil
	})
}

func registerAssets(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-asset",
		Method:        http.MethodPost,
		Path:          "/assets",
		Summary:       "Create asset",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body AssetRequest `json:"body"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asset, err := e.CreateAsset(ctx, p, engine.AssetParams{
			TypeID:     input.Body.TypeID,
			PropertyID: input.Body.PropertyID,
			Name:       input.Body.Name,
			Status:     input.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: asset}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assets",
		Method:      http.MethodGet,
		Path:        "/assets",
		Summary:     "List assets",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		PropertyID string `query:"property_id"`
	}) (*struct {
		Body []domain.Asset `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		assets, err := e.ListAssets(ctx, p, input.PropertyID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Asset `json:"body"`
		}{Body: assets}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-asset",
		Method:      http.MethodGet,
		Path:        "/assets/{id}",
		Summary:     "Get asset",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Asset `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		asset, err := e.GetAsset(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Asset `json:"body"`
		}{Body: asset}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.CreateTask(ctx, p, engine.CreateTaskParams{
			Title:            input.Body.Title,
			Description:      stringOrEmpty(input.Body.Description),
			AssetID:          input.Body.AssetID,
			AssigneeID:       input.Body.AssigneeID,
			Priority:         priorityOrEmpty(input.Body.Priority),
			ScheduledDate:    input.Body.ScheduledDate,
			EstimatedMinutes: intOrZero(input.Body.EstimatedMinutes),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"pending,in_progress,pending_verification,completed,requires_attention"`
		Priority   string `query:"priority" enum:"low,medium,high,critical"`
		PropertyID string `query:"property_id"`
		AssetID    string `query:"asset_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, p, repo.TaskFilters{
			Status:     domain.TaskStatus(input.Status),
			Priority:   domain.Priority(input.Priority),
			PropertyID: input.PropertyID,
			AssetID:    input.AssetID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: taskResponses(tasks, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.GetTask(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task details",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		params := engine.UpdateTaskParams{
			Title:            input.Body.Title,
			Description:      input.Body.Description,
			AssetID:          input.Body.AssetID,
			AssigneeID:       input.Body.AssigneeID,
			ScheduledDate:    input.Body.ScheduledDate,
			EstimatedMinutes: input.Body.EstimatedMinutes,
		}
		if input.Body.Priority != nil {
			pr := domain.Priority(*input.Body.Priority)
			params.Priority = &pr
		}
		task, err := e.UpdateTask(ctx, p, input.ID, params)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, p, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/start",
		Summary:     "Start work on a task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.StartTask(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/submit",
		Summary:     "Submit task for verification",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.SubmitForVerification(ctx, p, input.ID, engine.SubmitParams{
			EvidenceURL:     input.Body.EvidenceURL,
			CompletionNotes: input.Body.CompletionNotes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/verify",
		Summary:     "Approve or reject a submitted task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body VerifyTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.VerifyTask(ctx, p, input.ID, engine.VerifyParams{
			Approve: input.Body.Approve,
			Notes:   input.Body.Notes,
			Reason:  input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/resume",
		Summary:     "Resume a rejected task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ResumeTask(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})
}

func registerIssues(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-issue",
		Method:        http.MethodPost,
		Path:          "/issues/report",
		Summary:       "Report an issue (resident intake, no auth)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body ReportIssueRequest `json:"body"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		issue, err := e.ReportIssue(ctx, engine.ReportIssueParams{
			OwnerID:         input.Body.OwnerID,
			PropertyID:      input.Body.PropertyID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			ReporterName:    input.Body.ReporterName,
			ReporterContact: input.Body.ReporterContact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"open,converted,dismissed"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issues, err := e.ListIssues(ctx, p, domain.IssueStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: issues}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.GetIssue(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "convert-issue",
		Method:        http.MethodPost,
		Path:          "/issues/{id}/convert",
		Summary:       "Convert issue to task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ConvertIssueRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		task, err := e.ConvertIssue(ctx, p, input.ID, engine.ConvertIssueParams{
			AssetID:          input.Body.AssetID,
			AssigneeID:       input.Body.AssigneeID,
			Priority:         priorityOrEmpty(input.Body.Priority),
			ScheduledDate:    input.Body.ScheduledDate,
			EstimatedMinutes: intOrZero(input.Body.EstimatedMinutes),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(task, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dismiss-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/dismiss",
		Summary:     "Dismiss issue",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Issue `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		issue, err := e.DismissIssue(ctx, p, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Issue `json:"body"`
		}{Body: issue}, nil
	})
}

func registerDashboard(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Owner dashboard counts",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body DashboardResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.Dashboard(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DashboardResponse `json:"body"`
		}{Body: dashboardResponse(counts)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List audit events",
		Errors:      []int{http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evts, err := e.ListEvents(ctx, p, input.EntityKind, input.EntityID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func registerUploadSlots(api huma.API, m *storage.Mediator) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-upload-slot",
		Method:        http.MethodPost,
		Path:          "/evidence/upload-slot",
		Summary:       "Request a signed client-direct upload URL",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UploadSlotRequest `json:"body"`
	}) (*struct {
		Body storage.SignedSlot `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		slot, err := m.RequestUploadSlot(p, input.Body.Filename, input.Body.ContentType)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body storage.SignedSlot `json:"body"`
		}{Body: slot}, nil
	})
}
