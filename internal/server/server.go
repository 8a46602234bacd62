package server

import (
	"bytes"
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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"porthub/internal/collector"
	"porthub/internal/domain"
	"porthub/internal/engine"
	"porthub/internal/notify"
	"porthub/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Repo      repo.Repo
	Outbox    notify.Outbox
	Collector *collector.Registry
	BasePath  string
	Auth      AuthConfig
	Logger    *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"claim job: job JOB-1234 changed state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"kind\":\"conflict\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// api bundles what the route handlers share.
type api struct {
	engine    engine.Engine
	repo      repo.Repo
	outbox    notify.Outbox
	collector *collector.Registry
	auth      AuthConfig
	logger    *slog.Logger
}

// New returns an HTTP handler exposing the PortHub API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Collector == nil {
		cfg.Collector = collector.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("PortHub API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := api{
		engine:    cfg.Engine,
		repo:      cfg.Repo,
		outbox:    cfg.Outbox,
		collector: cfg.Collector,
		auth:      cfg.Auth,
		logger:    cfg.Logger,
	}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerDevAuth(group)
	a.registerAccounts(group)
	a.registerJobs(group)
	a.registerLifecycle(group)
	a.registerFeedback(group)
	a.registerInbox(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

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

// handleError maps engine rejections onto HTTP statuses. Anything else is an
// internal failure.
func (a api) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if rej, ok := engine.AsRejection(err); ok {
		details := map[string]any{"kind": string(rej.Kind)}
		switch rej.Kind {
		case engine.KindValidation:
			return newAPIError(http.StatusBadRequest, "bad_request", rej.Error(), details)
		case engine.KindAuthorization:
			return newAPIError(http.StatusForbidden, "forbidden", rej.Error(), details)
		case engine.KindNotFound:
			return newAPIError(http.StatusNotFound, "not_found", rej.Error(), details)
		case engine.KindConflict:
			return newAPIError(http.StatusConflict, "conflict", rej.Error(), details)
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	a.logger.Error("request failed", slog.Any("err", err))
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
	case http.StatusConflict:
		return "conflict"
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
	security := []map[string][]string{
		{"bearerAuth": {}},
	}
	oas.Security = security
	open := map[string]bool{
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
			if open[route] {
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
    <title>PortHub API Docs</title>
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

func (a api) registerDevAuth(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !a.auth.AllowDevHeader {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "dev login disabled", nil)
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		identity := strings.TrimSpace(input.Body.Identity)
		if identity == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "identity is required", nil)
		}
		token, err := signDevToken(a.auth.JWTSecret, identity, a.auth.TokenTTL, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func (a api) registerAccounts(group huma.API) {
	type accountBody = struct {
		Body AccountResponse `json:"body"`
	}

	huma.Register(group, huma.Operation{
		OperationID:   "register-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Register or refresh the caller's account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*accountBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acc, err := a.engine.Register(ctx, engine.RegisterInput{
			Identity:    identity,
			DisplayName: input.Body.DisplayName,
			Role:        input.Body.Role,
			Bio:         input.Body.Bio,
			Language:    input.Body.Language,
			Specialty:   input.Body.Specialty,
			Handle:      input.Body.Handle,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &accountBody{Body: accountResponse(acc, true)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current account",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*accountBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acc, err := a.engine.GetAccount(ctx, identity)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &accountBody{Body: accountResponse(acc, true)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update profile fields",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*accountBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acc, err := a.engine.UpdateProfile(ctx, identity, repo.ProfileUpdate{
			DisplayName: input.Body.DisplayName,
			Bio:         input.Body.Bio,
			Language:    input.Body.Language,
			Specialty:   input.Body.Specialty,
			Handle:      input.Body.Handle,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		return &accountBody{Body: accountResponse(acc, true)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "switch-role",
		Method:      http.MethodPost,
		Path:        "/me/role",
		Summary:     "Switch between porter and customer",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SwitchRoleRequest `json:"body"`
	}) (*accountBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acc, err := a.engine.SwitchRole(ctx, identity, input.Body.Role)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &accountBody{Body: accountResponse(acc, true)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "start-verification",
		Method:      http.MethodPost,
		Path:        "/me/verification",
		Summary:     "Issue a profile verification token",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerificationResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		token, err := a.engine.StartVerification(ctx, identity)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body VerificationResponse `json:"body"`
		}{Body: VerificationResponse{
			Token:        token,
			Instructions: "Add the token to your public profile bio, then call POST /me/verification/check.",
		}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "check-verification",
		Method:      http.MethodPost,
		Path:        "/me/verification/check",
		Summary:     "Look for the verification token on the public profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerificationCheckResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ok, err := a.engine.CheckVerification(ctx, identity)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body VerificationCheckResponse `json:"body"`
		}{Body: VerificationCheckResponse{Verified: ok}}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{identity}",
		Summary:     "Public account profile",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*accountBody, error) {
		caller, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		acc, err := a.engine.GetAccount(ctx, input.Identity)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &accountBody{Body: accountResponse(acc, acc.Identity == caller)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID:   "delete-account",
		Method:        http.MethodDelete,
		Path:          "/accounts/{identity}",
		Summary:       "Delete an account (admin only)",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Identity string `path:"identity"`
	}) (*struct{}, error) {
		caller, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.engine.DeleteAccount(ctx, caller, input.Identity); err != nil {
			return nil, a.handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "top-porters",
		Method:      http.MethodGet,
		Path:        "/porters/top",
		Summary:     "Porters ranked by likes and completed jobs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"10" minimum:"1" maximum:"100"`
	}) (*struct {
		Body []AccountResponse `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := a.engine.TopPorters(ctx, input.Limit)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []AccountResponse `json:"body"`
		}{Body: accountResponses(items)}, nil
	})
}

type jobBody = struct {
	Body domain.Job `json:"body"`
}

func (a api) registerJobs(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID:   "post-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Post a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body PostJobRequest `json:"body"`
	}) (*jobBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := a.engine.Dispatch(ctx, engine.PostJobCommand{Input: engine.PostJobInput{
			CustomerIdentity: identity,
			Category:         input.Body.Category,
			Location:         input.Body.Location,
			Payment:          input.Body.Payment,
			Description:      input.Body.Description,
			NeededBy:         input.Body.NeededBy,
		}})
		return a.jobResult(res)
	})

	huma.Register(group, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "Open jobs, newest first",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Page int `query:"page" default:"1" minimum:"1"`
	}) (*struct {
		Body engine.JobPage `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		page, err := a.engine.ListOpenJobs(ctx, input.Page)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body engine.JobPage `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_number}",
		Summary:     "Get job",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobNumber string `path:"job_number"`
	}) (*jobBody, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := a.engine.GetJob(ctx, input.JobNumber)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &jobBody{Body: j}, nil
	})
}

func (a api) jobResult(res engine.Result) (*jobBody, error) {
	if !res.OK() {
		return nil, a.handleError(res.Failure())
	}
	return &jobBody{Body: res.Job}, nil
}

type jobPath struct {
	JobNumber string `path:"job_number"`
}

func (a api) registerLifecycle(group huma.API) {
	lifecycleErrors := []int{
		http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
	}

	huma.Register(group, huma.Operation{
		OperationID: "claim-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_number}/claim",
		Summary:     "Request to take an open job",
		Errors:      lifecycleErrors,
	}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return a.jobResult(a.engine.Dispatch(ctx, engine.ClaimJobCommand{JobNumber: input.JobNumber, PorterIdentity: identity}))
	})

	for _, decision := range []engine.Decision{engine.DecisionApprove, engine.DecisionDeny} {
		huma.Register(group, huma.Operation{
			OperationID: string(decision) + "-claim",
			Method:      http.MethodPost,
			Path:        "/jobs/{job_number}/" + string(decision),
			Summary:     strings.ToUpper(string(decision[:1])) + string(decision[1:]) + " the pending claim",
			Errors:      lifecycleErrors,
		}, func(ctx context.Context, input *struct {
			JobNumber string              `path:"job_number"`
			Body      ResolveClaimRequest `json:"body"`
		}) (*jobBody, error) {
			identity, authErr := identityFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			return a.jobResult(a.engine.Dispatch(ctx, engine.ResolveClaimCommand{
				JobNumber:        input.JobNumber,
				CustomerIdentity: identity,
				PorterID:         input.Body.PorterID,
				Decision:         decision,
			}))
		})
	}

	for _, outcome := range []engine.Outcome{engine.OutcomeComplete, engine.OutcomeIncomplete} {
		huma.Register(group, huma.Operation{
			OperationID: string(outcome) + "-job",
			Method:      http.MethodPost,
			Path:        "/jobs/{job_number}/" + string(outcome),
			Summary:     "Confirm the job as " + string(outcome),
			Errors:      lifecycleErrors,
		}, func(ctx context.Context, input *jobPath) (*jobBody, error) {
			identity, authErr := identityFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			return a.jobResult(a.engine.Dispatch(ctx, engine.ResolveCompletionCommand{
				JobNumber:     input.JobNumber,
				ActorIdentity: identity,
				Outcome:       outcome,
			}))
		})
	}
}

const defaultAwaitTimeout = 2 * time.Minute

func (a api) registerFeedback(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "submit-feedback",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_number}/feedback",
		Summary:     "Like or dislike the porter of a completed job",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobNumber string          `path:"job_number"`
		Body      FeedbackRequest `json:"body"`
	}) (*struct {
		Body engine.FeedbackOutcome `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := a.engine.Dispatch(ctx, engine.SubmitFeedbackCommand{
			JobNumber:        input.JobNumber,
			ReviewerIdentity: identity,
			Verdict:          engine.Verdict(input.Body.Verdict),
		})
		if !res.OK() {
			return nil, a.handleError(res.Failure())
		}
		return &struct {
			Body engine.FeedbackOutcome `json:"body"`
		}{Body: *res.Feedback}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "await-feedback",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_number}/feedback/await",
		Summary:     "Wait for the customer's reply to the feedback prompt",
		Description: "Blocks until a reply is posted to /inbox/reply or the timeout passes. A timeout is recorded as skip.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		JobNumber string               `path:"job_number"`
		Body      AwaitFeedbackRequest `json:"body" required:"false"`
	}) (*struct {
		Body AwaitFeedbackResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := a.engine.GetJob(ctx, input.JobNumber)
		if err != nil {
			return nil, a.handleError(err)
		}
		caller, err := a.engine.GetAccount(ctx, identity)
		if err != nil {
			return nil, a.handleError(err)
		}
		if j.Status != domain.StatusCompleted {
			return nil, newAPIError(http.StatusConflict, "conflict", fmt.Sprintf("job %s is %s, not COMPLETED", j.Number, j.Status), nil)
		}
		if caller.ID != j.CustomerID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "only the job's customer gives feedback", nil)
		}
		timeout := defaultAwaitTimeout
		if a.engine.Config != nil && a.engine.Config.Feedback.AwaitTimeout > 0 {
			timeout = a.engine.Config.Feedback.AwaitTimeout
		}
		if input.Body.TimeoutSeconds > 0 {
			timeout = time.Duration(input.Body.TimeoutSeconds) * time.Second
		}
		pending, err := a.collector.Expect(collector.FeedbackKey(j.Number, identity), timeout)
		if err != nil {
			return nil, newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
		}
		defer pending.Cancel()

		verdict := engine.VerdictSkip
		timedOut := false
		reply, err := pending.Wait(ctx)
		switch {
		case errors.Is(err, collector.ErrTimeout):
			timedOut = true
		case err != nil:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "wait canceled", nil)
		default:
			if v, ok := engine.ParseVerdict(reply); ok {
				verdict = v
			}
		}
		res := a.engine.Dispatch(ctx, engine.SubmitFeedbackCommand{JobNumber: j.Number, ReviewerIdentity: identity, Verdict: verdict})
		if !res.OK() {
			return nil, a.handleError(res.Failure())
		}
		return &struct {
			Body AwaitFeedbackResponse `json:"body"`
		}{Body: AwaitFeedbackResponse{Verdict: string(verdict), TimedOut: timedOut, Feedback: *res.Feedback}}, nil
	})
}

func (a api) registerInbox(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/me/inbox",
		Summary:     "Messages delivered to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := a.outbox.Inbox(ctx, identity, normalizeLimit(input.Limit))
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(group, huma.Operation{
		OperationID: "inbox-reply",
		Method:      http.MethodPost,
		Path:        "/inbox/reply",
		Summary:     "Answer a pending prompt",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body InboxReplyRequest `json:"body"`
	}) (*struct {
		Body InboxReplyResponse `json:"body"`
	}, error) {
		identity, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.JobNumber) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "job_number is required", nil)
		}
		ok := a.collector.Offer(collector.FeedbackKey(input.Body.JobNumber, identity), strings.TrimSpace(input.Body.Reply))
		return &struct {
			Body InboxReplyResponse `json:"body"`
		}{Body: InboxReplyResponse{Accepted: ok}}, nil
	})
}

func (a api) registerEvents(group huma.API) {
	huma.Register(group, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"job,account,feedback"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := a.repo.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
		})
		if err != nil {
			return nil, a.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
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
