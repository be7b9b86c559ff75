package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"journalflow/internal/engine"
	"journalflow/internal/engine/auth"
	"journalflow/internal/obs"
	"journalflow/internal/repo"
	"journalflow/internal/workflow"
)

const (
	maxUploadBytes   = 32 << 20
	uploadBodyLimit  = maxUploadBytes*4/3 + 4096
	defaultPageLimit = 50
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	BasePath  string
	Auth      AuthConfig
	RateLimit RateLimitConfig
	// Metrics instruments the router; nil leaves it uninstrumented.
	Metrics *obs.Metrics
	// DevTokens exposes POST /auth/token for minting JWTs. Never in production.
	DevTokens bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"gate_not_satisfied"`
	Message string         `json:"message" example:"publication gates not satisfied: financial"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type bodyOutput[T any] struct {
	Body T
}

func ok[T any](v T) *bodyOutput[T] {
	return &bodyOutput[T]{Body: v}
}

// New returns an HTTP handler exposing the journalflow API.
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
		if status == http.StatusUnprocessableEntity {
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
	router.Use(accessLog)
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.Instrument)
		router.Handle("/metrics", obs.Handler())
	}
	if cfg.RateLimit.PerSecond > 0 {
		router.Use(newRateLimiter(cfg.RateLimit).middleware)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))

	hcfg := huma.DefaultConfig("journalflow API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerManuscripts(group)
	h.registerInvoice(group)
	h.registerProduction(group)
	h.registerMe(group)
	h.registerAdmin(group)
	if cfg.DevTokens {
		registerTokens(group, cfg.Auth)
	}
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

var statusByCode = map[workflow.Code]int{
	workflow.CodeIllegalTransition:   http.StatusBadRequest,
	workflow.CodeReasonRequired:      http.StatusBadRequest,
	workflow.CodePreconditionFailed:  http.StatusBadRequest,
	workflow.CodeValidation:          http.StatusBadRequest,
	workflow.CodeDuplicateAssignee:   http.StatusBadRequest,
	workflow.CodeCorrectionsRequired: http.StatusBadRequest,
	workflow.CodeUnauthorized:        http.StatusForbidden,
	workflow.CodeScopeForbidden:      http.StatusForbidden,
	workflow.CodeConflict:            http.StatusConflict,
	workflow.CodeGateNotSatisfied:    http.StatusConflict,
	workflow.CodeCycleAlreadyActive:  http.StatusConflict,
	workflow.CodeTerminalState:       http.StatusConflict,
	workflow.CodeInvalidState:        http.StatusConflict,
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var wfErr *workflow.Error
	if errors.As(err, &wfErr) {
		status, known := statusByCode[wfErr.Code]
		if !known {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if wfErr.Reason != "" {
			details = map[string]any{"reason": wfErr.Reason}
		}
		if len(wfErr.Gates) > 0 {
			details = map[string]any{"gates": wfErr.Gates}
		}
		return newAPIError(status, string(wfErr.Code), wfErr.Error(), details)
	}
	var roleErr auth.UnknownRoleError
	if errors.As(err, &roleErr) {
		return newAPIError(http.StatusBadRequest, "unknown_role", err.Error(), map[string]any{"role": roleErr.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var verrs validation.Errors
	if errors.As(err, &verrs) {
		return newAPIError(http.StatusBadRequest, string(workflow.CodeValidation), err.Error(), map[string]any{"fields": verrs})
	}
	log.Error().Err(err).Msg("unhandled api error")
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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

func validate(v validation.Validatable) huma.StatusError {
	if err := v.Validate(); err != nil {
		return handleError(err)
	}
	return nil
}

var errorStatuses = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
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
		spec []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>journalflow API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[map[string]string], error) {
		return ok(map[string]string{"status": "ok"}), nil
	})
}

func registerTokens(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-token",
		Method:      http.MethodPost,
		Path:        "/auth/token",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct{ Body TokenRequest }) (*bodyOutput[TokenResponse], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		token, err := SignToken(authCfg.JWTSecret, input.Body.ActorID, input.Body.Roles, input.Body.Journals, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return ok(TokenResponse{Token: token}), nil
	})
}

type handlers struct {
	e engine.Engine
}

type manuscriptPath struct {
	ID string `path:"id"`
}

func (h handlers) actor(ctx context.Context) (workflow.RoleContext, error) {
	return roleContext(ctx, h.e.Auth)
}

func (h handlers) registerManuscripts(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-manuscript",
		Method:        http.MethodPost,
		Path:          "/manuscripts",
		Summary:       "Submit a manuscript as its author",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct{ Body SubmitManuscriptRequest }) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := h.e.SubmitManuscript(ctx, actor, engine.SubmitRequest{ID: input.Body.ID, JournalID: input.Body.JournalID, Title: input.Body.Title})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-manuscripts",
		Method:      http.MethodGet,
		Path:        "/manuscripts",
		Summary:     "List visible manuscripts",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		JournalID string `query:"journal_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
	}) (*bodyOutput[manuscriptList], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.e.ListManuscripts(ctx, actor, engine.ListFilter{JournalID: input.JournalID, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		return ok(manuscriptList{Items: nonNilSlice(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-manuscript-state",
		Method:      http.MethodGet,
		Path:        "/manuscripts/{id}",
		Summary:     "Manuscript state for the caller",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *manuscriptPath) (*bodyOutput[engine.ManuscriptState], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		st, err := h.e.ManuscriptState(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(st), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-manuscript-events",
		Method:      http.MethodGet,
		Path:        "/manuscripts/{id}/events",
		Summary:     "Audit trail, newest first",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			before, err = strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
		}
		items, err := h.e.ManuscriptEvents(ctx, actor, input.ID, before, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return ok(resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-manuscript",
		Method:      http.MethodPost,
		Path:        "/manuscripts/{id}/transition",
		Summary:     "Request a status transition",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body TransitionBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := h.e.RequestTransition(ctx, actor, engine.TransitionRequest{
			ManuscriptID:     input.ID,
			Target:           input.Body.Target,
			Reason:           input.Body.Reason,
			ExpectedRevision: input.Body.ExpectedRevision,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](m), nil
	})

	assign := func(opID, p, summary string, op func(context.Context, workflow.RoleContext, engine.AssignmentRequest) (any, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        p,
			Summary:     summary,
			Errors:      errorStatuses,
		}, func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body AssignBody
		}) (*bodyOutput[any], error) {
			if err := validate(input.Body); err != nil {
				return nil, err
			}
			actor, err := h.actor(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			m, err := op(ctx, actor, engine.AssignmentRequest{ManuscriptID: input.ID, AssigneeID: input.Body.AssigneeID, ExpectedRevision: input.Body.ExpectedRevision})
			if err != nil {
				return nil, handleError(err)
			}
			return ok(m), nil
		})
	}
	assign("assign-assistant-editor", "/manuscripts/{id}/assistant-editor", "Assign the assistant editor",
		func(ctx context.Context, a workflow.RoleContext, r engine.AssignmentRequest) (any, error) {
			return h.e.AssignAssistantEditor(ctx, a, r)
		})
	assign("bind-owner", "/manuscripts/{id}/owner", "Bind the sales owner",
		func(ctx context.Context, a workflow.RoleContext, r engine.AssignmentRequest) (any, error) {
			return h.e.BindOwner(ctx, a, r)
		})

	huma.Register(api, huma.Operation{
		OperationID:   "invite-reviewer",
		Method:        http.MethodPost,
		Path:          "/manuscripts/{id}/reviewers",
		Summary:       "Invite a reviewer",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body InviteBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		inv, err := h.e.InviteReviewer(ctx, actor, engine.InviteRequest{ManuscriptID: input.ID, ReviewerID: input.Body.ReviewerID})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-manuscript",
		Method:      http.MethodPost,
		Path:        "/manuscripts/{id}/resubmit",
		Summary:     "Resubmit a revised manuscript",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ResubmitBody
	}) (*bodyOutput[any], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := h.e.Resubmit(ctx, actor, engine.ResubmitRequest{ManuscriptID: input.ID, Note: input.Body.Note, ExpectedRevision: input.Body.ExpectedRevision})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "attach-final-pdf",
		Method:       http.MethodPost,
		Path:         "/manuscripts/{id}/final-pdf",
		Summary:      "Attach the final production PDF",
		Errors:       errorStatuses,
		MaxBodyBytes: uploadBodyLimit,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body FinalPDFBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := h.e.AttachFinalPDF(ctx, actor, engine.FinalPDFRequest{ManuscriptID: input.ID, File: input.Body.upload(), ExpectedRevision: input.Body.ExpectedRevision})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](m), nil
	})
}

func (h handlers) registerInvoice(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "set-invoice",
		Method:      http.MethodPut,
		Path:        "/manuscripts/{id}/invoice",
		Summary:     "Create or replace the invoice",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body InvoiceBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		amount, _ := decimal.NewFromString(input.Body.Amount)
		inv, err := h.e.SetInvoice(ctx, actor, engine.InvoiceRequest{ManuscriptID: input.ID, Amount: amount, Currency: input.Body.Currency, Waive: input.Body.Waive})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payment",
		Method:      http.MethodPost,
		Path:        "/manuscripts/{id}/invoice/confirm",
		Summary:     "Confirm payment of the invoice",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ConfirmPaymentBody
	}) (*bodyOutput[any], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		inv, err := h.e.ConfirmPayment(ctx, actor, engine.ConfirmPaymentRequest{ManuscriptID: input.ID, ExpectedStatus: input.Body.ExpectedStatus})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](inv), nil
	})
}

func (h handlers) registerProduction(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-production-cycle",
		Method:        http.MethodPost,
		Path:          "/manuscripts/{id}/production-cycles",
		Summary:       "Open a production cycle",
		DefaultStatus: http.StatusCreated,
		Errors:        errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body CreateCycleBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := h.e.CreateCycle(ctx, actor, engine.CreateCycleRequest{
			ManuscriptID:          input.ID,
			LayoutEditorID:        input.Body.LayoutEditorID,
			CollaboratorEditorIDs: input.Body.CollaboratorEditorIDs,
			ProofreaderAuthorID:   input.Body.ProofreaderAuthorID,
			ProofDueAt:            input.Body.ProofDueAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-cycle-editors",
		Method:      http.MethodPatch,
		Path:        "/manuscripts/{id}/production-cycles/active/editors",
		Summary:     "Replace the active cycle's editors",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body EditorsBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := h.e.UpdateEditors(ctx, actor, engine.UpdateEditorsRequest{ManuscriptID: input.ID, LayoutEditorID: input.Body.LayoutEditorID, CollaboratorEditorIDs: input.Body.CollaboratorEditorIDs})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:  "upload-galley",
		Method:       http.MethodPost,
		Path:         "/manuscripts/{id}/production-cycles/active/galley",
		Summary:      "Upload a galley for author proofing",
		Errors:       errorStatuses,
		MaxBodyBytes: uploadBodyLimit,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body GalleyBody
	}) (*bodyOutput[any], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := h.e.UploadGalley(ctx, actor, engine.GalleyRequest{
			ManuscriptID: input.ID,
			File:         input.Body.upload(),
			VersionNote:  input.Body.VersionNote,
			ProofDueAt:   input.Body.ProofDueAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](c), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-proofreading-response",
		Method:      http.MethodPost,
		Path:        "/manuscripts/{id}/production-cycles/active/proofreading-response",
		Summary:     "Author's answer to the current galley",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body ProofResponseBody
	}) (*bodyOutput[any], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		resp, err := h.e.SubmitAuthorResponse(ctx, actor, engine.ProofResponseRequest{ManuscriptID: input.ID, Decision: input.Body.Decision, Corrections: input.Body.Corrections})
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](resp), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-production-cycle",
		Method:      http.MethodPost,
		Path:        "/manuscripts/{id}/production-cycles/active/approve",
		Summary:     "Approve the active cycle for publication",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *manuscriptPath) (*bodyOutput[any], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := h.e.ApproveCycle(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return ok[any](c), nil
	})

	move := func(opID, p, summary string, op func(context.Context, workflow.RoleContext, engine.ProductionMove) (any, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        p,
			Summary:     summary,
			Errors:      errorStatuses,
		}, func(ctx context.Context, input *struct {
			ID   string `path:"id"`
			Body ProductionMoveBody
		}) (*bodyOutput[any], error) {
			actor, err := h.actor(ctx)
			if err != nil {
				return nil, handleError(err)
			}
			m, err := op(ctx, actor, engine.ProductionMove{ManuscriptID: input.ID, Reason: input.Body.Reason, ExpectedRevision: input.Body.ExpectedRevision})
			if err != nil {
				return nil, handleError(err)
			}
			return ok(m), nil
		})
	}
	move("advance-production", "/manuscripts/{id}/production/advance", "Advance one production step",
		func(ctx context.Context, a workflow.RoleContext, r engine.ProductionMove) (any, error) {
			return h.e.AdvanceProduction(ctx, a, r)
		})
	move("revert-production", "/manuscripts/{id}/production/revert", "Revert one production step",
		func(ctx context.Context, a workflow.RoleContext, r engine.ProductionMove) (any, error) {
			return h.e.RevertProduction(ctx, a, r)
		})
}

func (h handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal with resolved roles",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*bodyOutput[WhoAmIResponse], error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return ok(whoAmI(actor, h.e.CapabilitiesFor(actor))), nil
	})
}

func whoAmI(rc workflow.RoleContext, caps workflow.CapabilitySet) WhoAmIResponse {
	roles := make([]string, 0, len(rc.Roles))
	for _, r := range rc.Roles.Slice() {
		roles = append(roles, string(r))
	}
	return WhoAmIResponse{
		ActorID:      rc.ActorID,
		Roles:        roles,
		Journals:     nonNilSlice(rc.AllowedJournalIDs),
		Capabilities: caps,
	}
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return defaultPageLimit
	}
	if in > 500 {
		return 500
	}
	return in
}

type actorGrant struct {
	Role      string `json:"role,omitempty" example:"managing_editor"`
	JournalID string `json:"journal_id,omitempty" example:"jrn-1"`
}

func (g actorGrant) Validate() error {
	return validation.ValidateStruct(&g,
		validation.Field(&g.Role, validation.Required.When(g.JournalID == "").Error("role or journal_id is required")),
	)
}

// registerAdmin exposes role and journal-scope administration to admins.
func (h handlers) registerAdmin(api huma.API) {
	admin := func(ctx context.Context) (workflow.RoleContext, error) {
		actor, err := h.actor(ctx)
		if err != nil {
			return actor, err
		}
		if !actor.IsAdmin {
			return actor, workflow.Unauthorized("administer_roles")
		}
		return actor, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "grant-actor",
		Method:      http.MethodPost,
		Path:        "/actors/{actor}/grants",
		Summary:     "Grant a role or journal scope",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Actor string `path:"actor"`
		Body  actorGrant
	}) (*bodyOutput[WhoAmIResponse], error) {
		if err := validate(input.Body); err != nil {
			return nil, err
		}
		actor, err := admin(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Body.Role != "" {
			if _, err := h.e.Auth.GrantRole(ctx, input.Actor, input.Body.Role, actor.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		if input.Body.JournalID != "" {
			if err := h.e.Auth.GrantJournal(ctx, input.Actor, input.Body.JournalID, actor.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		return h.describe(ctx, input.Actor)
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-actor",
		Method:      http.MethodDelete,
		Path:        "/actors/{actor}/grants",
		Summary:     "Revoke a role or journal scope",
		Errors:      errorStatuses,
	}, func(ctx context.Context, input *struct {
		Actor     string `path:"actor"`
		Role      string `query:"role"`
		JournalID string `query:"journal_id"`
	}) (*bodyOutput[WhoAmIResponse], error) {
		if err := validate(actorGrant{Role: input.Role, JournalID: input.JournalID}); err != nil {
			return nil, err
		}
		actor, err := admin(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Role != "" {
			if err := h.e.Auth.RevokeRole(ctx, input.Actor, input.Role, actor.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		if input.JournalID != "" {
			if err := h.e.Auth.RevokeJournal(ctx, input.Actor, input.JournalID, actor.ActorID); err != nil {
				return nil, handleError(err)
			}
		}
		return h.describe(ctx, input.Actor)
	})
}

func (h handlers) describe(ctx context.Context, actorID string) (*bodyOutput[WhoAmIResponse], error) {
	rc, err := h.e.Auth.RoleContext(ctx, actorID, nil, nil)
	if err != nil {
		return nil, handleError(err)
	}
	return ok(whoAmI(rc, h.e.CapabilitiesFor(rc))), nil
}
