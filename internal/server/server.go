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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fieldline/internal/assist"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/engine/gate"
	"fieldline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Assist   assist.Generator
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"engineering capability required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
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

// New returns an HTTP handler exposing the Fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSiteStatus(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerDeliveries(group, cfg.Engine)
	registerAssist(group, cfg.Assist)
	registerEvents(group, cfg.Engine)
	registerEngineeringAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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
	var fe gate.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, gate.ErrInvalidCredential) {
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "not a recognized"),
		strings.Contains(lowered, "cannot be edited"),
		strings.Contains(lowered, "completion photo"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			// Only the engineering operations demand the bearer token.
			if strings.HasSuffix(route, "/approve") || strings.HasSuffix(route, "/reject") {
				op.Security = security
			}
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
    <title>Fieldline API Docs</title>
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
      Approve/reject require Authorization: Bearer &lt;token&gt; from the engineering login.
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

func registerSiteStatus(api huma.API, e engine.Engine) {
	type sitePath struct {
		SiteID string `path:"site_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "site-status",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/status",
		Summary:     "Site status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *sitePath) (*struct {
		Body SiteStatusResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetSite(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountIssuesByStatus(ctx, s.ID)
		if err != nil {
			return nil, handleError(err)
		}
		issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: s.ID})
		if err != nil {
			return nil, handleError(err)
		}
		day := today(e)
		overdue := 0
		for _, iss := range issues {
			if engine.IsOverdue(iss, day) {
				overdue++
			}
		}
		byStatus := map[string]int{}
		for status, n := range counts {
			byStatus[string(status)] = n
		}
		return &struct {
			Body SiteStatusResponse `json:"body"`
		}{Body: SiteStatusResponse{
			SiteID:          s.ID,
			Name:            s.Name,
			IssueCounts:     byStatus,
			PendingApproval: engine.PendingApprovalCount(issues),
			OverdueIssues:   overdue,
		}}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-issue",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/issues",
		Summary:       "Create issue",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string             `path:"site_id"`
		Body   CreateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		iss, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
			SiteID:      input.SiteID,
			Title:       input.Body.Title,
			Description: strOrEmpty(input.Body.Description),
			Priority:    domain.Priority(strOrEmpty(input.Body.Priority)),
			Location:    input.Body.Location,
			RequestedBy: input.Body.RequestedBy,
			Assignee:    input.Body.Assignee,
			Deadline:    input.Body.Deadline,
			Photos:      input.Body.Photos,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/issues",
		Summary:     "List issues, filtered and ranked",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		SiteID        string `path:"site_id"`
		Tab           string `query:"tab" enum:"active,history" required:"false"`
		Status        string `query:"status" required:"false"`
		Priority      string `query:"priority" required:"false"`
		Assignee      string `query:"assignee" required:"false"`
		DeadlineUntil string `query:"deadline_until" required:"false"`
		Q             string `query:"q" required:"false"`
	}) (*struct {
		Body []IssueResponse `json:"body"`
	}, error) {
		issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: input.SiteID})
		if err != nil {
			return nil, handleError(err)
		}
		filtered := engine.FilterIssues(issues, input.Tab, engine.IssueListFilters{
			Status:        input.Status,
			Priority:      input.Priority,
			Assignee:      input.Assignee,
			DeadlineUntil: input.DeadlineUntil,
		}, input.Q)
		return &struct {
			Body []IssueResponse `json:"body"`
		}{Body: mapIssues(filtered, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		iss, err := e.Repo.GetIssue(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-issue",
		Method:      http.MethodPatch,
		Path:        "/issues/{id}",
		Summary:     "Edit an open or rejected issue",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		var priority *domain.Priority
		if input.Body.Priority != nil {
			p := domain.Priority(*input.Body.Priority)
			priority = &p
		}
		iss, err := e.UpdateIssue(ctx, engine.IssueUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    priority,
			Location:    input.Body.Location,
			Assignee:    input.Body.Assignee,
			Deadline:    input.Body.Deadline,
			Photos:      input.Body.Photos,
			ActorID:     actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/start",
		Summary:     "Start or restart resolution",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body StartIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		iss, err := e.StartResolution(ctx, input.ID, strOrEmpty(input.Body.Assignee), actorIDFromContext(ctx), false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/submit",
		Summary:     "Submit for engineering approval",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body SubmitIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		iss, err := e.SubmitForApproval(ctx, input.ID, input.Body.CompletionPhotos, actorIDFromContext(ctx), false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/approve",
		Summary:     "Approve a waiting issue (engineering)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		ctx, err := requireEngineering(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		iss, err := e.ApproveIssue(ctx, input.ID, actorIDFromContext(ctx), false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-issue",
		Method:      http.MethodPost,
		Path:        "/issues/{id}/reject",
		Summary:     "Reject a waiting issue (engineering)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body RejectIssueRequest `json:"body"`
	}) (*struct {
		Body IssueResponse `json:"body"`
	}, error) {
		ctx, err := requireEngineering(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		iss, err := e.RejectIssue(ctx, input.ID, strOrEmpty(input.Body.Reason), actorIDFromContext(ctx), false)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IssueResponse `json:"body"`
		}{Body: issueResponse(iss, today(e))}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "approval-queue",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/approvals",
		Summary:     "Issues awaiting engineering sign-off",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Q      string `query:"q" required:"false"`
	}) (*struct {
		Body []IssueResponse `json:"body"`
	}, error) {
		issues, err := e.Repo.ListIssues(ctx, repo.IssueFilters{SiteID: input.SiteID})
		if err != nil {
			return nil, handleError(err)
		}
		queue := engine.ApprovalQueue(issues, input.Q)
		return &struct {
			Body []IssueResponse `json:"body"`
		}{Body: mapIssues(queue, today(e))}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-delivery",
		Method:        http.MethodPost,
		Path:          "/sites/{site_id}/deliveries",
		Summary:       "Schedule delivery",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		SiteID string                `path:"site_id"`
		Body   CreateDeliveryRequest `json:"body"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, err := e.ScheduleDelivery(ctx, engine.DeliveryCreateOptions{
			SiteID:        input.SiteID,
			Material:      input.Body.Material,
			Supplier:      input.Body.Supplier,
			Quantity:      input.Body.Quantity,
			Unit:          input.Body.Unit,
			ExpectedDate:  input.Body.ExpectedDate,
			InvoiceNumber: strOrEmpty(input.Body.InvoiceNumber),
			ActorID:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: deliveryResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-deliveries",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/deliveries",
		Summary:     "List deliveries, filtered, by expected date",
	}, func(ctx context.Context, input *struct {
		SiteID   string `path:"site_id"`
		Status   string `query:"status" required:"false"`
		Date     string `query:"date" required:"false"`
		Material string `query:"material" required:"false"`
		Invoice  string `query:"invoice" required:"false"`
		Q        string `query:"q" required:"false"`
	}) (*struct {
		Body []DeliveryResponse `json:"body"`
	}, error) {
		deliveries, err := e.Repo.ListDeliveries(ctx, repo.DeliveryFilters{SiteID: input.SiteID})
		if err != nil {
			return nil, handleError(err)
		}
		filtered := engine.FilterDeliveries(deliveries, engine.DeliveryListFilters{
			Status:   input.Status,
			Date:     input.Date,
			Material: input.Material,
			Invoice:  input.Invoice,
		}, input.Q)
		return &struct {
			Body []DeliveryResponse `json:"body"`
		}{Body: mapDeliveries(filtered)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-delivery",
		Method:      http.MethodGet,
		Path:        "/deliveries/{id}",
		Summary:     "Get delivery",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		d, err := e.Repo.GetDelivery(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: deliveryResponse(d)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "receive-delivery",
		Method:      http.MethodPost,
		Path:        "/deliveries/{id}/receive",
		Summary:     "Receive a scheduled delivery",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body ReceiveDeliveryRequest `json:"body"`
	}) (*struct {
		Body ReceiveDeliveryResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		d, draft, err := e.ReceiveDelivery(ctx, engine.ReceiveOptions{
			ID:            input.ID,
			Outcome:       domain.DeliveryStatus(input.Body.Outcome),
			ReceiverName:  input.Body.ReceiverName,
			Signature:     input.Body.Signature,
			ReceiptPhotos: input.Body.ReceiptPhotos,
			Notes:         strOrEmpty(input.Body.Notes),
			ActorID:       actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReceiveDeliveryResponse `json:"body"`
		}{Body: ReceiveDeliveryResponse{
			Delivery:   deliveryResponse(d),
			IssueDraft: draftResponse(draft),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-delivery-issue",
		Method:      http.MethodPost,
		Path:        "/deliveries/{id}/link",
		Summary:     "Link a delivery to the issue its receipt spawned",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body LinkDeliveryRequest `json:"body"`
	}) (*struct {
		Body DeliveryResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.IssueID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "issue_id is required", nil)
		}
		d, err := e.LinkDeliveryIssue(ctx, input.ID, input.Body.IssueID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeliveryResponse `json:"body"`
		}{Body: deliveryResponse(d)}, nil
	})
}

func registerAssist(api huma.API, g assist.Generator) {
	huma.Register(api, huma.Operation{
		OperationID: "assist-describe",
		Method:      http.MethodPost,
		Path:        "/assist/describe",
		Summary:     "Draft an issue description",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body AssistDescribeRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		text := assist.SafeDescribe(ctx, g, assist.Request{
			Title:    input.Body.Title,
			Location: strOrEmpty(input.Body.Location),
			Priority: domain.Priority(strOrEmpty(input.Body.Priority)),
		})
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"description": text}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/events",
		Summary:     "Site activity feed",
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		Limit  int    `query:"limit" required:"false"`
		Cursor string `query:"cursor" required:"false"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 || limit > 500 {
			limit = 100
		}
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, cursor, input.SiteID, "", "", "")
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		next := ""
		if len(items) == limit && limit > 0 {
			next = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: paginatedEvents{Items: res, NextCursor: next}}, nil
	})
}

func registerEngineeringAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "engineering-login",
		Method:      http.MethodPost,
		Path:        "/auth/engineering/login",
		Summary:     "Unlock the engineering workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EngineeringLoginRequest `json:"body"`
	}) (*struct {
		Body EngineeringLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if err := authCfg.Gate.Authenticate(input.Body.Password); err != nil {
			return nil, handleError(err)
		}
		actorID := strOrEmpty(input.Body.ActorID)
		if actorID == "" {
			actorID = actorIDFromContext(ctx)
		}
		now := nowOf(e)
		session := domain.GateSession{
			ID:       uuid.NewString(),
			ActorID:  actorID,
			IssuedAt: now.UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertGateSession(ctx, nil, session); err != nil {
			return nil, handleError(err)
		}
		token, err := SignEngineeringToken(authCfg.JWTSecret, actorID, session.ID, now)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body EngineeringLoginResponse `json:"body"`
		}{Body: EngineeringLoginResponse{Token: token, SessionID: session.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "engineering-logout",
		Method:      http.MethodPost,
		Path:        "/auth/engineering/logout",
		Summary:     "Revoke the current engineering session",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.SessionID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "engineering session required", nil)
		}
		now := nowOf(e).UTC().Format(time.RFC3339)
		if err := e.Repo.RevokeGateSession(ctx, p.SessionID, now); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "logged_out"}}, nil
	})
}

func nowOf(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func today(e engine.Engine) string {
	return nowOf(e).UTC().Format("2006-01-02")
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil || req.Body == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	req.Body = io.NopCloser(bytes.NewBuffer(data))
	return data
}
