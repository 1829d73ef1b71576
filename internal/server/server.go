package server

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"regline/internal/address"
	"regline/internal/autosave"
	"regline/internal/domain"
	"regline/internal/flow"
	"regline/internal/repo"
	"regline/internal/upstream"
)

// Config for the HTTP API handler.
type Config struct {
	Manager  *flow.Manager
	Repo     repo.Repo
	SaveFunc autosave.SaveFunc
	BasePath string
	Logger   zerolog.Logger

	ContentDelay  time.Duration
	SettingsDelay time.Duration
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"session not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// Server is the HTTP surface of the registration flow. Close cancels
// all pending autosave timers.
type Server struct {
	router chi.Router
	hub    *draftHub
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close tears down per-form debouncers; nothing fires afterwards.
func (s *Server) Close() {
	s.hub.closeAll()
}

// New returns the registration API server.
func New(cfg Config) (*Server, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Regline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = path.Join(basePath, "docs")
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	hub := &draftHub{
		debouncers: make(map[string]*autosave.Debouncer),
		build: func() *autosave.Debouncer {
			return autosave.New(cfg.SaveFunc, cfg.ContentDelay, cfg.SettingsDelay, cfg.Logger)
		},
	}
	s := &Server{router: router, hub: hub}

	registerHealth(group)
	registerRegistrations(group, cfg)
	registerDrafts(group, cfg, hub)
	registerSessions(group, cfg)

	return s, nil
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
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, flow.ErrTerminal):
		return newAPIError(http.StatusGone, "registration_unavailable", err.Error(), nil)
	case errors.Is(err, flow.ErrStepNotAllowed):
		return newAPIError(http.StatusConflict, "step_not_allowed", err.Error(), nil)
	case errors.Is(err, address.ErrUnrecognized):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	var ae *upstream.APIError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"status": ae.StatusCode})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") || strings.Contains(lowered, "must not") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusGone:
		return "registration_unavailable"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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

func addressFromRequest(in StartRegistrationRequest) (address.Address, error) {
	populated := 0
	var addr address.Address
	if in.EventToken != "" {
		addr = address.Long(in.EventToken, in.FormID)
		populated++
	}
	if in.ShortID != "" {
		addr = address.Short(in.ShortID)
		populated++
	}
	if in.Slug != "" {
		addr = address.Slug(in.Slug)
		populated++
	}
	if populated != 1 {
		return address.Address{}, address.ErrUnrecognized
	}
	return addr, nil
}

func registerRegistrations(api huma.API, cfg Config) {
	type sessionPath struct {
		SessionID string `path:"session_id"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "start-registration",
		Method:        http.MethodPost,
		Path:          "/registrations",
		Summary:       "Start a registration session",
		Description:   "Classifies the address, resolves it, and issues the entry fetches. The response carries the settled session view, or the terminal closed/not-started view.",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body StartRegistrationRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		addr, err := addressFromRequest(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "exactly one of event_token, short_id, slug is required", nil)
		}
		sess, err := cfg.Manager.Start(ctx, addr)
		if err != nil {
			return nil, handleError(err)
		}
		sess.Wait()
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionView(sess.ID, sess.State())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-registration",
		Method:      http.MethodGet,
		Path:        "/registrations/{session_id}",
		Summary:     "Get session view",
	}, func(ctx context.Context, input *sessionPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, ok := cfg.Manager.Get(input.SessionID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionView(sess.ID, sess.State())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-identity",
		Method:      http.MethodPost,
		Path:        "/registrations/{session_id}/identity",
		Summary:     "Submit identity capture (step 1)",
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      IdentityRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, ok := cfg.Manager.Get(input.SessionID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		st, err := sess.SubmitIdentity(ctx, input.Body.Email, input.Body.FaceScanner, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionView(sess.ID, st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-form",
		Method:      http.MethodPost,
		Path:        "/registrations/{session_id}/form",
		Summary:     "Submit the dynamic form (step 2)",
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      FormSubmitRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, ok := cfg.Manager.Get(input.SessionID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		st, err := sess.SubmitForm(ctx, input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionView(sess.ID, st)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-step",
		Method:      http.MethodPost,
		Path:        "/registrations/{session_id}/step",
		Summary:     "Request an explicit step change",
		Description: "Invalid requests are corrected to the highest satisfied step, never rejected.",
	}, func(ctx context.Context, input *struct {
		SessionID string      `path:"session_id"`
		Body      StepRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		sess, ok := cfg.Manager.Get(input.SessionID)
		if !ok {
			return nil, handleError(repo.ErrNotFound)
		}
		st := sess.RequestStep(domain.Step(input.Body.Step))
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionView(sess.ID, st)}, nil
	})
}

// draftHub keeps one debouncer per form id. Autosave timers are private
// per form-builder instance; there is one writer.
type draftHub struct {
	mu         sync.Mutex
	debouncers map[string]*autosave.Debouncer
	build      func() *autosave.Debouncer
	closed     bool
}

func (h *draftHub) get(formID string) *autosave.Debouncer {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	d, ok := h.debouncers[formID]
	if !ok {
		d = h.build()
		h.debouncers[formID] = d
	}
	return d
}

func (h *draftHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, d := range h.debouncers {
		d.Close()
		delete(h.debouncers, id)
	}
}

func registerDrafts(api huma.API, cfg Config, hub *draftHub) {
	huma.Register(api, huma.Operation{
		OperationID:   "schedule-draft-save",
		Method:        http.MethodPut,
		Path:          "/forms/{form_id}/draft",
		Summary:       "Schedule a debounced draft save",
		Description:   "Rearms the quiet-period timer for the given edit kind. Incomplete drafts are skipped silently when the timer fires.",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		FormID string               `path:"form_id"`
		Body   DraftScheduleRequest `json:"body"`
	}) (*struct {
		Body DraftScheduledResponse `json:"body"`
	}, error) {
		kind := autosave.Kind(input.Body.Kind)
		if kind != autosave.KindContent && kind != autosave.KindSettings {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "kind must be content or settings", nil)
		}
		d := hub.get(input.FormID)
		if d == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		}
		d.Schedule(kind, input.Body.Draft.toDraft(input.FormID))
		return &struct {
			Body DraftScheduledResponse `json:"body"`
		}{Body: DraftScheduledResponse{Scheduled: true, Kind: string(kind)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "save-draft",
		Method:      http.MethodPost,
		Path:        "/forms/{form_id}/draft/save",
		Summary:     "Save a draft immediately",
		Description: "Explicit save; cancels pending autosave timers for the form (best-effort ordering).",
	}, func(ctx context.Context, input *struct {
		FormID string           `path:"form_id"`
		Body   DraftSaveRequest `json:"body"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		draft := input.Body.Draft.toDraft(input.FormID)
		if draft.Name == "" || draft.UserType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "formName and userType are required", nil)
		}
		d := hub.get(input.FormID)
		if d == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "shutting_down", "server is shutting down", nil)
		}
		if err := d.SaveNow(ctx, draft); err != nil {
			return nil, handleError(err)
		}
		saved, err := cfg.Repo.GetDraft(ctx, input.FormID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				saved = draft
			} else {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: DraftResponse{Draft: saved}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-draft",
		Method:      http.MethodGet,
		Path:        "/forms/{form_id}/draft",
		Summary:     "Get the stored draft",
	}, func(ctx context.Context, input *struct {
		FormID string `path:"form_id"`
	}) (*struct {
		Body DraftResponse `json:"body"`
	}, error) {
		d, err := cfg.Repo.GetDraft(ctx, input.FormID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftResponse `json:"body"`
		}{Body: DraftResponse{Draft: d}}, nil
	})
}

func registerSessions(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List persisted sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body SessionListResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListSessions(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionListResponse `json:"body"`
		}{Body: SessionListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "session-audit",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}/audit",
		Summary:     "List audit events for a session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListAuditEvents(ctx, input.SessionID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: items}}, nil
	})
}
