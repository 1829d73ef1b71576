package server

import (
	"regline/internal/domain"
	"regline/internal/flow"
	"regline/internal/repo"
)

// Request payloads

// StartRegistrationRequest carries exactly one address variant.
type StartRegistrationRequest struct {
	EventToken string `json:"event_token,omitempty" doc:"Pre-encrypted event token (long-form address)"`
	FormID     string `json:"form_id,omitempty" doc:"Explicit form id, long-form only"`
	ShortID    string `json:"short_id,omitempty" doc:"Legacy short identifier"`
	Slug       string `json:"slug,omitempty" doc:"Human-readable event slug"`
}

type IdentityRequest struct {
	Email       string         `json:"email"`
	FaceScanner bool           `json:"face_scanner,omitempty"`
	Fields      map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type FormSubmitRequest struct {
	Fields map[string]any `json:"fields" jsonschema:"type=object,additionalProperties=true"`
}

type StepRequest struct {
	Step int `json:"step" minimum:"1" maximum:"3"`
}

type DraftPayload struct {
	FormName string              `json:"formName"`
	UserType string              `json:"userType"`
	Elements []domain.FormField  `json:"elements,omitempty"`
	Settings domain.FormSettings `json:"settings,omitempty"`
}

type DraftScheduleRequest struct {
	Kind  string       `json:"kind" enum:"content,settings"`
	Draft DraftPayload `json:"draft"`
}

type DraftSaveRequest struct {
	Draft DraftPayload `json:"draft"`
}

// Responses

// SessionResponse is the rendered view of a registration session.
type SessionResponse struct {
	SessionID   string                 `json:"session_id"`
	Step        int                    `json:"step"`
	StepName    string                 `json:"step_name"`
	AllowedStep int                    `json:"allowed_step"`
	Loading     bool                   `json:"loading"`
	Terminal    bool                   `json:"terminal"`
	Message     string                 `json:"message,omitempty"`
	Event       *domain.EventRecord    `json:"event,omitempty"`
	Form        *domain.FormDefinition `json:"form,omitempty"`
	FormData    map[string]any         `json:"form_data,omitempty" jsonschema:"type=object,additionalProperties=true"`
	QRSession   *domain.QRSession      `json:"qr_session,omitempty"`
}

type DraftResponse struct {
	Draft domain.FormDraft `json:"draft"`
}

type DraftScheduledResponse struct {
	Scheduled bool   `json:"scheduled"`
	Kind      string `json:"kind"`
}

type SessionListResponse struct {
	Items []domain.SessionSnapshot `json:"items"`
}

type AuditListResponse struct {
	Items []repo.AuditEvent `json:"items"`
}

func sessionView(id string, st flow.State) SessionResponse {
	resp := SessionResponse{
		SessionID:   id,
		Step:        int(st.Step),
		StepName:    st.Step.String(),
		AllowedStep: int(flow.AllowedStep(st)),
		Loading:     st.Loading(),
		Terminal:    st.Terminal != nil,
		Event:       st.Event,
		Form:        st.Form,
		FormData:    st.FormData,
		QRSession:   st.QRSession,
	}
	if st.Terminal != nil {
		resp.Message = st.Terminal.Message
	}
	return resp
}

func (p DraftPayload) toDraft(formID string) domain.FormDraft {
	return domain.FormDraft{
		FormID:   formID,
		Name:     p.FormName,
		UserType: p.UserType,
		Elements: p.Elements,
		Settings: p.Settings,
	}
}
