// Package upstream is a minimal client for the event-platform HTTP API
// that the registration flow consumes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"regline/internal/domain"
)

// Client talks to the upstream event-platform API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		Timeout:    10 * time.Second,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream error: status=%d body=%s", e.StatusCode, e.Body)
}

// Status is the upstream success indicator. The API is not consistent
// about its type (bool, 0/1, "success"), so decoding tolerates all of
// them.
type Status struct {
	ok bool
}

func (s Status) OK() bool { return s.ok }

// NewStatus builds a status programmatically; fakes use it.
func NewStatus(ok bool) Status { return Status{ok: ok} }

func (s *Status) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		s.ok = t
	case float64:
		s.ok = t == 1
	case string:
		switch strings.ToLower(t) {
		case "1", "true", "ok", "success":
			s.ok = true
		}
	}
	return nil
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.ok)
}

// ResolveData is the payload of a successful address resolution.
type ResolveData struct {
	EncryptedEventData string `json:"encryptedEventData"`
	FormID             string `json:"formId"`
}

// ResolveResponse is the resolution endpoint envelope. Data is kept raw
// because its shape differs between the success and failure branches.
type ResolveResponse struct {
	Status  Status          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ResolvedData decodes the success payload.
func (r ResolveResponse) ResolvedData() (ResolveData, error) {
	var d ResolveData
	if len(r.Data) == 0 {
		return d, fmt.Errorf("resolution response has no data")
	}
	if err := json.Unmarshal(r.Data, &d); err != nil {
		return d, fmt.Errorf("decode resolution data: %w", err)
	}
	return d, nil
}

// ErrorData decodes the failure payload, if any.
func (r ResolveResponse) ErrorData() map[string]any {
	if len(r.Data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(r.Data, &m); err != nil {
		return nil
	}
	return m
}

// EventResult is the result object of getEventByToken. Exactly one of
// Event or ParticipantUser is populated: a participantUser signals the
// visitor is already mid-or-post registration for this token.
type EventResult struct {
	Event           *domain.EventRecord `json:"event,omitempty"`
	UserToken       string              `json:"user_token,omitempty"`
	VisitReason     []string            `json:"visitReason,omitempty"`
	CompanyVisit    bool                `json:"company_visit,omitempty"`
	ParticipantUser map[string]any      `json:"participantUser,omitempty"`
}

type eventResponse struct {
	Status Status `json:"status"`
	Data   struct {
		Result EventResult `json:"result"`
	} `json:"data"`
}

type formResponse struct {
	Status Status `json:"status"`
	Data   struct {
		Form domain.FormDefinition `json:"form"`
	} `json:"data"`
}

// IdentityResult is the response to an identity-capture submission.
type IdentityResult struct {
	Email       string         `json:"email"`
	FaceScanner bool           `json:"face_scanner"`
	User        map[string]any `json:"user,omitempty"`
}

// SubmissionMessage carries the participant record in one of two
// shapes, plus an optional QR image.
type SubmissionMessage struct {
	EventParticipantData map[string]any `json:"EventParticipantData,omitempty"`
	ParticipantUser      map[string]any `json:"participantUser,omitempty"`
	Base64Image          string         `json:"base64Image,omitempty"`
}

type submissionResponse struct {
	Message SubmissionMessage `json:"message"`
}

type statusResponse struct {
	Status Status `json:"status"`
}

// ResolveAddress resolves a short id or slug into an encrypted event
// token and form id. A non-OK status is returned as-is for the caller
// to classify; only transport/decode problems produce an error.
func (c *Client) ResolveAddress(ctx context.Context, identifier string) (ResolveResponse, error) {
	var resp ResolveResponse
	err := c.do(ctx, http.MethodGet, "resolve/"+url.PathEscape(identifier), nil, &resp)
	return resp, err
}

// GetEventByToken fetches event details for an encrypted token.
func (c *Client) GetEventByToken(ctx context.Context, token string) (EventResult, error) {
	var resp eventResponse
	if err := c.do(ctx, http.MethodGet, "events/by-token/"+url.PathEscape(token), nil, &resp); err != nil {
		return EventResult{}, err
	}
	if !resp.Status.OK() {
		return EventResult{}, fmt.Errorf("event fetch rejected by upstream")
	}
	return resp.Data.Result, nil
}

// GetFormByID fetches a dynamic form definition.
func (c *Client) GetFormByID(ctx context.Context, formID string) (domain.FormDefinition, error) {
	var resp formResponse
	if err := c.do(ctx, http.MethodGet, "forms/"+url.PathEscape(formID), nil, &resp); err != nil {
		return domain.FormDefinition{}, err
	}
	if !resp.Status.OK() {
		return domain.FormDefinition{}, fmt.Errorf("form fetch rejected by upstream")
	}
	return resp.Data.Form, nil
}

// SubmitIdentity posts the identity-capture payload.
func (c *Client) SubmitIdentity(ctx context.Context, payload map[string]any) (IdentityResult, error) {
	var resp IdentityResult
	err := c.do(ctx, http.MethodPost, "participants/identity", payload, &resp)
	return resp, err
}

// SubmitDynamicForm posts the dynamic-form answers.
func (c *Client) SubmitDynamicForm(ctx context.Context, payload map[string]any) (SubmissionMessage, error) {
	var resp submissionResponse
	err := c.do(ctx, http.MethodPost, "participants/register", payload, &resp)
	return resp.Message, err
}

// SaveFormDraft persists a form-builder draft.
func (c *Client) SaveFormDraft(ctx context.Context, formID string, draft domain.FormDraft) error {
	var resp statusResponse
	endpoint := fmt.Sprintf("forms/%s/draft", url.PathEscape(formID))
	if err := c.do(ctx, http.MethodPut, endpoint, draft, &resp); err != nil {
		return err
	}
	if !resp.Status.OK() {
		return fmt.Errorf("draft save rejected by upstream")
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	// The entry fetches run this client from concurrent goroutines, so
	// do must never write client state.
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
