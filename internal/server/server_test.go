package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"regline/internal/db"
	"regline/internal/domain"
	"regline/internal/events"
	"regline/internal/flow"
	"regline/internal/migrate"
	"regline/internal/repo"
	"regline/internal/upstream"
)

// fakePlatform mimics the upstream event-platform API.
func fakePlatform(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /resolve/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/resolve/")
		if id == "closed-event" {
			json.NewEncoder(w).Encode(map[string]any{
				"status":  false,
				"message": "Registration closed for this event",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "success",
			"data": map[string]any{
				"encryptedEventData": "tok-long",
				"formId":             "F1",
			},
		})
	})
	mux.HandleFunc("GET /events/by-token/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": true,
			"data": map[string]any{
				"result": map[string]any{
					"event":      map[string]any{"id": "ev-1", "eventName": "Tech Expo"},
					"user_token": "tok-user",
				},
			},
		})
	})
	mux.HandleFunc("GET /forms/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"status": 1,
			"data": map[string]any{
				"form": map[string]any{
					"_id":      "F1",
					"formName": "Visitor Form",
					"userType": "visitor",
				},
			},
		})
	})
	mux.HandleFunc("POST /participants/identity", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		json.NewEncoder(w).Encode(map[string]any{"email": payload["email"]})
	})
	mux.HandleFunc("POST /participants/register", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"message": map[string]any{
				"EventParticipantData": map[string]any{"_id": "p-1", "user_token": "tok-user"},
				"base64Image":          "aW1n",
			},
		})
	})
	mux.HandleFunc("PUT /forms/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": true})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	platform := fakePlatform(t)

	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	client := upstream.New(platform.URL)

	mgr := flow.NewManager(flow.ManagerOptions{
		Upstream: client,
		Store:    r,
		Auditor:  events.Writer{DB: conn},
		QRSecret: "test-secret",
		Logger:   zerolog.Nop(),
	})

	save := func(ctx context.Context, draft domain.FormDraft) error {
		if err := client.SaveFormDraft(ctx, draft.FormID, draft); err != nil {
			return err
		}
		draft.SavedAt = time.Now().UTC().Format(time.RFC3339)
		return r.UpsertDraft(ctx, draft)
	}

	handler, err := New(Config{
		Manager:       mgr,
		Repo:          r,
		SaveFunc:      save,
		BasePath:      "/v0",
		Logger:        zerolog.Nop(),
		ContentDelay:  20 * time.Millisecond,
		SettingsDelay: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			handler.Close()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestRegistrationEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"event_token": "tok-long",
		"form_id":     "F1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var view SessionResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.Step != 1 || view.Loading || view.Event == nil || view.Form == nil {
		t.Fatalf("unexpected start view %+v", view)
	}
	sessionID := view.SessionID

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations/"+sessionID+"/identity", map[string]any{
		"email":  "a@b.com",
		"fields": map[string]any{"company": "Acme"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("identity status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal identity view: %v", err)
	}
	if view.Step != 2 || view.StepName != "dynamic_form" {
		t.Fatalf("expected step 2, got %+v", view)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations/"+sessionID+"/form", map[string]any{
		"fields": map[string]any{"badge": "blue"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("form status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal form view: %v", err)
	}
	if view.Step != 3 || view.QRSession == nil || view.QRSession.Participant.ID != "p-1" {
		t.Fatalf("expected confirmation view, got %+v", view)
	}
	if view.QRSession.Token == "" {
		t.Fatal("qr token not signed")
	}

	// Persisted snapshot and audit trail exist.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list sessions status %d: %s", res.StatusCode, string(data))
	}
	var sessions SessionListResponse
	if err := json.Unmarshal(data, &sessions); err != nil {
		t.Fatalf("unmarshal sessions: %v", err)
	}
	if len(sessions.Items) != 1 || sessions.Items[0].ID != sessionID {
		t.Fatalf("unexpected sessions %+v", sessions.Items)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/sessions/"+sessionID+"/audit", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit status %d: %s", res.StatusCode, string(data))
	}
	var audit AuditListResponse
	if err := json.Unmarshal(data, &audit); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(audit.Items) == 0 {
		t.Fatal("expected audit events")
	}
}

func TestRegistrationShortIDResolves(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"short_id": "ab12",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var view SessionResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if view.Event == nil || view.Form == nil || view.Loading {
		t.Fatalf("short id did not settle like long form: %+v", view)
	}
}

func TestRegistrationClosedIsTerminal(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"slug": "closed-event",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var view SessionResponse
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal view: %v", err)
	}
	if !view.Terminal || view.Message == "" {
		t.Fatalf("expected terminal view, got %+v", view)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations/"+view.SessionID+"/identity", map[string]any{
		"email": "a@b.com",
	})
	if res.StatusCode != http.StatusGone {
		t.Fatalf("expected 410 on terminal session, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRegistrationAddressValidation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// Two variants at once.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"event_token": "tok",
		"slug":        "expo",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	// None at all.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/registrations", map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestFormBeforeIdentityConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"event_token": "tok-long",
		"form_id":     "F1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var view SessionResponse
	json.Unmarshal(data, &view)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations/"+view.SessionID+"/form", map[string]any{
		"fields": map[string]any{"badge": "blue"},
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStepRequestCorrected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations", map[string]any{
		"event_token": "tok-long",
		"form_id":     "F1",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	var view SessionResponse
	json.Unmarshal(data, &view)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registrations/"+view.SessionID+"/step", map[string]any{
		"step": 3,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal step view: %v", err)
	}
	if view.Step != 1 {
		t.Fatalf("expected correction to step 1, got %d", view.Step)
	}
}

func TestUnknownSessionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/registrations/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDraftScheduleAndFetch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/forms/F1/draft", map[string]any{
		"kind": "content",
		"draft": map[string]any{
			"formName": "Visitor Form",
			"userType": "visitor",
			"elements": []map[string]any{{"fieldName": "company", "fieldType": "text"}},
		},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}

	// The debouncer is configured with a 20ms quiet period; poll until
	// the save lands.
	deadline := time.Now().Add(2 * time.Second)
	var draftRes DraftResponse
	for {
		res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms/F1/draft", nil)
		if res.StatusCode == http.StatusOK {
			if err := json.Unmarshal(data, &draftRes); err != nil {
				t.Fatalf("unmarshal draft: %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("draft never saved, last status %d: %s", res.StatusCode, string(data))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if draftRes.Draft.Name != "Visitor Form" || len(draftRes.Draft.Elements) != 1 {
		t.Fatalf("unexpected draft %+v", draftRes.Draft)
	}
	if draftRes.Draft.SavedAt == "" {
		t.Fatal("saved_at not stamped")
	}
}

func TestDraftIncompleteSkipped(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/forms/F2/draft", map[string]any{
		"kind":  "settings",
		"draft": map[string]any{"formName": "", "userType": "visitor"},
	})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("schedule status %d: %s", res.StatusCode, string(data))
	}

	time.Sleep(100 * time.Millisecond)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/forms/F2/draft", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("incomplete draft was saved: %d %s", res.StatusCode, string(data))
	}
}

func TestDraftBadKindRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/forms/F1/draft", map[string]any{
		"kind":  "other",
		"draft": map[string]any{"formName": "Visitor Form", "userType": "visitor"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDraftManualSave(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/F3/draft/save", map[string]any{
		"draft": map[string]any{"formName": "Visitor Form", "userType": "visitor"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save status %d: %s", res.StatusCode, string(data))
	}
	var draftRes DraftResponse
	if err := json.Unmarshal(data, &draftRes); err != nil {
		t.Fatalf("unmarshal draft: %v", err)
	}
	if draftRes.Draft.FormID != "F3" || draftRes.Draft.Name != "Visitor Form" {
		t.Fatalf("unexpected draft %+v", draftRes.Draft)
	}

	// Manual save of an incomplete draft is a client error, not a
	// silent skip.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/forms/F3/draft/save", map[string]any{
		"draft": map[string]any{"formName": "", "userType": "visitor"},
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestHealth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body %+v", body)
	}
}
