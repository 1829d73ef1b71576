package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"regline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// UpsertSession stores the latest snapshot of a registration session.
func (r Repo) UpsertSession(ctx context.Context, s domain.SessionSnapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,event_token,form_id,step,user_email,terminal,message,state_json,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			event_token=excluded.event_token,
			form_id=excluded.form_id,
			step=excluded.step,
			user_email=excluded.user_email,
			terminal=excluded.terminal,
			message=excluded.message,
			state_json=excluded.state_json,
			updated_at=excluded.updated_at`,
		s.ID, nullable(s.EventToken), nullable(s.FormID), int(s.Step), nullable(s.UserEmail),
		boolInt(s.Terminal), nullable(s.Message), nullable(s.StateJSON), s.CreatedAt, s.UpdatedAt)
	return err
}

func scanSession(scan func(dest ...any) error) (domain.SessionSnapshot, error) {
	var s domain.SessionSnapshot
	var token, formID, email, message, stateJSON sql.NullString
	var terminal int
	var step int
	err := scan(&s.ID, &token, &formID, &step, &email, &terminal, &message, &stateJSON, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.EventToken = token.String
	s.FormID = formID.String
	s.Step = domain.Step(step)
	s.UserEmail = email.String
	s.Terminal = terminal != 0
	s.Message = message.String
	s.StateJSON = stateJSON.String
	return s, nil
}

// GetSession fetches one persisted session.
func (r Repo) GetSession(ctx context.Context, id string) (domain.SessionSnapshot, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,event_token,form_id,step,user_email,terminal,message,state_json,created_at,updated_at FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ListSessions returns persisted sessions, newest first.
func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.SessionSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,event_token,form_id,step,user_email,terminal,message,state_json,created_at,updated_at FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SessionSnapshot
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpsertDraft stores a form-builder draft.
func (r Repo) UpsertDraft(ctx context.Context, d domain.FormDraft) error {
	elements, err := json.Marshal(d.Elements)
	if err != nil {
		return err
	}
	settings, err := json.Marshal(d.Settings)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO drafts(form_id,form_name,user_type,elements_json,settings_json,saved_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(form_id) DO UPDATE SET
			form_name=excluded.form_name,
			user_type=excluded.user_type,
			elements_json=excluded.elements_json,
			settings_json=excluded.settings_json,
			saved_at=excluded.saved_at`,
		d.FormID, d.Name, d.UserType, string(elements), string(settings), d.SavedAt)
	return err
}

// GetDraft fetches the stored draft for a form.
func (r Repo) GetDraft(ctx context.Context, formID string) (domain.FormDraft, error) {
	var d domain.FormDraft
	var elements, settings sql.NullString
	row := r.DB.QueryRowContext(ctx, `SELECT form_id,form_name,user_type,elements_json,settings_json,saved_at FROM drafts WHERE form_id=?`, formID)
	err := row.Scan(&d.FormID, &d.Name, &d.UserType, &elements, &settings, &d.SavedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if elements.Valid && elements.String != "" {
		if err := json.Unmarshal([]byte(elements.String), &d.Elements); err != nil {
			return d, err
		}
	}
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &d.Settings); err != nil {
			return d, err
		}
	}
	return d, nil
}

// AuditEvent is one audit log row.
type AuditEvent struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   string `json:"payload_json"`
}

// ListAuditEvents returns audit entries for a session, oldest first.
func (r Repo) ListAuditEvents(ctx context.Context, sessionID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(session_id,''),COALESCE(payload_json,'') FROM audit_events WHERE session_id=? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
