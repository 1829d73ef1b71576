package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends flow transitions to the audit log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one transition. Payload may be nil.
func (w Writer) Append(ctx context.Context, evtType, sessionID string, payload map[string]any) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_events(ts,type,session_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(sessionID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
