package flow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"regline/internal/address"
	"regline/internal/domain"
)

// Store persists session snapshots across restarts.
type Store interface {
	UpsertSession(ctx context.Context, snap domain.SessionSnapshot) error
}

// Auditor records flow transitions in the append-only audit log.
type Auditor interface {
	Append(ctx context.Context, evtType, sessionID string, payload map[string]any) error
}

// ManagerOptions configures the session registry.
type ManagerOptions struct {
	Upstream      Upstream
	Store         Store
	Auditor       Auditor
	ClosedPhrases []string
	QRSecret      string
	Logger        zerolog.Logger
	Now           func() time.Time
}

// Manager owns the live sessions. Each session's state stays private to
// its instance; the manager only routes by id and persists snapshots.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	up      Upstream
	store   Store
	auditor Auditor
	signer  QRSigner
	phrases []string
	log     zerolog.Logger
	now     func() time.Time
}

// NewManager builds a session registry.
func NewManager(opts ManagerOptions) *Manager {
	phrases := opts.ClosedPhrases
	if len(phrases) == 0 {
		phrases = DefaultClosedPhrases
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		sessions: make(map[string]*Session),
		up:       opts.Upstream,
		store:    opts.Store,
		auditor:  opts.Auditor,
		signer:   QRSigner{Secret: []byte(opts.QRSecret), Now: opts.Now},
		phrases:  phrases,
		log:      opts.Logger,
		now:      now,
	}
}

// Start creates a session for the address and kicks off the entry
// sequence. The returned session may still be loading; callers that
// need settled state use Wait.
func (m *Manager) Start(ctx context.Context, addr address.Address) (*Session, error) {
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		ID:        uuid.New().String(),
		Address:   addr,
		state:     NewState(),
		up:        m.up,
		resolver:  Resolver{Upstream: m.up, ClosedPhrases: m.phrases},
		signer:    m.signer,
		log:       m.log,
		now:       m.now,
		onChange:  m.sessionChanged,
		createdAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.Start(ctx)
	return s, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// sessionChanged persists the snapshot and audits the transition. Both
// are best-effort: a store hiccup must not move or break flow state.
func (m *Manager) sessionChanged(sessionID, event string, st State) {
	ctx := context.Background()
	if m.store != nil {
		s, ok := m.Get(sessionID)
		if ok {
			if err := m.store.UpsertSession(ctx, snapshotOf(sessionID, st, s.createdAt, m.now().UTC())); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("persist session snapshot failed")
			}
		}
	}
	if m.auditor != nil {
		payload := map[string]any{"step": int(st.Step), "loading": st.Loading()}
		if st.Terminal != nil {
			payload["terminal_message"] = st.Terminal.Message
		}
		if err := m.auditor.Append(ctx, "session."+event, sessionID, payload); err != nil {
			m.log.Warn().Err(err).Str("session_id", sessionID).Msg("audit append failed")
		}
	}
}

func snapshotOf(id string, st State, createdAt, updatedAt time.Time) domain.SessionSnapshot {
	snap := domain.SessionSnapshot{
		ID:         id,
		EventToken: st.EventToken,
		FormID:     st.FormID,
		Step:       st.Step,
		UserEmail:  st.UserEmail,
		Terminal:   st.Terminal != nil,
		CreatedAt:  createdAt.Format(time.RFC3339),
		UpdatedAt:  updatedAt.Format(time.RFC3339),
	}
	if st.Terminal != nil {
		snap.Message = st.Terminal.Message
	}
	if b, err := json.Marshal(stateDoc{
		FormData:  st.FormData,
		QRSession: st.QRSession,
		Loading:   st.Loading(),
	}); err == nil {
		snap.StateJSON = string(b)
	}
	return snap
}

// stateDoc is the JSON document stored alongside the snapshot columns.
type stateDoc struct {
	FormData  map[string]any    `json:"form_data,omitempty"`
	QRSession *domain.QRSession `json:"qr_session,omitempty"`
	Loading   bool              `json:"loading"`
}
