package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"regline/internal/address"
	"regline/internal/domain"
	"regline/internal/upstream"
)

// Upstream is the slice of the platform API the orchestrator consumes.
// *upstream.Client satisfies it.
type Upstream interface {
	AddressResolver
	GetEventByToken(ctx context.Context, token string) (upstream.EventResult, error)
	GetFormByID(ctx context.Context, formID string) (domain.FormDefinition, error)
	SubmitIdentity(ctx context.Context, payload map[string]any) (upstream.IdentityResult, error)
	SubmitDynamicForm(ctx context.Context, payload map[string]any) (upstream.SubmissionMessage, error)
}

// ErrTerminal is returned for operations on a session that hit the
// terminal registration-closed state; only a full reload recovers.
var ErrTerminal = errors.New("registration unavailable")

// ErrStepNotAllowed is returned when a submission arrives for a step
// whose prerequisite state is missing.
var ErrStepNotAllowed = errors.New("step prerequisites not satisfied")

// Session owns one visitor's SessionState. All mutation goes through
// apply, which runs the reducer under the lock and hands the resulting
// snapshot to the change hook.
type Session struct {
	ID      string
	Address address.Address

	mu    sync.Mutex
	state State
	wg    sync.WaitGroup

	up       Upstream
	resolver Resolver
	signer   QRSigner
	log      zerolog.Logger
	now      func() time.Time

	// onChange receives a state copy after every applied event. Used by
	// the manager for persistence and audit; never called under the lock.
	onChange func(sessionID, event string, s State)

	createdAt time.Time
}

// Start classifies the address, resolves it, and fires the entry
// fetches. The event and form fetches are independent goroutines; the
// reducer merge is commutative in their completion order. Only the
// resolution is sequenced before them.
func (s *Session) Start(ctx context.Context) {
	resolved, err := s.resolver.Resolve(ctx, s.Address)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			// Terminal outcome: no event/form fetch is attempted.
			s.apply(ResolutionRejected{Err: se})
			return
		}
		// Silent stop: log, leave the session non-advancing. The
		// visitor sees a generic could-not-load state, not a crash.
		s.log.Error().Err(err).Str("session_id", s.ID).Msg("address resolution failed")
		s.apply(FetchFailed{Stage: "resolve"})
		return
	}

	fetches := 1
	if resolved.FormID != "" {
		fetches = 2
	}
	s.apply(ContextResolved{EventToken: resolved.EventToken, FormID: resolved.FormID, Fetches: fetches})

	s.wg.Add(1)
	go s.fetchEvent(ctx, resolved.EventToken)
	if resolved.FormID != "" {
		s.wg.Add(1)
		go s.fetchForm(ctx, resolved.FormID)
	}
}

// Wait blocks until the entry fetches settle.
func (s *Session) Wait() { s.wg.Wait() }

func (s *Session) fetchEvent(ctx context.Context, token string) {
	defer s.wg.Done()
	result, err := s.up.GetEventByToken(ctx, token)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", s.ID).Msg("event fetch failed")
		s.apply(FetchFailed{Stage: "event"})
		return
	}
	s.apply(EventFetched{Result: result})
}

func (s *Session) fetchForm(ctx context.Context, formID string) {
	defer s.wg.Done()
	form, err := s.up.GetFormByID(ctx, formID)
	if err != nil {
		s.log.Error().Err(err).Str("session_id", s.ID).Msg("form fetch failed")
		s.apply(FetchFailed{Stage: "form"})
		return
	}
	s.apply(FormFetched{Form: form})
}

// SubmitIdentity runs the step-1 submission. A failure stays on the
// current step and is surfaced to the caller; state does not move.
func (s *Session) SubmitIdentity(ctx context.Context, email string, faceScanner bool, fields map[string]any) (State, error) {
	st := s.State()
	if st.Terminal != nil {
		return st, ErrTerminal
	}
	if email == "" {
		return st, fmt.Errorf("email is required")
	}
	payload := map[string]any{"email": email, "face_scanner": faceScanner}
	for k, v := range fields {
		payload[k] = v
	}
	res, err := s.up.SubmitIdentity(ctx, payload)
	if err != nil {
		return st, fmt.Errorf("identity submission: %w", err)
	}
	accepted := res.Email
	if accepted == "" {
		accepted = email
	}
	return s.apply(IdentityAccepted{Email: accepted, FaceScanner: faceScanner, Fields: fields}), nil
}

// SubmitForm runs the step-2 submission: post the answers, normalize
// the participant out of whichever response shape came back, resolve
// the email through the priority chain, and assemble the QR payload.
func (s *Session) SubmitForm(ctx context.Context, fields map[string]any) (State, error) {
	st := s.State()
	if st.Terminal != nil {
		return st, ErrTerminal
	}
	if st.UserEmail == "" {
		return st, ErrStepNotAllowed
	}
	payload := cloneFields(st.FormData)
	for k, v := range fields {
		payload[k] = v
	}
	msg, err := s.up.SubmitDynamicForm(ctx, payload)
	if err != nil {
		return st, fmt.Errorf("form submission: %w", err)
	}
	p, ok := NormalizeParticipant(msg)
	if !ok {
		return st, fmt.Errorf("form submission response carries no participant")
	}
	p.Email = ResolveEmail(fields, st.FormData, st.UserEmail)
	if p.EventID == "" {
		if id, okID := st.FormData["event_id"].(string); okID {
			p.EventID = id
		}
	}
	qr := domain.QRSession{
		Participant: p,
		Event:       st.Event,
		Base64Image: msg.Base64Image,
	}
	if token, signErr := s.signer.Sign(p); signErr != nil {
		s.log.Warn().Err(signErr).Str("session_id", s.ID).Msg("qr token signing failed")
	} else {
		qr.Token = token
	}
	return s.apply(FormAccepted{Participant: p, QR: qr}), nil
}

// RequestStep attempts an explicit navigation. The guard silently
// corrects requests whose prerequisite state is missing.
func (s *Session) RequestStep(step domain.Step) State {
	return s.apply(StepRequested{Step: step})
}

// State returns a copy of the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyStateLocked()
}

func (s *Session) copyStateLocked() State {
	st := s.state
	st.FormData = cloneFields(s.state.FormData)
	return st
}

func (s *Session) apply(ev Event) State {
	s.mu.Lock()
	s.state = Reduce(s.state, ev)
	// The already-registered shortcut builds an unsigned QR session
	// inside the reducer; sign it here where the secret lives.
	if s.state.QRSession != nil && s.state.QRSession.Token == "" {
		if token, err := s.signer.Sign(s.state.QRSession.Participant); err == nil && token != "" {
			qr := *s.state.QRSession
			qr.Token = token
			s.state.QRSession = &qr
		}
	}
	st := s.copyStateLocked()
	s.mu.Unlock()

	if s.onChange != nil {
		s.onChange(s.ID, ev.name(), st)
	}
	return st
}

// Snapshot renders the state for persistence and operator inspection.
func (s *Session) Snapshot() domain.SessionSnapshot {
	st := s.State()
	return snapshotOf(s.ID, st, s.createdAt, s.nowFn()())
}

func (s *Session) nowFn() func() time.Time {
	if s.now != nil {
		return s.now
	}
	return time.Now
}
