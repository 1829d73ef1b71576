// Package flow drives a visitor through the public registration flow:
// identity capture, dynamic form, confirmation/QR. Session state is
// only mutated through the reducer in reducer.go so the step guard can
// be enforced in one place.
package flow

import (
	"regline/internal/domain"
	"regline/internal/upstream"
)

// StatusError is the terminal "registration not started / closed"
// outcome of address resolution. It is a distinct outcome, not a
// retryable failure: once set, only the error view renders.
type StatusError struct {
	Message string
	Data    map[string]any
}

func (e *StatusError) Error() string { return e.Message }

// State is the orchestrator's snapshot of registration progress. It is
// a value type; Reduce returns a new State and never mutates shared
// maps, so arrival order of the event/form fetches cannot matter.
type State struct {
	Step       domain.Step
	EventToken string
	FormID     string

	// UserEmail is set only after identity capture completes. Its
	// presence is the sole gate for step 2.
	UserEmail string

	Event *domain.EventRecord
	Form  *domain.FormDefinition

	// FormData accumulates fields across steps.
	FormData map[string]any

	// QRSession is set only after a successful dynamic-form submission
	// (or an already-registered shortcut). Its presence is the sole
	// gate for step 3.
	QRSession *domain.QRSession

	// PendingFetches counts outstanding event/form fetches; loading is
	// derived from it so the merge stays commutative.
	PendingFetches int

	Terminal *StatusError
}

// NewState returns the initial state for a fresh page visit.
func NewState() State {
	return State{
		Step:     domain.StepIdentity,
		FormData: map[string]any{"email": ""},
	}
}

// Loading reports whether entry fetches are still outstanding.
func (s State) Loading() bool { return s.PendingFetches > 0 }

// Event is an input to the reducer.
type Event interface {
	name() string
}

// ContextResolved carries the canonical (event token, form id) pair and
// the number of fetches the orchestrator issued for it.
type ContextResolved struct {
	EventToken string
	FormID     string
	Fetches    int
}

// ResolutionRejected is the terminal closed/not-started outcome.
type ResolutionRejected struct {
	Err *StatusError
}

// EventFetched delivers the getEventByToken result.
type EventFetched struct {
	Result upstream.EventResult
}

// FormFetched delivers the getFormById result.
type FormFetched struct {
	Form domain.FormDefinition
}

// FetchFailed settles a fetch that failed; state otherwise unchanged.
type FetchFailed struct {
	Stage string
}

// IdentityAccepted reports a successful identity-capture submission.
type IdentityAccepted struct {
	Email       string
	FaceScanner bool
	Fields      map[string]any
}

// FormAccepted reports a successful dynamic-form submission with the
// participant already normalized and the QR payload assembled.
type FormAccepted struct {
	Participant domain.Participant
	QR          domain.QRSession
}

// StepRequested is an explicit navigation attempt; the guard corrects
// it if the prerequisite state is missing.
type StepRequested struct {
	Step domain.Step
}

func (ContextResolved) name() string     { return "context_resolved" }
func (ResolutionRejected) name() string  { return "resolution_rejected" }
func (EventFetched) name() string        { return "event_fetched" }
func (FormFetched) name() string         { return "form_fetched" }
func (FetchFailed) name() string         { return "fetch_failed" }
func (IdentityAccepted) name() string    { return "identity_accepted" }
func (FormAccepted) name() string        { return "form_accepted" }
func (StepRequested) name() string       { return "step_requested" }
