package flow

import (
	"regline/internal/domain"
)

// Reduce applies one event to the state and returns the next state.
// It is a pure function: input maps are cloned before writes, so two
// reductions commute whenever their events touch disjoint fields. The
// auto-advance check and the step guard run after every event.
func Reduce(s State, ev Event) State {
	switch e := ev.(type) {
	case ContextResolved:
		s.EventToken = e.EventToken
		if e.FormID != "" {
			s.FormID = e.FormID
		}
		s.PendingFetches = e.Fetches

	case ResolutionRejected:
		s.Terminal = e.Err
		s.PendingFetches = 0

	case EventFetched:
		if s.PendingFetches > 0 {
			s.PendingFetches--
		}
		if e.Result.ParticipantUser != nil {
			// Visitor is already mid-or-post registration for this
			// token: route straight to the confirmation context.
			p := ParticipantFromUser(e.Result.ParticipantUser)
			s.QRSession = &domain.QRSession{Participant: p, Event: e.Result.Event}
			s.Step = domain.StepConfirmation
		}
		if e.Result.Event != nil {
			s.Event = e.Result.Event
			fd := cloneFields(s.FormData)
			fd["event_id"] = e.Result.Event.ID
			if e.Result.UserToken != "" {
				fd["user_token"] = e.Result.UserToken
			}
			s.FormData = fd
		}

	case FormFetched:
		if s.PendingFetches > 0 {
			s.PendingFetches--
		}
		form := e.Form
		s.Form = &form

	case FetchFailed:
		if s.PendingFetches > 0 {
			s.PendingFetches--
		}

	case IdentityAccepted:
		s.UserEmail = e.Email
		fd := cloneFields(s.FormData)
		for k, v := range e.Fields {
			fd[k] = v
		}
		// An explicit email key always wins over submission fields.
		fd["email"] = e.Email
		if e.FaceScanner {
			fd["face_scanner"] = true
		}
		s.FormData = fd
		s.Step = domain.StepDynamicForm

	case FormAccepted:
		p := e.Participant
		fd := map[string]any{
			"participant_id": p.ID,
			"event_id":       p.EventID,
			"user_token":     p.UserToken,
			"email":          p.Email,
		}
		s.FormData = fd
		qr := e.QR
		s.QRSession = &qr
		s.Step = domain.StepConfirmation

	case StepRequested:
		s.Step = e.Step
	}

	return finalize(s)
}

// finalize runs the reactive auto-advance check and the guard. The
// auto-advance fires only when the form id is known, both fetches have
// landed, loading is over, and identity capture already happened in
// this session; a form id alone never bypasses step 1.
func finalize(s State) State {
	if s.Terminal == nil &&
		s.Step == domain.StepIdentity &&
		!s.Loading() &&
		s.FormID != "" &&
		s.Event != nil &&
		s.Form != nil &&
		s.UserEmail != "" {
		s.Step = domain.StepDynamicForm
	}
	return Clamp(s)
}

func cloneFields(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+2)
	for k, v := range in {
		out[k] = v
	}
	return out
}
