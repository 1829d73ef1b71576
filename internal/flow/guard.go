package flow

import "regline/internal/domain"

// AllowedStep returns the highest step whose gate condition is
// satisfied. Step 1 is always allowed; step 2 requires a captured
// email; step 3 requires QR session details.
func AllowedStep(s State) domain.Step {
	switch {
	case s.QRSession != nil:
		return domain.StepConfirmation
	case s.UserEmail != "":
		return domain.StepDynamicForm
	default:
		return domain.StepIdentity
	}
}

// IsValid reports whether the requested step may be shown for the
// given state under the ordering 1 < 2 < 3.
func IsValid(s State, step domain.Step) bool {
	return step >= domain.StepIdentity && step <= AllowedStep(s)
}

// Clamp corrects an invalid current step to the highest satisfied one.
// This is a safety net against direct step manipulation, not a normal
// transition path.
func Clamp(s State) State {
	if !IsValid(s, s.Step) {
		s.Step = AllowedStep(s)
	}
	return s
}
