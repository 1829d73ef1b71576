package flow

import (
	"regline/internal/domain"
	"regline/internal/upstream"
)

// NormalizeParticipant extracts the canonical participant record from a
// dynamic-form submission response. The upstream API returns one of two
// shapes; EventParticipantData is preferred when both are present.
func NormalizeParticipant(msg upstream.SubmissionMessage) (domain.Participant, bool) {
	if msg.EventParticipantData != nil {
		return ParticipantFromUser(msg.EventParticipantData), true
	}
	if msg.ParticipantUser != nil {
		return ParticipantFromUser(msg.ParticipantUser), true
	}
	return domain.Participant{}, false
}

// ParticipantFromUser maps a raw participant object into the canonical
// record. Each attribute is tried under its known aliases in order.
func ParticipantFromUser(raw map[string]any) domain.Participant {
	return domain.Participant{
		ID:        firstString(raw, "_id", "id", "participant_id"),
		EventID:   firstString(raw, "event_id", "eventId"),
		Email:     firstString(raw, "email", "user_email"),
		UserToken: firstString(raw, "user_token", "token"),
		Fields:    raw,
	}
}

// ResolveEmail picks the participant email through the fixed priority
// chain: submitted "email" field, submitted "user_email" field, prior
// form data, session email. First non-empty wins.
func ResolveEmail(submitted, formData map[string]any, userEmail string) string {
	if v := firstString(submitted, "email", "user_email"); v != "" {
		return v
	}
	if v := firstString(formData, "email"); v != "" {
		return v
	}
	return userEmail
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
