package flow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"regline/internal/upstream"
)

func TestNormalizeParticipantPrefersEventParticipantData(t *testing.T) {
	p, ok := NormalizeParticipant(upstream.SubmissionMessage{
		EventParticipantData: map[string]any{"_id": "p-1", "email": "a@b.com"},
		ParticipantUser:      map[string]any{"_id": "p-2", "email": "other@b.com"},
	})
	require.True(t, ok)
	require.Equal(t, "p-1", p.ID)
	require.Equal(t, "a@b.com", p.Email)
}

func TestNormalizeParticipantFallsBackToParticipantUser(t *testing.T) {
	p, ok := NormalizeParticipant(upstream.SubmissionMessage{
		ParticipantUser: map[string]any{"id": "p-2", "user_email": "b@c.com", "token": "tk"},
	})
	require.True(t, ok)
	require.Equal(t, "p-2", p.ID)
	require.Equal(t, "b@c.com", p.Email)
	require.Equal(t, "tk", p.UserToken)
}

func TestNormalizeParticipantEmptyMessage(t *testing.T) {
	_, ok := NormalizeParticipant(upstream.SubmissionMessage{})
	require.False(t, ok)
}

func TestParticipantFromUserAliases(t *testing.T) {
	p := ParticipantFromUser(map[string]any{
		"participant_id": "p-3",
		"eventId":        "ev-7",
		"user_email":     "c@d.com",
		"user_token":     "tk-9",
		"company":        "Acme",
	})
	require.Equal(t, "p-3", p.ID)
	require.Equal(t, "ev-7", p.EventID)
	require.Equal(t, "c@d.com", p.Email)
	require.Equal(t, "tk-9", p.UserToken)
	require.Equal(t, "Acme", p.Fields["company"])
}

func TestParticipantFromUserSkipsNonStrings(t *testing.T) {
	p := ParticipantFromUser(map[string]any{
		"_id": 42,
		"id":  "p-4",
	})
	require.Equal(t, "p-4", p.ID)
}

func TestResolveEmailChain(t *testing.T) {
	cases := []struct {
		name      string
		submitted map[string]any
		formData  map[string]any
		userEmail string
		want      string
	}{
		{"submitted email wins", map[string]any{"email": "s@x.com", "user_email": "u@x.com"}, map[string]any{"email": "f@x.com"}, "session@x.com", "s@x.com"},
		{"submitted user_email second", map[string]any{"user_email": "u@x.com"}, map[string]any{"email": "f@x.com"}, "session@x.com", "u@x.com"},
		{"form data third", nil, map[string]any{"email": "f@x.com"}, "session@x.com", "f@x.com"},
		{"session email last", nil, map[string]any{"email": ""}, "session@x.com", "session@x.com"},
		{"all empty", nil, nil, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ResolveEmail(tc.submitted, tc.formData, tc.userEmail))
		})
	}
}
