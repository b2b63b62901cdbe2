package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveCategory(t *testing.T) {
	tests := []struct {
		eventType string
		want      EventCategory
	}{
		{"group.user.unban", CategoryUnban},
		{"group.user.ban", CategoryBan},
		{"group.member.kick", CategoryKick},
		{"group.user.warn", CategoryWarn},
		{"group.user.note.create", CategoryNote},
		{"group.moderation.action", CategoryModeration},
		{"group.member.leave", CategoryOther},
		{"", CategoryOther},
		{"GROUP.USER.BAN", CategoryBan},
		// first match wins: "unban" is checked before "ban"
		{"Group.Unban.Kick", CategoryUnban},
		{"kick.warn", CategoryKick},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveCategory(tt.eventType))
		})
	}
}

func TestNewAuditEvent(t *testing.T) {
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e := NewAuditEvent("e1", "grp_1", "group.member.leave", createdAt)

	assert.Equal(t, "e1", e.ExternalID)
	assert.Equal(t, "grp_1", e.GroupID)
	assert.Equal(t, CategoryOther, e.Category)
	assert.Equal(t, DefaultEventSource, e.Source)
	assert.Equal(t, createdAt, e.CreatedAt)
	assert.False(t, e.Posted)
	assert.Nil(t, e.ProcessedAt)
	assert.Nil(t, e.RelayRef)
}

func TestNewAuditEvent_MissingType(t *testing.T) {
	e := NewAuditEvent("e1", "grp_1", "", time.Now())
	assert.Equal(t, UnknownEventType, e.EventType)
	assert.Equal(t, CategoryOther, e.Category)
}

func TestAuditEvent_BuilderMethods(t *testing.T) {
	raw := json.RawMessage(`{"id":"e1","eventType":"group.user.ban"}`)

	e := NewAuditEvent("e1", "grp_1", "group.user.ban", time.Now()).
		WithText("banned", "spam").
		WithActor("usr_a", "Alice").
		WithTarget("usr_b", "").
		WithPayload(raw)

	assert.Equal(t, "banned", e.Description)
	assert.Equal(t, "spam", e.Notes)
	require.NotNil(t, e.ActorID)
	assert.Equal(t, "usr_a", *e.ActorID)
	assert.Equal(t, "Alice", *e.ActorDisplayName)
	require.NotNil(t, e.TargetID)
	assert.Equal(t, "usr_b", *e.TargetID)
	assert.Nil(t, e.TargetDisplayName)
	assert.Equal(t, PayloadFingerprint(raw), e.PayloadHash)
	assert.Len(t, e.PayloadHash, 64)
}

func TestPayloadFingerprint(t *testing.T) {
	a := PayloadFingerprint([]byte(`{"description":"one"}`))
	b := PayloadFingerprint([]byte(`{"description":"two"}`))

	assert.NotEqual(t, a, b)
	assert.Equal(t, a, PayloadFingerprint([]byte(`{"description":"one"}`)))
}

func TestAuditEvent_IsRelayWorthy(t *testing.T) {
	allow := map[string]struct{}{EventTypeMemberLeave: {}}

	assert.True(t, NewAuditEvent("e1", "g", EventTypeMemberLeave, time.Now()).IsRelayWorthy(allow))
	assert.False(t, NewAuditEvent("e2", "g", "group.post.create", time.Now()).IsRelayWorthy(allow))
	assert.False(t, NewAuditEvent("e3", "g", EventTypeMemberLeave, time.Now()).IsRelayWorthy(nil))
}

func TestAuditEvent_TableName(t *testing.T) {
	assert.Equal(t, "audit_events", AuditEvent{}.TableName())
}

func TestRelayKindOf(t *testing.T) {
	tests := []struct {
		eventType string
		want      RelayKind
		name      string
	}{
		{EventTypeJoinRequest, RelayKindJoinRequest, "join_request"},
		{EventTypeMemberLeave, RelayKindMemberLeave, "member_leave"},
		{"group.user.ban", RelayKindOther, "other"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			kind := RelayKindOf(tt.eventType)
			assert.Equal(t, tt.want, kind)
			assert.Equal(t, tt.name, kind.String())
		})
	}
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "unauthenticated", SessionUnauthenticated.String())
	assert.Equal(t, "authenticating", SessionAuthenticating.String())
	assert.Equal(t, "authenticated", SessionAuthenticated.String())
	assert.Equal(t, "cooldown_after_failure", SessionCooldownAfterFailure.String())
}

func TestSessionSnapshot_Empty(t *testing.T) {
	var nilSnap *SessionSnapshot
	assert.True(t, nilSnap.Empty())
	assert.True(t, (&SessionSnapshot{}).Empty())
	assert.False(t, (&SessionSnapshot{Credential: "authcookie_x"}).Empty())
}
