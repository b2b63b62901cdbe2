package relay

import (
	"fmt"
	"regexp"

	"github.com/upb/audit-relay/models"
	"github.com/upb/audit-relay/services/sink"
)

const (
	notificationTitle = "VRCHAT EVENT"
	profileBaseURL    = "https://vrchat.com/home/user/"
	profileFallback   = "https://vrchat.com/home"
	unknownUser       = "Unknown user"

	colorJoinRequest = 0x3498db
	colorAlert       = 0xe74c3c
)

var joinLeavePattern = regexp.MustCompile(`(?i)^User\s+(.+?)\s+has\s+(joined|left)`)

// handler renders one relay kind
type handler struct {
	footer string
	color  int
}

// handlers is the rendering table for every known relay kind. Kinds
// without an entry render with fallbackHandler.
var handlers = map[models.RelayKind]handler{
	models.RelayKindJoinRequest: {footer: "Join request submitted", color: colorJoinRequest},
	models.RelayKindMemberLeave: {footer: "Member left", color: colorAlert},
}

var fallbackHandler = handler{footer: "Group audit event", color: colorAlert}

// BuildNotification renders a ledger row as a sink notification. Only typed
// row fields are read; the raw payload is never re-parsed.
func BuildNotification(e *models.AuditEvent, thumbnailURL string) *sink.Notification {
	kind := models.RelayKindOf(e.EventType)
	h, ok := handlers[kind]
	if !ok {
		h = fallbackHandler
	}

	return &sink.Notification{
		Key:   e.ExternalID,
		Kind:  kind.String(),
		Title: notificationTitle,
		Fields: []sink.Field{
			{Name: "Username", Value: displayName(e)},
			{Name: "Profile", Value: profileLink(e)},
			{Name: "When", Value: fmt.Sprintf("<t:%d:F>", e.CreatedAt.Unix())},
		},
		ThumbnailURL: thumbnailURL,
		Footer:       h.footer,
		Color:        h.color,
		Timestamp:    e.CreatedAt,
	}
}

func displayName(e *models.AuditEvent) string {
	if e.TargetDisplayName != nil && *e.TargetDisplayName != "" {
		return *e.TargetDisplayName
	}
	if e.ActorDisplayName != nil && *e.ActorDisplayName != "" {
		return *e.ActorDisplayName
	}
	if m := joinLeavePattern.FindStringSubmatch(e.Description); m != nil {
		return m[1]
	}
	return unknownUser
}

func profileLink(e *models.AuditEvent) string {
	if e.TargetID != nil && *e.TargetID != "" {
		return profileBaseURL + *e.TargetID
	}
	if e.ActorID != nil && *e.ActorID != "" {
		return profileBaseURL + *e.ActorID
	}
	return profileFallback
}
