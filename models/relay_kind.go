package models

// RelayKind is the closed set of event shapes the relay knows how to render.
type RelayKind int

const (
	RelayKindOther RelayKind = iota
	RelayKindJoinRequest
	RelayKindMemberLeave
)

const (
	EventTypeJoinRequest = "group.request.create"
	EventTypeMemberLeave = "group.member.leave"
)

var relayKinds = map[string]RelayKind{
	EventTypeJoinRequest: RelayKindJoinRequest,
	EventTypeMemberLeave: RelayKindMemberLeave,
}

// RelayKindOf classifies an upstream event type; unknown types are Other
func RelayKindOf(eventType string) RelayKind {
	return relayKinds[eventType]
}

func (k RelayKind) String() string {
	switch k {
	case RelayKindJoinRequest:
		return "join_request"
	case RelayKindMemberLeave:
		return "member_leave"
	default:
		return "other"
	}
}
