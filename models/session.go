package models

import "time"

// SessionState is the upstream session lifecycle
type SessionState int

const (
	SessionUnauthenticated SessionState = iota
	SessionAuthenticating
	SessionAuthenticated
	SessionCooldownAfterFailure
)

func (s SessionState) String() string {
	switch s {
	case SessionAuthenticating:
		return "authenticating"
	case SessionAuthenticated:
		return "authenticated"
	case SessionCooldownAfterFailure:
		return "cooldown_after_failure"
	default:
		return "unauthenticated"
	}
}

// SessionSnapshot is the persisted last-known-good credential. It is a
// recovery hint only.
type SessionSnapshot struct {
	Credential string    `json:"credential"`
	SavedAt    time.Time `json:"saved_at"`
}

// Empty reports whether the snapshot carries no credential
func (s *SessionSnapshot) Empty() bool {
	return s == nil || s.Credential == ""
}
