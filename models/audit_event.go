package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// EventCategory is the coarse bucket derived from an upstream event type
type EventCategory string

const (
	CategoryUnban      EventCategory = "unban"
	CategoryBan        EventCategory = "ban"
	CategoryKick       EventCategory = "kick"
	CategoryWarn       EventCategory = "warn"
	CategoryNote       EventCategory = "note"
	CategoryModeration EventCategory = "moderation"
	CategoryOther      EventCategory = "other"
)

// categoryOrder is matched first to last; "unban" must precede "ban".
var categoryOrder = []EventCategory{
	CategoryUnban,
	CategoryBan,
	CategoryKick,
	CategoryWarn,
	CategoryNote,
	CategoryModeration,
}

// DeriveCategory returns the first category whose keyword appears in the
// lower-cased event type, or CategoryOther.
func DeriveCategory(eventType string) EventCategory {
	t := strings.ToLower(eventType)
	for _, c := range categoryOrder {
		if strings.Contains(t, string(c)) {
			return c
		}
	}
	return CategoryOther
}

// DefaultEventSource is recorded on rows ingested from the upstream audit API
const DefaultEventSource = "vrchat"

// UnknownEventType is stored when the upstream omits the type
const UnknownEventType = "unknown"

// AuditEvent is one row of the ledger
type AuditEvent struct {
	ID                int64           `json:"id" db:"id"`
	ExternalID        string          `json:"external_id" db:"external_id"`
	GroupID           string          `json:"group_id" db:"group_id"`
	EventType         string          `json:"event_type" db:"event_type"`
	Category          EventCategory   `json:"category" db:"category"`
	Description       string          `json:"description" db:"description"`
	Notes             string          `json:"notes" db:"notes"`
	ActorID           *string         `json:"actor_id,omitempty" db:"actor_id"`
	ActorDisplayName  *string         `json:"actor_display_name,omitempty" db:"actor_display_name"`
	TargetID          *string         `json:"target_id,omitempty" db:"target_id"`
	TargetDisplayName *string         `json:"target_display_name,omitempty" db:"target_display_name"`
	Payload           json.RawMessage `json:"payload" db:"payload"`
	PayloadHash       string          `json:"payload_hash" db:"payload_hash"`
	Source            string          `json:"source" db:"source"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	InsertedAt        time.Time       `json:"inserted_at" db:"inserted_at"`

	// Relay state. Never written by an upsert.
	Posted        bool       `json:"posted" db:"posted"`
	ProcessedAt   *time.Time `json:"processed_at,omitempty" db:"processed_at"`
	RelayRef      *string    `json:"relay_ref,omitempty" db:"relay_ref"`
	RelayAttempts int        `json:"relay_attempts" db:"relay_attempts"`
	LastError     *string    `json:"last_error,omitempty" db:"last_error"`
}

// TableName returns the default table name for the AuditEvent model
func (AuditEvent) TableName() string {
	return "audit_events"
}

// NewAuditEvent creates a pending AuditEvent with its category derived
func NewAuditEvent(externalID, groupID, eventType string, createdAt time.Time) *AuditEvent {
	if eventType == "" {
		eventType = UnknownEventType
	}
	return &AuditEvent{
		ExternalID: externalID,
		GroupID:    groupID,
		EventType:  eventType,
		Category:   DeriveCategory(eventType),
		Source:     DefaultEventSource,
		CreatedAt:  createdAt,
	}
}

// WithText sets the upstream description and notes
func (e *AuditEvent) WithText(description, notes string) *AuditEvent {
	e.Description = description
	e.Notes = notes
	return e
}

// WithActor sets the actor; empty values stay NULL
func (e *AuditEvent) WithActor(id, displayName string) *AuditEvent {
	e.ActorID = optional(id)
	e.ActorDisplayName = optional(displayName)
	return e
}

// WithTarget sets the target; empty values stay NULL
func (e *AuditEvent) WithTarget(id, displayName string) *AuditEvent {
	e.TargetID = optional(id)
	e.TargetDisplayName = optional(displayName)
	return e
}

// WithPayload stores the raw upstream record and its fingerprint
func (e *AuditEvent) WithPayload(raw json.RawMessage) *AuditEvent {
	e.Payload = raw
	e.PayloadHash = PayloadFingerprint(raw)
	return e
}

// IsRelayWorthy reports whether the event type is in the allowlist
func (e *AuditEvent) IsRelayWorthy(allowlist map[string]struct{}) bool {
	_, ok := allowlist[e.EventType]
	return ok
}

// PayloadFingerprint is the hex sha256 of a raw upstream record
func PayloadFingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// LedgerStats summarizes relay progress
type LedgerStats struct {
	Pending         int64      `json:"pending"`
	Posted          int64      `json:"posted"`
	OldestPendingAt *time.Time `json:"oldest_pending_at,omitempty"`
}
