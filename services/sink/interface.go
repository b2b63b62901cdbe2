package sink

import (
	"context"
	"errors"
	"time"
)

// ErrDestinationNotFound is returned when a destination cannot be resolved
var ErrDestinationNotFound = errors.New("destination not found")

// Sink delivers notifications downstream
type Sink interface {
	// Name returns the sink name (e.g., "discord", "kafka")
	Name() string

	// ResolveDestination looks up a destination by its opaque identifier
	ResolveDestination(ctx context.Context, id string) (*Destination, error)

	// Send delivers one notification and returns the sink-assigned reference
	Send(ctx context.Context, dest *Destination, n *Notification) (string, error)

	// Close releases any held resources
	Close() error
}

// Destination is a resolved place to send notifications
type Destination struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Field is one labelled value of a notification
type Field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Notification is a structured, sink-agnostic message
type Notification struct {
	// Key identifies the source event; sinks use it for idempotency hints
	// and partitioning.
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Fields       []Field   `json:"fields"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	Footer       string    `json:"footer,omitempty"`
	Color        int       `json:"color"`
	Timestamp    time.Time `json:"timestamp"`
}

// FieldValue returns the value of the named field, or ""
func (n *Notification) FieldValue(name string) string {
	for _, f := range n.Fields {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}
