package domain

import (
	"context"
	"time"
)

// StatusEvent is published on every document lifecycle transition so
// external collaborators (UI, audit, receipt printing) can react.
type StatusEvent struct {
	Clave       string       `json:"clave"`
	Consecutive string       `json:"consecutive"`
	Branch      string       `json:"branch"`
	Type        DocumentType `json:"type"`
	State       State        `json:"state"`

	// Detail carries a short authority response summary where applicable.
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher delivers status events to external collaborators.
// Publishing is best-effort: failures are logged by the caller and never
// affect the document lifecycle.
// Implementations: events.NATSPublisher, events.LogPublisher.
type EventPublisher interface {
	Publish(ctx context.Context, event StatusEvent) error
}
