// Package events publishes document status events to external
// collaborators over NATS, with a log-only fallback for deployments
// without a broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/cajacentral/facturador/internal/domain"
)

// NATSPublisher publishes status events to a NATS subject per branch.
type NATSPublisher struct {
	conn          *nats.Conn
	subjectPrefix string
}

var _ domain.EventPublisher = (*NATSPublisher)(nil)

// NewNATSPublisher returns a publisher over an established connection.
// Events go to "<prefix>.status.<branch>".
func NewNATSPublisher(conn *nats.Conn, subjectPrefix string) *NATSPublisher {
	if subjectPrefix == "" {
		subjectPrefix = "documents"
	}
	return &NATSPublisher{conn: conn, subjectPrefix: subjectPrefix}
}

// Publish sends the event. Delivery is fire-and-forget.
func (p *NATSPublisher) Publish(_ context.Context, event domain.StatusEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding status event: %w", err)
	}
	return p.conn.Publish(p.subject(event.Branch), payload)
}

func (p *NATSPublisher) subject(branch string) string {
	return fmt.Sprintf("%s.status.%s", p.subjectPrefix, branch)
}

// LogPublisher writes status events to the log instead of a broker.
type LogPublisher struct {
	logger zerolog.Logger
}

var _ domain.EventPublisher = (*LogPublisher)(nil)

// NewLogPublisher returns a log-only publisher.
func NewLogPublisher(logger zerolog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With().Str("component", "events").Logger()}
}

// Publish logs the event.
func (p *LogPublisher) Publish(_ context.Context, event domain.StatusEvent) error {
	p.logger.Info().
		Str("clave", event.Clave).
		Str("branch", event.Branch).
		Str("state", string(event.State)).
		Str("detail", event.Detail).
		Msg("document status changed")
	return nil
}
