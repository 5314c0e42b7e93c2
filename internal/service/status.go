// Package service holds the issuance and lifecycle orchestration.
package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cajacentral/facturador/internal/domain"
)

// Tracker records lifecycle transitions in the audit log and fans them
// out as status events. Recording failures are logged, never
// propagated: the document lifecycle must not stall on observability.
type Tracker struct {
	audit     domain.AuditStore
	publisher domain.EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewTracker creates a Tracker.
func NewTracker(audit domain.AuditStore, publisher domain.EventPublisher, logger zerolog.Logger) *Tracker {
	return &Tracker{
		audit:     audit,
		publisher: publisher,
		logger:    logger.With().Str("component", "tracker").Logger(),
		now:       time.Now,
	}
}

// Transition records a state change for a document.
func (t *Tracker) Transition(ctx context.Context, doc *domain.TaxDocument, from, to domain.State, actor, response, detail string) {
	entry := domain.AuditEntry{
		Clave:             doc.Clave,
		Kind:              domain.AuditTransition,
		FromState:         from,
		ToState:           to,
		Actor:             actor,
		AuthorityResponse: response,
		Detail:            detail,
		CreatedAt:         t.now(),
	}
	if err := t.audit.Append(ctx, entry); err != nil {
		t.logger.Error().Err(err).
			Str("clave", doc.Clave).
			Str("to", string(to)).
			Msg("failed to append audit entry")
	}

	event := domain.StatusEvent{
		Clave:       doc.Clave,
		Consecutive: doc.Consecutive,
		Branch:      doc.Branch,
		Type:        doc.Type,
		State:       to,
		Detail:      detail,
		OccurredAt:  entry.CreatedAt,
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Warn().Err(err).
			Str("clave", doc.Clave).
			Str("state", string(to)).
			Msg("failed to publish status event")
	}
}

// Gap documents a burned consecutive number that never became a stored
// document. The clave may be empty when the failure happened before
// identity assignment completed.
func (t *Tracker) Gap(ctx context.Context, clave, branch string, docType domain.DocumentType, sequence int64, actor, detail string) {
	entry := domain.AuditEntry{
		Clave:     clave,
		Kind:      domain.AuditGap,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: t.now(),
	}
	if err := t.audit.Append(ctx, entry); err != nil {
		t.logger.Error().Err(err).
			Str("branch", branch).
			Str("doc_type", string(docType)).
			Int64("sequence", sequence).
			Msg("failed to document numbering gap")
		return
	}
	t.logger.Warn().
		Str("branch", branch).
		Str("doc_type", string(docType)).
		Int64("sequence", sequence).
		Str("detail", detail).
		Msg("consecutive number burned")
}
