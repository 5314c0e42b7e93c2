package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cajacentral/facturador/internal/builder"
	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/signer"
	"github.com/cajacentral/facturador/internal/telemetry"
)

// DocumentSigner is what the issuer needs from the signing layer.
type DocumentSigner interface {
	Ready(now time.Time) error
	Sign(payload []byte, signedAt time.Time) ([]byte, error)
}

// PayloadMarshaler serializes a document into its wire payload.
type PayloadMarshaler interface {
	Marshal(doc *domain.TaxDocument) ([]byte, error)
}

// Issuer turns finalized sales into signed, queued tax documents.
//
// A consecutive number is reserved in its own committed transaction
// before signing. If anything fails afterwards the number stays burned
// and the gap is documented; signing and storage failures never roll a
// counter back.
type Issuer struct {
	issuerID string

	builder   *builder.Builder
	sequences domain.SequenceStore
	documents domain.DocumentStore
	outbox    domain.OutboxStore
	audit     domain.AuditStore
	signer    DocumentSigner
	marshaler PayloadMarshaler
	tracker   *Tracker
	metrics   *telemetry.Metrics
	logger    zerolog.Logger

	now func() time.Time
}

// IssuerParams collects the Issuer dependencies.
type IssuerParams struct {
	IssuerID  string
	Builder   *builder.Builder
	Sequences domain.SequenceStore
	Documents domain.DocumentStore
	Outbox    domain.OutboxStore
	Audit     domain.AuditStore
	Signer    DocumentSigner
	Marshaler PayloadMarshaler
	Tracker   *Tracker
	Metrics   *telemetry.Metrics
	Logger    zerolog.Logger
}

// NewIssuer creates an Issuer.
func NewIssuer(p IssuerParams) *Issuer {
	return &Issuer{
		issuerID:  p.IssuerID,
		builder:   p.Builder,
		sequences: p.Sequences,
		documents: p.Documents,
		outbox:    p.Outbox,
		audit:     p.Audit,
		signer:    p.Signer,
		marshaler: p.Marshaler,
		tracker:   p.Tracker,
		metrics:   p.Metrics,
		logger:    p.Logger.With().Str("component", "issuer").Logger(),
		now:       time.Now,
	}
}

// Issue validates the sale, assigns identity, signs the document and
// queues it for delivery. On success the returned document is in state
// QUEUED with its outbox entry pending.
func (i *Issuer) Issue(ctx context.Context, sale domain.FinalizedSale) (*domain.TaxDocument, error) {
	return i.issue(ctx, sale, "", "")
}

// IssueCorrection issues a credit or debit note referencing an earlier
// document. The original keeps its consecutive number and state; the
// correction is a new document with its own number.
func (i *Issuer) IssueCorrection(ctx context.Context, originalClave string, sale domain.FinalizedSale, reason string) (*domain.TaxDocument, error) {
	const op = "issuer.issue_correction"

	if !sale.DocType.IsCorrection() {
		return nil, domain.Validation(op,
			fmt.Sprintf("document type %s cannot reference another document", sale.DocType))
	}
	if reason == "" {
		return nil, domain.Validation(op, "a correction requires a reason")
	}

	original, err := i.documents.Get(ctx, originalClave)
	if err != nil {
		return nil, err
	}
	if original.State == domain.StateVoided {
		return nil, domain.Conflict(op, "cannot correct a voided document")
	}

	return i.issue(ctx, sale, originalClave, reason)
}

func (i *Issuer) issue(ctx context.Context, sale domain.FinalizedSale, referenceClave, referenceReason string) (*domain.TaxDocument, error) {
	const op = "issuer.issue"

	now := i.now()

	// A bad certificate fails here, before a number is burned.
	if err := i.signer.Ready(now); err != nil {
		i.metrics.IssuanceFailed.WithLabelValues(sale.Branch, domain.ErrorCode(err)).Inc()
		return nil, err
	}

	doc, err := i.builder.Build(sale)
	if err != nil {
		i.metrics.IssuanceFailed.WithLabelValues(sale.Branch, domain.ErrorCode(err)).Inc()
		return nil, err
	}
	doc.ReferenceClave = referenceClave
	doc.ReferenceReason = referenceReason

	// The reservation commits on its own: from here on any failure
	// leaves a documented gap instead of reusing the number.
	sequence, err := i.sequences.Reserve(ctx, doc.Branch, doc.Type)
	if err != nil {
		i.metrics.IssuanceFailed.WithLabelValues(sale.Branch, domain.ErrorCode(err)).Inc()
		return nil, err
	}

	doc, err = i.finalize(ctx, doc, sequence, now)
	if err != nil {
		i.documentGap(ctx, doc, sequence, err)
		i.metrics.IssuanceFailed.WithLabelValues(sale.Branch, domain.ErrorCode(err)).Inc()
		return nil, err
	}

	i.metrics.DocumentsIssued.WithLabelValues(doc.Branch, string(doc.Type)).Inc()
	i.logger.Info().
		Str("clave", doc.Clave).
		Str("consecutive", doc.Consecutive).
		Str("branch", doc.Branch).
		Str("doc_type", string(doc.Type)).
		Msg("document issued")
	return doc, nil
}

// finalize assigns identity, signs and stores the document with its
// outbox entry.
func (i *Issuer) finalize(ctx context.Context, doc *domain.TaxDocument, sequence int64, now time.Time) (*domain.TaxDocument, error) {
	consecutive, err := signer.FormatConsecutive(doc.Branch, doc.Terminal, doc.Type, sequence)
	if err != nil {
		return doc, err
	}
	securityCode, err := signer.NewSecurityCode()
	if err != nil {
		return doc, err
	}
	clave, err := signer.Clave(now, i.issuerID, consecutive, securityCode)
	if err != nil {
		return doc, err
	}

	doc.Sequence = sequence
	doc.Consecutive = consecutive
	doc.SecurityCode = securityCode
	doc.Clave = clave
	doc.IssuedAt = now
	doc.State = domain.StateNumbered
	i.tracker.Transition(ctx, doc, domain.StateDraft, domain.StateNumbered, "issuer", "", "")

	payload, err := i.marshaler.Marshal(doc)
	if err != nil {
		return doc, err
	}
	signedXML, err := i.signer.Sign(payload, now)
	if err != nil {
		return doc, err
	}
	doc.SignedXML = signedXML
	doc.State = domain.StateSigned
	i.tracker.Transition(ctx, doc, domain.StateNumbered, domain.StateSigned, "issuer", "", "")

	entry := &domain.OutboxEntry{
		Clave:         doc.Clave,
		Branch:        doc.Branch,
		Payload:       signedXML,
		State:         domain.OutboxPending,
		NextAttemptAt: now,
		EnqueuedAt:    now,
	}
	doc.State = domain.StateQueued
	if err := i.documents.InsertSigned(ctx, doc, entry); err != nil {
		return doc, err
	}
	i.tracker.Transition(ctx, doc, domain.StateSigned, domain.StateQueued, "issuer", "", "")

	return doc, nil
}

// documentGap records a burned consecutive number.
func (i *Issuer) documentGap(ctx context.Context, doc *domain.TaxDocument, sequence int64, cause error) {
	i.metrics.NumberingGaps.WithLabelValues(doc.Branch, string(doc.Type)).Inc()
	i.tracker.Gap(ctx, doc.Clave, doc.Branch, doc.Type, sequence, "issuer",
		fmt.Sprintf("sequence %d for branch %s type %s burned: %s",
			sequence, doc.Branch, doc.Type, domain.ErrorMessage(cause)))
}

// Withdraw voids a queued document that was never presented to the
// authority. Once a delivery attempt has been made the document is part
// of the fiscal record and can only be corrected, not withdrawn.
func (i *Issuer) Withdraw(ctx context.Context, clave, actor string) error {
	doc, err := i.documents.Get(ctx, clave)
	if err != nil {
		return err
	}

	// One conditional write: a worker leasing and submitting between a
	// precondition read and the void would leave a delivered document
	// marked voided.
	if err := i.outbox.Void(ctx, clave, "withdrawn by "+actor); err != nil {
		return err
	}
	if err := i.documents.SetState(ctx, clave, domain.StateVoided); err != nil {
		return err
	}
	i.tracker.Transition(ctx, doc, doc.State, domain.StateVoided, actor, "", "withdrawn before first delivery attempt")
	return nil
}

// Readmit puts a needs_attention document back on the delivery queue
// after an operator resolved the underlying problem.
func (i *Issuer) Readmit(ctx context.Context, clave, actor string) error {
	doc, err := i.documents.Get(ctx, clave)
	if err != nil {
		return err
	}
	if err := i.outbox.Readmit(ctx, clave, i.now()); err != nil {
		return err
	}
	if err := i.documents.SetState(ctx, clave, domain.StateQueued); err != nil {
		return err
	}
	i.tracker.Transition(ctx, doc, doc.State, domain.StateQueued, actor, "", "readmitted to delivery queue")
	return nil
}

// Get returns one document.
func (i *Issuer) Get(ctx context.Context, clave string) (*domain.TaxDocument, error) {
	return i.documents.Get(ctx, clave)
}

// Trail returns the audit trail for one document.
func (i *Issuer) Trail(ctx context.Context, clave string) ([]domain.AuditEntry, error) {
	return i.audit.ListForDocument(ctx, clave)
}

// List returns documents in a given state.
func (i *Issuer) List(ctx context.Context, state domain.State, limit int32) ([]domain.TaxDocument, error) {
	return i.documents.ListByState(ctx, state, limit)
}

// Gaps returns documented numbering gaps.
func (i *Issuer) Gaps(ctx context.Context, limit int32) ([]domain.AuditEntry, error) {
	return i.audit.ListGaps(ctx, limit)
}
