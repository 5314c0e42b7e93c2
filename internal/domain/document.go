package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DocumentType is the two-digit comprobante type code assigned by the
// tax authority.
type DocumentType string

const (
	TypeInvoice    DocumentType = "01" // factura electrónica
	TypeDebitNote  DocumentType = "02" // nota de débito electrónica
	TypeCreditNote DocumentType = "03" // nota de crédito electrónica
	TypeTicket     DocumentType = "04" // tiquete electrónico
)

// Valid reports whether t is a document type this engine can issue.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeInvoice, TypeDebitNote, TypeCreditNote, TypeTicket:
		return true
	}
	return false
}

// IsCorrection reports whether t voids or adjusts a prior document.
// Correction documents must reference the original document key.
func (t DocumentType) IsCorrection() bool {
	return t == TypeCreditNote || t == TypeDebitNote
}

// State is the lifecycle state of a tax document.
//
// DRAFT -> NUMBERED -> SIGNED -> QUEUED -> SUBMITTED -> {ACCEPTED | REJECTED | NEEDS_ATTENTION}
//
// Documents are never deleted; accepted and voided-via-correction are the
// only business-terminal outcomes. A rejected document keeps its consecutive
// number and is corrected by a credit/debit note, never renumbered.
type State string

const (
	StateDraft          State = "DRAFT"
	StateNumbered       State = "NUMBERED"
	StateSigned         State = "SIGNED"
	StateQueued         State = "QUEUED"
	StateSubmitted      State = "SUBMITTED"
	StateAccepted       State = "ACCEPTED"
	StateRejected       State = "REJECTED"
	StateNeedsAttention State = "NEEDS_ATTENTION"
	StateVoided         State = "VOIDED"
)

// Terminal reports whether no further automatic transitions apply.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StateRejected, StateNeedsAttention, StateVoided:
		return true
	}
	return false
}

// Identification carries a party's tax identification.
// Type codes follow the authority catalog: "01" física, "02" jurídica,
// "03" DIMEX, "04" NITE.
type Identification struct {
	Type   string `json:"type" validate:"required,oneof=01 02 03 04"`
	Number string `json:"number" validate:"required,min=9,max=12,numeric"`
}

// Party identifies the issuer or receiver of a document.
type Party struct {
	Name           string         `json:"name" validate:"required,max=100"`
	Identification Identification `json:"identification"`
	Email          string         `json:"email,omitempty" validate:"omitempty,email"`
	Phone          string         `json:"phone,omitempty"`
	Address        string         `json:"address,omitempty"`
}

// LineItem is a single detail line with its computed amounts.
// All amounts use fixed-point arithmetic; the wire format carries
// five decimal places.
type LineItem struct {
	Number      int             `json:"number"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DiscountPct decimal.Decimal `json:"discount_pct"`

	// TaxCode is the authority tax catalog code ("01" IVA, "07" exempt).
	TaxCode string          `json:"tax_code"`
	TaxRate decimal.Decimal `json:"tax_rate"`

	// Computed by the builder.
	GrossAmount decimal.Decimal `json:"gross_amount"` // quantity * unit price
	Discount    decimal.Decimal `json:"discount"`
	Subtotal    decimal.Decimal `json:"subtotal"` // gross - discount
	TaxAmount   decimal.Decimal `json:"tax_amount"`
	Total       decimal.Decimal `json:"total"` // subtotal + tax
}

// Totals is the document summary, reconciled against the line items.
type Totals struct {
	CurrencyCode string          `json:"currency_code"`
	TaxableBase  decimal.Decimal `json:"taxable_base"` // sum of subtotals with a tax rate
	ExemptBase   decimal.Decimal `json:"exempt_base"`  // sum of exempt subtotals
	Subtotal     decimal.Decimal `json:"subtotal"`     // gross before discounts
	Discount     decimal.Decimal `json:"discount"`
	Net          decimal.Decimal `json:"net"` // subtotal - discount
	Tax          decimal.Decimal `json:"tax"`
	GrandTotal   decimal.Decimal `json:"grand_total"`
}

// TaxDocument is the canonical tax-document record. Identity fields
// (clave, consecutive, security code) are assigned during issuance; the
// signed payload is immutable once produced.
type TaxDocument struct {
	// Clave is the 50-digit globally unique document key, derived from
	// country code, issue date, issuer id, consecutive and security code.
	Clave string

	Branch   string
	Terminal string
	Type     DocumentType

	// Sequence is the raw per-(branch,type) consecutive value;
	// Consecutive is its 20-digit wire form including branch, terminal
	// and document type.
	Sequence    int64
	Consecutive string

	IssuedAt     time.Time
	SecurityCode string

	Issuer   Party
	Receiver *Party // nil for anonymous ticket sales

	SaleCondition string // "01" contado, "02" crédito
	PaymentMethod string // "01" efectivo, "02" tarjeta, ...
	ActivityCode  string

	Lines  []LineItem
	Totals Totals

	// ReferenceClave points at the corrected document; set only on
	// credit/debit notes.
	ReferenceClave  string
	ReferenceReason string

	// SignedXML is the signed wire payload, produced once and never mutated.
	SignedXML []byte

	State     State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OutboxState is the delivery state of an outbox entry. An entry's
// existence is the sole authority for "this document must eventually be
// delivered"; a terminal state closes delivery.
type OutboxState string

const (
	OutboxPending        OutboxState = "pending"
	OutboxSubmitted      OutboxState = "submitted" // sent, awaiting a definitive authority answer
	OutboxAccepted       OutboxState = "accepted"
	OutboxRejected       OutboxState = "rejected"
	OutboxNeedsAttention OutboxState = "needs_attention"
	OutboxVoided         OutboxState = "voided"
)

// Terminal reports whether the delivery worker is done with the entry.
func (s OutboxState) Terminal() bool {
	switch s {
	case OutboxAccepted, OutboxRejected, OutboxNeedsAttention, OutboxVoided:
		return true
	}
	return false
}

// OutboxEntry is one durable unit of pending delivery work.
type OutboxEntry struct {
	Clave   string
	Branch  string
	Payload []byte

	State    OutboxState
	Attempts int

	// NextAttemptAt gates retries; it survives restarts so backoff state
	// does not depend on process uptime.
	NextAttemptAt time.Time
	EnqueuedAt    time.Time

	// Lease fields guard against two workers processing the same entry.
	// An expired lease is reclaimable so a crashed worker cannot stall
	// the branch forever.
	LeaseHolder    string
	LeaseExpiresAt time.Time

	LastError    string
	LastResponse string
	UpdatedAt    time.Time
}

// AuditKind distinguishes lifecycle transitions from documented
// numbering gaps.
type AuditKind string

const (
	AuditTransition AuditKind = "transition"
	AuditGap        AuditKind = "gap"
)

// AuditEntry is one immutable row of the append-only audit log.
type AuditEntry struct {
	ID        string
	Clave     string
	Kind      AuditKind
	FromState State
	ToState   State
	Actor     string

	// AuthorityResponse holds the raw authority answer where applicable.
	AuthorityResponse string
	Detail            string
	CreatedAt         time.Time
}
