package domain

import (
	"context"
	"time"
)

// SequenceStore reserves per-(branch, document type) consecutive numbers.
// Implementations: postgres.Store, memory.Store.
type SequenceStore interface {
	// Reserve atomically allocates the next consecutive for the counter,
	// creating it on first use. Returned values are strictly increasing
	// and never repeat, regardless of concurrent callers. A reserved
	// value is burned permanently even if issuing the document later
	// fails; such gaps are documented in the audit log.
	Reserve(ctx context.Context, branch string, docType DocumentType) (int64, error)
}

// DocumentStore persists tax documents.
type DocumentStore interface {
	// InsertSigned stores a signed document together with its outbox
	// entry in a single transaction: no signed document may exist
	// without a queued delivery, and vice versa. Re-inserting an
	// existing clave is a conflict.
	InsertSigned(ctx context.Context, doc *TaxDocument, entry *OutboxEntry) error

	// Get returns the document for a clave.
	Get(ctx context.Context, clave string) (*TaxDocument, error)

	// SetState advances the document lifecycle state.
	SetState(ctx context.Context, clave string, state State) error

	// ListByState returns documents in a given state, oldest first.
	ListByState(ctx context.Context, state State, limit int32) ([]TaxDocument, error)
}

// OutboxStore is the durable queue of documents awaiting or undergoing
// delivery. All operations are idempotent so the worker can safely
// re-enter after a crash.
type OutboxStore interface {
	// Get returns the entry for a clave.
	Get(ctx context.Context, clave string) (*OutboxEntry, error)

	// ListPendingBranches returns the branches that currently have
	// non-terminal entries.
	ListPendingBranches(ctx context.Context) ([]string, error)

	// NextForBranch returns the branch's oldest non-terminal entry by
	// enqueue time, or nil. The head entry gates the whole branch: it
	// must reach a terminal state or be rescheduled before anything
	// behind it is attempted, preserving consecutive submission order.
	NextForBranch(ctx context.Context, branch string) (*OutboxEntry, error)

	// Lease grants the holder exclusive processing rights until the
	// lease expires. Returns false when another live lease exists.
	Lease(ctx context.Context, clave, holder string, ttl time.Duration) (bool, error)

	// Release drops the holder's lease. A no-op for a foreign lease.
	Release(ctx context.Context, clave, holder string) error

	// Void withdraws a pending entry that has never been attempted nor
	// leased, in one conditional write. Conflicts once the entry
	// entered delivery: an authority may already hold the document.
	Void(ctx context.Context, clave, detail string) error

	// ReclaimExpired clears leases past their expiry so entries stranded
	// by a crashed worker become processable again. Returns the count.
	ReclaimExpired(ctx context.Context, now time.Time) (int, error)

	// MarkAttempt records a delivery attempt: increments the attempt
	// count, stores the error classification and advances the
	// next-eligible time.
	MarkAttempt(ctx context.Context, clave, errClass, detail string, nextAttemptAt time.Time) error

	// SetSubmitted moves a pending entry to submitted after the payload
	// went out, keeping the attempt schedule for status polling.
	SetSubmitted(ctx context.Context, clave, response string, nextPollAt time.Time) error

	// MarkTerminal closes delivery for the entry.
	MarkTerminal(ctx context.Context, clave string, state OutboxState, detail string) error

	// Readmit puts a needs_attention entry back on the queue after an
	// explicit operator decision, resetting the attempt schedule.
	Readmit(ctx context.Context, clave string, now time.Time) error

	// ListByState returns entries in the given state, oldest first.
	ListByState(ctx context.Context, state OutboxState, limit int32) ([]OutboxEntry, error)
}

// AuditStore is the append-only record of lifecycle transitions and
// documented numbering gaps. Entries are immutable once written.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	ListForDocument(ctx context.Context, clave string) ([]AuditEntry, error)
	ListGaps(ctx context.Context, limit int32) ([]AuditEntry, error)
}
