// Package memory provides in-memory store implementations mirroring
// the PostgreSQL stores. They back unit tests that exercise issuance
// and delivery without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cajacentral/facturador/internal/domain"
)

// Store bundles the in-memory store implementations over shared state.
type Store struct {
	mu sync.Mutex

	counters  map[counterKey]int64
	documents map[string]*domain.TaxDocument
	outbox    map[string]*domain.OutboxEntry
	audit     []domain.AuditEntry

	// InsertSignedErr, when set, fails the next InsertSigned call and
	// clears itself. Used to exercise the documented-gap path.
	InsertSignedErr error

	// Now supplies timestamps for writes and lease expiry checks.
	// Tests override it to drive the store from a fixed clock.
	Now func() time.Time

	Sequences *SequenceStore
	Documents *DocumentStore
	Outbox    *OutboxStore
	Audit     *AuditStore
}

type counterKey struct {
	branch  string
	docType domain.DocumentType
}

// NewStore returns an empty Store.
func NewStore() *Store {
	s := &Store{
		counters:  make(map[counterKey]int64),
		documents: make(map[string]*domain.TaxDocument),
		outbox:    make(map[string]*domain.OutboxEntry),
		Now:       time.Now,
	}
	s.Sequences = &SequenceStore{s}
	s.Documents = &DocumentStore{s}
	s.Outbox = &OutboxStore{s}
	s.Audit = &AuditStore{s}
	return s
}

// SequenceStore implements domain.SequenceStore in memory.
type SequenceStore struct{ s *Store }

var _ domain.SequenceStore = (*SequenceStore)(nil)

// Reserve allocates the next consecutive for (branch, docType).
func (st *SequenceStore) Reserve(_ context.Context, branch string, docType domain.DocumentType) (int64, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	key := counterKey{branch, docType}
	st.s.counters[key]++
	return st.s.counters[key], nil
}

// DocumentStore implements domain.DocumentStore in memory.
type DocumentStore struct{ s *Store }

var _ domain.DocumentStore = (*DocumentStore)(nil)

// InsertSigned stores the document and its outbox entry atomically.
func (st *DocumentStore) InsertSigned(_ context.Context, doc *domain.TaxDocument, entry *domain.OutboxEntry) error {
	const op = "memory.document.insert_signed"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if err := st.s.InsertSignedErr; err != nil {
		st.s.InsertSignedErr = nil
		return err
	}
	if _, exists := st.s.documents[doc.Clave]; exists {
		return domain.Conflict(op, "document already exists: "+doc.Clave)
	}

	d := *doc
	e := *entry
	now := st.s.Now()
	d.CreatedAt, d.UpdatedAt = now, now
	e.UpdatedAt = now
	st.s.documents[doc.Clave] = &d
	// Enqueue is idempotent: an existing entry for this clave stays.
	if _, exists := st.s.outbox[entry.Clave]; !exists {
		st.s.outbox[entry.Clave] = &e
	}
	return nil
}

// Get returns the document for a clave.
func (st *DocumentStore) Get(_ context.Context, clave string) (*domain.TaxDocument, error) {
	const op = "memory.document.get"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	doc, ok := st.s.documents[clave]
	if !ok {
		return nil, domain.NotFound(op, "document", clave)
	}
	copied := *doc
	return &copied, nil
}

// SetState advances the document lifecycle state.
func (st *DocumentStore) SetState(_ context.Context, clave string, state domain.State) error {
	const op = "memory.document.set_state"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	doc, ok := st.s.documents[clave]
	if !ok {
		return domain.NotFound(op, "document", clave)
	}
	doc.State = state
	doc.UpdatedAt = st.s.Now()
	return nil
}

// ListByState returns documents in a given state, oldest first.
func (st *DocumentStore) ListByState(_ context.Context, state domain.State, limit int32) ([]domain.TaxDocument, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	var docs []domain.TaxDocument
	for _, doc := range st.s.documents {
		if doc.State == state {
			docs = append(docs, *doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	if limit > 0 && int32(len(docs)) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}

// OutboxStore implements domain.OutboxStore in memory.
type OutboxStore struct{ s *Store }

var _ domain.OutboxStore = (*OutboxStore)(nil)

// Get returns the outbox entry for a clave.
func (st *OutboxStore) Get(_ context.Context, clave string) (*domain.OutboxEntry, error) {
	const op = "memory.outbox.get"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok {
		return nil, domain.NotFound(op, "outbox entry", clave)
	}
	copied := *entry
	return &copied, nil
}

// ListPendingBranches returns branches with non-terminal entries.
func (st *OutboxStore) ListPendingBranches(_ context.Context) ([]string, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	seen := make(map[string]bool)
	for _, entry := range st.s.outbox {
		if !entry.State.Terminal() {
			seen[entry.Branch] = true
		}
	}
	branches := make([]string, 0, len(seen))
	for b := range seen {
		branches = append(branches, b)
	}
	sort.Strings(branches)
	return branches, nil
}

// NextForBranch returns the branch's oldest non-terminal entry, or nil.
func (st *OutboxStore) NextForBranch(_ context.Context, branch string) (*domain.OutboxEntry, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	var head *domain.OutboxEntry
	for _, entry := range st.s.outbox {
		if entry.Branch != branch || entry.State.Terminal() {
			continue
		}
		if head == nil || entry.EnqueuedAt.Before(head.EnqueuedAt) {
			head = entry
		}
	}
	if head == nil {
		return nil, nil
	}
	copied := *head
	return &copied, nil
}

// Lease grants exclusive processing rights until the lease expires.
func (st *OutboxStore) Lease(_ context.Context, clave, holder string, ttl time.Duration) (bool, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok || entry.State.Terminal() {
		return false, nil
	}
	now := st.s.Now()
	if entry.LeaseHolder != "" && entry.LeaseHolder != holder && entry.LeaseExpiresAt.After(now) {
		return false, nil
	}
	entry.LeaseHolder = holder
	entry.LeaseExpiresAt = now.Add(ttl)
	entry.UpdatedAt = now
	return true, nil
}

// Release drops the holder's lease.
func (st *OutboxStore) Release(_ context.Context, clave, holder string) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok || entry.LeaseHolder != holder {
		return nil
	}
	entry.LeaseHolder = ""
	entry.LeaseExpiresAt = time.Time{}
	entry.UpdatedAt = st.s.Now()
	return nil
}

// Void withdraws an entry before its first delivery attempt, refusing
// anything a worker has touched.
func (st *OutboxStore) Void(_ context.Context, clave, detail string) error {
	const op = "memory.outbox.void"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok || entry.State != domain.OutboxPending || entry.Attempts > 0 || entry.LeaseHolder != "" {
		return domain.Conflict(op, "document already entered delivery: "+clave)
	}
	entry.State = domain.OutboxVoided
	entry.LastResponse = detail
	entry.UpdatedAt = st.s.Now()
	return nil
}

// ReclaimExpired clears leases past their expiry.
func (st *OutboxStore) ReclaimExpired(_ context.Context, now time.Time) (int, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	reclaimed := 0
	for _, entry := range st.s.outbox {
		if entry.LeaseHolder != "" && entry.LeaseExpiresAt.Before(now) {
			entry.LeaseHolder = ""
			entry.LeaseExpiresAt = time.Time{}
			entry.UpdatedAt = now
			reclaimed++
		}
	}
	return reclaimed, nil
}

// MarkAttempt records a failed delivery attempt and reschedules.
func (st *OutboxStore) MarkAttempt(_ context.Context, clave, errClass, detail string, nextAttemptAt time.Time) error {
	const op = "memory.outbox.mark_attempt"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok {
		return domain.NotFound(op, "outbox entry", clave)
	}
	entry.Attempts++
	entry.LastError = errClass
	entry.LastResponse = detail
	entry.NextAttemptAt = nextAttemptAt
	entry.UpdatedAt = st.s.Now()
	return nil
}

// SetSubmitted moves a pending entry to submitted.
func (st *OutboxStore) SetSubmitted(_ context.Context, clave, response string, nextPollAt time.Time) error {
	const op = "memory.outbox.set_submitted"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok || entry.State != domain.OutboxPending {
		return domain.Conflict(op, "entry is not pending: "+clave)
	}
	entry.State = domain.OutboxSubmitted
	entry.Attempts++
	entry.LastError = ""
	entry.LastResponse = response
	entry.NextAttemptAt = nextPollAt
	entry.UpdatedAt = st.s.Now()
	return nil
}

// MarkTerminal closes delivery for the entry.
func (st *OutboxStore) MarkTerminal(_ context.Context, clave string, state domain.OutboxState, detail string) error {
	const op = "memory.outbox.mark_terminal"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if !state.Terminal() {
		return domain.Validation(op, "state is not terminal: "+string(state))
	}
	entry, ok := st.s.outbox[clave]
	if !ok || entry.State.Terminal() {
		return domain.Conflict(op, "entry already terminal: "+clave)
	}
	entry.State = state
	entry.LastResponse = detail
	entry.LeaseHolder = ""
	entry.LeaseExpiresAt = time.Time{}
	entry.UpdatedAt = st.s.Now()
	return nil
}

// Readmit puts a needs_attention entry back on the queue.
func (st *OutboxStore) Readmit(_ context.Context, clave string, now time.Time) error {
	const op = "memory.outbox.readmit"

	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	entry, ok := st.s.outbox[clave]
	if !ok || entry.State != domain.OutboxNeedsAttention {
		return domain.Conflict(op, "entry is not awaiting attention: "+clave)
	}
	entry.State = domain.OutboxPending
	entry.Attempts = 0
	entry.LastError = ""
	entry.NextAttemptAt = now
	entry.UpdatedAt = now
	return nil
}

// ListByState returns entries in the given state, oldest first.
func (st *OutboxStore) ListByState(_ context.Context, state domain.OutboxState, limit int32) ([]domain.OutboxEntry, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	var entries []domain.OutboxEntry
	for _, entry := range st.s.outbox {
		if entry.State == state {
			entries = append(entries, *entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})
	if limit > 0 && int32(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// AuditStore implements domain.AuditStore in memory.
type AuditStore struct{ s *Store }

var _ domain.AuditStore = (*AuditStore)(nil)

// Append writes one audit entry.
func (st *AuditStore) Append(_ context.Context, entry domain.AuditEntry) error {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = st.s.Now()
	}
	st.s.audit = append(st.s.audit, entry)
	return nil
}

// ListForDocument returns the full trail for a clave, oldest first.
func (st *AuditStore) ListForDocument(_ context.Context, clave string) ([]domain.AuditEntry, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	var entries []domain.AuditEntry
	for _, e := range st.s.audit {
		if e.Clave == clave {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// ListGaps returns documented numbering gaps, oldest first.
func (st *AuditStore) ListGaps(_ context.Context, limit int32) ([]domain.AuditEntry, error) {
	st.s.mu.Lock()
	defer st.s.mu.Unlock()

	var entries []domain.AuditEntry
	for _, e := range st.s.audit {
		if e.Kind == domain.AuditGap {
			entries = append(entries, e)
		}
	}
	if limit > 0 && int32(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
