package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajacentral/facturador/internal/domain"
)

// OutboxStore implements domain.OutboxStore on PostgreSQL.
type OutboxStore struct {
	pool *pgxpool.Pool
}

var _ domain.OutboxStore = (*OutboxStore)(nil)

const outboxColumns = `
	clave, branch, payload, state, attempts, next_attempt_at, enqueued_at,
	lease_holder, lease_expires_at, last_error, last_response, updated_at`

// Get returns the entry for a clave.
func (s *OutboxStore) Get(ctx context.Context, clave string) (*domain.OutboxEntry, error) {
	const op = "postgres.outbox.get"

	row := s.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_entries WHERE clave = $1`, clave)

	entry, err := scanOutboxEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "outbox entry", clave)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "loading outbox entry")
	}
	return entry, nil
}

// ListPendingBranches returns branches with non-terminal entries.
func (s *OutboxStore) ListPendingBranches(ctx context.Context) ([]string, error) {
	const op = "postgres.outbox.list_pending_branches"

	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT branch FROM outbox_entries
		WHERE state IN ('pending', 'submitted')
		ORDER BY branch`)
	if err != nil {
		return nil, domain.Internal(err, op, "querying branches")
	}
	defer rows.Close()

	var branches []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, domain.Internal(err, op, "scanning branch")
		}
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "iterating branches")
	}
	return branches, nil
}

// NextForBranch returns the branch's oldest non-terminal entry, or nil.
func (s *OutboxStore) NextForBranch(ctx context.Context, branch string) (*domain.OutboxEntry, error) {
	const op = "postgres.outbox.next_for_branch"

	row := s.pool.QueryRow(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE branch = $1 AND state IN ('pending', 'submitted')
		ORDER BY enqueued_at
		LIMIT 1`, branch)

	entry, err := scanOutboxEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Internal(err, op, "loading head entry")
	}
	return entry, nil
}

// Lease grants exclusive processing rights until the lease expires.
// The conditional update only succeeds when no live foreign lease
// exists, so two workers can never hold the same entry.
func (s *OutboxStore) Lease(ctx context.Context, clave, holder string, ttl time.Duration) (bool, error) {
	const op = "postgres.outbox.lease"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET lease_holder = $2, lease_expires_at = $3, updated_at = now()
		WHERE clave = $1
		  AND state IN ('pending', 'submitted')
		  AND (lease_holder IS NULL OR lease_holder = $2 OR lease_expires_at < now())`,
		clave, holder, time.Now().Add(ttl))
	if err != nil {
		return false, domain.Internal(err, op, "acquiring lease")
	}
	return tag.RowsAffected() == 1, nil
}

// Release drops the holder's lease. A foreign lease is left alone.
func (s *OutboxStore) Release(ctx context.Context, clave, holder string) error {
	const op = "postgres.outbox.release"

	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET lease_holder = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE clave = $1 AND lease_holder = $2`,
		clave, holder)
	if err != nil {
		return domain.Internal(err, op, "releasing lease")
	}
	return nil
}

// Void withdraws an entry before its first delivery attempt. The
// preconditions live in the UPDATE itself so a worker leasing and
// submitting concurrently cannot slip between a check and the write.
func (s *OutboxStore) Void(ctx context.Context, clave, detail string) error {
	const op = "postgres.outbox.void"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET state = 'voided',
		    last_response = $2,
		    updated_at = now()
		WHERE clave = $1
		  AND state = 'pending'
		  AND attempts = 0
		  AND lease_holder IS NULL`,
		clave, nullable(detail))
	if err != nil {
		return domain.Internal(err, op, "voiding entry")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "document already entered delivery: "+clave)
	}
	return nil
}

// ReclaimExpired clears leases past their expiry.
func (s *OutboxStore) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	const op = "postgres.outbox.reclaim_expired"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET lease_holder = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE lease_expires_at IS NOT NULL AND lease_expires_at < $1`,
		now)
	if err != nil {
		return 0, domain.Internal(err, op, "reclaiming leases")
	}
	return int(tag.RowsAffected()), nil
}

// MarkAttempt records a failed delivery attempt and reschedules.
func (s *OutboxStore) MarkAttempt(ctx context.Context, clave, errClass, detail string, nextAttemptAt time.Time) error {
	const op = "postgres.outbox.mark_attempt"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET attempts = attempts + 1,
		    last_error = $2,
		    last_response = $3,
		    next_attempt_at = $4,
		    updated_at = now()
		WHERE clave = $1`,
		clave, errClass, nullable(detail), nextAttemptAt)
	if err != nil {
		return domain.Internal(err, op, "recording attempt")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "outbox entry", clave)
	}
	return nil
}

// SetSubmitted moves a pending entry to submitted after the payload
// went out.
func (s *OutboxStore) SetSubmitted(ctx context.Context, clave, response string, nextPollAt time.Time) error {
	const op = "postgres.outbox.set_submitted"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET state = 'submitted',
		    attempts = attempts + 1,
		    last_error = NULL,
		    last_response = $2,
		    next_attempt_at = $3,
		    updated_at = now()
		WHERE clave = $1 AND state = 'pending'`,
		clave, nullable(response), nextPollAt)
	if err != nil {
		return domain.Internal(err, op, "marking submitted")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "entry is not pending: "+clave)
	}
	return nil
}

// MarkTerminal closes delivery for the entry.
func (s *OutboxStore) MarkTerminal(ctx context.Context, clave string, state domain.OutboxState, detail string) error {
	const op = "postgres.outbox.mark_terminal"

	if !state.Terminal() {
		return domain.Validation(op, "state is not terminal: "+string(state))
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET state = $2,
		    last_response = $3,
		    lease_holder = NULL,
		    lease_expires_at = NULL,
		    updated_at = now()
		WHERE clave = $1 AND state IN ('pending', 'submitted')`,
		clave, string(state), nullable(detail))
	if err != nil {
		return domain.Internal(err, op, "closing entry")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "entry already terminal: "+clave)
	}
	return nil
}

// Readmit puts a needs_attention entry back on the queue.
func (s *OutboxStore) Readmit(ctx context.Context, clave string, now time.Time) error {
	const op = "postgres.outbox.readmit"

	tag, err := s.pool.Exec(ctx, `
		UPDATE outbox_entries
		SET state = 'pending',
		    attempts = 0,
		    last_error = NULL,
		    next_attempt_at = $2,
		    updated_at = now()
		WHERE clave = $1 AND state = 'needs_attention'`,
		clave, now)
	if err != nil {
		return domain.Internal(err, op, "readmitting entry")
	}
	if tag.RowsAffected() == 0 {
		return domain.Conflict(op, "entry is not awaiting attention: "+clave)
	}
	return nil
}

// ListByState returns entries in the given state, oldest first.
func (s *OutboxStore) ListByState(ctx context.Context, state domain.OutboxState, limit int32) ([]domain.OutboxEntry, error) {
	const op = "postgres.outbox.list_by_state"

	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM outbox_entries
		WHERE state = $1 ORDER BY enqueued_at LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, domain.Internal(err, op, "querying entries")
	}
	defer rows.Close()

	var entries []domain.OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "scanning entry")
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "iterating entries")
	}
	return entries, nil
}

func scanOutboxEntry(row pgx.Row) (*domain.OutboxEntry, error) {
	var (
		entry          domain.OutboxEntry
		state          string
		leaseHolder    *string
		leaseExpiresAt *time.Time
		lastError      *string
		lastResponse   *string
	)

	err := row.Scan(
		&entry.Clave, &entry.Branch, &entry.Payload, &state, &entry.Attempts,
		&entry.NextAttemptAt, &entry.EnqueuedAt,
		&leaseHolder, &leaseExpiresAt, &lastError, &lastResponse,
		&entry.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.State = domain.OutboxState(state)
	if leaseHolder != nil {
		entry.LeaseHolder = *leaseHolder
	}
	if leaseExpiresAt != nil {
		entry.LeaseExpiresAt = *leaseExpiresAt
	}
	if lastError != nil {
		entry.LastError = *lastError
	}
	if lastResponse != nil {
		entry.LastResponse = *lastResponse
	}
	return &entry, nil
}
