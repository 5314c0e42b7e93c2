// Package postgres implements the durable stores on PostgreSQL via pgx.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles the PostgreSQL-backed store implementations over one
// connection pool.
type Store struct {
	pool *pgxpool.Pool

	Sequences *SequenceStore
	Documents *DocumentStore
	Outbox    *OutboxStore
	Audit     *AuditStore
}

// New creates a Store over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:      pool,
		Sequences: &SequenceStore{pool: pool},
		Documents: &DocumentStore{pool: pool},
		Outbox:    &OutboxStore{pool: pool},
		Audit:     &AuditStore{pool: pool},
	}
}
