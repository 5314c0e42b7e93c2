package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajacentral/facturador/internal/domain"
)

// SequenceStore implements domain.SequenceStore on PostgreSQL.
type SequenceStore struct {
	pool *pgxpool.Pool
}

var _ domain.SequenceStore = (*SequenceStore)(nil)

// Reserve allocates the next consecutive for (branch, docType) in a
// single atomic statement. The upsert creates the counter on first use;
// the row lock taken by the update serializes concurrent callers, so
// returned values are strictly increasing and never repeat. The value
// is committed immediately: if issuing the document fails afterwards,
// the number stays burned and the caller documents the gap.
func (s *SequenceStore) Reserve(ctx context.Context, branch string, docType domain.DocumentType) (int64, error) {
	const op = "postgres.sequence.reserve"

	var value int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequence_counters (branch, doc_type, next_value)
		VALUES ($1, $2, 1)
		ON CONFLICT (branch, doc_type)
		DO UPDATE SET next_value = sequence_counters.next_value + 1
		RETURNING next_value`,
		branch, string(docType),
	).Scan(&value)
	if err != nil {
		return 0, domain.Internal(err, op, "reserving consecutive")
	}
	return value, nil
}
