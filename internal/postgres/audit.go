package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajacentral/facturador/internal/domain"
)

// AuditStore implements domain.AuditStore on PostgreSQL. Rows are only
// ever inserted; there is no update or delete path.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// Append writes one audit entry. A missing ID is assigned here.
func (s *AuditStore) Append(ctx context.Context, entry domain.AuditEntry) error {
	const op = "postgres.audit.append"

	id := entry.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (id, clave, kind, from_state, to_state, actor, authority_response, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		id, entry.Clave, string(entry.Kind),
		nullable(string(entry.FromState)), nullable(string(entry.ToState)),
		entry.Actor, nullable(entry.AuthorityResponse), nullable(entry.Detail))
	if err != nil {
		return domain.Internal(err, op, "appending audit entry")
	}
	return nil
}

// ListForDocument returns the full trail for a clave, oldest first.
func (s *AuditStore) ListForDocument(ctx context.Context, clave string) ([]domain.AuditEntry, error) {
	const op = "postgres.audit.list_for_document"

	rows, err := s.pool.Query(ctx, `
		SELECT id, clave, kind, from_state, to_state, actor, authority_response, detail, created_at
		FROM audit_log WHERE clave = $1 ORDER BY created_at`, clave)
	if err != nil {
		return nil, domain.Internal(err, op, "querying audit trail")
	}
	defer rows.Close()

	return collectAuditEntries(op, rows)
}

// ListGaps returns documented numbering gaps, oldest first.
func (s *AuditStore) ListGaps(ctx context.Context, limit int32) ([]domain.AuditEntry, error) {
	const op = "postgres.audit.list_gaps"

	rows, err := s.pool.Query(ctx, `
		SELECT id, clave, kind, from_state, to_state, actor, authority_response, detail, created_at
		FROM audit_log WHERE kind = 'gap' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, domain.Internal(err, op, "querying gaps")
	}
	defer rows.Close()

	return collectAuditEntries(op, rows)
}

func collectAuditEntries(op string, rows pgx.Rows) ([]domain.AuditEntry, error) {
	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			entry              domain.AuditEntry
			kind               string
			fromState, toState *string
			response, detail   *string
		)
		err := rows.Scan(&entry.ID, &entry.Clave, &kind, &fromState, &toState,
			&entry.Actor, &response, &detail, &entry.CreatedAt)
		if err != nil {
			return nil, domain.Internal(err, op, "scanning audit entry")
		}
		entry.Kind = domain.AuditKind(kind)
		if fromState != nil {
			entry.FromState = domain.State(*fromState)
		}
		if toState != nil {
			entry.ToState = domain.State(*toState)
		}
		if response != nil {
			entry.AuthorityResponse = *response
		}
		if detail != nil {
			entry.Detail = *detail
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "iterating audit entries")
	}
	return entries, nil
}
