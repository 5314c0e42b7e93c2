package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cajacentral/facturador/internal/domain"
)

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

// DocumentStore implements domain.DocumentStore on PostgreSQL.
type DocumentStore struct {
	pool *pgxpool.Pool
}

var _ domain.DocumentStore = (*DocumentStore)(nil)

const documentColumns = `
	clave, branch, terminal, doc_type, sequence, consecutive, state,
	issued_at, security_code, issuer, receiver, sale_condition,
	payment_method, activity_code, lines, totals,
	reference_clave, reference_reason, signed_xml, created_at, updated_at`

// InsertSigned stores the signed document and its outbox entry in one
// transaction. Either both rows exist afterwards or neither does.
func (s *DocumentStore) InsertSigned(ctx context.Context, doc *domain.TaxDocument, entry *domain.OutboxEntry) error {
	const op = "postgres.document.insert_signed"

	issuer, err := json.Marshal(doc.Issuer)
	if err != nil {
		return domain.Internal(err, op, "encoding issuer")
	}
	var receiver []byte
	if doc.Receiver != nil {
		if receiver, err = json.Marshal(doc.Receiver); err != nil {
			return domain.Internal(err, op, "encoding receiver")
		}
	}
	lines, err := json.Marshal(doc.Lines)
	if err != nil {
		return domain.Internal(err, op, "encoding lines")
	}
	totals, err := json.Marshal(doc.Totals)
	if err != nil {
		return domain.Internal(err, op, "encoding totals")
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO documents (
				clave, branch, terminal, doc_type, sequence, consecutive, state,
				issued_at, security_code, issuer, receiver, sale_condition,
				payment_method, activity_code, lines, totals,
				reference_clave, reference_reason, signed_xml
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
			doc.Clave, doc.Branch, doc.Terminal, string(doc.Type), doc.Sequence,
			doc.Consecutive, string(doc.State), doc.IssuedAt, doc.SecurityCode,
			issuer, receiver, doc.SaleCondition, doc.PaymentMethod, doc.ActivityCode,
			lines, totals, nullable(doc.ReferenceClave), nullable(doc.ReferenceReason),
			doc.SignedXML,
		)
		if err != nil {
			return err
		}

		// Enqueue is idempotent: a row already holding this clave is
		// left untouched.
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_entries (clave, branch, payload, state, next_attempt_at, enqueued_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (clave) DO NOTHING`,
			entry.Clave, entry.Branch, entry.Payload, string(entry.State),
			entry.NextAttemptAt, entry.EnqueuedAt,
		)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.Conflict(op, "document already exists: "+doc.Clave)
		}
		return domain.Internal(err, op, "inserting signed document")
	}
	return nil
}

// Get returns the document for a clave.
func (s *DocumentStore) Get(ctx context.Context, clave string) (*domain.TaxDocument, error) {
	const op = "postgres.document.get"

	row := s.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE clave = $1`, clave)

	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.NotFound(op, "document", clave)
	}
	if err != nil {
		return nil, domain.Internal(err, op, "loading document")
	}
	return doc, nil
}

// SetState advances the document lifecycle state.
func (s *DocumentStore) SetState(ctx context.Context, clave string, state domain.State) error {
	const op = "postgres.document.set_state"

	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET state = $2, updated_at = now() WHERE clave = $1`,
		clave, string(state))
	if err != nil {
		return domain.Internal(err, op, "updating state")
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFound(op, "document", clave)
	}
	return nil
}

// ListByState returns documents in a given state, oldest first.
func (s *DocumentStore) ListByState(ctx context.Context, state domain.State, limit int32) ([]domain.TaxDocument, error) {
	const op = "postgres.document.list_by_state"

	rows, err := s.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE state = $1 ORDER BY created_at LIMIT $2`,
		string(state), limit)
	if err != nil {
		return nil, domain.Internal(err, op, "querying documents")
	}
	defer rows.Close()

	var docs []domain.TaxDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, domain.Internal(err, op, "scanning document")
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Internal(err, op, "iterating documents")
	}
	return docs, nil
}

func scanDocument(row pgx.Row) (*domain.TaxDocument, error) {
	var (
		doc             domain.TaxDocument
		docType, state  string
		issuer          []byte
		receiver        []byte
		lines, totals   []byte
		refClave        *string
		refReason       *string
		issuedAt        time.Time
	)

	err := row.Scan(
		&doc.Clave, &doc.Branch, &doc.Terminal, &docType, &doc.Sequence,
		&doc.Consecutive, &state, &issuedAt, &doc.SecurityCode,
		&issuer, &receiver, &doc.SaleCondition, &doc.PaymentMethod,
		&doc.ActivityCode, &lines, &totals, &refClave, &refReason,
		&doc.SignedXML, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	doc.Type = domain.DocumentType(docType)
	doc.State = domain.State(state)
	doc.IssuedAt = issuedAt
	if refClave != nil {
		doc.ReferenceClave = *refClave
	}
	if refReason != nil {
		doc.ReferenceReason = *refReason
	}
	if err := json.Unmarshal(issuer, &doc.Issuer); err != nil {
		return nil, err
	}
	if receiver != nil {
		doc.Receiver = &domain.Party{}
		if err := json.Unmarshal(receiver, doc.Receiver); err != nil {
			return nil, err
		}
	}
	if err := json.Unmarshal(lines, &doc.Lines); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(totals, &doc.Totals); err != nil {
		return nil, err
	}
	return &doc, nil
}

// nullable maps the empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
