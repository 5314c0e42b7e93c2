package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajacentral/facturador/internal/builder"
	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/events"
	"github.com/cajacentral/facturador/internal/hacienda"
	"github.com/cajacentral/facturador/internal/memory"
	"github.com/cajacentral/facturador/internal/telemetry"
)

type fakeSigner struct {
	readyErr error
	signErr  error
}

func (f *fakeSigner) Ready(time.Time) error { return f.readyErr }

func (f *fakeSigner) Sign(payload []byte, _ time.Time) ([]byte, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return append([]byte("signed:"), payload...), nil
}

type issuerFixture struct {
	issuer *Issuer
	store  *memory.Store
	signer *fakeSigner
}

func newIssuerFixture(t *testing.T) *issuerFixture {
	t.Helper()

	store := memory.NewStore()
	fs := &fakeSigner{}
	logger := zerolog.Nop()
	tracker := NewTracker(store.Audit, events.NewLogPublisher(logger), logger)

	b := builder.New(domain.Party{
		Name:           "Caja Central S.A.",
		Identification: domain.Identification{Type: "02", Number: "310123456789"},
	}, "621010", decimal.RequireFromString("0.00001"))

	issuer := NewIssuer(IssuerParams{
		IssuerID:  "310123456789",
		Builder:   b,
		Sequences: store.Sequences,
		Documents: store.Documents,
		Outbox:    store.Outbox,
		Audit:     store.Audit,
		Signer:    fs,
		Marshaler: hacienda.NewCodec(),
		Tracker:   tracker,
		Metrics:   telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:    logger,
	})
	issuer.now = func() time.Time {
		return time.Date(2026, time.March, 9, 14, 30, 0, 0, time.UTC)
	}

	return &issuerFixture{issuer: issuer, store: store, signer: fs}
}

func ticketSale() domain.FinalizedSale {
	return domain.FinalizedSale{
		Branch:        "001",
		Terminal:      "00001",
		DocType:       domain.TypeTicket,
		SaleCondition: "01",
		PaymentMethod: "01",
		Lines: []domain.SaleLine{{
			Description: "Café americano",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   decimal.NewFromInt(1200),
			TaxCode:     "01",
			TaxRate:     decimal.NewFromInt(13),
		}},
		GrandTotal: decimal.RequireFromString("1356"),
	}
}

func TestIssue_AssignsConsecutiveIdentity(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	assert.Equal(t, int64(1), doc.Sequence)
	assert.Equal(t, "00100001040000000001", doc.Consecutive)
	assert.Len(t, doc.Clave, 50)
	assert.Equal(t, domain.StateQueued, doc.State)
	assert.NotEmpty(t, doc.SignedXML)
	assert.Contains(t, string(doc.SignedXML), "signed:")
}

func TestIssue_ConsecutiveNumbersIncreaseWithoutGaps(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		doc, err := f.issuer.Issue(ctx, ticketSale())
		require.NoError(t, err)
		assert.Equal(t, want, doc.Sequence)
	}
}

func TestIssue_QueuesOutboxEntryWithDocument(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	entry, err := f.store.Outbox.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, entry.State)
	assert.Equal(t, doc.Branch, entry.Branch)
	assert.Equal(t, doc.SignedXML, entry.Payload)
	assert.Zero(t, entry.Attempts)
}

func TestIssue_RecordsLifecycleTransitions(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	trail, err := f.issuer.Trail(ctx, doc.Clave)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, domain.StateNumbered, trail[0].ToState)
	assert.Equal(t, domain.StateSigned, trail[1].ToState)
	assert.Equal(t, domain.StateQueued, trail[2].ToState)
}

func TestIssue_StorageFailureBurnsNumberAndDocumentsGap(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	f.store.InsertSignedErr = errors.New("connection reset")
	_, err := f.issuer.Issue(ctx, ticketSale())
	require.Error(t, err)

	// the burned number is documented
	gaps, err := f.issuer.Gaps(ctx, 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Contains(t, gaps[0].Detail, "sequence 1")

	// the next document gets the next number, never the burned one
	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Sequence)
}

func TestIssue_BadCertificateBurnsNoNumber(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	f.signer.readyErr = domain.Signing("signer.ready", "certificate expired", nil)
	_, err := f.issuer.Issue(ctx, ticketSale())
	require.Error(t, err)
	assert.Equal(t, domain.ESIGNING, domain.ErrorCode(err))

	f.signer.readyErr = nil
	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Sequence, "no number may be burned by a pre-signing failure")

	gaps, err := f.issuer.Gaps(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, gaps)
}

func TestIssue_ValidationFailureReservesNothing(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	sale := ticketSale()
	sale.Lines = nil
	_, err := f.issuer.Issue(ctx, sale)
	require.Error(t, err)
	assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Sequence)
}

func TestIssueCorrection_ReferencesOriginal(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	original, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	sale := ticketSale()
	sale.DocType = domain.TypeCreditNote
	note, err := f.issuer.IssueCorrection(ctx, original.Clave, sale, "Anula tiquete rechazado")
	require.NoError(t, err)

	assert.Equal(t, original.Clave, note.ReferenceClave)
	assert.Equal(t, "Anula tiquete rechazado", note.ReferenceReason)
	assert.Equal(t, domain.TypeCreditNote, note.Type)
	// the note draws from its own counter
	assert.Equal(t, int64(1), note.Sequence)
	assert.NotEqual(t, original.Clave, note.Clave)
}

func TestIssueCorrection_Rejects(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	original, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	t.Run("non-correction type", func(t *testing.T) {
		_, err := f.issuer.IssueCorrection(ctx, original.Clave, ticketSale(), "motivo")
		assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))
	})

	t.Run("missing reason", func(t *testing.T) {
		sale := ticketSale()
		sale.DocType = domain.TypeCreditNote
		_, err := f.issuer.IssueCorrection(ctx, original.Clave, sale, "")
		assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))
	})

	t.Run("unknown original", func(t *testing.T) {
		sale := ticketSale()
		sale.DocType = domain.TypeCreditNote
		_, err := f.issuer.IssueCorrection(ctx, "missing", sale, "motivo")
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

func TestWithdraw_OnlyBeforeFirstDeliveryAttempt(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	require.NoError(t, f.issuer.Withdraw(ctx, doc.Clave, "operator"))

	got, err := f.issuer.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVoided, got.State)

	entry, err := f.store.Outbox.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxVoided, entry.State)
}

func TestWithdraw_ConflictsAfterAttempt(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	require.NoError(t, f.store.Outbox.MarkAttempt(ctx, doc.Clave, domain.ENETWORK, "timeout", time.Now()))

	err = f.issuer.Withdraw(ctx, doc.Clave, "operator")
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestWithdraw_ConflictsWhileDeliveryInFlight(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	// A worker holds the entry: the payload may be on the wire.
	ok, err := f.store.Outbox.Lease(ctx, doc.Clave, "worker-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.issuer.Withdraw(ctx, doc.Clave, "operator")
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	// The submission completed: the authority has the document.
	require.NoError(t, f.store.Outbox.SetSubmitted(ctx, doc.Clave, "recibido", time.Now()))

	err = f.issuer.Withdraw(ctx, doc.Clave, "operator")
	require.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))

	entry, err := f.store.Outbox.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSubmitted, entry.State)
}

func TestReadmit_RestoresQueuedState(t *testing.T) {
	f := newIssuerFixture(t)
	ctx := context.Background()

	doc, err := f.issuer.Issue(ctx, ticketSale())
	require.NoError(t, err)

	require.NoError(t, f.store.Outbox.MarkTerminal(ctx, doc.Clave, domain.OutboxNeedsAttention, "retries exhausted"))
	require.NoError(t, f.store.Documents.SetState(ctx, doc.Clave, domain.StateNeedsAttention))

	require.NoError(t, f.issuer.Readmit(ctx, doc.Clave, "operator"))

	got, err := f.issuer.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, got.State)

	entry, err := f.store.Outbox.Get(ctx, doc.Clave)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, entry.State)
	assert.Zero(t, entry.Attempts)
}
