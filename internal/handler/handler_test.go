package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
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
	"github.com/cajacentral/facturador/internal/service"
	"github.com/cajacentral/facturador/internal/telemetry"
)

type stubSigner struct{ readyErr error }

func (s *stubSigner) Ready(time.Time) error { return s.readyErr }

func (s *stubSigner) Sign(payload []byte, _ time.Time) ([]byte, error) {
	return append([]byte("signed:"), payload...), nil
}

type apiFixture struct {
	e      *echo.Echo
	store  *memory.Store
	signer *stubSigner
	issuer *service.Issuer
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	store := memory.NewStore()
	ss := &stubSigner{}
	logger := zerolog.Nop()
	tracker := service.NewTracker(store.Audit, events.NewLogPublisher(logger), logger)

	b := builder.New(domain.Party{
		Name:           "Caja Central S.A.",
		Identification: domain.Identification{Type: "02", Number: "310123456789"},
	}, "621010", decimal.RequireFromString("0.00001"))

	issuer := service.NewIssuer(service.IssuerParams{
		IssuerID:  "310123456789",
		Builder:   b,
		Sequences: store.Sequences,
		Documents: store.Documents,
		Outbox:    store.Outbox,
		Audit:     store.Audit,
		Signer:    ss,
		Marshaler: hacienda.NewCodec(),
		Tracker:   tracker,
		Metrics:   telemetry.NewMetrics(prometheus.NewRegistry()),
		Logger:    logger,
	})

	e := echo.New()
	New(issuer, logger).Register(e.Group("/api/v1"))

	return &apiFixture{e: e, store: store, signer: ss, issuer: issuer}
}

const saleBody = `{
	"branch": "001",
	"terminal": "00001",
	"doc_type": "04",
	"sale_condition": "01",
	"payment_method": "01",
	"lines": [{
		"description": "Café americano",
		"quantity": "1",
		"unit_price": "1200",
		"tax_code": "01",
		"tax_rate": "13"
	}],
	"grand_total": "1356"
}`

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) issueOne(t *testing.T) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/api/v1/sales", saleBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Clave string `json:"clave"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Clave, 50)
	return resp.Clave
}

func TestCreateSale(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sales", saleBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Clave       string `json:"clave"`
		Consecutive string `json:"consecutive"`
		State       string `json:"state"`
		GrandTotal  string `json:"grand_total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Clave, 50)
	assert.Equal(t, "00100001040000000001", resp.Consecutive)
	assert.Equal(t, "QUEUED", resp.State)
	assert.Equal(t, "1356", resp.GrandTotal)
}

func TestCreateSale_ValidationFailure(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/sales", `{"branch": "001"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.EVALIDATION, resp.Code)
}

func TestCreateSale_SigningOutage(t *testing.T) {
	f := newAPIFixture(t)
	f.signer.readyErr = domain.Signing("signer.ready", "certificate expired", nil)

	rec := f.do(http.MethodPost, "/api/v1/sales", saleBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetDocument(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)

	rec := f.do(http.MethodGet, "/api/v1/documents/"+clave, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Clave     string `json:"clave"`
		SignedXML string `json:"signed_xml"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, clave, resp.Clave)
	assert.Contains(t, resp.SignedXML, "signed:")
}

func TestGetDocument_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/documents/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDocuments(t *testing.T) {
	f := newAPIFixture(t)
	f.issueOne(t)
	f.issueOne(t)

	rec := f.do(http.MethodGet, "/api/v1/documents?state=QUEUED", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Documents []documentResponse `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Documents, 2)
	assert.Empty(t, resp.Documents[0].SignedXML, "list responses omit the payload")
}

func TestListDocuments_RequiresState(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(http.MethodGet, "/api/v1/documents", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAuditTrail(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)

	rec := f.do(http.MethodGet, "/api/v1/documents/"+clave+"/audit", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Audit []auditEntryResponse `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Audit, 3)
	assert.Equal(t, domain.StateQueued, resp.Audit[2].ToState)
}

func TestCreateCorrection(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)

	body := `{
		"reason": "Anula tiquete",
		"sale": ` + strings.Replace(saleBody, `"doc_type": "04"`, `"doc_type": "03"`, 1) + `
	}`
	rec := f.do(http.MethodPost, "/api/v1/documents/"+clave+"/corrections", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		ReferenceClave string `json:"reference_clave"`
		DocType        string `json:"doc_type"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, clave, resp.ReferenceClave)
	assert.Equal(t, "03", resp.DocType)
}

func TestWithdraw(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)

	rec := f.do(http.MethodPost, "/api/v1/documents/"+clave+"/withdraw", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	doc, err := f.issuer.Get(context.Background(), clave)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVoided, doc.State)
}

func TestWithdraw_ConflictAfterDeliveryAttempt(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)

	require.NoError(t, f.store.Outbox.MarkAttempt(context.Background(), clave, domain.ENETWORK, "timeout", time.Now()))

	rec := f.do(http.MethodPost, "/api/v1/documents/"+clave+"/withdraw", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReadmit(t *testing.T) {
	f := newAPIFixture(t)
	clave := f.issueOne(t)
	ctx := context.Background()

	require.NoError(t, f.store.Outbox.MarkTerminal(ctx, clave, domain.OutboxNeedsAttention, "retries exhausted"))
	require.NoError(t, f.store.Documents.SetState(ctx, clave, domain.StateNeedsAttention))

	rec := f.do(http.MethodPost, "/api/v1/documents/"+clave+"/readmit", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	doc, err := f.issuer.Get(ctx, clave)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, doc.State)
}

func TestListGaps(t *testing.T) {
	f := newAPIFixture(t)

	require.NoError(t, f.store.Audit.Append(context.Background(), domain.AuditEntry{
		Kind:   domain.AuditGap,
		Actor:  "issuer",
		Detail: "sequence 4 burned",
	}))

	rec := f.do(http.MethodGet, "/api/v1/gaps", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Gaps []auditEntryResponse `json:"gaps"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Gaps, 1)
	assert.Contains(t, resp.Gaps[0].Detail, "sequence 4")
}
