package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/cajacentral/facturador/internal/domain"
)

// documentResponse is the wire form of a tax document. The signed XML
// is included only on single-document lookups.
type documentResponse struct {
	Clave       string              `json:"clave"`
	Consecutive string              `json:"consecutive"`
	Branch      string              `json:"branch"`
	Terminal    string              `json:"terminal"`
	DocType     domain.DocumentType `json:"doc_type"`
	State       domain.State        `json:"state"`
	IssuedAt    time.Time           `json:"issued_at"`

	Currency   string          `json:"currency"`
	GrandTotal decimal.Decimal `json:"grand_total"`
	Tax        decimal.Decimal `json:"tax"`

	ReferenceClave  string `json:"reference_clave,omitempty"`
	ReferenceReason string `json:"reference_reason,omitempty"`

	SignedXML string `json:"signed_xml,omitempty"`
}

func toDocumentResponse(doc *domain.TaxDocument) documentResponse {
	return documentResponse{
		Clave:           doc.Clave,
		Consecutive:     doc.Consecutive,
		Branch:          doc.Branch,
		Terminal:        doc.Terminal,
		DocType:         doc.Type,
		State:           doc.State,
		IssuedAt:        doc.IssuedAt,
		Currency:        doc.Totals.CurrencyCode,
		GrandTotal:      doc.Totals.GrandTotal,
		Tax:             doc.Totals.Tax,
		ReferenceClave:  doc.ReferenceClave,
		ReferenceReason: doc.ReferenceReason,
	}
}

// GetDocument handles GET /documents/:clave.
func (h *Handler) GetDocument(c echo.Context) error {
	doc, err := h.issuer.Get(c.Request().Context(), c.Param("clave"))
	if err != nil {
		return respondError(c, err)
	}
	resp := toDocumentResponse(doc)
	resp.SignedXML = string(doc.SignedXML)
	return c.JSON(http.StatusOK, resp)
}

// ListDocuments handles GET /documents?state=&limit=.
func (h *Handler) ListDocuments(c echo.Context) error {
	state := domain.State(c.QueryParam("state"))
	if state == "" {
		return respondError(c, domain.Validation("handler.list_documents", "state query parameter is required"))
	}

	limit := int32(50)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 1 {
			return respondError(c, domain.Validation("handler.list_documents", "limit must be a positive integer"))
		}
		limit = int32(n)
	}

	docs, err := h.issuer.List(c.Request().Context(), state, limit)
	if err != nil {
		return respondError(c, err)
	}

	out := make([]documentResponse, 0, len(docs))
	for i := range docs {
		out = append(out, toDocumentResponse(&docs[i]))
	}
	return c.JSON(http.StatusOK, map[string]any{"documents": out})
}

// auditEntryResponse is the wire form of one audit row.
type auditEntryResponse struct {
	Kind              domain.AuditKind `json:"kind"`
	FromState         domain.State     `json:"from_state,omitempty"`
	ToState           domain.State     `json:"to_state,omitempty"`
	Actor             string           `json:"actor"`
	AuthorityResponse string           `json:"authority_response,omitempty"`
	Detail            string           `json:"detail,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
}

func toAuditResponses(entries []domain.AuditEntry) []auditEntryResponse {
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			Kind:              e.Kind,
			FromState:         e.FromState,
			ToState:           e.ToState,
			Actor:             e.Actor,
			AuthorityResponse: e.AuthorityResponse,
			Detail:            e.Detail,
			CreatedAt:         e.CreatedAt,
		})
	}
	return out
}

// GetAuditTrail handles GET /documents/:clave/audit.
func (h *Handler) GetAuditTrail(c echo.Context) error {
	clave := c.Param("clave")

	// 404 for unknown documents rather than an empty trail
	if _, err := h.issuer.Get(c.Request().Context(), clave); err != nil {
		return respondError(c, err)
	}

	trail, err := h.issuer.Trail(c.Request().Context(), clave)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"audit": toAuditResponses(trail)})
}

// correctionRequest is the body of POST /documents/:clave/corrections.
type correctionRequest struct {
	Reason string               `json:"reason"`
	Sale   domain.FinalizedSale `json:"sale"`
}

// CreateCorrection handles POST /documents/:clave/corrections: issues a
// credit or debit note referencing the document.
func (h *Handler) CreateCorrection(c echo.Context) error {
	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, domain.Validation("handler.create_correction", "malformed request body"))
	}

	doc, err := h.issuer.IssueCorrection(c.Request().Context(), c.Param("clave"), req.Sale, req.Reason)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, toDocumentResponse(doc))
}

// Withdraw handles POST /documents/:clave/withdraw.
func (h *Handler) Withdraw(c echo.Context) error {
	if err := h.issuer.Withdraw(c.Request().Context(), c.Param("clave"), actor(c)); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Readmit handles POST /documents/:clave/readmit.
func (h *Handler) Readmit(c echo.Context) error {
	if err := h.issuer.Readmit(c.Request().Context(), c.Param("clave"), actor(c)); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListGaps handles GET /gaps: the documented numbering gaps.
func (h *Handler) ListGaps(c echo.Context) error {
	limit := int32(100)
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || n < 1 {
			return respondError(c, domain.Validation("handler.list_gaps", "limit must be a positive integer"))
		}
		limit = int32(n)
	}

	gaps, err := h.issuer.Gaps(c.Request().Context(), limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"gaps": toAuditResponses(gaps)})
}

// actor names the caller in audit entries.
func actor(c echo.Context) string {
	if v := c.Request().Header.Get("X-Operator"); v != "" {
		return v
	}
	return "api"
}
