package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/service"
)

// Handler serves the fiscal HTTP API.
type Handler struct {
	issuer *service.Issuer
	logger zerolog.Logger
}

// New creates a Handler.
func New(issuer *service.Issuer, logger zerolog.Logger) *Handler {
	return &Handler{
		issuer: issuer,
		logger: logger.With().Str("component", "handler").Logger(),
	}
}

// Register mounts the API routes on the group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/sales", h.CreateSale)
	g.GET("/documents", h.ListDocuments)
	g.GET("/documents/:clave", h.GetDocument)
	g.GET("/documents/:clave/audit", h.GetAuditTrail)
	g.POST("/documents/:clave/corrections", h.CreateCorrection)
	g.POST("/documents/:clave/withdraw", h.Withdraw)
	g.POST("/documents/:clave/readmit", h.Readmit)
	g.GET("/gaps", h.ListGaps)
}

// CreateSale handles POST /sales: a finalized sale comes in, a signed
// and queued document comes out. Validation failures surface here
// synchronously; everything after numbering is asynchronous.
func (h *Handler) CreateSale(c echo.Context) error {
	var sale domain.FinalizedSale
	if err := c.Bind(&sale); err != nil {
		return respondError(c, domain.Validation("handler.create_sale", "malformed request body"))
	}

	doc, err := h.issuer.Issue(c.Request().Context(), sale)
	if err != nil {
		h.logger.Warn().Err(err).Str("branch", sale.Branch).Msg("issuance failed")
		return respondError(c, err)
	}

	return c.JSON(http.StatusCreated, toDocumentResponse(doc))
}
