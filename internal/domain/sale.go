package domain

import (
	"github.com/shopspring/decimal"
)

// FinalizedSale is the event consumed from the POS sales module once a
// sale has completed. The sale itself is already done; whatever happens
// to the tax document afterwards never propagates back to it.
type FinalizedSale struct {
	Branch   string       `json:"branch" validate:"required,numeric,max=3"`
	Terminal string       `json:"terminal" validate:"required,numeric,max=5"`
	DocType  DocumentType `json:"doc_type" validate:"required"`

	// Receiver is optional for ticket sales to anonymous customers.
	Receiver *Party `json:"receiver,omitempty" validate:"omitempty"`

	SaleCondition string `json:"sale_condition" validate:"required,oneof=01 02 03 99"`
	PaymentMethod string `json:"payment_method" validate:"required,oneof=01 02 03 04 05 99"`

	Lines []SaleLine `json:"lines" validate:"required,min=1,dive"`

	// Totals as reported by the POS; the builder recomputes them from the
	// lines and rejects the sale if they do not reconcile within the
	// configured rounding tolerance.
	Subtotal   decimal.Decimal `json:"subtotal"`
	Discount   decimal.Decimal `json:"discount"`
	Tax        decimal.Decimal `json:"tax"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// SaleLine is one line item of a finalized sale.
type SaleLine struct {
	Code        string          `json:"code" validate:"max=20"`
	Description string          `json:"description" validate:"required,max=200"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DiscountPct decimal.Decimal `json:"discount_pct"`

	// TaxCode "07" marks an exempt line; every other code requires a
	// positive tax rate.
	TaxCode string          `json:"tax_code" validate:"required,oneof=01 02 03 04 07"`
	TaxRate decimal.Decimal `json:"tax_rate"`
}
