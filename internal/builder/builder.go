// Package builder maps finalized POS sales into canonical tax-document
// drafts, enforcing the business rules a document must satisfy before a
// consecutive number may be reserved for it.
package builder

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/cajacentral/facturador/internal/domain"
)

// taxExemptCode marks a line outside the tax base.
const taxExemptCode = "07"

var hundred = decimal.NewFromInt(100)

// Builder validates finalized sales and produces DRAFT documents.
// Identity fields (consecutive, clave, security code) stay empty; they
// are assigned during issuance, after validation succeeded.
type Builder struct {
	issuer       domain.Party
	activityCode string
	currency     string
	tolerance    decimal.Decimal
	validate     *validator.Validate
}

// New creates a Builder for the configured issuer.
// tolerance bounds the accepted difference between POS-reported totals
// and the totals recomputed from line items.
func New(issuer domain.Party, activityCode string, tolerance decimal.Decimal) *Builder {
	return &Builder{
		issuer:       issuer,
		activityCode: activityCode,
		currency:     "CRC",
		tolerance:    tolerance.Abs(),
		validate:     validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Build validates the sale and returns an unsigned DRAFT document.
// Validation failures return a domain error with code EVALIDATION and
// never reach the delivery queue.
func (b *Builder) Build(sale domain.FinalizedSale) (*domain.TaxDocument, error) {
	const op = "builder.build"

	if err := b.validate.Struct(sale); err != nil {
		return nil, domain.WrapError(err, domain.EVALIDATION, op, "invalid finalized sale")
	}
	if !sale.DocType.Valid() {
		return nil, domain.Errorf(domain.EVALIDATION, op, "unknown document type: %s", sale.DocType)
	}

	lines := make([]domain.LineItem, 0, len(sale.Lines))
	totals := domain.Totals{
		CurrencyCode: b.currency,
		TaxableBase:  decimal.Zero,
		ExemptBase:   decimal.Zero,
		Subtotal:     decimal.Zero,
		Discount:     decimal.Zero,
		Net:          decimal.Zero,
		Tax:          decimal.Zero,
		GrandTotal:   decimal.Zero,
	}

	for i, sl := range sale.Lines {
		line, err := buildLine(op, i+1, sl)
		if err != nil {
			return nil, err
		}

		totals.Subtotal = totals.Subtotal.Add(line.GrossAmount)
		totals.Discount = totals.Discount.Add(line.Discount)
		totals.Net = totals.Net.Add(line.Subtotal)
		totals.Tax = totals.Tax.Add(line.TaxAmount)
		if sl.TaxCode == taxExemptCode {
			totals.ExemptBase = totals.ExemptBase.Add(line.Subtotal)
		} else {
			totals.TaxableBase = totals.TaxableBase.Add(line.Subtotal)
		}

		lines = append(lines, line)
	}
	totals.GrandTotal = totals.Net.Add(totals.Tax)

	if err := b.reconcile(op, sale, totals); err != nil {
		return nil, err
	}

	return &domain.TaxDocument{
		Branch:        sale.Branch,
		Terminal:      sale.Terminal,
		Type:          sale.DocType,
		Issuer:        b.issuer,
		Receiver:      sale.Receiver,
		SaleCondition: sale.SaleCondition,
		PaymentMethod: sale.PaymentMethod,
		ActivityCode:  b.activityCode,
		Lines:         lines,
		Totals:        totals,
		State:         domain.StateDraft,
	}, nil
}

// buildLine computes the derived amounts for one sale line.
func buildLine(op string, number int, sl domain.SaleLine) (domain.LineItem, error) {
	var line domain.LineItem

	if sl.Quantity.Sign() <= 0 {
		return line, domain.Errorf(domain.EVALIDATION, op, "line %d: quantity must be positive", number)
	}
	if sl.UnitPrice.Sign() < 0 {
		return line, domain.Errorf(domain.EVALIDATION, op, "line %d: unit price must not be negative", number)
	}
	if sl.DiscountPct.Sign() < 0 || sl.DiscountPct.GreaterThan(hundred) {
		return line, domain.Errorf(domain.EVALIDATION, op, "line %d: discount must be between 0 and 100 percent", number)
	}
	if sl.TaxCode == taxExemptCode {
		if sl.TaxRate.Sign() != 0 {
			return line, domain.Errorf(domain.EVALIDATION, op, "line %d: exempt line must not carry a tax rate", number)
		}
	} else if sl.TaxRate.Sign() <= 0 {
		return line, domain.Errorf(domain.EVALIDATION, op, "line %d: taxable line is missing its tax rate", number)
	}

	unit := sl.Unit
	if unit == "" {
		unit = "Unid"
	}

	gross := sl.Quantity.Mul(sl.UnitPrice)
	discount := gross.Mul(sl.DiscountPct).Div(hundred)
	subtotal := gross.Sub(discount)
	tax := subtotal.Mul(sl.TaxRate).Div(hundred)

	return domain.LineItem{
		Number:      number,
		Code:        sl.Code,
		Description: sl.Description,
		Quantity:    sl.Quantity,
		Unit:        unit,
		UnitPrice:   sl.UnitPrice,
		DiscountPct: sl.DiscountPct,
		TaxCode:     sl.TaxCode,
		TaxRate:     sl.TaxRate,
		GrossAmount: gross,
		Discount:    discount,
		Subtotal:    subtotal,
		TaxAmount:   tax,
		Total:       subtotal.Add(tax),
	}, nil
}

// reconcile compares POS-reported totals against recomputed ones.
// Reported zero values are treated as "not reported" for optional
// figures, but the grand total must always reconcile.
func (b *Builder) reconcile(op string, sale domain.FinalizedSale, totals domain.Totals) error {
	checks := []struct {
		name     string
		reported decimal.Decimal
		computed decimal.Decimal
		required bool
	}{
		{"subtotal", sale.Subtotal, totals.Subtotal, false},
		{"discount", sale.Discount, totals.Discount, false},
		{"tax", sale.Tax, totals.Tax, false},
		{"grand total", sale.GrandTotal, totals.GrandTotal, true},
	}

	for _, c := range checks {
		if !c.required && c.reported.IsZero() {
			continue
		}
		diff := c.reported.Sub(c.computed).Abs()
		if diff.GreaterThan(b.tolerance) {
			return domain.Errorf(domain.EVALIDATION, op,
				"%s does not reconcile: reported %s, computed %s",
				c.name, c.reported.String(), c.computed.String())
		}
	}

	if totals.GrandTotal.Sign() < 0 {
		return domain.Errorf(domain.EVALIDATION, op, "grand total must not be negative")
	}

	return nil
}

// Describe returns a short human-readable summary used in logs and
// audit detail fields.
func Describe(doc *domain.TaxDocument) string {
	return fmt.Sprintf("%s %s branch=%s terminal=%s total=%s",
		doc.Type, doc.Consecutive, doc.Branch, doc.Terminal, doc.Totals.GrandTotal.StringFixed(5))
}
