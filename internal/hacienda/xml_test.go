package hacienda

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajacentral/facturador/internal/domain"
)

func signedDocument(t *testing.T, docType domain.DocumentType) *domain.TaxDocument {
	t.Helper()
	return &domain.TaxDocument{
		Clave:        "50609032631012345678900100001010000000042112345678",
		Branch:       "001",
		Terminal:     "00001",
		Type:         docType,
		Sequence:     42,
		Consecutive:  "00100001010000000042",
		IssuedAt:     time.Date(2026, time.March, 9, 14, 30, 0, 0, time.UTC),
		SecurityCode: "12345678",
		Issuer: domain.Party{
			Name:           "Caja Central S.A.",
			Identification: domain.Identification{Type: "02", Number: "310123456789"},
			Email:          "facturas@cajacentral.cr",
		},
		Receiver: &domain.Party{
			Name:           "Cliente Uno",
			Identification: domain.Identification{Type: "01", Number: "109870654"},
		},
		SaleCondition: "01",
		PaymentMethod: "02",
		ActivityCode:  "621010",
		Lines: []domain.LineItem{{
			Number:      1,
			Code:        "CAFE-250",
			Description: "Café molido 250g",
			Quantity:    decimal.NewFromInt(2),
			Unit:        "Unid",
			UnitPrice:   decimal.NewFromInt(1500),
			TaxCode:     "01",
			TaxRate:     decimal.NewFromInt(13),
			GrossAmount: decimal.NewFromInt(3000),
			Subtotal:    decimal.NewFromInt(3000),
			TaxAmount:   decimal.NewFromInt(390),
			Total:       decimal.NewFromInt(3390),
		}},
		Totals: domain.Totals{
			CurrencyCode: "CRC",
			TaxableBase:  decimal.NewFromInt(3000),
			Subtotal:     decimal.NewFromInt(3000),
			Net:          decimal.NewFromInt(3000),
			Tax:          decimal.NewFromInt(390),
			GrandTotal:   decimal.NewFromInt(3390),
		},
		State: domain.StateNumbered,
	}
}

func TestMarshal_InvoiceStructure(t *testing.T) {
	codec := NewCodec()

	out, err := codec.Marshal(signedDocument(t, domain.TypeInvoice))
	require.NoError(t, err)
	xml := string(out)

	assert.True(t, strings.HasPrefix(xml, "<?xml"))
	assert.Contains(t, xml, "<FacturaElectronica")
	assert.Contains(t, xml, "xml-schemas/v4.4/facturaElectronica")
	assert.Contains(t, xml, "<Clave>50609032631012345678900100001010000000042112345678</Clave>")
	assert.Contains(t, xml, "<NumeroConsecutivo>00100001010000000042</NumeroConsecutivo>")
	assert.Contains(t, xml, "<CodigoActividad>621010</CodigoActividad>")
	assert.Contains(t, xml, "<FechaEmision>2026-03-09T14:30:00Z</FechaEmision>")
	assert.Contains(t, xml, "<CondicionVenta>01</CondicionVenta>")
	assert.Contains(t, xml, "<MedioPago>02</MedioPago>")
	assert.Contains(t, xml, "<Nombre>Caja Central S.A.</Nombre>")
	assert.Contains(t, xml, "<Receptor>")
	assert.Contains(t, xml, "<LineaDetalle>")
	assert.Contains(t, xml, "</FacturaElectronica>")
}

func TestMarshal_FiveDecimalAmounts(t *testing.T) {
	codec := NewCodec()

	out, err := codec.Marshal(signedDocument(t, domain.TypeInvoice))
	require.NoError(t, err)
	xml := string(out)

	assert.Contains(t, xml, "<PrecioUnitario>1500.00000</PrecioUnitario>")
	assert.Contains(t, xml, "<Monto>390.00000</Monto>")
	assert.Contains(t, xml, "<TotalComprobante>3390.00000</TotalComprobante>")
}

func TestMarshal_RootElementPerType(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		docType domain.DocumentType
		root    string
	}{
		{domain.TypeInvoice, "FacturaElectronica"},
		{domain.TypeDebitNote, "NotaDebitoElectronica"},
		{domain.TypeCreditNote, "NotaCreditoElectronica"},
		{domain.TypeTicket, "TiqueteElectronico"},
	}
	for _, tt := range tests {
		t.Run(string(tt.docType), func(t *testing.T) {
			doc := signedDocument(t, tt.docType)
			out, err := codec.Marshal(doc)
			require.NoError(t, err)
			assert.Contains(t, string(out), "<"+tt.root)
			assert.Contains(t, string(out), "</"+tt.root+">")
		})
	}
}

func TestMarshal_ReferenceBlockOnCreditNote(t *testing.T) {
	codec := NewCodec()

	doc := signedDocument(t, domain.TypeCreditNote)
	doc.ReferenceClave = "50609032631012345678900100001010000000041112345670"
	doc.ReferenceReason = "Anula factura rechazada"

	out, err := codec.Marshal(doc)
	require.NoError(t, err)
	xml := string(out)

	assert.Contains(t, xml, "<InformacionReferencia>")
	assert.Contains(t, xml, "<Numero>"+doc.ReferenceClave+"</Numero>")
	assert.Contains(t, xml, "<Razon>Anula factura rechazada</Razon>")
	assert.Contains(t, xml, "<TipoDoc>01</TipoDoc>")
}

func TestMarshal_AnonymousTicketOmitsReceiver(t *testing.T) {
	codec := NewCodec()

	doc := signedDocument(t, domain.TypeTicket)
	doc.Receiver = nil

	out, err := codec.Marshal(doc)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<Receptor>")
}

func TestMarshal_RequiresAssignedIdentity(t *testing.T) {
	codec := NewCodec()

	doc := signedDocument(t, domain.TypeInvoice)
	doc.Clave = ""

	_, err := codec.Marshal(doc)
	require.Error(t, err)
	assert.Equal(t, domain.EVALIDATION, domain.ErrorCode(err))
}
