package hacienda

import (
	"encoding/xml"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cajacentral/facturador/internal/domain"
)

// Namespace URIs per comprobante root element, schema v4.4.
var rootNames = map[domain.DocumentType]xml.Name{
	domain.TypeInvoice: {
		Space: "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/facturaElectronica",
		Local: "FacturaElectronica",
	},
	domain.TypeDebitNote: {
		Space: "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/notaDebitoElectronica",
		Local: "NotaDebitoElectronica",
	},
	domain.TypeCreditNote: {
		Space: "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/notaCreditoElectronica",
		Local: "NotaCreditoElectronica",
	},
	domain.TypeTicket: {
		Space: "https://cdn.comprobanteselectronicos.go.cr/xml-schemas/v4.4/tiqueteElectronico",
		Local: "TiqueteElectronico",
	},
}

// Codec serializes canonical documents into the authority's XML wire
// format. All monetary amounts carry five decimal places.
type Codec struct{}

// NewCodec returns a Codec.
func NewCodec() *Codec {
	return &Codec{}
}

type xmlDocument struct {
	XMLName xml.Name

	Clave             string `xml:"Clave"`
	CodigoActividad   string `xml:"CodigoActividad"`
	NumeroConsecutivo string `xml:"NumeroConsecutivo"`
	FechaEmision      string `xml:"FechaEmision"`

	Emisor   xmlParty  `xml:"Emisor"`
	Receptor *xmlParty `xml:"Receptor,omitempty"`

	CondicionVenta string `xml:"CondicionVenta"`
	MedioPago      string `xml:"MedioPago"`

	DetalleServicio struct {
		Lineas []xmlLine `xml:"LineaDetalle"`
	} `xml:"DetalleServicio"`

	Resumen    xmlSummary    `xml:"ResumenFactura"`
	Referencia *xmlReference `xml:"InformacionReferencia,omitempty"`
}

type xmlParty struct {
	Nombre         string `xml:"Nombre"`
	Identificacion struct {
		Tipo   string `xml:"Tipo"`
		Numero string `xml:"Numero"`
	} `xml:"Identificacion"`
	CorreoElectronico string `xml:"CorreoElectronico,omitempty"`
}

type xmlLine struct {
	NumeroLinea    int    `xml:"NumeroLinea"`
	Codigo         string `xml:"Codigo,omitempty"`
	Cantidad       string `xml:"Cantidad"`
	UnidadMedida   string `xml:"UnidadMedida"`
	Detalle        string `xml:"Detalle"`
	PrecioUnitario string `xml:"PrecioUnitario"`
	MontoTotal     string `xml:"MontoTotal"`
	Descuento      *struct {
		MontoDescuento   string `xml:"MontoDescuento"`
		NaturalezaDescto string `xml:"NaturalezaDescuento"`
	} `xml:"Descuento,omitempty"`
	SubTotal string `xml:"SubTotal"`
	Impuesto *struct {
		Codigo  string `xml:"Codigo"`
		Tarifa  string `xml:"Tarifa"`
		Monto   string `xml:"Monto"`
	} `xml:"Impuesto,omitempty"`
	MontoTotalLinea string `xml:"MontoTotalLinea"`
}

type xmlSummary struct {
	CodigoMoneda          string `xml:"CodigoTipoMoneda>CodigoMoneda"`
	TotalServGravados     string `xml:"TotalServGravados"`
	TotalServExentos      string `xml:"TotalServExentos"`
	TotalGravado          string `xml:"TotalGravado"`
	TotalExento           string `xml:"TotalExento"`
	TotalVenta            string `xml:"TotalVenta"`
	TotalDescuentos       string `xml:"TotalDescuentos"`
	TotalVentaNeta        string `xml:"TotalVentaNeta"`
	TotalImpuesto         string `xml:"TotalImpuesto"`
	TotalComprobante      string `xml:"TotalComprobante"`
}

type xmlReference struct {
	TipoDoc       string `xml:"TipoDoc"`
	Numero        string `xml:"Numero"`
	FechaEmision  string `xml:"FechaEmision"`
	Codigo        string `xml:"Codigo"`
	Razon         string `xml:"Razon"`
}

// Marshal serializes doc into its wire XML. Identity fields must be
// assigned before serialization.
func (c *Codec) Marshal(doc *domain.TaxDocument) ([]byte, error) {
	const op = "hacienda.marshal"

	root, ok := rootNames[doc.Type]
	if !ok {
		return nil, domain.Errorf(domain.EVALIDATION, op, "unknown document type %q", doc.Type)
	}
	if doc.Clave == "" || doc.Consecutive == "" {
		return nil, domain.Errorf(domain.EVALIDATION, op, "document identity not assigned")
	}

	out := xmlDocument{
		XMLName:           root,
		Clave:             doc.Clave,
		CodigoActividad:   doc.ActivityCode,
		NumeroConsecutivo: doc.Consecutive,
		FechaEmision:      doc.IssuedAt.Format(time.RFC3339),
		Emisor:            toXMLParty(doc.Issuer),
		CondicionVenta:    doc.SaleCondition,
		MedioPago:         doc.PaymentMethod,
		Resumen: xmlSummary{
			CodigoMoneda:      doc.Totals.CurrencyCode,
			TotalServGravados: amount(doc.Totals.TaxableBase),
			TotalServExentos:  amount(doc.Totals.ExemptBase),
			TotalGravado:      amount(doc.Totals.TaxableBase),
			TotalExento:       amount(doc.Totals.ExemptBase),
			TotalVenta:        amount(doc.Totals.Subtotal),
			TotalDescuentos:   amount(doc.Totals.Discount),
			TotalVentaNeta:    amount(doc.Totals.Net),
			TotalImpuesto:     amount(doc.Totals.Tax),
			TotalComprobante:  amount(doc.Totals.GrandTotal),
		},
	}

	if doc.Receiver != nil {
		r := toXMLParty(*doc.Receiver)
		out.Receptor = &r
	}

	for _, l := range doc.Lines {
		out.DetalleServicio.Lineas = append(out.DetalleServicio.Lineas, toXMLLine(l))
	}

	if doc.ReferenceClave != "" {
		out.Referencia = &xmlReference{
			TipoDoc:      string(referencedType(doc.ReferenceClave)),
			Numero:       doc.ReferenceClave,
			FechaEmision: doc.IssuedAt.Format(time.RFC3339),
			Codigo:       "01",
			Razon:        doc.ReferenceReason,
		}
	}

	body, err := xml.Marshal(out)
	if err != nil {
		return nil, domain.Internal(err, op, "serializing document")
	}

	return append([]byte(xml.Header), body...), nil
}

func toXMLParty(p domain.Party) xmlParty {
	var out xmlParty
	out.Nombre = p.Name
	out.Identificacion.Tipo = p.Identification.Type
	out.Identificacion.Numero = p.Identification.Number
	out.CorreoElectronico = p.Email
	return out
}

func toXMLLine(l domain.LineItem) xmlLine {
	line := xmlLine{
		NumeroLinea:     l.Number,
		Codigo:          l.Code,
		Cantidad:        amount(l.Quantity),
		UnidadMedida:    l.Unit,
		Detalle:         l.Description,
		PrecioUnitario:  amount(l.UnitPrice),
		MontoTotal:      amount(l.GrossAmount),
		SubTotal:        amount(l.Subtotal),
		MontoTotalLinea: amount(l.Total),
	}
	if l.Discount.Sign() > 0 {
		line.Descuento = &struct {
			MontoDescuento   string `xml:"MontoDescuento"`
			NaturalezaDescto string `xml:"NaturalezaDescuento"`
		}{
			MontoDescuento:   amount(l.Discount),
			NaturalezaDescto: "Descuento comercial",
		}
	}
	if l.TaxAmount.Sign() > 0 {
		line.Impuesto = &struct {
			Codigo string `xml:"Codigo"`
			Tarifa string `xml:"Tarifa"`
			Monto  string `xml:"Monto"`
		}{
			Codigo: l.TaxCode,
			Tarifa: amount(l.TaxRate),
			Monto:  amount(l.TaxAmount),
		}
	}
	return line
}

// amount renders a monetary value with the five decimal places the
// schema requires.
func amount(d decimal.Decimal) string {
	return d.StringFixed(5)
}

// referencedType extracts the document type from the consecutive
// portion of a referenced clave.
func referencedType(clave string) domain.DocumentType {
	if len(clave) == 50 {
		return domain.DocumentType(clave[29:31])
	}
	return domain.TypeInvoice
}
