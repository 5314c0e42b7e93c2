// Package signer produces document identity (clave, consecutive,
// security code) and the detached digital signature over the serialized
// payload.
package signer

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/cajacentral/facturador/internal/domain"
)

// countryCode prefixes every clave.
const countryCode = "506"

// situationNormal is the comprobante situation digit for documents
// issued online against the live authority endpoint.
const situationNormal = "1"

// FormatConsecutive builds the 20-digit consecutive number:
// branch (3) + terminal (5) + document type (2) + sequence (10).
func FormatConsecutive(branch, terminal string, docType domain.DocumentType, sequence int64) (string, error) {
	const op = "signer.format_consecutive"

	if len(branch) > 3 {
		return "", domain.Validation(op, fmt.Sprintf("branch %q exceeds 3 digits", branch))
	}
	if len(terminal) > 5 {
		return "", domain.Validation(op, fmt.Sprintf("terminal %q exceeds 5 digits", terminal))
	}
	if !docType.Valid() {
		return "", domain.Validation(op, fmt.Sprintf("unknown document type %q", docType))
	}
	if sequence <= 0 || sequence > 9999999999 {
		return "", domain.Validation(op, fmt.Sprintf("sequence %d out of range", sequence))
	}

	return fmt.Sprintf("%03s%05s%s%010d", branch, terminal, docType, sequence), nil
}

// Clave builds the 50-digit document key:
// country (3) + day (2) + month (2) + year (2) + issuer id (12) +
// consecutive (20) + situation (1) + security code (8).
func Clave(issuedAt time.Time, issuerID, consecutive, securityCode string) (string, error) {
	const op = "signer.clave"

	if len(issuerID) > 12 {
		return "", domain.Validation(op, fmt.Sprintf("issuer id %q exceeds 12 digits", issuerID))
	}
	if len(consecutive) != 20 {
		return "", domain.Validation(op, fmt.Sprintf("consecutive %q is not 20 digits", consecutive))
	}
	if len(securityCode) != 8 {
		return "", domain.Validation(op, fmt.Sprintf("security code %q is not 8 digits", securityCode))
	}

	clave := fmt.Sprintf("%s%s%012s%s%s%s",
		countryCode,
		issuedAt.Format("020106"),
		issuerID,
		consecutive,
		situationNormal,
		securityCode,
	)
	if len(clave) != 50 {
		return "", domain.Errorf(domain.EINTERNAL, op, "clave %q is %d digits, want 50", clave, len(clave))
	}
	return clave, nil
}

// NewSecurityCode draws a random 8-digit code from crypto/rand.
func NewSecurityCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100000000))
	if err != nil {
		return "", domain.Internal(err, "signer.security_code", "reading random source")
	}
	return fmt.Sprintf("%08d", n.Int64()), nil
}
