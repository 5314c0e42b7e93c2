package signer

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cajacentral/facturador/internal/domain"
)

// Signer produces the enveloped signature block appended to a
// serialized document. The digest covers the payload bytes only, so
// signing the same payload twice yields the same digest and signature
// value; only the SigningTime property differs.
type Signer struct {
	cert *Certificate
}

// New returns a Signer over the given certificate.
func New(cert *Certificate) *Signer {
	return &Signer{cert: cert}
}

// Ready reports whether signing can currently succeed. Issuance checks
// this before reserving a consecutive so a known-bad certificate does
// not burn numbers.
func (s *Signer) Ready(now time.Time) error {
	const op = "signer.ready"

	if s.cert == nil {
		return domain.Signing(op, "no signing certificate loaded", nil)
	}
	if !s.cert.Valid(now) {
		return domain.Signing(op,
			fmt.Sprintf("certificate outside validity window (not_after=%s)",
				s.cert.Cert.NotAfter.Format(time.RFC3339)), nil)
	}
	return nil
}

// Sign digests and signs the serialized payload, returning the payload
// with a ds:Signature element spliced in before the closing root tag.
// An expired or not-yet-valid certificate fails with a signing error;
// nothing unsigned may ever reach the outbox.
func (s *Signer) Sign(payload []byte, signedAt time.Time) ([]byte, error) {
	const op = "signer.sign"

	if s.cert == nil {
		return nil, domain.Signing(op, "no signing certificate loaded", nil)
	}
	if !s.cert.Valid(signedAt) {
		return nil, domain.Signing(op,
			fmt.Sprintf("certificate outside validity window (not_after=%s)",
				s.cert.Cert.NotAfter.Format(time.RFC3339)), nil)
	}

	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.cert.Key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, domain.Signing(op, "signing payload digest", err)
	}

	block := signatureBlock(digest[:], sig, s.cert.Cert.Raw, signedAt)

	idx := bytes.LastIndexByte(payload, '<')
	if idx < 0 {
		return nil, domain.Signing(op, "payload has no closing element", nil)
	}

	signed := make([]byte, 0, len(payload)+len(block))
	signed = append(signed, payload[:idx]...)
	signed = append(signed, block...)
	signed = append(signed, payload[idx:]...)
	return signed, nil
}

// Digest returns the hex-free base64 digest of a payload, used to
// verify stored documents against their signatures.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func signatureBlock(digest, sig, certDER []byte, signedAt time.Time) []byte {
	var b bytes.Buffer
	b.WriteString(`<ds:Signature xmlns:ds="http://www.w3.org/2000/09/xmldsig#" Id="Signature">`)
	b.WriteString(`<ds:SignedInfo>`)
	b.WriteString(`<ds:CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"/>`)
	b.WriteString(`<ds:SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>`)
	b.WriteString(`<ds:Reference URI="">`)
	b.WriteString(`<ds:DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>`)
	fmt.Fprintf(&b, `<ds:DigestValue>%s</ds:DigestValue>`, base64.StdEncoding.EncodeToString(digest))
	b.WriteString(`</ds:Reference>`)
	b.WriteString(`</ds:SignedInfo>`)
	fmt.Fprintf(&b, `<ds:SignatureValue>%s</ds:SignatureValue>`, base64.StdEncoding.EncodeToString(sig))
	b.WriteString(`<ds:KeyInfo><ds:X509Data>`)
	fmt.Fprintf(&b, `<ds:X509Certificate>%s</ds:X509Certificate>`, base64.StdEncoding.EncodeToString(certDER))
	b.WriteString(`</ds:X509Data></ds:KeyInfo>`)
	b.WriteString(`<ds:Object><SignatureProperties>`)
	fmt.Fprintf(&b, `<SignatureProperty Target="#Signature"><SigningTime>%s</SigningTime></SignatureProperty>`,
		signedAt.UTC().Format(time.RFC3339))
	b.WriteString(`</SignatureProperties></ds:Object>`)
	b.WriteString(`</ds:Signature>`)
	return b.Bytes()
}
