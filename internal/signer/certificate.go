package signer

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/cajacentral/facturador/internal/domain"
)

// Certificate bundles the issuer's signing certificate and private key.
type Certificate struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// LoadCertificate reads a PEM-encoded certificate and RSA private key
// from disk. Both PKCS#1 and PKCS#8 key encodings are accepted.
func LoadCertificate(certPath, keyPath string) (*Certificate, error) {
	const op = "signer.load_certificate"

	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, domain.Signing(op, fmt.Sprintf("reading certificate %s", certPath), err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, domain.Signing(op, fmt.Sprintf("%s does not contain a PEM certificate", certPath), nil)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, domain.Signing(op, "parsing certificate", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, domain.Signing(op, fmt.Sprintf("reading private key %s", keyPath), err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, domain.Signing(op, fmt.Sprintf("%s does not contain a PEM key", keyPath), nil)
	}

	key, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, domain.Signing(op, "parsing private key", err)
	}

	return &Certificate{Cert: cert, Key: key}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, want *rsa.PrivateKey", parsed)
	}
	return key, nil
}

// Valid reports whether the certificate is within its validity window.
func (c *Certificate) Valid(now time.Time) bool {
	return !now.Before(c.Cert.NotBefore) && !now.After(c.Cert.NotAfter)
}

// ExpiresWithin reports whether the certificate expires inside the
// given window, used to alert operators before issuance starts failing.
func (c *Certificate) ExpiresWithin(now time.Time, window time.Duration) bool {
	return now.Add(window).After(c.Cert.NotAfter)
}

// DaysUntilExpiry returns whole days until NotAfter, negative once expired.
func (c *Certificate) DaysUntilExpiry(now time.Time) int {
	return int(c.Cert.NotAfter.Sub(now).Hours() / 24)
}
