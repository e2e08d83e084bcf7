package qtrust

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kardianos/qtrust/qstore"
)

// ErrNoCertificate is returned when input holds no certificate.
var ErrNoCertificate = errors.New("qtrust: no certificate found")

// Summary is what an operator needs to see before trusting a certificate.
type Summary struct {
	Subject     string
	Issuer      string
	Serial      string
	NotBefore   time.Time
	NotAfter    time.Time
	Fingerprint string // Hex SHA-256 of the DER encoding.
	SelfSigned  bool
	IsCA        bool
}

// Describe summarizes cert for display.
func Describe(cert *x509.Certificate) Summary {
	return Summary{
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      cert.SerialNumber.Text(16),
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
		Fingerprint: qstore.Fingerprint(cert),
		SelfSigned:  isSelfSigned(cert),
		IsCA:        cert.IsCA,
	}
}

// Expired reports whether the certificate is outside its validity window at t.
func (s Summary) Expired(t time.Time) bool {
	return t.Before(s.NotBefore) || t.After(s.NotAfter)
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject:     %s\n", s.Subject)
	fmt.Fprintf(&b, "Issuer:      %s\n", s.Issuer)
	fmt.Fprintf(&b, "Serial:      %s\n", s.Serial)
	fmt.Fprintf(&b, "Valid from:  %s\n", s.NotBefore.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Valid until: %s\n", s.NotAfter.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "SHA-256:     %s\n", s.Fingerprint)
	return b.String()
}

// EncodeCertPEM converts an x509 certificate to PEM format.
func EncodeCertPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// ParseCertificates reads every certificate from PEM data, or a single
// DER certificate when data is not PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("qtrust: parse DER certificate: %w", err)
		}
		return []*x509.Certificate{cert}, nil
	}

	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("qtrust: parse PEM certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, ErrNoCertificate
	}
	return certs, nil
}

// isSelfSigned compares the encoded subject and issuer names. Signature
// validity is left to chain verification.
func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawSubject, cert.RawIssuer)
}
