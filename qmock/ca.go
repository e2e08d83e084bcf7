package qmock

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// CA issues certificates for tests.
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey

	// Parent is nil for a self-signed root.
	Parent *CA
}

// randomSerialNumber generates a cryptographically random serial number.
func randomSerialNumber(t testing.TB) *big.Int {
	t.Helper()
	serialBytes := make([]byte, 16)
	if _, err := rand.Read(serialBytes); err != nil {
		t.Fatalf("generate serial: %v", err)
	}
	serialBytes[0] &= 0x7F
	return new(big.Int).SetBytes(serialBytes)
}

func sign(t testing.TB, template, parent *x509.Certificate, pub, priv any) *x509.Certificate {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		t.Fatalf("create certificate %q: %v", template.Subject.CommonName, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

// NewCA creates a self-signed root valid from an hour ago for a day.
func NewCA(t testing.TB, commonName string) *CA {
	t.Helper()
	now := time.Now()
	return NewCAValid(t, commonName, now.Add(-time.Hour), now.Add(24*time.Hour))
}

// NewCAValid creates a self-signed root with the given validity window.
func NewCAValid(t testing.TB, commonName string, notBefore, notAfter time.Time) *CA {
	t.Helper()
	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber:          randomSerialNumber(t),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	return &CA{Cert: sign(t, template, template, &key.PublicKey, key), Key: key}
}

// Intermediate creates a CA signed by ca.
func (ca *CA) Intermediate(t testing.TB, commonName string) *CA {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          randomSerialNumber(t),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	return &CA{Cert: sign(t, template, ca.Cert, &key.PublicKey, ca.Key), Key: key, Parent: ca}
}

// chain returns ca and its parents, nearest first.
func (ca *CA) chain() []*x509.Certificate {
	var list []*x509.Certificate
	for c := ca; c != nil; c = c.Parent {
		list = append(list, c.Cert)
	}
	return list
}

// ServerOptions adjust an issued server certificate.
type ServerOptions struct {
	NotBefore, NotAfter time.Time
	// OmitRoot leaves the self-signed root out of the presented chain.
	OmitRoot bool
}

// IssueServer issues a server certificate for hosts. The returned
// certificate carries the full chain up to and including the root.
func (ca *CA) IssueServer(t testing.TB, hosts ...string) tls.Certificate {
	t.Helper()
	return ca.IssueServerWith(t, ServerOptions{}, hosts...)
}

// IssueServerWith issues a server certificate with options.
func (ca *CA) IssueServerWith(t testing.TB, opts ServerOptions, hosts ...string) tls.Certificate {
	t.Helper()
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	now := time.Now()
	if opts.NotBefore.IsZero() {
		opts.NotBefore = now.Add(-time.Hour)
	}
	if opts.NotAfter.IsZero() {
		opts.NotAfter = now.Add(24 * time.Hour)
	}

	key := newKey(t)
	template := &x509.Certificate{
		SerialNumber: randomSerialNumber(t),
		Subject:      pkix.Name{CommonName: hosts[0]},
		NotBefore:    opts.NotBefore,
		NotAfter:     opts.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	leaf := sign(t, template, ca.Cert, &key.PublicKey, ca.Key)

	chain := append([]*x509.Certificate{leaf}, ca.chain()...)
	if opts.OmitRoot {
		chain = chain[:len(chain)-1]
	}
	pair := tls.Certificate{PrivateKey: key, Leaf: leaf}
	for _, c := range chain {
		pair.Certificate = append(pair.Certificate, c.Raw)
	}
	return pair
}

// IssueClient issues a client certificate and returns it with its key.
func (ca *CA) IssueClient(t testing.TB, commonName string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: randomSerialNumber(t),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	return sign(t, template, ca.Cert, &key.PublicKey, ca.Key), key
}

// Chain parses the certificates of an issued pair, leaf first.
func Chain(t testing.TB, pair tls.Certificate) []*x509.Certificate {
	t.Helper()
	list := make([]*x509.Certificate, 0, len(pair.Certificate))
	for _, der := range pair.Certificate {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			t.Fatalf("parse chain: %v", err)
		}
		list = append(list, c)
	}
	return list
}

// Pool returns a pool holding certs.
func Pool(certs ...*x509.Certificate) *x509.CertPool {
	p := x509.NewCertPool()
	for _, c := range certs {
		p.AddCert(c)
	}
	return p
}
