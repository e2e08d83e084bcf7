package qmock

import (
	"crypto"
	"crypto/x509"
	"path/filepath"
	"testing"

	"github.com/kardianos/qtrust/qstore"
)

// NewStore writes a store named name under dir holding certs as trusted
// entries under their default aliases, and returns its path.
func NewStore(t testing.TB, dir, name, storeType, password string, certs ...*x509.Certificate) string {
	t.Helper()
	path := filepath.Join(dir, name)
	s, err := qstore.Create(path, storeType, []byte(password))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()
	for _, c := range certs {
		if err := s.AddCertificate(qstore.CertificateAlias(c), c); err != nil {
			t.Fatalf("add %s: %v", c.Subject, err)
		}
	}
	if err := s.Save(nil); err != nil {
		t.Fatalf("save store: %v", err)
	}
	return path
}

// NewKeyStore writes a store holding one private key entry.
func NewKeyStore(t testing.TB, dir, name, storeType, password string, key crypto.PrivateKey, chain ...*x509.Certificate) string {
	t.Helper()
	path := filepath.Join(dir, name)
	s, err := qstore.Create(path, storeType, []byte(password))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()
	if err := s.AddKeyEntry("client", key, chain); err != nil {
		t.Fatalf("add key: %v", err)
	}
	if err := s.Save(nil); err != nil {
		t.Fatalf("save store: %v", err)
	}
	return path
}

// ReadStore returns the entries of the store at path.
func ReadStore(t testing.TB, path, storeType, password string) []qstore.EntryInfo {
	t.Helper()
	s, err := qstore.Open(path, []byte(password), storeType)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	return s.Entries()
}
