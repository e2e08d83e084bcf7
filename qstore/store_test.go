package qstore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPassword = []byte("changeit")

func newTestCA(t *testing.T, cn string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(serial),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func newTestLeaf(t *testing.T, ca *x509.Certificate, caKey *ecdsa.PrivateKey, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

func TestOpenErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.jks"), testPassword, "JKS")
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = Open(filepath.Join(dir, "x"), testPassword, "NOPE")
	assert.ErrorIs(t, err, ErrUnknownFormat)

	empty := filepath.Join(dir, "empty.jks")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	_, err = Open(empty, testPassword, "JKS")
	assert.ErrorIs(t, err, ErrCorruptFormat)

	for _, typ := range []string{"JKS", "PKCS12", "BOLT"} {
		garbage := filepath.Join(dir, "garbage."+strings.ToLower(typ))
		require.NoError(t, os.WriteFile(garbage, bytes.Repeat([]byte("not a store "), 512), 0600))
		_, err = Open(garbage, testPassword, typ)
		assert.ErrorIs(t, err, ErrCorruptFormat, typ)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, typ := range []string{"JKS", "BOLT"} {
		t.Run(typ, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store")
			ca, caKey := newTestCA(t, "Round Trip CA", 1)
			leaf, leafKey := newTestLeaf(t, ca, caKey, "client")

			s, err := Create(path, typ, testPassword)
			require.NoError(t, err)
			require.NoError(t, s.AddCertificate("zeta", ca))
			require.NoError(t, s.AddKeyEntry("alpha", leafKey, []*x509.Certificate{leaf, ca}))
			require.NoError(t, s.Save(nil))
			require.NoError(t, s.Close())

			s, err = Open(path, testPassword, strings.ToLower(typ))
			require.NoError(t, err)
			defer s.Close()

			assert.Equal(t, typ, s.Type())
			entries := s.Entries()
			require.Len(t, entries, 2)
			assert.Equal(t, "alpha", entries[0].Alias)
			assert.True(t, entries[0].HasPrivateKey)
			assert.Equal(t, "zeta", entries[1].Alias)
			assert.False(t, entries[1].HasPrivateKey)
			assert.Equal(t, entries, s.Entries(), "order must be stable")

			trusted := s.TrustedCertificates()
			require.Len(t, trusted, 1)
			assert.True(t, trusted[0].Equal(ca))

			pairs := s.KeyPairs()
			require.Len(t, pairs, 1)
			assert.Len(t, pairs[0].Certificate, 2)
			assert.True(t, pairs[0].Leaf.Equal(leaf))

			alias, ok := s.Contains(ca)
			assert.True(t, ok)
			assert.Equal(t, "zeta", alias)
		})
	}
}

func TestPKCS12(t *testing.T) {
	dir := t.TempDir()
	ca, caKey := newTestCA(t, "P12 CA", 7)
	other, _ := newTestCA(t, "P12 Other CA", 8)
	leaf, leafKey := newTestLeaf(t, ca, caKey, "p12-client")

	trustPath := filepath.Join(dir, "trust.p12")
	s, err := Create(trustPath, "PKCS12", testPassword)
	require.NoError(t, err)
	require.NoError(t, s.AddCertificate("ca", ca))
	require.NoError(t, s.AddCertificate("other", other))
	require.NoError(t, s.Save(nil))

	s, err = Open(trustPath, testPassword, "P12")
	require.NoError(t, err)
	assert.Len(t, s.TrustedCertificates(), 2)
	_, ok := s.Entry(CertificateAlias(ca))
	assert.True(t, ok, "aliases are derived from the certificate on load")

	keyPath := filepath.Join(dir, "client.p12")
	s, err = Create(keyPath, "PKCS12", testPassword)
	require.NoError(t, err)
	require.NoError(t, s.AddKeyEntry("client", leafKey, []*x509.Certificate{leaf, ca}))
	require.NoError(t, s.Save(nil))

	s, err = Open(keyPath, testPassword, "PKCS12")
	require.NoError(t, err)
	pairs := s.KeyPairs()
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].Leaf.Equal(leaf))

	require.NoError(t, s.AddCertificate("extra", other))
	err = s.Save(nil)
	assert.ErrorIs(t, err, ErrUnsupportedEntry)
}

func TestBadPassword(t *testing.T) {
	for _, typ := range []string{"JKS", "PKCS12", "BOLT"} {
		t.Run(typ, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "store")
			ca, _ := newTestCA(t, "Password CA", 3)
			s, err := Create(path, typ, testPassword)
			require.NoError(t, err)
			require.NoError(t, s.AddCertificate("ca", ca))
			require.NoError(t, s.Save(nil))

			_, err = Open(path, []byte("wrong-password"), typ)
			assert.ErrorIs(t, err, ErrBadPassword)

			s, err = Open(path, testPassword, typ)
			require.NoError(t, err)
			assert.Equal(t, 1, s.Len())
		})
	}
}

func TestEntryRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.jks")
	ca, _ := newTestCA(t, "Rules CA", 1)
	other, _ := newTestCA(t, "Rules Other", 2)

	s, err := Create(path, "", testPassword)
	require.NoError(t, err)
	assert.Equal(t, DefaultType, s.Type())

	require.NoError(t, s.AddCertificateEntry("ca", ca.Raw))
	err = s.AddCertificate("ca", other)
	assert.ErrorIs(t, err, ErrAliasExists)

	require.NoError(t, s.SetCertificateEntry("ca", other))
	e, ok := s.Entry("ca")
	require.True(t, ok)
	assert.True(t, e.Certificate.Equal(other))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	err = s.AddKeyEntry("key", key, nil)
	assert.ErrorIs(t, err, ErrEmptyChain)

	err = s.DeleteEntry("missing")
	assert.ErrorIs(t, err, ErrAliasNotFound)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.DeleteEntry("ca"))
	assert.Equal(t, 0, s.Len())

	err = s.AddCertificateEntry("bad", []byte("not der"))
	assert.Error(t, err)
}

func TestCloseWipesPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "close.jks")
	pw := []byte("changeit")
	s, err := Create(path, "JKS", pw)
	require.NoError(t, err)
	retained := s.password
	require.NoError(t, s.Close())

	assert.Equal(t, make([]byte, len(pw)), retained)
	assert.Equal(t, []byte("changeit"), pw, "caller slice is not touched")
	assert.ErrorIs(t, s.Save(nil), ErrClosed)
	assert.ErrorIs(t, s.DeleteEntry("x"), ErrClosed)
}

func TestSaveNewPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rekey.jks")
	ca, _ := newTestCA(t, "Rekey CA", 1)
	s, err := Create(path, "JKS", testPassword)
	require.NoError(t, err)
	require.NoError(t, s.AddCertificate("ca", ca))
	require.NoError(t, s.Save(nil))
	require.NoError(t, s.Save([]byte("another-secret")))

	_, err = Open(path, testPassword, "JKS")
	assert.ErrorIs(t, err, ErrBadPassword)
	_, err = Open(path, []byte("another-secret"), "JKS")
	assert.NoError(t, err)
}

// partialFormat writes a complete file, cuts it in half and fails.
type partialFormat struct {
	Format
	err error
}

func (f partialFormat) Write(path string, password []byte, entries []Entry) error {
	if err := f.Format.Write(path, password, entries); err != nil {
		return err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if err := os.Truncate(path, fi.Size()/2); err != nil {
		return err
	}
	return f.err
}

func TestSaveAtomic(t *testing.T) {
	for _, typ := range []string{"JKS", "PKCS12", "BOLT"} {
		for _, stage := range []string{"write", "rename"} {
			t.Run(typ+"/"+stage, func(t *testing.T) {
				dir := t.TempDir()
				path := filepath.Join(dir, "atomic")
				ca, _ := newTestCA(t, "Atomic CA", 1)
				added, _ := newTestCA(t, "Atomic Added", 2)

				s, err := Create(path, typ, testPassword)
				require.NoError(t, err)
				require.NoError(t, s.AddCertificate("ca", ca))
				require.NoError(t, s.Save(nil))
				before, err := os.ReadFile(path)
				require.NoError(t, err)

				injected := errors.New("injected failure")
				format := s.format
				switch stage {
				case "write":
					s.format = partialFormat{Format: format, err: injected}
				case "rename":
					beforeRename = func(tmp string) error {
						// Leave a half-written temp file behind the scenes.
						if err := os.Truncate(tmp, 10); err != nil {
							return err
						}
						return injected
					}
					t.Cleanup(func() { beforeRename = nil })
				}

				require.NoError(t, s.AddCertificate("added", added))
				err = s.Save(nil)
				assert.ErrorIs(t, err, injected)

				after, err := os.ReadFile(path)
				require.NoError(t, err)
				assert.Equal(t, before, after, "failed save must leave the file untouched")

				names, err := os.ReadDir(dir)
				require.NoError(t, err)
				for _, n := range names {
					assert.False(t, strings.Contains(n.Name(), ".tmp-"), "temp file %s left behind", n.Name())
				}

				reopened, err := Open(path, testPassword, typ)
				require.NoError(t, err)
				assert.Equal(t, 1, reopened.Len())

				beforeRename = nil
				s.format = format
				require.NoError(t, s.Save(nil))
				reopened, err = Open(path, testPassword, typ)
				require.NoError(t, err)
				assert.Equal(t, 2, reopened.Len())
			})
		}
	}
}

func TestJKSCorruptBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flipped.jks")
	ca, _ := newTestCA(t, "Flipped CA", 1)
	s, err := Create(path, "JKS", testPassword)
	require.NoError(t, err)
	require.NoError(t, s.AddCertificate("ca", ca))
	require.NoError(t, s.Save(nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// One byte inside the certificate, ahead of the 20 byte digest. The
	// file still parses, so only the digest catches it.
	flipped := bytes.Clone(data)
	flipped[len(flipped)-30] ^= 0xff
	require.NoError(t, os.WriteFile(path, flipped, 0600))
	_, err = Open(path, testPassword, "JKS")
	assert.ErrorIs(t, err, ErrBadPassword)

	// A cut before the digest is a structural failure.
	require.NoError(t, os.WriteFile(path, data[:len(data)-10], 0600))
	_, err = Open(path, testPassword, "JKS")
	assert.ErrorIs(t, err, ErrCorruptFormat)
}

func TestLockPathSerializesEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jks")
	s, err := Create(path, "JKS", testPassword)
	require.NoError(t, err)
	require.NoError(t, s.Save(nil))

	const workers = 8
	certs := make([]*x509.Certificate, workers)
	for i := range certs {
		certs[i], _ = newTestCA(t, fmt.Sprintf("Worker %d", i), int64(i+1))
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := LockPath(path)
			if err != nil {
				errs <- err
				return
			}
			defer unlock()

			st, err := Open(path, testPassword, "JKS")
			if err != nil {
				errs <- err
				return
			}
			defer st.Close()
			if err := st.AddCertificate(CertificateAlias(certs[i]), certs[i]); err != nil {
				errs <- err
				return
			}
			errs <- st.Save(nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	final, err := Open(path, testPassword, "JKS")
	require.NoError(t, err)
	assert.Equal(t, workers, final.Len(), "no edit may be lost")
}

func TestCertificateAlias(t *testing.T) {
	ca, _ := newTestCA(t, "TestCA", 255)
	assert.Equal(t, "CN=TestCA#ff", CertificateAlias(ca))
	assert.Len(t, Fingerprint(ca), 64)
}
