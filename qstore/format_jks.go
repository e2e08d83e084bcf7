package qstore

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
)

// jksMagic opens every Java KeyStore file.
var jksMagic = []byte{0xfe, 0xed, 0xfe, 0xed}

// jksDigestMismatch is the keystore-go message for a failed integrity check.
const jksDigestMismatch = "got invalid digest"

// jksFormat is the Java KeyStore container. Key entries are protected
// with the store password.
type jksFormat struct{}

func (jksFormat) Name() string { return "JKS" }

func newKeyStore() keystore.KeyStore {
	return keystore.New(keystore.WithCaseExactAliases(), keystore.WithOrderedAliases())
}

func (jksFormat) Read(path string, password []byte) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(data, jksMagic) {
		return nil, ErrCorruptFormat
	}

	ks := newKeyStore()
	if err := ks.Load(bytes.NewReader(data), password); err != nil {
		// The trailing digest covers the password and the body together,
		// so a wrong password and a damaged body that still parses fail
		// the same way. Both are reported as ErrBadPassword. keystore-go
		// has no sentinel for the mismatch; only its message identifies it.
		if strings.HasSuffix(err.Error(), jksDigestMismatch) {
			return nil, ErrBadPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}

	var entries []Entry
	for _, alias := range ks.Aliases() {
		switch {
		case ks.IsTrustedCertificateEntry(alias):
			te, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, alias, err)
			}
			cert, err := x509.ParseCertificate(te.Certificate.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, alias, err)
			}
			entries = append(entries, Entry{Alias: alias, Certificate: cert, Created: te.CreationTime})
		case ks.IsPrivateKeyEntry(alias):
			pe, err := ks.GetPrivateKeyEntry(alias, password)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrBadPassword, alias, err)
			}
			key, err := x509.ParsePKCS8PrivateKey(pe.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, alias, err)
			}
			chain := make([]*x509.Certificate, 0, len(pe.CertificateChain))
			for _, c := range pe.CertificateChain {
				cert, err := x509.ParseCertificate(c.Content)
				if err != nil {
					return nil, fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, alias, err)
				}
				chain = append(chain, cert)
			}
			if len(chain) == 0 {
				return nil, fmt.Errorf("%w: entry %q", ErrEmptyChain, alias)
			}
			entries = append(entries, Entry{
				Alias:       alias,
				Certificate: chain[0],
				Chain:       chain,
				PrivateKey:  key,
				Created:     pe.CreationTime,
			})
		}
	}
	return entries, nil
}

func (jksFormat) Write(path string, password []byte, entries []Entry) error {
	ks := newKeyStore()
	for _, e := range entries {
		if !e.HasPrivateKey() {
			err := ks.SetTrustedCertificateEntry(e.Alias, keystore.TrustedCertificateEntry{
				CreationTime: e.Created,
				Certificate:  keystore.Certificate{Type: "X509", Content: e.Certificate.Raw},
			})
			if err != nil {
				return fmt.Errorf("set entry %q: %w", e.Alias, err)
			}
			continue
		}

		der, err := x509.MarshalPKCS8PrivateKey(e.PrivateKey)
		if err != nil {
			return fmt.Errorf("marshal key %q: %w", e.Alias, err)
		}
		chain := make([]keystore.Certificate, 0, len(e.Chain))
		for _, c := range e.Chain {
			chain = append(chain, keystore.Certificate{Type: "X509", Content: c.Raw})
		}
		err = ks.SetPrivateKeyEntry(e.Alias, keystore.PrivateKeyEntry{
			CreationTime:     e.Created,
			PrivateKey:       der,
			CertificateChain: chain,
		}, password)
		if err != nil {
			return fmt.Errorf("set entry %q: %w", e.Alias, err)
		}
	}

	var buf bytes.Buffer
	if err := ks.Store(&buf, password); err != nil {
		return err
	}
	return writeFileSync(path, buf.Bytes())
}
