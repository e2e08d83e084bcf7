package qstore

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"software.sslmate.com/src/go-pkcs12"
)

// pkcs12Format holds either a set of trusted certificates or a single
// private key with its chain. Friendly names are written but not read
// back, so aliases are derived from the certificates on load.
type pkcs12Format struct{}

func (pkcs12Format) Name() string { return "PKCS12" }

func (pkcs12Format) Read(path string, password []byte) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pw := string(password)
	created := pkcs12Created(path)

	certs, err := pkcs12.DecodeTrustStore(data, pw)
	if err == nil {
		entries := make([]Entry, 0, len(certs))
		for _, c := range certs {
			entries = append(entries, Entry{Alias: CertificateAlias(c), Certificate: c, Created: created})
		}
		return entries, nil
	}
	if errors.Is(err, pkcs12.ErrIncorrectPassword) {
		return nil, ErrBadPassword
	}

	key, leaf, cas, err := pkcs12.DecodeChain(data, pw)
	if err != nil {
		if errors.Is(err, pkcs12.ErrIncorrectPassword) {
			return nil, ErrBadPassword
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	chain := append([]*x509.Certificate{leaf}, cas...)
	return []Entry{{
		Alias:       CertificateAlias(leaf),
		Certificate: leaf,
		Chain:       chain,
		PrivateKey:  key,
		Created:     created,
	}}, nil
}

func (pkcs12Format) Write(path string, password []byte, entries []Entry) error {
	var keys, trusted []Entry
	for _, e := range entries {
		if e.HasPrivateKey() {
			keys = append(keys, e)
		} else {
			trusted = append(trusted, e)
		}
	}

	var data []byte
	var err error
	switch {
	case len(keys) == 0:
		list := make([]pkcs12.TrustStoreEntry, 0, len(trusted))
		for _, e := range trusted {
			list = append(list, pkcs12.TrustStoreEntry{Cert: e.Certificate, FriendlyName: e.Alias})
		}
		data, err = pkcs12.Modern.EncodeTrustStoreEntries(list, string(password))
	case len(keys) == 1 && len(trusted) == 0:
		k := keys[0]
		data, err = pkcs12.Modern.Encode(k.PrivateKey, k.Chain[0], k.Chain[1:], string(password))
	default:
		return fmt.Errorf("%w: PKCS12 holds trusted certificates or one key entry, got %d keys and %d certificates",
			ErrUnsupportedEntry, len(keys), len(trusted))
	}
	if err != nil {
		return err
	}
	return writeFileSync(path, data)
}

// pkcs12 entries carry no creation time; report the file time instead.
func pkcs12Created(path string) time.Time {
	fi, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}
