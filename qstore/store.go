// Package qstore provides password-protected, file-backed certificate stores.
//
// A Store is either open (entries loaded, password known and matching the
// file) or closed. The on-disk container format is selected by a type string
// ("JKS", "PKCS12", "BOLT") and implemented by a registered Format.
// Every Save replaces the file atomically.
package qstore

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

var (
	// ErrFileNotFound is returned when the store file does not exist.
	ErrFileNotFound = errors.New("qstore: store file not found")

	// ErrBadPassword is returned when the password does not match the store.
	ErrBadPassword = errors.New("qstore: incorrect store password")

	// ErrCorruptFormat is returned when the file cannot be decoded as the requested format.
	ErrCorruptFormat = errors.New("qstore: corrupt or unrecognized store file")

	// ErrUnknownFormat is returned when no format is registered for a store type.
	ErrUnknownFormat = errors.New("qstore: unknown store type")

	// ErrAliasExists is returned when adding an entry under an alias already in use.
	ErrAliasExists = errors.New("qstore: alias already exists")

	// ErrAliasNotFound is returned when an alias is not present in the store.
	ErrAliasNotFound = errors.New("qstore: alias not found")

	// ErrEmptyChain is returned when a private key entry has no certificate chain.
	ErrEmptyChain = errors.New("qstore: private key entry requires a certificate chain")

	// ErrUnsupportedEntry is returned when a format cannot represent the store contents.
	ErrUnsupportedEntry = errors.New("qstore: entries not representable in store format")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("qstore: store is closed")
)

// Entry is a single aliased item in a store.
// A trusted certificate entry has Certificate set and no PrivateKey.
// A private key entry has PrivateKey set and Chain ordered leaf first;
// Certificate is then Chain[0].
type Entry struct {
	Alias       string
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PrivateKey  crypto.PrivateKey
	Created     time.Time
}

// HasPrivateKey reports whether the entry carries a private key.
func (e Entry) HasPrivateKey() bool {
	return e.PrivateKey != nil
}

// EntryInfo describes an entry without exposing key material.
type EntryInfo struct {
	Alias         string
	HasPrivateKey bool
	Certificate   *x509.Certificate
	Created       time.Time
}

// Store is an open certificate store.
type Store struct {
	path   string
	format Format

	mu       sync.RWMutex
	password []byte
	entries  map[string]Entry
	closed   bool
}

// Open reads the store at path with the given password.
// The password is copied; the caller may wipe its slice afterwards.
// On failure no store is returned.
func Open(path string, password []byte, storeType string) (*Store, error) {
	format, err := LookupFormat(storeType)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrFileNotFound)
	}
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("qstore: stat %s: %w", path, err)
	}
	if fi.IsDir() || fi.Size() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCorruptFormat, path)
	}

	pw := bytes.Clone(password)
	readPw := bytes.Clone(pw)
	list, err := format.Read(path, readPw)
	Wipe(readPw)
	if err != nil {
		Wipe(pw)
		return nil, fmt.Errorf("qstore: open %s: %w", path, err)
	}

	s := &Store{
		path:     path,
		format:   format,
		password: pw,
		entries:  make(map[string]Entry, len(list)),
	}
	for _, e := range list {
		if err := validateEntry(e); err != nil {
			Wipe(pw)
			return nil, fmt.Errorf("qstore: open %s: entry %q: %w", path, e.Alias, err)
		}
		s.entries[e.Alias] = e
	}
	return s, nil
}

// Create returns an open, empty store for path. Nothing is written until Save.
func Create(path string, storeType string, password []byte) (*Store, error) {
	format, err := LookupFormat(storeType)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("qstore: create: empty path")
	}
	return &Store{
		path:     path,
		format:   format,
		password: bytes.Clone(password),
		entries:  make(map[string]Entry),
	}, nil
}

// Path returns the file path of the store.
func (s *Store) Path() string {
	return s.path
}

// Type returns the canonical name of the store format.
func (s *Store) Type() string {
	return s.format.Name()
}

// Entries lists the store entries ordered by alias.
func (s *Store) Entries() []EntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.sortedLocked() {
		list = append(list, EntryInfo{
			Alias:         e.Alias,
			HasPrivateKey: e.HasPrivateKey(),
			Certificate:   e.Certificate,
			Created:       e.Created,
		})
	}
	return list
}

// Entry returns the full entry for alias.
func (s *Store) Entry(alias string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[alias]
	return e, ok
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AddCertificateEntry adds a trusted certificate from DER bytes.
func (s *Store) AddCertificateEntry(alias string, der []byte) error {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("qstore: parse certificate: %w", err)
	}
	return s.AddCertificate(alias, cert)
}

// AddCertificate adds a trusted certificate. It fails with ErrAliasExists
// if alias is taken; use SetCertificateEntry to overwrite.
func (s *Store) AddCertificate(alias string, cert *x509.Certificate) error {
	return s.put(Entry{Alias: alias, Certificate: cert, Created: time.Now()}, false)
}

// SetCertificateEntry adds or replaces a trusted certificate entry.
func (s *Store) SetCertificateEntry(alias string, cert *x509.Certificate) error {
	return s.put(Entry{Alias: alias, Certificate: cert, Created: time.Now()}, true)
}

// AddKeyEntry adds a private key with its certificate chain, leaf first.
func (s *Store) AddKeyEntry(alias string, key crypto.PrivateKey, chain []*x509.Certificate) error {
	e := Entry{Alias: alias, PrivateKey: key, Chain: chain, Created: time.Now()}
	if len(chain) > 0 {
		e.Certificate = chain[0]
	}
	return s.put(e, false)
}

func (s *Store) put(e Entry, overwrite bool) error {
	if e.Alias == "" {
		return fmt.Errorf("qstore: empty alias")
	}
	if err := validateEntry(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[e.Alias]; ok && !overwrite {
		return fmt.Errorf("%w: %q", ErrAliasExists, e.Alias)
	}
	s.entries[e.Alias] = e
	return nil
}

// DeleteEntry removes alias. A missing alias returns ErrAliasNotFound and
// leaves the store unchanged.
func (s *Store) DeleteEntry(alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.entries[alias]; !ok {
		return fmt.Errorf("%w: %q", ErrAliasNotFound, alias)
	}
	delete(s.entries, alias)
	return nil
}

// TrustedCertificates returns the certificates of all entries without a private key.
func (s *Store) TrustedCertificates() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var certs []*x509.Certificate
	for _, e := range s.sortedLocked() {
		if !e.HasPrivateKey() {
			certs = append(certs, e.Certificate)
		}
	}
	return certs
}

// Contains reports whether cert is stored, returning its alias.
func (s *Store) Contains(cert *x509.Certificate) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.sortedLocked() {
		if e.Certificate != nil && bytes.Equal(e.Certificate.Raw, cert.Raw) {
			return e.Alias, true
		}
	}
	return "", false
}

// KeyPairs returns every private key entry as a tls.Certificate.
func (s *Store) KeyPairs() []tls.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []tls.Certificate
	for _, e := range s.sortedLocked() {
		if !e.HasPrivateKey() {
			continue
		}
		pair := tls.Certificate{PrivateKey: e.PrivateKey, Leaf: e.Chain[0]}
		for _, c := range e.Chain {
			pair.Certificate = append(pair.Certificate, c.Raw)
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// Save atomically rewrites the store file. A nil or empty password reuses
// the password the store was opened with; otherwise the new password
// replaces it. Callers that modify a shared store file must hold LockPath.
func (s *Store) Save(password []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	pw := bytes.Clone(s.password)
	if len(password) > 0 {
		pw = bytes.Clone(password)
	}
	defer Wipe(pw)
	entries := s.sortedLocked()
	err := atomicWriteFile(s.path, func(tmp string) error {
		return s.format.Write(tmp, pw, entries)
	})
	if err != nil {
		return fmt.Errorf("qstore: save %s: %w", s.path, err)
	}
	if len(password) > 0 {
		Wipe(s.password)
		s.password = bytes.Clone(password)
	}
	return nil
}

// Close wipes the retained password and drops all entries.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	Wipe(s.password)
	s.password = nil
	s.entries = nil
	s.closed = true
	return nil
}

func (s *Store) sortedLocked() []Entry {
	list := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Alias < list[j].Alias })
	return list
}

func validateEntry(e Entry) error {
	if e.PrivateKey != nil {
		if len(e.Chain) == 0 {
			return ErrEmptyChain
		}
		return nil
	}
	if e.Certificate == nil {
		return fmt.Errorf("qstore: entry %q has no certificate", e.Alias)
	}
	return nil
}

// CertificateAlias returns the default alias for a certificate:
// its subject followed by the hexadecimal serial number.
func CertificateAlias(cert *x509.Certificate) string {
	return cert.Subject.String() + "#" + cert.SerialNumber.Text(16)
}

// Fingerprint returns the hex SHA-256 of the certificate DER.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	clear(b)
}
