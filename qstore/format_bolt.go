package qstore

import (
	"crypto/rand"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	bucketMeta    = []byte("meta")
	bucketEntries = []byte("entries")

	keySalt     = []byte("salt")
	keyVerifier = []byte("verifier")

	verifierPlaintext = []byte("qstore-bolt-v1")
)

// Argon2id parameters for deriving the sealing key from the store password.
const (
	kdfTime    = 1
	kdfMemory  = 32 * 1024
	kdfThreads = 2
	saltSize   = 16
	nonceSize  = 24
)

// boltRecord is the sealed value stored per alias.
type boltRecord struct {
	Certs   [][]byte  `cbor:"1,keyasint"`
	Key     []byte    `cbor:"2,keyasint,omitempty"`
	Created time.Time `cbor:"3,keyasint"`
}

// boltFormat stores entries in a bbolt database. Each value is a cbor
// record sealed with nacl/secretbox under a key derived from the password.
// A sealed verifier record separates a wrong password from corruption.
type boltFormat struct{}

func (boltFormat) Name() string { return "BOLT" }

func (boltFormat) Read(path string, password []byte) ([]Entry, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFormat, err)
	}
	defer db.Close()

	var entries []Entry
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		list := tx.Bucket(bucketEntries)
		if meta == nil || list == nil {
			return ErrCorruptFormat
		}
		salt := meta.Get(keySalt)
		if len(salt) != saltSize {
			return ErrCorruptFormat
		}
		key := deriveKey(password, salt)
		defer Wipe(key[:])

		if _, err := openValue(meta.Get(keyVerifier), key); err != nil {
			return ErrBadPassword
		}

		return list.ForEach(func(k, v []byte) error {
			plain, err := openValue(v, key)
			if err != nil {
				return fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, k, err)
			}
			var rec boltRecord
			err = cbor.Unmarshal(plain, &rec)
			Wipe(plain)
			if err != nil {
				return fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, k, err)
			}
			e, err := rec.entry(string(k))
			if err != nil {
				return fmt.Errorf("%w: entry %q: %v", ErrCorruptFormat, k, err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (boltFormat) Write(path string, password []byte, entries []Entry) error {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return err
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		list, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}

		salt := make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("generate salt: %w", err)
		}
		key := deriveKey(password, salt)
		defer Wipe(key[:])

		verifier, err := sealValue(verifierPlaintext, key)
		if err != nil {
			return err
		}
		if err := meta.Put(keySalt, salt); err != nil {
			return err
		}
		if err := meta.Put(keyVerifier, verifier); err != nil {
			return err
		}

		for _, e := range entries {
			rec, err := newBoltRecord(e)
			if err != nil {
				return fmt.Errorf("entry %q: %w", e.Alias, err)
			}
			plain, err := cbor.Marshal(rec)
			Wipe(rec.Key)
			if err != nil {
				return fmt.Errorf("encode entry %q: %w", e.Alias, err)
			}
			sealed, err := sealValue(plain, key)
			Wipe(plain)
			if err != nil {
				return err
			}
			if err := list.Put([]byte(e.Alias), sealed); err != nil {
				return err
			}
		}
		return nil
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

func newBoltRecord(e Entry) (boltRecord, error) {
	rec := boltRecord{Created: e.Created}
	if !e.HasPrivateKey() {
		rec.Certs = [][]byte{e.Certificate.Raw}
		return rec, nil
	}
	for _, c := range e.Chain {
		rec.Certs = append(rec.Certs, c.Raw)
	}
	der, err := x509.MarshalPKCS8PrivateKey(e.PrivateKey)
	if err != nil {
		return rec, fmt.Errorf("marshal key: %w", err)
	}
	rec.Key = der
	return rec, nil
}

func (r boltRecord) entry(alias string) (Entry, error) {
	if len(r.Certs) == 0 {
		return Entry{}, errors.New("no certificates")
	}
	chain := make([]*x509.Certificate, 0, len(r.Certs))
	for _, raw := range r.Certs {
		c, err := x509.ParseCertificate(raw)
		if err != nil {
			return Entry{}, err
		}
		chain = append(chain, c)
	}
	e := Entry{Alias: alias, Certificate: chain[0], Created: r.Created}
	if len(r.Key) == 0 {
		return e, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(r.Key)
	if err != nil {
		return Entry{}, err
	}
	e.PrivateKey = key
	e.Chain = chain
	return e, nil
}

func deriveKey(password, salt []byte) *[32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey(password, salt, kdfTime, kdfMemory, kdfThreads, 32))
	return &key
}

// sealValue returns nonce (24 bytes) + ciphertext.
func sealValue(plaintext []byte, key *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, key), nil
}

func openValue(sealed []byte, key *[32]byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("ciphertext too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, key)
	if !ok {
		return nil, errors.New("decrypt failed")
	}
	return plain, nil
}
