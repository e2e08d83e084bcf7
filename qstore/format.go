package qstore

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// DefaultType is the store type used when none is given.
const DefaultType = "JKS"

// Format reads and writes one on-disk store container format.
type Format interface {
	// Name is the canonical type string, such as "JKS".
	Name() string

	// Read decodes all entries in the file at path. A password mismatch
	// must be reported as ErrBadPassword and undecodable content as
	// ErrCorruptFormat.
	Read(path string, password []byte) ([]Entry, error)

	// Write encodes entries into the file at path, which exists and is
	// empty. The data must be flushed to stable storage before returning.
	Write(path string, password []byte, entries []Entry) error
}

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{}
)

func init() {
	RegisterFormat(jksFormat{})
	RegisterFormat(pkcs12Format{}, "P12", "PFX")
	RegisterFormat(boltFormat{})
}

// RegisterFormat makes a format available under its name and any aliases.
// Names are matched case-insensitively.
func RegisterFormat(f Format, aliases ...string) {
	formatsMu.Lock()
	defer formatsMu.Unlock()
	formats[strings.ToUpper(f.Name())] = f
	for _, a := range aliases {
		formats[strings.ToUpper(a)] = f
	}
}

// LookupFormat returns the format registered for storeType.
// An empty storeType selects DefaultType.
func LookupFormat(storeType string) (Format, error) {
	if storeType == "" {
		storeType = DefaultType
	}
	formatsMu.RLock()
	defer formatsMu.RUnlock()
	f, ok := formats[strings.ToUpper(storeType)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, storeType)
	}
	return f, nil
}

// writeFileSync writes data to an existing file and flushes it.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
