package qstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// beforeRename, when set, runs after the temp file is complete and before
// it replaces the target. Tests use it to fail a save mid-way.
var beforeRename func(tmp string) error

// atomicWriteFile has write fill a temp file next to path and renames it
// over path. On any failure the temp file is removed and path is untouched.
func atomicWriteFile(path string, write func(tmp string) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := write(tmpName); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	if beforeRename != nil {
		if err := beforeRename(tmpName); err != nil {
			os.Remove(tmpName)
			return err
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the directory entry after a rename. Not every platform
// supports it, so errors are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	d.Close()
}

var (
	pathLocksMu sync.Mutex
	pathLocks   = map[string]*sync.Mutex{}
)

// LockPath serializes modifications of the store file at path. It takes an
// in-process mutex for the absolute path and an advisory OS lock on
// "<path>.lock" so other processes editing the same store also wait.
// The returned function releases both.
func LockPath(path string) (unlock func(), err error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("qstore: lock %s: %w", path, err)
	}

	pathLocksMu.Lock()
	mu, ok := pathLocks[abs]
	if !ok {
		mu = &sync.Mutex{}
		pathLocks[abs] = mu
	}
	pathLocksMu.Unlock()

	mu.Lock()
	f, err := lockFile(abs + ".lock")
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("qstore: lock %s: %w", path, err)
	}
	return func() {
		unlockFile(f)
		mu.Unlock()
	}, nil
}
