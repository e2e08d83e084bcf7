//go:build !unix && !windows

package qstore

import "os"

// Platforms without advisory locks rely on the in-process mutex only.
func lockFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
}

func unlockFile(f *os.File) {
	f.Close()
}
