//go:build windows

package qconfig

import (
	"os"
	"path/filepath"
)

func defaultDir(appName string) string {
	programData := os.Getenv("PROGRAMDATA")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, appName)
}
