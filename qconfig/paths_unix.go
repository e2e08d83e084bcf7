//go:build !windows

package qconfig

import "path/filepath"

func defaultDir(appName string) string {
	return filepath.Join("/etc", appName)
}
