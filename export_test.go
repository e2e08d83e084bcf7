package qtrust

import "time"

var (
	ResolveProtocol  = resolveProtocol
	RestrictVersions = restrictVersions
)

// SetClock replaces the verification clock of tm.
func SetClock(tm *TrustManager, now func() time.Time) {
	tm.now = now
}
