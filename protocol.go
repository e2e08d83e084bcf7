package qtrust

import (
	"crypto/tls"
	"fmt"
	"strings"
)

// DefaultProtocol negotiates TLS 1.2 or 1.3.
const DefaultProtocol = "TLS"

var protocolVersions = map[string]uint16{
	"TLSV1":   tls.VersionTLS10,
	"TLSV1.0": tls.VersionTLS10,
	"TLSV1.1": tls.VersionTLS11,
	"TLSV1.2": tls.VersionTLS12,
	"TLSV1.3": tls.VersionTLS13,
}

// resolveProtocol maps a protocol name to a version range. forced is true
// when the name pins a single version.
func resolveProtocol(name string) (minVersion, maxVersion uint16, forced bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, DefaultProtocol) {
		return tls.VersionTLS12, tls.VersionTLS13, false, nil
	}
	v, ok := protocolVersions[strings.ToUpper(name)]
	if !ok {
		return 0, 0, false, fmt.Errorf("%w: %q", ErrNoSuchAlgorithm, name)
	}
	return v, v, true, nil
}

// parseEnabled returns the versions named in list and the names it did
// not recognize.
func parseEnabled(list []string) (versions []uint16, unknown []string) {
	for _, name := range list {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		v, ok := protocolVersions[strings.ToUpper(name)]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		versions = append(versions, v)
	}
	return versions, unknown
}

// restrictVersions narrows [minVersion, maxVersion] to the enabled
// versions. ok is false when none of them fall inside the range, in which
// case the range is returned unchanged.
func restrictVersions(minVersion, maxVersion uint16, enabled []uint16) (uint16, uint16, bool) {
	var lo, hi uint16
	for _, v := range enabled {
		if v < minVersion || v > maxVersion {
			continue
		}
		if lo == 0 || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == 0 {
		return minVersion, maxVersion, false
	}
	return lo, hi, true
}

// VersionName returns the protocol name for a TLS version.
func VersionName(v uint16) string {
	switch v {
	case tls.VersionTLS10:
		return "TLSv1"
	case tls.VersionTLS11:
		return "TLSv1.1"
	case tls.VersionTLS12:
		return "TLSv1.2"
	case tls.VersionTLS13:
		return "TLSv1.3"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}
