package pairing

import "github.com/blang/semver"

// LegacyCapabilitiesVersion is the last firmware line known to emit the
// 4-byte (pre-encryption) CAPABILITIES reply instead of the current
// 6-byte record. This is advisory pairing UX only: DecodeCapabilities
// (§6) already accepts both wire lengths unconditionally; nothing here
// changes what the wire protocol parses.
var LegacyCapabilitiesVersion = semver.MustParse("1.2.0")

// SupportsEncryptionFlag reports whether a peripheral advertising
// firmwareVersion is expected to carry the 6-byte CAPABILITIES record with
// a meaningful flags field, the way krd/latest_version.go compares a
// fetched version against kr.CURRENT_VERSION before deciding which update
// path to offer.
func SupportsEncryptionFlag(firmwareVersion semver.Version) bool {
	return firmwareVersion.GT(LegacyCapabilitiesVersion)
}

// ParseFirmwareVersion parses a semver string from a peripheral's
// self-reported version, falling back to the legacy version (safe
// default: no flags field assumed) on a malformed string.
func ParseFirmwareVersion(s string) semver.Version {
	v, err := semver.Parse(s)
	if err != nil {
		return LegacyCapabilitiesVersion
	}
	return v
}
