package provider

import "strings"

// opaqueAddressSuffix marks upstream identifiers that are not phone numbers
// (the platform's "LID" addressing).
const opaqueAddressSuffix = "@lid"

// splitAddress converts a raw upstream address into an E.164 phone or flags it
// as opaque. The local part of a routable address is the bare number.
func splitAddress(from string) (phone string, opaque bool) {
	if strings.HasSuffix(from, opaqueAddressSuffix) {
		return "", true
	}
	local := from
	if at := strings.IndexByte(from, '@'); at >= 0 {
		local = from[:at]
	}
	local = strings.TrimPrefix(local, "+")
	if local == "" {
		return "", true
	}
	for _, r := range local {
		if r < '0' || r > '9' {
			return "", true
		}
	}
	return "+" + local, false
}
