package dns

import (
	"net/netip"
	"strings"
)

// SplitHostname splits an FQDN into its first label and the parent domain.
// e.g. "app.example.com" → ("app", "example.com")
// e.g. "sub.app.example.com" → ("sub", "app.example.com")
func SplitHostname(fqdn string) (hostname, domain string) {
	fqdn = strings.TrimSuffix(fqdn, ".")
	parts := strings.SplitN(fqdn, ".", 2)
	if len(parts) < 2 {
		return fqdn, ""
	}
	return parts[0], parts[1]
}

// JoinHostname is the inverse of SplitHostname.
func JoinHostname(hostname, domain string) string {
	hostname = strings.Trim(hostname, ".")
	domain = strings.Trim(domain, ".")
	switch {
	case hostname == "":
		return domain
	case domain == "":
		return hostname
	}
	return hostname + "." + domain
}

// AddressType returns TypeA or TypeAAAA for an IP literal, or "" when value is
// not an address.
func AddressType(value string) RecordType {
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	switch {
	case err != nil:
		return ""
	case addr.Is4() || addr.Is4In6():
		return TypeA
	default:
		return TypeAAAA
	}
}
