// Package email derives display data from email hints and validates addresses.
package email

import (
	"net/mail"
	"strings"
)

// FallbackDomain is used to synthesize an address for provider users who
// signed in without an email.
const FallbackDomain = "privy.user"

// LocalPart returns the part before '@', or the whole string if there is none.
func LocalPart(addr string) string {
	if at := strings.IndexByte(addr, '@'); at >= 0 {
		return addr[:at]
	}
	return addr
}

// DeriveFirstName returns the email local part, or "User" when no usable hint exists.
func DeriveFirstName(addr string) string {
	local := strings.TrimSpace(LocalPart(addr))
	if local == "" {
		return "User"
	}
	return local
}

// AddressOrFallback returns addr if it is set, otherwise "<externalID>@privy.user".
func AddressOrFallback(addr, externalID string) string {
	if addr = strings.TrimSpace(addr); addr != "" {
		return strings.ToLower(addr)
	}
	return externalID + "@" + FallbackDomain
}

// IsValid reports whether addr is a bare RFC 5322 address (no display name).
func IsValid(addr string) bool {
	if addr == "" || len(addr) > 254 {
		return false
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return false
	}
	return parsed.Address == addr && strings.Contains(addr[strings.IndexByte(addr, '@'):], ".")
}
