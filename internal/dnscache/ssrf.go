package dnscache

import (
	"fmt"
	"net"
	"strings"
)

// Hostnames that must never be resolved for child workers, regardless of
// what they would resolve to.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

var blockedHostnameSuffixes = []string{
	".localhost",
	".internal",
	".local",
}

const maxHostnameLength = 253

// ValidateHostname applies the SSRF hostname policy. A nil return means
// the name may proceed to resolution; resolved addresses are checked
// separately.
func (s *Service) ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("empty hostname")
	}
	if len(hostname) > maxHostnameLength {
		return fmt.Errorf("hostname too long")
	}

	lower := strings.ToLower(strings.TrimSuffix(hostname, "."))

	// IP literals skip resolution entirely, so the address policy applies
	// directly.
	if ip := net.ParseIP(lower); ip != nil {
		return s.ValidateResolvedAddress(lower)
	}

	if blockedHostnames[lower] {
		return fmt.Errorf("Blocked hostname")
	}
	for _, suffix := range blockedHostnameSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return fmt.Errorf("Blocked hostname")
		}
	}

	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '.' || r == '_':
		default:
			return fmt.Errorf("invalid hostname")
		}
	}
	return nil
}

// ValidateResolvedAddress applies the SSRF address policy to one resolved
// address. Loopback, private, link-local, unspecified and multicast ranges
// are rejected unless the resolver is configured to allow private ranges.
func (s *Service) ValidateResolvedAddress(address string) error {
	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("invalid address")
	}

	if s.allowPrivate {
		return nil
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("Private IP address blocked")
	case ip.IsPrivate():
		return fmt.Errorf("Private IP address blocked")
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("Link-local address blocked")
	case ip.IsUnspecified():
		return fmt.Errorf("Unspecified address blocked")
	case ip.IsMulticast():
		return fmt.Errorf("Multicast address blocked")
	}
	return nil
}
