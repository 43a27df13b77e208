// Package approval runs the human approval round-trip for outbound network
// access requested by an agent.
package approval

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
)

var (
	ErrInvalidDomain    = errors.New("invalid domain")
	ErrSignatureInvalid = errors.New("invalid signature")
	ErrUnauthorized     = errors.New("user not authorized to decide requests")
	ErrExpired          = errors.New("expired")
)

var markerRe = regexp.MustCompile(`\[NETWORK_REQUEST:\s*([^\]]+)\]`)

// ParseMarker extracts the domain from a [NETWORK_REQUEST: domain] marker.
func ParseMarker(line string) (string, bool) {
	m := markerRe.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

func ApprovedMarker(domain string) string { return fmt.Sprintf("[NETWORK_APPROVED: %s]", domain) }

func DeniedMarker(domain string) string { return fmt.Sprintf("[NETWORK_DENIED: %s]", domain) }

func InvalidMarker(domain string) string {
	return fmt.Sprintf("[NETWORK_DENIED: %s] (invalid domain)", domain)
}

// ValidateDomain accepts plain DNS names with at least two labels.
func ValidateDomain(d string) error {
	if d == "" {
		return fmt.Errorf("%w: empty", ErrInvalidDomain)
	}
	if strings.ContainsAny(d, "*?") {
		return fmt.Errorf("%w: %q contains a wildcard", ErrInvalidDomain, d)
	}
	if _, err := netip.ParseAddr(strings.Trim(d, "[]")); err == nil {
		return fmt.Errorf("%w: %q is an IP address", ErrInvalidDomain, d)
	}
	for _, r := range d {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '.' || r == '-') {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidDomain, d, r)
		}
	}
	if strings.HasPrefix(d, ".") || strings.HasSuffix(d, ".") || strings.HasPrefix(d, "-") || strings.HasSuffix(d, "-") {
		return fmt.Errorf("%w: %q starts or ends with a separator", ErrInvalidDomain, d)
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return fmt.Errorf("%w: %q has no dot", ErrInvalidDomain, d)
	}
	for _, l := range labels {
		if l == "" {
			return fmt.Errorf("%w: %q has an empty label", ErrInvalidDomain, d)
		}
	}
	return nil
}
