package jobs

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// blockedHostnames are internal service names that must never be reachable
// from a tenant-configured webhook or fallback target, regardless of how
// they resolve.
var blockedHostnames = map[string]bool{
	"localhost": true,
	"db":        true,
	"redis":     true,
	"dragonfly": true,
	"nginx":     true,
	"postgres":  true,
}

// SecurityViolation is returned by ValidateOutboundURL when a target is
// rejected by the SSRF guard.
type SecurityViolation struct {
	Target string
	Reason string
}

func (e *SecurityViolation) Error() string {
	return fmt.Sprintf("Security Violation: %s (%s)", e.Target, e.Reason)
}

// resolveHostFunc is overridable in tests; defaults to a real DNS lookup.
var resolveHostFunc = net.LookupHost

// ValidateOutboundURL implements the webhook worker's SSRF guard
// (spec.md §4.7 step 1): reject localhost, 0.0.0.0, ::1, a fixed list of
// internal service names, and any hostname that resolves to a
// private/loopback/link-local address.
//
// Grounded on the pack's redb-open/pkg/dbcapabilities/host_utils.go
// IsPrivateAddress range checks, extended with the 0.0.0.0/8 range and
// the internal-hostname blocklist the spec additionally requires.
func ValidateOutboundURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &SecurityViolation{Target: rawURL, Reason: "malformed URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &SecurityViolation{Target: rawURL, Reason: "unsupported scheme"}
	}
	host := u.Hostname()
	if host == "" {
		return &SecurityViolation{Target: rawURL, Reason: "missing host"}
	}
	lowerHost := strings.ToLower(host)
	if blockedHostnames[lowerHost] {
		return &SecurityViolation{Target: rawURL, Reason: "blocked internal service name"}
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return &SecurityViolation{Target: rawURL, Reason: "private or loopback address"}
		}
		return nil
	}

	addrs, err := resolveHostFunc(host)
	if err != nil {
		// DNS failure is not itself an SSRF finding; let the dispatch
		// attempt fail naturally and be retried/reported as connection error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isForbiddenIP(ip) {
			return &SecurityViolation{Target: rawURL, Reason: "resolves to a private or loopback address"}
		}
	}
	return nil
}

// isForbiddenIP reports whether ip falls in any of the ranges spec.md
// §4.7 step 1 lists: IPv4 10/8, 127/8, 169.254/16, 172.16/12, 192.168/16,
// 0/8; IPv6 ::1, ::, fc00::/7, fe80::/10.
func isForbiddenIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 127:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		case ip4[0] == 172 && ip4[1] >= 16 && ip4[1] <= 31:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 0:
			return true
		}
		return false
	}

	if ip.Equal(net.IPv6loopback) || ip.Equal(net.IPv6unspecified) {
		return true
	}
	if ip[0]&0xfe == 0xfc { // fc00::/7
		return true
	}
	if ip[0] == 0xfe && ip[1]&0xc0 == 0x80 { // fe80::/10
		return true
	}
	return false
}
