// Package netguard validates URLs and resolved addresses for outbound
// fetches so tool traffic cannot reach private or internal endpoints.
package netguard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// BlockedError is returned when a URL, hostname, or resolved address is
// refused by the guard rules.
type BlockedError struct {
	Message string
}

func (e *BlockedError) Error() string { return e.Message }

// blockedHostnames are always refused regardless of resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// dangerousSuffixes indicate internal or link-local resources.
var dangerousSuffixes = []string{".localhost", ".local", ".internal"}

func normalizeHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSpace(hostname))
	h = strings.TrimSuffix(h, ".")
	if strings.HasPrefix(h, "[") && strings.HasSuffix(h, "]") {
		h = h[1 : len(h)-1]
	}
	return h
}

// IsPrivateIP reports whether ip is loopback, private, link-local,
// unspecified, or carrier-grade NAT space.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	// 100.64.0.0/10 carrier-grade NAT
	if v4 := ip.To4(); v4 != nil {
		if v4[0] == 100 && v4[1] >= 64 && v4[1] <= 127 {
			return true
		}
		if v4[0] == 0 {
			return true
		}
	}
	return false
}

// IsBlockedHostname reports whether a hostname is refused outright.
func IsBlockedHostname(hostname string) bool {
	h := normalizeHostname(hostname)
	if h == "" {
		return false
	}
	if blockedHostnames[h] {
		return true
	}
	for _, suffix := range dangerousSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// ValidateHostname checks that a hostname is safe for an external request:
// not blocked, not a private literal, and not resolving to a private IP.
func ValidateHostname(hostname string) error {
	h := normalizeHostname(hostname)
	if h == "" {
		return &BlockedError{Message: "blocked: empty hostname"}
	}
	if IsBlockedHostname(h) {
		return &BlockedError{Message: "blocked hostname: " + hostname}
	}
	if ip := net.ParseIP(h); ip != nil {
		if IsPrivateIP(ip) {
			return &BlockedError{Message: "blocked: private/internal IP address"}
		}
		return nil
	}
	ips, err := net.LookupIP(h)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("unable to resolve hostname %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return &BlockedError{Message: "blocked: resolves to private/internal IP address"}
		}
	}
	return nil
}

// ValidateURL checks the scheme and hostname of a URL. Only http and https
// are permitted. Every redirect hop must be re-validated by the caller.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &BlockedError{Message: "blocked: unsupported scheme " + u.Scheme}
	}
	return ValidateHostname(u.Hostname())
}
