package netguard

import (
	"net"
	"testing"
)

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		addr    string
		private bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.1", true},
		{"172.16.3.4", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true}, // link-local, cloud metadata
		{"100.64.0.1", true},      // carrier-grade NAT
		{"100.127.255.255", true},
		{"100.128.0.1", false}, // just past the CGNAT range
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"2606:4700::1111", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			ip := net.ParseIP(tt.addr)
			if ip == nil {
				t.Fatalf("bad fixture address %q", tt.addr)
			}
			if got := IsPrivateIP(ip); got != tt.private {
				t.Errorf("IsPrivateIP(%s) = %v, want %v", tt.addr, got, tt.private)
			}
		})
	}
	if IsPrivateIP(nil) {
		t.Error("nil IP reported private")
	}
}

func TestIsBlockedHostname(t *testing.T) {
	tests := []struct {
		hostname string
		blocked  bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost.", true},
		{"metadata.google.internal", true},
		{"foo.localhost", true},
		{"printer.local", true},
		{"db.prod.internal", true},
		{"example.com", false},
		{"internal-docs.example.com", false}, // suffix match, not substring
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBlockedHostname(tt.hostname); got != tt.blocked {
			t.Errorf("IsBlockedHostname(%q) = %v, want %v", tt.hostname, got, tt.blocked)
		}
	}
}

func TestValidateURL(t *testing.T) {
	// IP-literal and blocked-name cases only, so no DNS resolution happens.
	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{name: "public ip", url: "http://93.184.216.34/page", blocked: false},
		{name: "https public ip", url: "https://93.184.216.34/", blocked: false},
		{name: "loopback", url: "http://127.0.0.1:8080/admin", blocked: true},
		{name: "private ten net", url: "http://10.1.2.3/", blocked: true},
		{name: "link local metadata", url: "http://169.254.169.254/latest/meta-data/", blocked: true},
		{name: "cgnat", url: "http://100.64.10.10/", blocked: true},
		{name: "ipv6 loopback", url: "http://[::1]/", blocked: true},
		{name: "localhost", url: "http://localhost:3000/", blocked: true},
		{name: "internal suffix", url: "https://vault.corp.internal/secrets", blocked: true},
		{name: "file scheme", url: "file:///etc/passwd", blocked: true},
		{name: "ftp scheme", url: "ftp://93.184.216.34/", blocked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.blocked && err == nil {
				t.Errorf("ValidateURL(%q) allowed", tt.url)
			}
			if !tt.blocked && err != nil {
				t.Errorf("ValidateURL(%q) = %v", tt.url, err)
			}
		})
	}
}
