package security

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrEgressBlocked is returned for outbound destinations the policy refuses.
var ErrEgressBlocked = errors.New("egress destination blocked")

// EgressPolicy decides which hosts outbound deliveries may reach.
type EgressPolicy struct {
	// AllowedHosts restricts deliveries to these hostnames when non-empty.
	AllowedHosts []string
	// AllowPrivate permits loopback and RFC 1918 / RFC 4193 addresses.
	AllowPrivate bool
}

// EgressGuard enforces an EgressPolicy at URL validation time and again on
// every dial, so a hostname that later resolves to a blocked address is
// still refused.
type EgressGuard struct {
	policy  EgressPolicy
	allowed map[string]bool
}

// NewEgressGuard creates a guard for p.
func NewEgressGuard(p EgressPolicy) *EgressGuard {
	allowed := make(map[string]bool, len(p.AllowedHosts))
	for _, h := range p.AllowedHosts {
		allowed[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &EgressGuard{policy: p, allowed: allowed}
}

// ValidateURL checks scheme, host allowlist and, for literal IPs, the address.
func (g *EgressGuard) ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrEgressBlocked, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("invalid URL: missing host")
	}
	if len(g.allowed) > 0 && !g.allowed[host] {
		return fmt.Errorf("%w: host %s not in allowlist", ErrEgressBlocked, host)
	}
	if host == "localhost" && !g.policy.AllowPrivate {
		return fmt.Errorf("%w: %s", ErrEgressBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		return g.CheckIP(ip)
	}
	return nil
}

// CheckIP refuses unspecified, multicast and link-local addresses (which
// include the cloud metadata endpoint) always, and private or loopback
// addresses unless the policy allows them.
func (g *EgressGuard) CheckIP(ip net.IP) error {
	switch {
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("%w: %s", ErrEgressBlocked, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local %s", ErrEgressBlocked, ip)
	case !g.policy.AllowPrivate && (ip.IsLoopback() || ip.IsPrivate()):
		return fmt.Errorf("%w: private %s", ErrEgressBlocked, ip)
	}
	return nil
}

// Client returns an HTTP client whose dialer checks every resolved address.
func (g *EgressGuard) Client(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				host = address
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("%w: unresolved address %q", ErrEgressBlocked, address)
			}
			return g.CheckIP(ip)
		},
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}
