// Package dispatch executes one HTTP request per scheduled tick: SSRF
// validation, per-tenant HMAC signing, bounded transport, structured outcome.
// The dispatcher holds no persistent state and never retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"syscall"
)

// ErrBlocked is wrapped by all SSRF rejections.
var ErrBlocked = errors.New("address blocked")

// Resolver is the subset of net.Resolver the validator uses. Tests
// substitute a fake to simulate DNS answers.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

// Validator rejects URLs whose scheme is not http(s) or whose host resolves
// to a private, loopback, link-local or otherwise non-routable range. It is
// monotone in the deny list: adding ranges can only reject more.
//
// Resolution-time checks alone do not stop DNS rebinding (the answer can
// change between validation and dial), so the validator also provides
// DialControl, a dialer hook that re-checks the literal address actually
// being dialed.
type Validator struct {
	resolver Resolver
}

// NewValidator builds a Validator. A nil resolver uses net.DefaultResolver.
func NewValidator(resolver Resolver) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Validator{resolver: resolver}
}

// ValidateURL parses raw and rejects blocked schemes, hostnames and resolved
// addresses. Both A and AAAA answers are checked; one blocked address fails
// the whole URL.
func (v *Validator) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrBlocked)
	}
	if blockedHostname(host) {
		return fmt.Errorf("%w: hostname %q", ErrBlocked, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("%w: address %s", ErrBlocked, ip)
		}
		return nil
	}
	ips, err := v.resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %v", ErrBlocked, host, err)
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return fmt.Errorf("%w: %q resolves to %s", ErrBlocked, host, ip)
		}
	}
	return nil
}

// DialControl is a net.Dialer.Control hook that re-checks the address being
// dialed. It closes the rebinding window left open by resolution-time
// validation.
func (v *Validator) DialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: dial to unresolved host %q", ErrBlocked, host)
	}
	if blockedIP(ip) {
		return fmt.Errorf("%w: dial to %s", ErrBlocked, ip)
	}
	return nil
}

func blockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	return h == "localhost" ||
		strings.HasSuffix(h, ".localhost") ||
		strings.HasPrefix(h, "localhost.")
}

func blockedIP(ip net.IP) bool {
	// Unwrap IPv4-mapped IPv6 so ::ffff:10.0.0.1 is judged as 10.0.0.1.
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 0: // 0.0.0.0/8 current network
			return true
		case ip4.Equal(net.IPv4bcast):
			return true
		}
		ip = ip4
	}
	switch {
	case ip.IsLoopback(),
		ip.IsUnspecified(),
		ip.IsPrivate(), // 10/8, 172.16/12, 192.168/16, fc00::/7
		ip.IsLinkLocalUnicast(), // 169.254/16 incl. metadata, fe80::/10
		ip.IsLinkLocalMulticast():
		return true
	}
	return false
}
