package security

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"agentswarm/internal/domain"
)

// blockedPrefixes are address ranges agents may not reach: private networks,
// loopback, link-local (cloud metadata), CGNAT, multicast and reserved space.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/3"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsPrivateIP reports whether ip lies in a blocked range. IPv4-mapped IPv6
// addresses are checked as IPv4.
func IsPrivateIP(ip net.IP) bool {
	addr, ok := netip.AddrFromSlice(ip)
	return !ok || blocked(addr)
}

func blocked(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// URLPolicy decides which outbound URLs the net and browser executors may
// reach. AllowPrivate turns the address check off for local development;
// the scheme check always applies.
type URLPolicy struct {
	AllowPrivate bool
}

func ssrfError(op, format string, args ...any) error {
	return domain.NewDomainError(op, domain.ErrSSRFBlocked, fmt.Sprintf(format, args...))
}

// Validate rejects anything but http(s) URLs with a host and, unless
// AllowPrivate is set, hosts that resolve to a blocked address.
func (p URLPolicy) Validate(ctx context.Context, rawURL string) error {
	const op = "URLPolicy.Validate"
	u, err := url.Parse(rawURL)
	if err != nil {
		return ssrfError(op, "invalid URL: %v", err)
	}
	if s := strings.ToLower(u.Scheme); s != "http" && s != "https" {
		return ssrfError(op, "scheme %q not allowed, only http and https", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return ssrfError(op, "URL has no host")
	}
	if p.AllowPrivate {
		return nil
	}
	_, err = resolvePublic(ctx, op, host)
	return err
}

// resolvePublic resolves host and fails if any of its addresses is blocked.
// Checking every address stops a name that mixes public and private records.
func resolvePublic(ctx context.Context, op, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		if blocked(addr) {
			return nil, ssrfError(op, "address %s is private or reserved", addr)
		}
		return []netip.Addr{addr}, nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, ssrfError(op, "resolve %s: %v", host, err)
	}
	if len(addrs) == 0 {
		return nil, ssrfError(op, "%s has no addresses", host)
	}
	for _, a := range addrs {
		if blocked(a) {
			return nil, ssrfError(op, "%s resolves to private address %s", host, a.Unmap())
		}
	}
	return addrs, nil
}

// Transport returns an HTTP transport that resolves and checks each host
// again at dial time and connects to the checked address, so a DNS answer
// that changes after Validate cannot redirect the connection.
func (p URLPolicy) Transport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if p.AllowPrivate {
		return t
	}
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		addrs, err := resolvePublic(ctx, "URLPolicy.Dial", host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, network, net.JoinHostPort(addrs[0].Unmap().String(), port))
	}
	return t
}
