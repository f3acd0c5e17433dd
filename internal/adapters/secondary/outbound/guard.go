// Package outbound holds the secondary adapters for webhook delivery:
// target URL validation, request signing, and the HTTP sender.
package outbound

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"

	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// LookupFunc resolves a hostname to IP addresses. Injected so tests can
// exercise the guard without touching the network.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Guard validates webhook target URLs against network security policy:
// scheme must be http or https and no resolved address may fall in a
// loopback, private, link-local, or otherwise non-public range. Every
// resolved address is checked; one bad address rejects the URL.
type Guard struct {
	lookup LookupFunc
}

var _ ports.URLGuard = (*Guard)(nil)

// NewGuard creates a guard using the default system resolver.
func NewGuard() *Guard {
	return NewGuardWithLookup(systemLookup)
}

// NewGuardWithLookup creates a guard with a custom resolver.
func NewGuardWithLookup(lookup LookupFunc) *Guard {
	return &Guard{lookup: lookup}
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	return addrs, nil
}

// Validate checks rawURL against the policy. Called at registration time
// and again immediately before every delivery attempt, so a DNS record that
// later flips to an internal address is caught before the request is made.
func (g *Guard) Validate(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return apperrors.ErrWebhookURLRequired
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrWebhookURLRejected, err)
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return apperrors.ErrWebhookSchemeInvalid
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", apperrors.ErrWebhookURLRejected)
	}

	// Literal IPs skip resolution.
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := blockedReason(addr); reason != "" {
			return fmt.Errorf("%w: %s address %s", apperrors.ErrWebhookURLRejected, reason, addr)
		}
		return nil
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q: %v", apperrors.ErrWebhookURLRejected, host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q resolves to no addresses", apperrors.ErrWebhookURLRejected, host)
	}

	for _, addr := range addrs {
		if reason := blockedReason(addr); reason != "" {
			return fmt.Errorf("%w: %q resolves to %s address %s",
				apperrors.ErrWebhookURLRejected, host, reason, addr)
		}
	}

	return nil
}

// blockedReason returns a non-empty label when addr falls in a range that
// outbound deliveries must never reach. IPv4-mapped IPv6 addresses are
// unwrapped first so ::ffff:127.0.0.1 cannot slip through.
func blockedReason(addr netip.Addr) string {
	addr = addr.Unmap()

	switch {
	case addr.IsLoopback():
		return "loopback"
	case addr.IsPrivate():
		// 10/8, 172.16/12, 192.168/16 and fc00::/7
		return "private"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		// 169.254/16 includes the cloud metadata endpoint; fe80::/10
		return "link-local"
	case addr.IsUnspecified():
		return "unspecified"
	case addr.IsMulticast():
		return "multicast"
	}
	return ""
}
