package outbound

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	apperrors "github.com/lorrc/event-gateway/internal/core/errors"
	"github.com/lorrc/event-gateway/internal/core/ports"
)

// HTTPSender posts webhook payloads. Its dialer re-checks the address the
// connection actually targets, so a hostname that re-resolves to an internal
// address between validation and dialing is still refused.
type HTTPSender struct {
	client *http.Client
}

var _ ports.DeliverySender = (*HTTPSender)(nil)

// NewHTTPSender creates a sender with the given per-attempt timeout.
func NewHTTPSender(timeout time.Duration) *HTTPSender {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: controlGuard,
	}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        32,
		IdleConnTimeout:     60 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Connections to arbitrary subscriber hosts are not worth pooling
		// aggressively.
		MaxIdleConnsPerHost: 2,
	}

	return &HTTPSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects could bounce a request into an internal range after
			// validation passed; refuse to follow them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// controlGuard runs after the OS has picked the concrete remote address and
// before the connection is established.
func controlGuard(network, address string, _ syscall.RawConn) error {
	addrPort, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: unparseable dial address %q", apperrors.ErrWebhookURLRejected, address)
	}
	if reason := blockedReason(addrPort.Addr()); reason != "" {
		return fmt.Errorf("%w: dial to %s address %s refused",
			apperrors.ErrWebhookURLRejected, reason, addrPort.Addr())
	}
	return nil
}

// Send POSTs body to url with the given headers and returns the response
// status code. The response body is drained and discarded; only the status
// matters to the retry policy.
func (s *HTTPSender) Send(ctx context.Context, url string, headers map[string]string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build delivery request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, apperrors.ErrDeliveryTimeout
		}
		return 0, fmt.Errorf("send delivery request: %w", err)
	}
	defer resp.Body.Close()

	// Drain a bounded amount so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}
