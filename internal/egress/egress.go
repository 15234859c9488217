// Package egress enforces the outbound-network kill-switch: unless
// egress is explicitly allowed, any dial to a non-local host is refused
// at the transport layer. The ntfy notifier is built on a gated
// http.Transport from this package. The MinIO backend's client uses
// minio-go's own transport and is not gated by this policy.
package egress

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrBlocked is returned by the gated dialer for any destination the
// policy refuses.
var ErrBlocked = errors.New("egress blocked by policy")

// Policy decides which outbound destinations are dialable.
type Policy struct {
	// Allow permits all egress when true (ALLOW_EGRESS=1).
	Allow bool
	// AllowedSuffixes lists host suffixes permitted even when Allow is
	// false, e.g. model-host domains under ALLOW_HF_EGRESS.
	AllowedSuffixes []string
}

// NewPolicy builds a Policy from the process configuration flags.
func NewPolicy(allowEgress, allowHFEgress bool) *Policy {
	p := &Policy{Allow: allowEgress}
	if allowHFEgress {
		p.AllowedSuffixes = append(p.AllowedSuffixes, "huggingface.co", "hf.co")
	}
	return p
}

// Permits reports whether the policy allows dialing host. Loopback and
// unspecified hosts are always local and always permitted.
func (p *Policy) Permits(host string) bool {
	if isLocalHost(host) {
		return true
	}
	if p.Allow {
		return true
	}
	for _, suffix := range p.AllowedSuffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

func isLocalHost(host string) bool {
	if host == "localhost" || host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback() || ip.IsUnspecified() || ip.IsPrivate()
	}
	return false
}

// DialContext wraps a base dialer with the policy check. The address is
// validated before any packet leaves the process.
func (p *Policy) DialContext(base func(ctx context.Context, network, addr string) (net.Conn, error)) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if base == nil {
		d := &net.Dialer{Timeout: 10 * time.Second}
		base = d.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if !p.Permits(host) {
			return nil, fmt.Errorf("%w: %s", ErrBlocked, host)
		}
		return base(ctx, network, addr)
	}
}

// HTTPClient returns an http.Client whose every connection passes
// through the gated dialer.
func (p *Policy) HTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = p.DialContext(nil)
	return &http.Client{Transport: transport, Timeout: timeout}
}
