// Package upstream implements the per-protocol upstream clients of §4.2:
// one uniform Resolve operation per transport (UDP, DoT, DoH, DoQ), each
// with its own connection or endpoint reuse strategy.
package upstream

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
)

// Protocol identifies an upstream transport.
type Protocol string

const (
	ProtoUDP Protocol = "udp"
	ProtoDoT Protocol = "dot"
	ProtoDoH Protocol = "doh"
	ProtoDoQ Protocol = "doq"
)

// Error kinds per §4.2. Wrapped with fmt.Errorf by clients so the pool can
// distinguish them with errors.Is.
var (
	ErrTimeout          = errors.New("upstream: timeout")
	ErrConnectionFailed = errors.New("upstream: connection failed")
	ErrProtocolError    = errors.New("upstream: protocol error")
	ErrRemoteServFail   = errors.New("upstream: remote servfail")
)

// Client is the uniform operation every protocol client exposes.
type Client interface {
	// Resolve sends req and returns the decoded reply, honoring ctx's
	// deadline. Implementations cancel in-flight I/O and free their
	// transport slot when ctx is done.
	Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error)
	// Close releases any pooled connections/endpoints held by the client.
	Close() error
}

// Server describes one configured UpstreamServer's dial target.
type Server struct {
	ID       string
	Name     string
	Protocol Protocol
	Address  string // host:port; for DoH, the https:// URL
	Timeout  time.Duration
	// RateLimitQPS optionally caps queries/second dispatched to this
	// server; 0 disables limiting. Supplements §3's UpstreamServer model
	// per the per-upstream rate limiting carried from the original's
	// upstream.rs.
	RateLimitQPS int
}

func classifyRcode(r *dns.Msg) error {
	if r.Rcode == dns.RcodeServerFailure {
		return ErrRemoteServFail
	}
	return nil
}
