// Package listener implements the front-end adapters of §4.8: one per
// wire protocol (UDP, DoT, DoH, DoQ), each translating its transport's
// framing into a query.Query, running it through a Resolver, and writing
// back the resulting query.Answer.
package listener

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net"
	"time"

	"github.com/semihalev/zlog/v2"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/query"
)

// Resolver is what every listener adapter drives a decoded query through.
// *pipeline.Pipeline satisfies this without an import cycle.
type Resolver func(ctx context.Context, q *query.Query) *query.Answer

// gate wraps the optional per-listener access list check shared by every
// adapter: a nil or empty list allows everyone.
type gate struct {
	list *accesslist.AccessList
}

func (g gate) allowed(addr net.IP) bool {
	if g.list == nil {
		return true
	}
	return g.list.Allowed(addr)
}

// semaphore bounds in-flight queries per listener, per §5's per-protocol
// concurrency caps (UDP 1024 and TCP/DoT 32 per listener, DoQ 32 per
// connection).
type semaphore chan struct{}

func newSemaphore(n int) semaphore {
	return make(semaphore, n)
}

func (s semaphore) acquire() { s <- struct{}{} }
func (s semaphore) release() { <-s }

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.TCPAddr:
		return a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return nil
		}
		return net.ParseIP(host)
	}
}

func traceID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func logListenerError(proto, addr string, err error) {
	zlog.Error("listener failed", "proto", proto, "addr", addr, "error", err)
}

func logListening(proto, addr string) {
	zlog.Info("listener started", "proto", proto, "addr", addr)
}

// deadlineFor bounds a per-query context beyond the pipeline's own
// deadline, as a last-resort guard against a Resolver that never returns.
func deadlineFor(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}
