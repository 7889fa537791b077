package listener

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/query"
)

// udpConcurrency and tcpConcurrency are the per-listener in-flight caps of
// §5; DoT shares the TCP cap since it is TCP plus a TLS handshake.
const (
	udpConcurrency = 1024
	tcpConcurrency = 32
)

// DNSListener serves classic UDP/TCP and DoT, all via *dns.Server, which
// differ only in their Net value and an optional TLS config.
type DNSListener struct {
	Addr      string
	Net       string // "udp", "tcp", or "tcp-tls"
	Resolve   Resolver
	Access    *accesslist.AccessList
	Limiter   *ClientLimiter
	Deadline  time.Duration
	TLSConfig *tls.Config // required when Net == "tcp-tls"

	srv *dns.Server
	sem semaphore
}

// NewDNSListener builds an unstarted listener for the given network.
func NewDNSListener(addr, network string, resolve Resolver) *DNSListener {
	cap := udpConcurrency
	if network != "udp" {
		cap = tcpConcurrency
	}
	return &DNSListener{
		Addr:    addr,
		Net:     network,
		Resolve: resolve,
		sem:     newSemaphore(cap),
	}
}

// ServeDNS implements dns.Handler. It gates on the access list, bounds
// concurrency via sem, and converts the miekg message into a query.Query
// for the Resolver.
func (l *DNSListener) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ip := remoteIP(w.RemoteAddr())
	if l.Access != nil && !l.Access.Allowed(ip) {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		_ = w.WriteMsg(m)
		return
	}
	if !l.Limiter.Allow(ip) {
		return // no reply, matching a dropped UDP datagram
	}

	l.sem.acquire()
	defer l.sem.release()

	proto := l.Net
	if proto == "tcp-tls" {
		proto = "dot"
	}

	q := query.FromMsg(r, w.RemoteAddr(), proto, traceID(), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), deadlineFor(l.Deadline))
	defer cancel()

	ans := l.Resolve(ctx, q)
	_ = w.WriteMsg(ans.ToMsg(r))
}

// Start runs the listener's accept loop; it blocks until ListenAndServe
// returns and logs the terminal error, matching the teacher's
// fire-and-forget per-protocol goroutine pattern.
func (l *DNSListener) Start() {
	l.srv = &dns.Server{
		Addr:          l.Addr,
		Net:           l.Net,
		Handler:       l,
		MaxTCPQueries: 2048,
		ReusePort:     l.Net == "udp",
		TLSConfig:     l.TLSConfig,
	}

	logListening(l.Net, l.Addr)
	if err := l.srv.ListenAndServe(); err != nil {
		logListenerError(l.Net, l.Addr, err)
	}
}

// Shutdown stops accepting new connections and waits for in-flight ones
// to drain, honoring ctx's deadline.
func (l *DNSListener) Shutdown(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	return l.srv.ShutdownContext(ctx)
}
