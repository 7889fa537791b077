package listener

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/query"
	"github.com/resolvd/resolvd/wire"
)

// dohConcurrency bounds in-flight DoH requests; http.Server already bounds
// connections via its own accept loop, so this only caps simultaneous
// pipeline dispatches.
const dohConcurrency = 512

// DoHListener serves RFC 8484 DNS-over-HTTPS, wire format only (no JSON
// API, which is an out-of-scope debugging convenience on the teacher).
type DoHListener struct {
	Addr      string
	Resolve   Resolver
	Access    *accesslist.AccessList
	Limiter   *ClientLimiter
	Deadline  time.Duration
	TLSConfig *tls.Config

	srv *http.Server
	sem semaphore
}

// NewDoHListener builds an unstarted DoH listener.
func NewDoHListener(addr string, resolve Resolver) *DoHListener {
	return &DoHListener{Addr: addr, Resolve: resolve, sem: newSemaphore(dohConcurrency)}
}

func (l *DoHListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r.RemoteAddr)
	if l.Access != nil && !l.Access.Allowed(ip) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	if !l.Limiter.Allow(ip) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}

	if r.Method == http.MethodPost && r.Header.Get("Content-Type") != "application/dns-message" {
		http.Error(w, http.StatusText(http.StatusUnsupportedMediaType), http.StatusUnsupportedMediaType)
		return
	}

	buf, err := readDNSMessage(r)
	if err != nil || len(buf) == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req, err := wire.Decode(buf)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	l.sem.acquire()
	defer l.sem.release()

	remote := &net.TCPAddr{IP: ip}
	q := query.FromMsg(req, remote, "doh", traceID(), time.Now())

	ctx, cancel := context.WithTimeout(r.Context(), deadlineFor(l.Deadline))
	defer cancel()

	ans := l.Resolve(ctx, q)
	reply := ans.ToMsg(req)

	packed, err := wire.Encode(reply)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/dns-message")
	w.Header().Set("Cache-Control", cacheControlFor(reply))
	_, _ = w.Write(packed)
}

// readDNSMessage extracts the wire-format body from a GET (base64url
// "dns" query param) or POST (raw body) request per RFC 8484.
func readDNSMessage(r *http.Request) ([]byte, error) {
	switch r.Method {
	case http.MethodGet:
		return base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
	case http.MethodPost:
		defer r.Body.Close()
		return io.ReadAll(io.LimitReader(r.Body, 65535))
	default:
		return nil, wire.ErrMessageTooLarge
	}
}

// cacheControlFor computes max-age from the lowest TTL across the reply's
// answer section, matching the minimum-ttl directive of RFC 8484 §5.1.
func cacheControlFor(m *dns.Msg) string {
	min := uint32(0)
	have := false
	for _, rr := range m.Answer {
		ttl := rr.Header().Ttl
		if !have || ttl < min {
			min = ttl
			have = true
		}
	}
	if !have {
		return "max-age=0"
	}
	return "max-age=" + strconv.FormatUint(uint64(min), 10)
}

func clientIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

// Start runs the HTTPS accept loop; blocks until the server stops.
func (l *DoHListener) Start() {
	l.srv = &http.Server{
		Addr:         l.Addr,
		Handler:      l,
		TLSConfig:    l.TLSConfig,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	logListening("doh", l.Addr)

	var err error
	if l.TLSConfig != nil {
		err = l.srv.ListenAndServeTLS("", "")
	} else {
		err = l.srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		logListenerError("doh", l.Addr, err)
	}
}

// Shutdown drains in-flight requests per ctx's deadline.
func (l *DoHListener) Shutdown(ctx context.Context) error {
	if l.srv == nil {
		return nil
	}
	return l.srv.Shutdown(ctx)
}
