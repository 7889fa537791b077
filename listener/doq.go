package listener

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/query"
	"github.com/resolvd/resolvd/wire"
)

const (
	doqMinMsgSize    = 14 // 12 byte DNS header + 2 byte length prefix
	doqMaxMsgSize    = 65535
	doqStreamsPerRun = 32 // per-connection concurrency bound, per §5
)

var doqALPN = []string{"doq"}

// DoQListener serves RFC 9250 DNS-over-QUIC.
type DoQListener struct {
	Addr      string
	Resolve   Resolver
	Access    *accesslist.AccessList
	Limiter   *ClientLimiter
	Deadline  time.Duration
	TLSConfig *tls.Config

	ln *quic.Listener
}

// NewDoQListener builds an unstarted DoQ listener serving cert. Its TLS
// config advertises the "doq" ALPN token and requires TLS 1.3.
func NewDoQListener(addr string, cert tls.Certificate, resolve Resolver) *DoQListener {
	return &DoQListener{
		Addr:    addr,
		Resolve: resolve,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   doqALPN,
			MinVersion:   tls.VersionTLS13,
		},
	}
}

// Start runs the QUIC accept loop; blocks until the listener is closed.
func (l *DoQListener) Start() error {
	quicConfig := &quic.Config{
		MaxIdleTimeout:         30 * time.Second,
		MaxStreamReceiveWindow: doqMaxMsgSize,
		KeepAlivePeriod:        15 * time.Second,
	}

	ln, err := quic.ListenAddr(l.Addr, l.TLSConfig, quicConfig)
	if err != nil {
		logListenerError("doq", l.Addr, err)
		return err
	}
	l.ln = ln

	logListening("doq", l.Addr)

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			logListenerError("doq", l.Addr, err)
			return err
		}
		go l.handleConnection(conn)
	}
}

// Shutdown closes the QUIC listener; in-flight streams end with their
// connection.
func (l *DoQListener) Shutdown(ctx context.Context) error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

func (l *DoQListener) handleConnection(conn *quic.Conn) {
	ip := remoteIP(conn.RemoteAddr())
	if l.Access != nil && !l.Access.Allowed(ip) {
		_ = conn.CloseWithError(0x2, "forbidden")
		return
	}
	if !l.Limiter.Allow(ip) {
		_ = conn.CloseWithError(0x3, "rate limited")
		return
	}

	sem := newSemaphore(doqStreamsPerRun)
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}
		sem.acquire()
		go func() {
			defer sem.release()
			l.handleStream(conn, stream)
		}()
	}
}

func (l *DoQListener) handleStream(conn *quic.Conn, stream *quic.Stream) {
	defer stream.Close()

	buf, err := io.ReadAll(io.LimitReader(stream, doqMaxMsgSize))
	if err != nil || len(buf) < doqMinMsgSize {
		return
	}

	msgLen := binary.BigEndian.Uint16(buf[:2])
	if int(msgLen) != len(buf)-2 {
		return
	}

	req, err := wire.Decode(buf[2:])
	if err != nil {
		return
	}
	// RFC 9250 §4.2.1: the transaction id is zero on the wire. The query
	// gets a fresh id for internal use; the reply is sent with id 0.
	req.Id = dns.Id()

	q := query.FromMsg(req, conn.RemoteAddr(), "doq", traceID(), time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), deadlineFor(l.Deadline))
	defer cancel()

	ans := l.Resolve(ctx, q)
	reply := ans.ToMsg(req)
	reply.Id = 0

	packed, err := wire.Encode(reply)
	if err != nil {
		_ = conn.CloseWithError(0x1, "pack error")
		return
	}

	out := make([]byte, 2+len(packed))
	binary.BigEndian.PutUint16(out, uint16(len(packed)))
	copy(out[2:], packed)

	_, _ = stream.Write(out)
}
