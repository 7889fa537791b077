package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/wire"
)

const (
	dotIdleTimeout   = 30 * time.Second
	dotBackoffBase   = 100 * time.Millisecond
	dotBackoffCap    = 5 * time.Second
	dotBackoffFactor = 4
)

// DoTClient implements the DNS-over-TLS client of §4.2: a connection pool
// keyed by server identifier, with SNI set to the server hostname and
// bounded reconnect backoff (100ms, 400ms, 1.6s, cap 5s). Queries are
// pipelined over the one held connection and demultiplexed by
// transaction id, so concurrent callers never block behind one another's
// round trip.
type DoTClient struct {
	addr string
	sni  string

	mu      sync.Mutex
	conn    *pipelinedConn
	lastUse time.Time
}

// NewDoT returns a DoT client dialing addr with TLS SNI=sni.
func NewDoT(addr, sni string) *DoTClient {
	return &DoTClient{addr: addr, sni: sni}
}

func (c *DoTClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	conn, err := c.getConn(ctx, deadline)
	if err != nil {
		return nil, err
	}

	r, err := conn.exchange(ctx, req, deadline)
	if err != nil {
		c.dropIfCurrent(conn)
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.mu.Lock()
	c.lastUse = time.Now()
	c.mu.Unlock()

	return r, classifyRcode(r)
}

// getConn returns the held connection if it is live and not idle-expired,
// otherwise dials a fresh one.
func (c *DoTClient) getConn(ctx context.Context, deadline time.Time) (*pipelinedConn, error) {
	c.mu.Lock()
	if c.conn != nil && !c.conn.dead() && time.Since(c.lastUse) < dotIdleTimeout {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	return c.dialWithBackoff(ctx, deadline)
}

func (c *DoTClient) dialWithBackoff(ctx context.Context, deadline time.Time) (*pipelinedConn, error) {
	backoff := dotBackoffBase
	var lastErr error

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		dialer := &net.Dialer{}
		hostname := c.sni
		if hostname == "" {
			hostname = strings.Split(c.addr, ":")[0]
		}

		rawConn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			lastErr = err
		} else {
			tlsConn := tls.Client(rawConn, &tls.Config{ServerName: hostname, MinVersion: tls.VersionTLS12})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				lastErr = err
			} else {
				pc := newPipelinedConn(&wire.Conn{Conn: tlsConn})
				c.mu.Lock()
				c.conn = pc
				c.lastUse = time.Now()
				c.mu.Unlock()
				return pc, nil
			}
		}

		if time.Now().Add(backoff).After(deadline) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, lastErr)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		backoff *= dotBackoffFactor
		if backoff > dotBackoffCap {
			backoff = dotBackoffCap
		}
	}
}

// dropIfCurrent closes conn and clears it if it is still the held
// connection, so a failure on one caller's exchange doesn't yank the
// connection out from under a different caller's in-flight pipelined
// query that might still succeed.
func (c *DoTClient) dropIfCurrent(conn *pipelinedConn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func (c *DoTClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// pipelinedConn multiplexes concurrent queries over one TLS connection,
// matching replies to requests by transaction id per §4.2's pipelining
// requirement. One reader goroutine owns all reads off the connection;
// writes are serialized so two callers' frames can't interleave on the
// wire.
type pipelinedConn struct {
	wc *wire.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint16]chan *dns.Msg
	err     error
}

func newPipelinedConn(wc *wire.Conn) *pipelinedConn {
	pc := &pipelinedConn{wc: wc, pending: map[uint16]chan *dns.Msg{}}
	go pc.readLoop()
	return pc
}

func (pc *pipelinedConn) readLoop() {
	for {
		m, err := pc.wc.ReadMsg()
		if err != nil {
			pc.fail(err)
			return
		}

		pc.mu.Lock()
		ch, ok := pc.pending[m.Id]
		if ok {
			delete(pc.pending, m.Id)
		}
		pc.mu.Unlock()

		if ok {
			ch <- m
		}
		// A reply with no matching waiter (already timed out, or a stray
		// retransmit) is dropped.
	}
}

func (pc *pipelinedConn) fail(err error) {
	pc.mu.Lock()
	pc.err = err
	pending := pc.pending
	pc.pending = map[uint16]chan *dns.Msg{}
	pc.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

func (pc *pipelinedConn) dead() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.err != nil
}

// exchange writes m and waits for the reply carrying the same id,
// honoring both ctx and deadline. Concurrent callers on the same
// pipelinedConn each get their own wait channel keyed by id, so one
// slow reply never blocks another caller's faster one.
func (pc *pipelinedConn) exchange(ctx context.Context, m *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	ch := make(chan *dns.Msg, 1)

	pc.mu.Lock()
	if pc.err != nil {
		err := pc.err
		pc.mu.Unlock()
		return nil, err
	}
	pc.pending[m.Id] = ch
	pc.mu.Unlock()

	pc.writeMu.Lock()
	err := pc.wc.WriteMsg(m)
	pc.writeMu.Unlock()

	if err != nil {
		pc.mu.Lock()
		delete(pc.pending, m.Id)
		pc.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r, ok := <-ch:
		if !ok {
			pc.mu.Lock()
			err := pc.err
			pc.mu.Unlock()
			return nil, err
		}
		return r, nil
	case <-ctx.Done():
		pc.mu.Lock()
		delete(pc.pending, m.Id)
		pc.mu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		pc.mu.Lock()
		delete(pc.pending, m.Id)
		pc.mu.Unlock()
		return nil, context.DeadlineExceeded
	}
}

func (pc *pipelinedConn) Close() error {
	return pc.wc.Close()
}
