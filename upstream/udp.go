package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/wire"
)

// UDPClient implements the UDP upstream client of §4.2: an ephemeral
// socket per request, single retry on timeout if at least half the
// deadline remains, and TCP fallback to the same server when the response
// arrives truncated.
type UDPClient struct {
	addr string
}

// NewUDP returns a UDP client for addr ("host:port").
func NewUDP(addr string) *UDPClient {
	return &UDPClient{addr: addr}
}

func (c *UDPClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	deadline, hasDeadline := ctx.Deadline()
	if !hasDeadline {
		deadline = time.Now().Add(5 * time.Second)
	}

	budget := time.Until(deadline)

	// The first attempt gets half the budget, so a timeout leaves at least
	// half the original deadline for the single retry.
	r, err := c.exchangeUDP(ctx, req, time.Now().Add(budget/2))
	if err != nil {
		if errors.Is(err, ErrTimeout) && ctx.Err() == nil {
			r, err = c.exchangeUDP(ctx, req, deadline)
		}
		if err != nil {
			return nil, err
		}
	}

	if r.Truncated {
		tr, terr := c.exchangeTCP(ctx, req, deadline)
		if terr == nil {
			return tr, classifyRcode(tr)
		}
		return nil, fmt.Errorf("%w: truncated response, tcp fallback failed: %v", ErrProtocolError, terr)
	}

	return r, classifyRcode(r)
}

func (c *UDPClient) exchangeUDP(ctx context.Context, req *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	conn, err := net.Dial("udp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer conn.Close()

	go closeOnDone(ctx, conn)

	wc := &wire.Conn{Conn: conn, UDPSize: dns.MinMsgSize}
	r, _, err := wc.Exchange(req, deadline)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return r, nil
}

func (c *UDPClient) exchangeTCP(ctx context.Context, req *dns.Msg, deadline time.Time) (*dns.Msg, error) {
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer conn.Close()

	go closeOnDone(ctx, conn)

	wc := &wire.Conn{Conn: conn}
	r, _, err := wc.Exchange(req, deadline)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (c *UDPClient) Close() error { return nil }

func closeOnDone(ctx context.Context, conn net.Conn) {
	<-ctx.Done()
	_ = conn.Close()
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	if te, ok := err.(timeouter); ok {
		return te.Timeout()
	}
	return false
}
