package upstream

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

var doqALPN = []string{"doq"}

const doqMaxMsgSize = 65535

// Endpoint is one shared UDP socket reused across every DoQ upstream
// server, per §9's QUIC endpoint reuse note: one OS-level socket, many
// logical connections. A single Endpoint is created per local bind
// address and handed to every DoQClient.
type Endpoint struct {
	transport *quic.Transport
}

// NewEndpoint binds a UDP socket at localAddr (":0" for an ephemeral port)
// and wraps it in a quic.Transport shared by all DoQ clients using it.
func NewEndpoint(localAddr string) (*Endpoint, error) {
	udpConn, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, err
	}
	return &Endpoint{transport: &quic.Transport{Conn: udpConn}}, nil
}

func (e *Endpoint) Close() error {
	return e.transport.Close()
}

// DoQClient implements the DNS-over-QUIC client of §4.2: a connection per
// server, shared Endpoint, a fresh bidirectional stream per query, framed
// per RFC 9250 with a zero transaction id on the wire.
type DoQClient struct {
	endpoint *Endpoint
	addr     string
	sni      string

	mu   sync.Mutex
	conn *quic.Conn
}

// NewDoQ returns a DoQ client for addr, dialed lazily over endpoint.
func NewDoQ(endpoint *Endpoint, addr, sni string) *DoQClient {
	return &DoQClient{endpoint: endpoint, addr: addr, sni: sni}
}

func (c *DoQClient) Resolve(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		c.drop()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	defer stream.Close()

	// RFC 9250: the transaction id MUST be zero on the wire; we restore
	// the client's original id on the decoded reply below.
	origID := req.Id
	req.Id = 0
	body, err := req.Pack()
	req.Id = origID
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}

	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame, uint16(len(body)))
	copy(frame[2:], body)

	if _, err := stream.Write(frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	_ = stream.Close()

	respBuf, err := io.ReadAll(io.LimitReader(stream, doqMaxMsgSize))
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if len(respBuf) < 2 {
		return nil, fmt.Errorf("%w: short response", ErrProtocolError)
	}

	r := new(dns.Msg)
	if err := r.Unpack(respBuf[2:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolError, err)
	}
	r.Id = origID

	return r, classifyRcode(r)
}

func (c *DoQClient) getConn(ctx context.Context) (*quic.Conn, error) {
	c.mu.Lock()
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	udpAddr, err := net.ResolveUDPAddr("udp", c.addr)
	if err != nil {
		return nil, err
	}

	tlsConf := &tls.Config{ServerName: c.sni, NextProtos: doqALPN, MinVersion: tls.VersionTLS13}
	quicConf := &quic.Config{MaxIdleTimeout: 30 * time.Second, KeepAlivePeriod: 15 * time.Second}

	conn, err := c.endpoint.transport.Dial(ctx, udpAddr, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	return conn, nil
}

func (c *DoQClient) drop() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.CloseWithError(0, "")
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *DoQClient) Close() error {
	c.drop()
	return nil
}
