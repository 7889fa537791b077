// Package wire implements the DNS message codec and TCP/DoT framing used
// by both the listener adapters and the upstream clients, per §4.1 of the
// resolver specification. Decoding and encoding themselves are delegated
// to github.com/miekg/dns; this package supplies the length-prefixed
// stream framing and buffer pooling around it.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// ErrMessageTooLarge is returned by WriteMsg when a packed message exceeds
// the DNS wire limit.
var ErrMessageTooLarge = errors.New("wire: message too large")

// Conn wraps a net.Conn with the length-prefixed TCP/DoT framing and plain
// single-datagram UDP framing, matching RFC 1035 §4.2.2 and RFC 7858.
type Conn struct {
	net.Conn
	UDPSize uint16
}

// Exchange writes m and reads the matching reply, honoring deadline.
func (c *Conn) Exchange(m *dns.Msg, deadline time.Time) (*dns.Msg, time.Duration, error) {
	if !deadline.IsZero() {
		_ = c.SetDeadline(deadline)
	}

	start := time.Now()
	if err := c.WriteMsg(m); err != nil {
		return nil, 0, err
	}

	r, err := c.ReadMsg()
	rtt := time.Since(start)
	if err != nil {
		return nil, rtt, err
	}
	if r.Id != m.Id {
		return nil, rtt, dns.ErrId
	}
	return r, rtt, nil
}

// ReadMsg reads one framed message: a single datagram over UDP, or a
// 2-byte big-endian length prefix followed by that many bytes over TCP.
func (c *Conn) ReadMsg() (*dns.Msg, error) {
	var buf []byte

	if _, isPacket := c.Conn.(net.PacketConn); isPacket {
		size := c.UDPSize
		if size < dns.MinMsgSize {
			size = dns.MinMsgSize
		}
		buf = AcquireBuf(size)
		defer ReleaseBuf(buf)

		n, err := c.Conn.Read(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[:n]
	} else {
		var length uint16
		if err := binary.Read(c.Conn, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		buf = AcquireBuf(length)
		defer ReleaseBuf(buf)

		if _, err := io.ReadFull(c.Conn, buf); err != nil {
			return nil, err
		}
	}

	if len(buf) < 12 {
		return nil, dns.ErrShortRead
	}

	m := new(dns.Msg)
	if err := m.Unpack(buf); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteMsg packs m and writes it framed per the underlying transport.
func (c *Conn) WriteMsg(m *dns.Msg) error {
	out, err := m.Pack()
	if err != nil {
		return err
	}

	if len(out) > dns.MaxMsgSize {
		return ErrMessageTooLarge
	}

	if _, isPacket := c.Conn.(net.PacketConn); isPacket {
		_, err = c.Conn.Write(out)
		return err
	}

	prefix := make([]byte, 2)
	binary.BigEndian.PutUint16(prefix, uint16(len(out)))
	_, err = (&net.Buffers{prefix, out}).WriteTo(c.Conn)
	return err
}

var bufferPool sync.Pool

// AcquireBuf returns a buffer of at least size bytes from the pool.
func AcquireBuf(size uint16) []byte {
	if v := bufferPool.Get(); v != nil {
		buf := *(v.(*[]byte))
		if cap(buf) >= int(size) {
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// ReleaseBuf returns buf to the pool.
func ReleaseBuf(buf []byte) {
	bufferPool.Put(&buf)
}
