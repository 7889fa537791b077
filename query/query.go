// Package query defines the internal representation of a DNS question and
// answer that flows through the resolver pipeline, independent of the wire
// protocol or transport that produced it.
package query

import (
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Query is a parsed client request. It is constructed once by a listener
// adapter and is immutable thereafter; downstream components never mutate
// it in place.
type Query struct {
	ID   uint16 // DNS transaction id, echoed back to the client
	Name string // normalized: lowercase, trailing dot
	Type uint16
	// Class is assumed IN throughout; kept for completeness of the fingerprint.
	Class uint16

	RecursionDesired bool
	CheckingDisabled bool
	DNSSEC           bool // client advertised EDNS0 DO bit
	UDPSize          uint16

	RemoteAddr net.Addr
	Proto      string // "udp", "tcp", "dot", "doh", "doq"
	Arrived    time.Time
	TraceID    string

	raw *dns.Msg // original decoded message, retained for re-encoding context
}

// FromMsg builds a Query from a decoded dns.Msg and the metadata a listener
// observed about the connection it arrived on.
func FromMsg(m *dns.Msg, remote net.Addr, proto string, traceID string, now time.Time) *Query {
	q := &Query{
		ID:               m.Id,
		RecursionDesired: m.RecursionDesired,
		CheckingDisabled: m.CheckingDisabled,
		RemoteAddr:       remote,
		Proto:            proto,
		Arrived:          now,
		TraceID:          traceID,
		raw:              m,
		UDPSize:          dns.MinMsgSize,
	}

	if len(m.Question) > 0 {
		q.Name = NormalizeName(m.Question[0].Name)
		q.Type = m.Question[0].Qtype
		q.Class = m.Question[0].Qclass
	}

	if opt := m.IsEdns0(); opt != nil {
		q.DNSSEC = opt.Do()
		if opt.UDPSize() > 0 {
			q.UDPSize = opt.UDPSize()
		}
	}

	return q
}

// Question returns the dns.Question this query represents.
func (q *Query) Question() dns.Question {
	return dns.Question{Name: q.Name, Qtype: q.Type, Qclass: q.Class}
}

// Msg returns the original decoded message this query was built from, for
// listeners that need it to build a reply envelope (id, EDNS0 echo, etc).
func (q *Query) Msg() *dns.Msg {
	return q.raw
}

// WithName returns a copy of q with a different question name, used by the
// rewrite engine's map-to-domain action to continue the pipeline under a new
// name without mutating the original query.
func (q *Query) WithName(name string) *Query {
	cp := *q
	cp.Name = NormalizeName(name)
	return &cp
}

// NormalizeName lowercases a name and ensures it carries a trailing dot.
func NormalizeName(name string) string {
	name = strings.ToLower(name)
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// Answer is the pipeline's response to a Query, independent of wire
// encoding. Rcode follows the dns.Rcode* constants.
type Answer struct {
	Rcode              int
	Answer             []dns.RR
	Ns                 []dns.RR
	Extra              []dns.RR
	RecursionAvailable bool

	// CacheHit, Upstream and RuleID are set by the pipeline for LogSink
	// purposes; they carry no wire meaning.
	CacheHit bool
	Upstream string // display name of the upstream that answered, if any
	RuleID   string // id of the rewrite rule that produced this answer, if any
}

// ToMsg builds a reply dns.Msg for the given request, copying this answer's
// sections and rcode into it.
func (a *Answer) ToMsg(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Authoritative = false
	m.RecursionAvailable = a.RecursionAvailable
	m.Rcode = a.Rcode
	m.Answer = a.Answer
	m.Ns = a.Ns
	m.Extra = a.Extra
	return m
}

// ServFail builds a terminal SERVFAIL Answer.
func ServFail() *Answer {
	return &Answer{Rcode: dns.RcodeServerFailure, RecursionAvailable: true}
}

// NXDomain builds a terminal NXDOMAIN Answer with no records.
func NXDomain() *Answer {
	return &Answer{Rcode: dns.RcodeNameError, RecursionAvailable: true}
}

// NoData builds a NOERROR answer with zero records, used for "exists but
// no record of this type" responses from local records and rewrite NODATA.
func NoData() *Answer {
	return &Answer{Rcode: dns.RcodeSuccess, RecursionAvailable: true}
}
