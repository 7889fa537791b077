package query

import "github.com/miekg/dns"

// Class is the cache-relevant classification of an upstream response.
type Class int

const (
	// ClassPositive is a NOERROR response, with or without answer records.
	ClassPositive Class = iota
	// ClassNXDomain is a NOERROR-absent, NXDOMAIN response.
	ClassNXDomain
	// ClassServerFailure covers SERVFAIL, REFUSED, NOTIMP, FORMERR and
	// anything else that must not be cached.
	ClassServerFailure
)

// Classify categorizes a decoded upstream response for §4.4's insertion
// rule: only ClassPositive and ClassNXDomain are cacheable.
func Classify(m *dns.Msg) Class {
	switch m.Rcode {
	case dns.RcodeSuccess:
		return ClassPositive
	case dns.RcodeNameError:
		return ClassNXDomain
	default:
		return ClassServerFailure
	}
}

// Cacheable reports whether a response of this class may be cached at all.
func (c Class) Cacheable() bool {
	return c == ClassPositive || c == ClassNXDomain
}
