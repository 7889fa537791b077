package cache

import (
	"time"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/query"
)

// entry is a CacheEntry: an Answer plus its insertion/expiry bookkeeping.
// RRs are deep-copied on both the way in and the way out so that a reader
// decrementing TTLs never mutates what another reader is holding.
type entry struct {
	rcode    int
	answer   []dns.RR
	ns       []dns.RR
	extra    []dns.RR
	inserted time.Time
	expires  time.Time
	hits     uint64
}

func newEntry(a *query.Answer, ttl time.Duration, now time.Time) *entry {
	e := &entry{
		rcode:    a.Rcode,
		answer:   copyRRs(a.Answer),
		ns:       copyRRs(a.Ns),
		extra:    copyRRs(a.Extra),
		inserted: now,
		expires:  now.Add(ttl),
	}
	return e
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expires)
}

// toAnswer rebuilds an Answer from the stored entry, decrementing every
// record's TTL by the elapsed time since insertion (floor 1s) per §4.4's
// lookup contract.
func (e *entry) toAnswer(now time.Time) *query.Answer {
	elapsed := uint32(now.Sub(e.inserted) / time.Second)

	return &query.Answer{
		Rcode:              e.rcode,
		Answer:             ageRRs(e.answer, elapsed),
		Ns:                 ageRRs(e.ns, elapsed),
		Extra:              ageRRs(e.extra, elapsed),
		RecursionAvailable: true,
		CacheHit:           true,
	}
}

func copyRRs(in []dns.RR) []dns.RR {
	if len(in) == 0 {
		return nil
	}
	out := make([]dns.RR, len(in))
	for i, rr := range in {
		out[i] = dns.Copy(rr)
	}
	return out
}

func ageRRs(in []dns.RR, elapsed uint32) []dns.RR {
	if len(in) == 0 {
		return nil
	}
	out := make([]dns.RR, len(in))
	for i, rr := range in {
		cp := dns.Copy(rr)
		hdr := cp.Header()
		if hdr.Ttl > elapsed {
			hdr.Ttl -= elapsed
		} else {
			hdr.Ttl = 1
		}
		out[i] = cp
	}
	return out
}

// minTTL returns the minimum TTL across all records in the answer section,
// in seconds. A zero-length answer section yields ok=false.
func minTTL(rrs []dns.RR) (uint32, bool) {
	if len(rrs) == 0 {
		return 0, false
	}
	min := rrs[0].Header().Ttl
	for _, rr := range rrs[1:] {
		if t := rr.Header().Ttl; t < min {
			min = t
		}
	}
	return min, true
}

// hasZeroTTL reports whether any record in rrs carries TTL=0, which per
// §4.4 forbids caching the answer entirely.
func hasZeroTTL(rrs []dns.RR) bool {
	for _, rr := range rrs {
		if rr.Header().Ttl == 0 {
			return true
		}
	}
	return false
}
