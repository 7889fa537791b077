// Package localrecords implements the wildcard-aware store of
// admin-configured answers consulted before any rewrite rule or upstream
// dispatch, per §4.5 of the resolver specification.
package localrecords

import (
	"net"
	"strings"
	"sync"

	"github.com/miekg/dns"

	"github.com/resolvd/resolvd/query"
)

// Record is an admin-defined LocalRecord. Name may begin with "*." to mark
// a wildcard entry.
type Record struct {
	ID      string
	Name    string
	Type    uint16
	Value   string // textual rdata: IP literal for A/AAAA, target for CNAME/PTR/NS, etc.
	TTL     uint32
	Enabled bool
}

// Store is a read-mostly, wildcard-aware lookup table. Callers replace its
// contents wholesale on config change via Replace; lookups never block a
// concurrent Replace for longer than the copy-on-write swap.
type Store struct {
	mu sync.RWMutex

	exact     map[string][]Record   // name -> records (enabled only)
	wildcards map[string][]Record   // suffix "x.y." -> records, for "*.x.y."
}

// New returns an empty Store.
func New() *Store {
	return &Store{exact: map[string][]Record{}, wildcards: map[string][]Record{}}
}

// Replace atomically swaps the store's contents for a fresh config
// snapshot's local records.
func (s *Store) Replace(records []Record) {
	exact := make(map[string][]Record)
	wildcards := make(map[string][]Record)

	for _, r := range records {
		if !r.Enabled {
			continue
		}
		name := query.NormalizeName(r.Name)
		if suffix, ok := wildcardSuffix(name); ok {
			wildcards[suffix] = append(wildcards[suffix], r)
		} else {
			exact[name] = append(exact[name], r)
		}
	}

	s.mu.Lock()
	s.exact, s.wildcards = exact, wildcards
	s.mu.Unlock()
}

// wildcardSuffix returns "x.y." from "*.x.y." if name is a wildcard entry.
func wildcardSuffix(name string) (string, bool) {
	if !strings.HasPrefix(name, "*.") {
		return "", false
	}
	return name[2:], true
}

// Lookup implements §4.5's matching precedence: exact name beats wildcard;
// among wildcards, the longest "x.y" suffix wins. A matching name with no
// record of the requested type yields a NOERROR/zero-record answer instead
// of "not local".
func (s *Store) Lookup(q dns.Question) (*query.Answer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if recs, ok := s.exact[q.Name]; ok {
		return s.answerFrom(recs, q), true
	}

	if recs, suffixLen := s.bestWildcard(q.Name); recs != nil {
		_ = suffixLen
		return s.answerFrom(recs, q), true
	}

	return nil, false
}

// bestWildcard finds the wildcard entry with the longest matching suffix
// such that the question name has at least one label before the suffix.
func (s *Store) bestWildcard(name string) ([]Record, int) {
	var best []Record
	bestLen := -1

	for suffix, recs := range s.wildcards {
		if !hasLabelBefore(name, suffix) {
			continue
		}
		if len(suffix) > bestLen {
			best, bestLen = recs, len(suffix)
		}
	}
	return best, bestLen
}

// hasLabelBefore reports whether name ends in ".suffix" with at least one
// non-empty label remaining before it (router.lan matches *.lan;
// lan itself does not).
func hasLabelBefore(name, suffix string) bool {
	if !strings.HasSuffix(name, "."+suffix) {
		return false
	}
	prefix := strings.TrimSuffix(name, suffix)
	prefix = strings.TrimSuffix(prefix, ".")
	return len(prefix) > 0
}

func (s *Store) answerFrom(recs []Record, q dns.Question) *query.Answer {
	var rrs []dns.RR
	for _, r := range recs {
		if r.Type != q.Qtype {
			continue
		}
		if rr := buildRR(r, q.Name); rr != nil {
			rrs = append(rrs, rr)
		}
	}

	if len(rrs) == 0 {
		return query.NoData()
	}
	return &query.Answer{Rcode: dns.RcodeSuccess, Answer: rrs, RecursionAvailable: true}
}

func buildRR(r Record, owner string) dns.RR {
	hdr := dns.RR_Header{Name: owner, Rrtype: r.Type, Class: dns.ClassINET, Ttl: r.TTL}

	switch r.Type {
	case dns.TypeA:
		ip := net.ParseIP(r.Value).To4()
		if ip == nil {
			return nil
		}
		return &dns.A{Hdr: hdr, A: ip}
	case dns.TypeAAAA:
		ip := net.ParseIP(r.Value)
		if ip == nil {
			return nil
		}
		return &dns.AAAA{Hdr: hdr, AAAA: ip}
	case dns.TypeCNAME:
		return &dns.CNAME{Hdr: hdr, Target: query.NormalizeName(r.Value)}
	case dns.TypeNS:
		return &dns.NS{Hdr: hdr, Ns: query.NormalizeName(r.Value)}
	case dns.TypePTR:
		return &dns.PTR{Hdr: hdr, Ptr: query.NormalizeName(r.Value)}
	case dns.TypeTXT:
		return &dns.TXT{Hdr: hdr, Txt: []string{r.Value}}
	case dns.TypeMX:
		return &dns.MX{Hdr: hdr, Mx: query.NormalizeName(r.Value), Preference: 10}
	default:
		return nil
	}
}
