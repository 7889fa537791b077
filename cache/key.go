package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/miekg/dns"
)

// keyBuffer holds a reusable buffer for fingerprint hashing, avoiding a
// heap allocation per lookup for all but unusually long names.
type keyBuffer struct {
	buf [256]byte
}

var keyBufferPool = sync.Pool{
	New: func() any {
		return new(keyBuffer)
	},
}

// Key computes q's cache fingerprint: class and type as big-endian
// shorts, then the lowercased name. DNSSEC's CD bit plays no role since
// this cache carries no DNSSEC-aware variants of an answer.
func Key(q dns.Question) uint64 {
	kb := keyBufferPool.Get().(*keyBuffer)
	buf := kb.buf[:0]

	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))

	nameLen := len(q.Name)
	if len(buf)+nameLen > len(kb.buf) {
		// Rare: a name long enough to overflow the pooled buffer falls
		// back to a heap-allocated one.
		grown := make([]byte, len(buf), len(buf)+nameLen)
		copy(grown, buf)
		buf = grown
	}

	for i := 0; i < nameLen; i++ {
		c := q.Name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		buf = append(buf, c)
	}

	hash := xxhash.Sum64(buf)
	keyBufferPool.Put(kb)

	return hash
}
