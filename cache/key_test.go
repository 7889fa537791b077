package cache

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func TestKeyIsCaseInsensitiveAndDeterministic(t *testing.T) {
	lower := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}
	upper := dns.Question{Name: "EXAMPLE.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	assert.Equal(t, Key(lower), Key(upper))
	assert.Equal(t, Key(lower), Key(lower), "fingerprint must be deterministic")
}

func TestKeyUniqueness(t *testing.T) {
	seen := make(map[uint64]string)

	questions := []dns.Question{
		{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET},
		{Name: "example.org.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "subdomain.example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
		{Name: "example.com.", Qtype: dns.TypeMX, Qclass: dns.ClassINET},
		{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassCHAOS},
	}

	for _, q := range questions {
		key := Key(q)
		if existing, ok := seen[key]; ok {
			t.Errorf("fingerprint collision: %+v and %s produce the same key", q, existing)
		}
		seen[key] = fmt.Sprintf("%+v", q)
	}
}

func TestKeyConcurrency(t *testing.T) {
	const numGoroutines = 100
	const opsPerGoroutine = 1000

	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()

			for j := 0; j < opsPerGoroutine; j++ {
				q := dns.Question{
					Name:   fmt.Sprintf("test%d-%d.example.com.", id, j),
					Qtype:  dns.TypeA,
					Qclass: dns.ClassINET,
				}

				if k1, k2 := Key(q), Key(q); k1 != k2 {
					t.Errorf("inconsistent fingerprint under concurrent pool reuse: %v != %v", k1, k2)
				}
			}
		}(i)
	}

	wg.Wait()
}

func TestKeyLongDomainNamesOverflowPooledBuffer(t *testing.T) {
	// 268 bytes: with the 4-byte class/type prefix this exceeds the 256-byte
	// pooled buffer.
	longName := strings.Repeat("very-long-label.", 16) + "example.com."
	q := dns.Question{Name: longName, Qtype: dns.TypeA, Qclass: dns.ClassINET}

	assert.Equal(t, Key(q), Key(q))

	upper := dns.Question{Name: upperCase(longName), Qtype: dns.TypeA, Qclass: dns.ClassINET}
	assert.Equal(t, Key(q), Key(upper), "case normalization must still hold past the pooled buffer size")
}

func upperCase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func BenchmarkKey(b *testing.B) {
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Key(q)
	}
}

func BenchmarkKeyLongDomain(b *testing.B) {
	q := dns.Question{
		Name:   "very-long-subdomain-name-that-exceeds-the-pooled-buffer-comfortably.example.com.",
		Qtype:  dns.TypeA,
		Qclass: dns.ClassINET,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Key(q)
	}
}

func BenchmarkKeyParallel(b *testing.B) {
	q := dns.Question{Name: "example.com.", Qtype: dns.TypeA, Qclass: dns.ClassINET}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = Key(q)
		}
	})
}
