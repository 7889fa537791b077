package listener

import (
	"net"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/time/rate"
)

// clientLimiterTTL evicts an idle client's bucket so long-running
// listeners don't accumulate one limiter per IP ever seen.
const clientLimiterTTL = 10 * time.Minute

// ClientLimiter caps queries per minute per client IP address, shared
// across every listener a deployment runs. A nil *ClientLimiter (or one
// built with rate 0) allows everyone, matching a disabled limit.
type ClientLimiter struct {
	mu       sync.Mutex
	perMin   int
	limiters map[uint64]*clientBucket
}

type clientBucket struct {
	rl       *rate.Limiter
	lastSeen time.Time
}

// NewClientLimiter returns a limiter allowing perMin queries/minute per
// client; perMin <= 0 disables limiting entirely.
func NewClientLimiter(perMin int) *ClientLimiter {
	return &ClientLimiter{perMin: perMin, limiters: map[uint64]*clientBucket{}}
}

// Allow reports whether ip may proceed. Loopback addresses are always
// allowed since they are never the actual originating client in a
// deployment fronted by a reverse proxy or test harness.
func (c *ClientLimiter) Allow(ip net.IP) bool {
	if c == nil || c.perMin <= 0 || ip == nil || ip.IsLoopback() {
		return true
	}

	key := hashIP(ip)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.limiters[key]
	if !ok {
		b = &clientBucket{rl: rate.NewLimiter(rate.Every(time.Minute/time.Duration(c.perMin)), c.perMin)}
		c.limiters[key] = b
	}
	b.lastSeen = now

	if len(c.limiters) > 4096 {
		c.evictLocked(now)
	}

	return b.rl.Allow()
}

func (c *ClientLimiter) evictLocked(now time.Time) {
	for k, b := range c.limiters {
		if now.Sub(b.lastSeen) > clientLimiterTTL {
			delete(c.limiters, k)
		}
	}
}

func hashIP(ip net.IP) uint64 {
	h := xxhash.New()
	_, _ = h.Write(ip)
	return h.Sum64()
}
