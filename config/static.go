package config

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/resolvd/resolvd/upstream"
)

// Static is a minimal ConfigProvider backed by the process's Bootstrap
// file: one ConfigSnapshot built at startup, with in-memory Update support
// for whatever thin admin surface a deployment wires in front of it. The
// HTTP admin API and persistent store that would back live editing are
// out of scope; Static only has to satisfy the resolver core's contract.
type Static struct {
	mu      sync.RWMutex
	current ConfigSnapshot
	subs    map[int]func(ConfigSnapshot)
	nextSub int
}

// NewStaticFromBootstrap builds the initial ConfigSnapshot from a loaded
// Bootstrap: one listener per configured bind address, plus the parsed
// initial upstream set.
func NewStaticFromBootstrap(b *Bootstrap) (*Static, error) {
	upstreams := make([]upstream.Server, 0, len(b.InitialUpstreams))
	for i, raw := range b.InitialUpstreams {
		srv, err := ParseUpstreamURL(raw)
		if err != nil {
			return nil, fmt.Errorf("config: initial upstream %d (%q): %w", i, raw, err)
		}
		upstreams = append(upstreams, srv)
	}

	listeners := []ListenerConfig{}
	if b.Bind != "" {
		listeners = append(listeners, ListenerConfig{Protocol: "udp", Bind: b.Bind, Enabled: true})
	}
	if b.BindTLS != "" {
		listeners = append(listeners, ListenerConfig{Protocol: "dot", Bind: b.BindTLS, Enabled: true, TLSCertPEM: b.TLSCertificate, TLSKeyPEM: b.TLSPrivateKey})
	}
	if b.BindDoH != "" {
		listeners = append(listeners, ListenerConfig{Protocol: "doh", Bind: b.BindDoH, Enabled: true, TLSCertPEM: b.TLSCertificate, TLSKeyPEM: b.TLSPrivateKey})
	}
	if b.BindDoQ != "" {
		listeners = append(listeners, ListenerConfig{Protocol: "doq", Bind: b.BindDoQ, Enabled: true, TLSCertPEM: b.TLSCertificate, TLSKeyPEM: b.TLSPrivateKey})
	}

	snap := ConfigSnapshot{
		Version:   1,
		Listeners: listeners,
		Upstreams: upstreams,
		Global: GlobalSettings{
			Strategy:        "concurrent",
			DefaultTTL:      300,
			CacheMaxEntries: b.CacheSize,
			CacheMaxTTL:     time.Hour,
			PipelineDeadline: b.PipelineTTL.Duration,
		},
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}

	return &Static{current: snap, subs: map[int]func(ConfigSnapshot){}}, nil
}

// ParseUpstreamURL parses "protocol://host:port" into an upstream.Server,
// e.g. "udp://9.9.9.9:53" or "doh://dns.example.com/dns-query".
func ParseUpstreamURL(raw string) (upstream.Server, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return upstream.Server{}, err
	}

	proto := upstream.Protocol(strings.ToLower(u.Scheme))
	switch proto {
	case upstream.ProtoUDP, upstream.ProtoDoT, upstream.ProtoDoH, upstream.ProtoDoQ:
	default:
		return upstream.Server{}, fmt.Errorf("unknown upstream protocol %q", u.Scheme)
	}

	addr := u.Host
	if proto == upstream.ProtoDoH {
		addr = "https://" + raw[len(u.Scheme)+3:] // keep full https-style URL for the DoH client
	}

	return upstream.Server{
		ID:       raw,
		Name:     u.Host,
		Protocol: proto,
		Address:  addr,
		Timeout:  5 * time.Second,
	}, nil
}

// Current returns the latest snapshot.
func (s *Static) Current() ConfigSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update replaces the snapshot, bumping Version, and notifies subscribers.
func (s *Static) Update(next ConfigSnapshot) error {
	if err := next.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	next.Version = s.current.Version + 1
	s.current = next
	subs := make([]func(ConfigSnapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return nil
}

type subscription struct {
	s  *Static
	id int
}

func (sub *subscription) Unsubscribe() {
	sub.s.mu.Lock()
	delete(sub.s.subs, sub.id)
	sub.s.mu.Unlock()
}

// Subscribe registers listener to be called with every future Update.
func (s *Static) Subscribe(listener func(ConfigSnapshot)) Subscription {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = listener
	s.mu.Unlock()

	return &subscription{s: s, id: id}
}
