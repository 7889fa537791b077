package main

import (
	"context"
	"fmt"
	"net"

	"github.com/resolvd/resolvd/accesslist"
	"github.com/resolvd/resolvd/cache"
	"github.com/resolvd/resolvd/config"
	"github.com/resolvd/resolvd/events"
	"github.com/resolvd/resolvd/listener"
	"github.com/resolvd/resolvd/localrecords"
	"github.com/resolvd/resolvd/pipeline"
	"github.com/resolvd/resolvd/pool"
	"github.com/resolvd/resolvd/rewrite"
	"github.com/resolvd/resolvd/supervisor"
	"github.com/resolvd/resolvd/upstream"
)

// appRuntime holds every live-reconfigurable component: the pieces a new
// ConfigSnapshot swaps in place without restarting any listener.
type appRuntime struct {
	local    *localrecords.Store
	rewrite  *rewrite.Engine
	cache    *cache.Cache
	pool     *pool.Pool
	pipeline *pipeline.Pipeline
	access   *accesslist.AccessList
	limiter  *listener.ClientLimiter

	doqEndpoint *upstream.Endpoint
}

func newRuntime(doqEndpoint *upstream.Endpoint) *appRuntime {
	local := localrecords.New()
	rw := rewrite.New(300)
	c := cache.New(cache.Config{})
	p := pool.New(pool.StrategyConcurrent)
	access, _ := accesslist.New([]string{"0.0.0.0/0", "::/0"})

	pl := pipeline.New(local, rw, c, p)
	pl.Log = &events.ZlogSink{}

	return &appRuntime{
		local:       local,
		rewrite:     rw,
		cache:       c,
		pool:        p,
		pipeline:    pl,
		access:      access,
		limiter:     listener.NewClientLimiter(0),
		doqEndpoint: doqEndpoint,
	}
}

// applySnapshot pushes a ConfigSnapshot's local records, rewrite rules,
// upstreams, strategy, disabled record types and pipeline deadline into
// the live components. The cache keeps the sizing it was built with and
// the rewrite engine keeps its 300s default TTL: CacheMaxEntries,
// CacheMaxTTL and DefaultTTL are not applied. Listeners themselves are
// reconciled separately by the Supervisor, since starting/stopping a
// socket is not a config-swap.
func (rt *appRuntime) applySnapshot(snap config.ConfigSnapshot) {
	rt.local.Replace(snap.LocalRecords)
	rt.rewrite.Replace(snap.RewriteRules)
	rt.pool.Replace(snap.Upstreams, rt.newUpstreamClient)

	if strategy, err := pool.ParseStrategy(snap.Global.Strategy); err == nil {
		rt.pool.SetStrategy(strategy)
	}

	disabled := map[uint16]bool{}
	for _, t := range snap.Global.DisabledRecordTypes {
		disabled[t] = true
	}
	rt.pipeline.DisabledTypes = disabled

	if snap.Global.PipelineDeadline > 0 {
		rt.pipeline.Deadline = snap.Global.PipelineDeadline
	}

	rt.limiter = listener.NewClientLimiter(snap.Global.ClientRateLimit)
}

// newUpstreamClient builds the protocol-specific client for one
// UpstreamServer, sharing this runtime's DoQ endpoint across every DoQ
// server so they reuse a single UDP socket, per §9.
func (rt *appRuntime) newUpstreamClient(s upstream.Server) upstream.Client {
	switch s.Protocol {
	case upstream.ProtoUDP:
		return upstream.NewUDP(s.Address)
	case upstream.ProtoDoT:
		return upstream.NewDoT(s.Address, sniFor(s.Address))
	case upstream.ProtoDoH:
		return upstream.NewDoH(s.Address)
	case upstream.ProtoDoQ:
		return upstream.NewDoQ(rt.doqEndpoint, s.Address, sniFor(s.Address))
	default:
		return upstream.NewUDP(s.Address)
	}
}

func sniFor(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// buildListener returns a supervisor.BuildFunc that constructs and starts
// the concrete adapter for a ListenerConfig, using loader for any TLS
// listener's certificate material.
func buildListener(loader *supervisor.TLSLoader, access *accesslist.AccessList, limiter *listener.ClientLimiter) supervisor.BuildFunc {
	return func(cfg config.ListenerConfig, resolve listener.Resolver) (func(context.Context) error, error) {
		switch cfg.Protocol {
		case "udp":
			l := listener.NewDNSListener(cfg.Bind, "udp", resolve)
			l.Access = access
			l.Limiter = limiter
			go l.Start()
			return func(ctx context.Context) error { return l.Shutdown(ctx) }, nil

		case "dot":
			tlsCfg, err := loader.Load(cfg)
			if err != nil {
				return nil, err
			}
			l := listener.NewDNSListener(cfg.Bind, "tcp-tls", resolve)
			l.Access = access
			l.Limiter = limiter
			l.TLSConfig = tlsCfg
			go l.Start()
			return func(ctx context.Context) error { return l.Shutdown(ctx) }, nil

		case "doh":
			tlsCfg, err := loader.Load(cfg)
			if err != nil {
				return nil, err
			}
			l := listener.NewDoHListener(cfg.Bind, resolve)
			l.Access = access
			l.Limiter = limiter
			l.TLSConfig = tlsCfg
			go l.Start()
			return func(ctx context.Context) error { return l.Shutdown(ctx) }, nil

		case "doq":
			tlsCfg, err := loader.Load(cfg)
			if err != nil {
				return nil, err
			}
			cert, err := tlsCfg.GetCertificate(nil)
			if err != nil {
				return nil, fmt.Errorf("doq listener %s: %w", cfg.Bind, err)
			}
			l := listener.NewDoQListener(cfg.Bind, *cert, resolve)
			l.TLSConfig.GetCertificate = tlsCfg.GetCertificate
			l.Access = access
			l.Limiter = limiter
			go func() { _ = l.Start() }()
			return func(ctx context.Context) error { return l.Shutdown(ctx) }, nil

		default:
			return nil, fmt.Errorf("unknown listener protocol %q", cfg.Protocol)
		}
	}
}
