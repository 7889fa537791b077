package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/semihalev/zlog/v2"

	"github.com/resolvd/resolvd/config"
	"github.com/resolvd/resolvd/listener"
)

// gracePeriod is how long a stopping listener's in-flight queries are
// given to complete before its sockets are forced closed, per §5.
const gracePeriod = 2 * time.Second

// State is a listener's position in the Stopped -> Starting -> Running ->
// Stopping -> Stopped machine, with Failed reachable from Starting.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Failed
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// managed is one supervised listener: its current config, state, and the
// concrete adapter instance while Running.
type managed struct {
	mu     sync.Mutex
	cfg    config.ListenerConfig
	state  State
	cancel func()
}

// Supervisor reconciles a stream of ConfigSnapshots against the set of
// running listeners, per §4.9.
type Supervisor struct {
	mu        sync.Mutex
	listeners map[string]*managed // keyed by protocol+bind
	resolve   listener.Resolver

	build BuildFunc
}

// BuildFunc constructs and starts (in its own goroutine) the adapter for
// one listener config, returning a cancel function that stops it.
type BuildFunc func(cfg config.ListenerConfig, resolve listener.Resolver) (cancel func(context.Context) error, err error)

// New returns a Supervisor that drives listeners with resolve and builds
// adapters with build.
func New(resolve listener.Resolver, build BuildFunc) *Supervisor {
	return &Supervisor{
		listeners: map[string]*managed{},
		resolve:   resolve,
		build:     build,
	}
}

func key(cfg config.ListenerConfig) string {
	return cfg.Protocol + "|" + cfg.Bind
}

// Reconcile starts listeners newly enabled, stops listeners newly
// disabled or removed, and restarts listeners whose bind/TLS material
// changed, bringing the running set in line with snapshot.Listeners.
func (s *Supervisor) Reconcile(ctx context.Context, listeners []config.ListenerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[string]config.ListenerConfig{}
	for _, cfg := range listeners {
		if cfg.Enabled {
			want[key(cfg)] = cfg
		}
	}

	for k, m := range s.listeners {
		if _, ok := want[k]; !ok {
			s.stopLocked(ctx, k, m)
		}
	}

	for k, cfg := range want {
		m, running := s.listeners[k]
		if !running {
			s.startLocked(k, cfg)
			continue
		}
		m.mu.Lock()
		changed := m.cfg != cfg
		m.mu.Unlock()
		if changed {
			s.stopLocked(ctx, k, m)
			s.startLocked(k, cfg)
		}
	}
}

func (s *Supervisor) startLocked(k string, cfg config.ListenerConfig) {
	m := &managed{cfg: cfg, state: Starting}
	s.listeners[k] = m

	cancelCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	go func() {
		stop, err := s.build(cfg, s.resolve)
		if err != nil {
			zlog.Error("listener failed to start", "proto", cfg.Protocol, "bind", cfg.Bind, "error", err)
			m.mu.Lock()
			m.state = Failed
			m.mu.Unlock()
			return
		}

		m.mu.Lock()
		m.state = Running
		m.mu.Unlock()

		<-cancelCtx.Done()

		m.mu.Lock()
		m.state = Stopping
		m.mu.Unlock()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gracePeriod)
		defer shutdownCancel()
		if err := stop(shutdownCtx); err != nil {
			zlog.Error("listener shutdown error", "proto", cfg.Protocol, "bind", cfg.Bind, "error", err)
		}

		m.mu.Lock()
		m.state = Stopped
		m.mu.Unlock()
	}()
}

func (s *Supervisor) stopLocked(ctx context.Context, k string, m *managed) {
	if m.cancel != nil {
		m.cancel()
	}
	delete(s.listeners, k)
}

// Snapshot returns the current state of every managed listener, for an
// admin status endpoint.
func (s *Supervisor) Snapshot() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.listeners))
	for k, m := range s.listeners {
		m.mu.Lock()
		out[k] = m.state
		m.mu.Unlock()
	}
	return out
}

// TLSLoader resolves a ListenerConfig's certificate/key pair into a
// *tls.Config, reusing a CertManager per cert path so reloads are shared
// across listeners that happen to serve the same certificate. It is
// independent of Supervisor so a BuildFunc can close over one without a
// construction-order cycle.
type TLSLoader struct {
	mu    sync.Mutex
	certs map[string]*CertManager
}

// NewTLSLoader returns an empty TLSLoader.
func NewTLSLoader() *TLSLoader {
	return &TLSLoader{certs: map[string]*CertManager{}}
}

// Load returns a *tls.Config for cfg's certificate/key pair, per §4.9's
// must-refuse-to-start rule for TLS listeners with absent or unparseable
// material.
func (t *TLSLoader) Load(cfg config.ListenerConfig) (*tls.Config, error) {
	if cfg.TLSCertPEM == "" || cfg.TLSKeyPEM == "" {
		return nil, fmt.Errorf("supervisor: listener %s requires tls_cert and tls_key", cfg.Bind)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cm, ok := t.certs[cfg.TLSCertPEM]
	if !ok {
		var err error
		cm, err = NewCertManager(cfg.TLSCertPEM, cfg.TLSKeyPEM)
		if err != nil {
			return nil, err
		}
		t.certs[cfg.TLSCertPEM] = cm
	}

	return cm.TLSConfig(), nil
}
