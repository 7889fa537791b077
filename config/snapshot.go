package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/resolvd/resolvd/localrecords"
	"github.com/resolvd/resolvd/rewrite"
	"github.com/resolvd/resolvd/upstream"
)

// ListenerConfig is one entry of §3's ListenerConfig data model.
type ListenerConfig struct {
	Protocol string `validate:"required,oneof=udp dot doh doq"`
	Bind     string `validate:"required"`
	Enabled  bool

	TLSCertPEM string
	TLSKeyPEM  string
}

// GlobalSettings is §3's GlobalSettings data model.
type GlobalSettings struct {
	Strategy            string   `validate:"required,oneof=concurrent fastest round-robin random"`
	DisabledRecordTypes []uint16
	DefaultTTL          uint32 `validate:"min=0"`

	CacheMaxEntries int `validate:"min=1"`
	CacheMaxTTL     time.Duration

	PipelineDeadline time.Duration `validate:"min=0"`

	// ClientRateLimit caps queries/minute per client IP across every
	// listener; 0 disables the limiter. Supplements §5's backpressure
	// model with the per-client limiting the original carried.
	ClientRateLimit int `validate:"min=0"`
}

// ConfigSnapshot is the immutable, versioned configuration the resolver
// core consumes, per §6's ConfigProvider contract.
type ConfigSnapshot struct {
	Version      uint64
	Listeners    []ListenerConfig `validate:"dive"`
	Upstreams    []upstream.Server
	LocalRecords []localrecords.Record
	RewriteRules []rewrite.Rule
	Global       GlobalSettings `validate:"required"`
}

var validate = validator.New()

// Validate rejects a snapshot that fails its struct tags (unknown listener
// protocol or strategy, missing bind address, out-of-range cache size) or
// that enables a TLS listener without certificate/key PEM, per the AMBIENT
// STACK's provider-boundary validation. A snapshot carries no access-list
// CIDRs, so none are checked here.
func (s *ConfigSnapshot) Validate() error {
	if err := validate.Struct(s); err != nil {
		return err
	}
	for _, l := range s.Listeners {
		if !l.Enabled {
			continue
		}
		if l.Protocol != "udp" && (l.TLSCertPEM == "" || l.TLSKeyPEM == "") {
			return &TLSMaterialMissingError{Protocol: l.Protocol, Bind: l.Bind}
		}
	}
	return nil
}

// TLSMaterialMissingError reports an enabled TLS listener with no
// certificate/key configured, per §4.9's must-refuse-to-start rule.
type TLSMaterialMissingError struct {
	Protocol string
	Bind     string
}

func (e *TLSMaterialMissingError) Error() string {
	return "config: listener " + e.Protocol + " on " + e.Bind + " is enabled but has no TLS certificate/key"
}

// Subscription is returned by ConfigProvider.Subscribe; calling Unsubscribe
// stops delivery of further snapshots to the associated listener.
type Subscription interface {
	Unsubscribe()
}

// ConfigProvider is the external collaborator the resolver core consumes
// configuration from, per §6. The admin HTTP API, auth, and the SQLite
// store that back a real implementation are out of scope.
type ConfigProvider interface {
	Current() ConfigSnapshot
	Subscribe(listener func(ConfigSnapshot)) Subscription
}
