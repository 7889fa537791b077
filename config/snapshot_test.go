package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsMissingTLSMaterial(t *testing.T) {
	snap := ConfigSnapshot{
		Listeners: []ListenerConfig{{Protocol: "dot", Bind: ":853", Enabled: true}},
		Global:    GlobalSettings{Strategy: "concurrent", CacheMaxEntries: 100},
	}

	err := snap.Validate()
	assert.Error(t, err)
	var tlsErr *TLSMaterialMissingError
	assert.ErrorAs(t, err, &tlsErr)
}

func TestValidateAcceptsWellFormedSnapshot(t *testing.T) {
	snap := ConfigSnapshot{
		Listeners: []ListenerConfig{{Protocol: "udp", Bind: ":53", Enabled: true}},
		Global:    GlobalSettings{Strategy: "round-robin", CacheMaxEntries: 1000},
	}

	assert.NoError(t, snap.Validate())
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	snap := ConfigSnapshot{
		Global: GlobalSettings{Strategy: "bogus", CacheMaxEntries: 10},
	}
	assert.Error(t, snap.Validate())
}
