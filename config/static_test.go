package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resolvd/resolvd/upstream"
)

func TestParseUpstreamURL(t *testing.T) {
	srv, err := ParseUpstreamURL("udp://9.9.9.9:53")
	require.NoError(t, err)
	assert.Equal(t, upstream.ProtoUDP, srv.Protocol)
	assert.Equal(t, "9.9.9.9:53", srv.Address)
}

func TestParseUpstreamURLRejectsUnknownScheme(t *testing.T) {
	_, err := ParseUpstreamURL("ftp://9.9.9.9:53")
	assert.Error(t, err)
}

func TestNewStaticFromBootstrapBuildsSnapshot(t *testing.T) {
	b := &Bootstrap{
		Bind:             ":53",
		InitialUpstreams: []string{"udp://1.1.1.1:53"},
		CacheSize:        100,
		PipelineTTL:      Duration{},
	}

	s, err := NewStaticFromBootstrap(b)
	require.NoError(t, err)

	snap := s.Current()
	assert.Len(t, snap.Listeners, 1)
	assert.Len(t, snap.Upstreams, 1)
	assert.Equal(t, uint64(1), snap.Version)
}

func TestStaticUpdateNotifiesSubscribers(t *testing.T) {
	b := &Bootstrap{Bind: ":53", InitialUpstreams: []string{"udp://1.1.1.1:53"}, CacheSize: 100}
	s, err := NewStaticFromBootstrap(b)
	require.NoError(t, err)

	var got ConfigSnapshot
	sub := s.Subscribe(func(c ConfigSnapshot) { got = c })
	defer sub.Unsubscribe()

	next := s.Current()
	next.Global.DefaultTTL = 60
	require.NoError(t, s.Update(next))

	assert.Equal(t, uint32(60), got.Global.DefaultTTL)
	assert.Equal(t, uint64(2), got.Version)
}
