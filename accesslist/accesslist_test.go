package accesslist

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowedWithinCIDR(t *testing.T) {
	a, err := New([]string{"192.168.1.0/24"})
	require.NoError(t, err)

	assert.True(t, a.Allowed(net.ParseIP("192.168.1.50")))
	assert.False(t, a.Allowed(net.ParseIP("10.0.0.1")))
}

func TestReplaceSwapsRanges(t *testing.T) {
	a, err := New([]string{"192.168.1.0/24"})
	require.NoError(t, err)

	require.NoError(t, a.Replace([]string{"10.0.0.0/8"}))

	assert.False(t, a.Allowed(net.ParseIP("192.168.1.50")))
	assert.True(t, a.Allowed(net.ParseIP("10.1.2.3")))
}

func TestOpenAccessList(t *testing.T) {
	a, err := New([]string{"0.0.0.0/0", "::/0"})
	require.NoError(t, err)

	assert.True(t, a.Allowed(net.ParseIP("8.8.8.8")))
	assert.True(t, a.Allowed(net.ParseIP("2001:db8::1")))
}
