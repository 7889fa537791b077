package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesDefault(t *testing.T) {
	const cfgfile = "test_generated.toml"
	defer os.Remove(cfgfile)

	b, err := Load(cfgfile)
	require.NoError(t, err)
	assert.Equal(t, ":53", b.Bind)
	assert.NotZero(t, b.PipelineTTL.Duration)
}

func TestLoadMissingDirReturnsError(t *testing.T) {
	_, err := Load("/nonexistent-dir/does-not-exist/resolvd.toml")
	assert.Error(t, err)
}
