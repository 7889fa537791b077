// Package config loads the resolver's static bootstrap configuration
// (listen addresses, initial upstream list, TLS file paths) and defines
// the ConfigProvider/ConfigSnapshot contract through which the admin
// layer publishes live, editable configuration into the resolver core.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/semihalev/zlog/v2"
)

const bootstrapVersion = "1.0.0"

// Duration wraps time.Duration for TOML unmarshaling, matching the
// teacher's config.Duration type.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Bootstrap is the static, file-loaded configuration the process starts
// with. Everything editable at runtime (listeners, upstreams, rewrite
// rules, local records, global settings) instead arrives through a
// ConfigProvider — this struct only carries what the process needs before
// it can reach the admin store at all.
type Bootstrap struct {
	Version string

	Bind    string
	BindTLS string
	BindDoH string
	BindDoQ string

	TLSCertificate string
	TLSPrivateKey  string

	InitialUpstreams []string // "protocol://host:port", e.g. "udp://1.1.1.1:53"

	CacheSize   int
	PipelineTTL Duration // default pipeline deadline, §4.3's default 8s

	LogLevel string
}

var defaultBootstrap = `
version = "%s"

bind = ":53"
# bindtls = ":853"
# binddoh = ":443"
# binddoq = ":853"

# tlscertificate = "server.crt"
# tlsprivatekey = "server.key"

initialupstreams = [
  "udp://9.9.9.9:53",
  "udp://1.1.1.1:53",
]

cachesize = 10000
pipelinettl = "8s"

loglevel = "info"
`

// Load reads cfgfile, generating a commented default if it doesn't exist.
func Load(cfgfile string) (*Bootstrap, error) {
	if _, err := os.Stat(cfgfile); os.IsNotExist(err) {
		if err := generateConfig(cfgfile); err != nil {
			return nil, err
		}
	}

	zlog.Info("loading bootstrap config", "path", cfgfile)

	b := new(Bootstrap)
	if _, err := toml.DecodeFile(cfgfile, b); err != nil {
		return nil, fmt.Errorf("could not load config: %w", err)
	}

	if b.Version != bootstrapVersion {
		zlog.Warn("bootstrap config is from a different version", "have", b.Version, "want", bootstrapVersion)
	}
	if b.PipelineTTL.Duration == 0 {
		b.PipelineTTL = Duration{8 * time.Second}
	}

	return b, nil
}

func generateConfig(path string) error {
	output, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("could not generate config: %w", err)
	}
	defer func() {
		if err := output.Close(); err != nil {
			zlog.Warn("config generation failed closing file", "error", err)
		}
	}()

	r := strings.NewReader(fmt.Sprintf(defaultBootstrap, bootstrapVersion))
	if _, err := io.Copy(output, r); err != nil {
		return fmt.Errorf("could not write default config: %w", err)
	}

	if abs, err := filepath.Abs(path); err == nil {
		zlog.Info("default config file generated", "path", abs)
	}
	return nil
}
