// Package config loads the controller's runtime configuration from the
// process environment.
package config

import (
	"context"
	"fmt"

	"github.com/sethvargo/go-envconfig"
)

// Config holds every environment-tunable knob the controller reads at
// startup. Fields are re-read once, at process start; nothing here is
// hot-reloadable (the credentials file is — see probesession.CredentialStore).
type Config struct {
	Port            int    `env:"PORT, default=3000"`
	Host            string `env:"HOST, default=0.0.0.0"`
	GeoIPDir        string `env:"GEOIP_DIR, default=./data/geoip"`
	CredentialsPath string `env:"PROBES_CREDENTIALS_FILE, default=probes.json"`
}

// Load parses Config from the environment, applying the documented
// defaults for anything unset.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Addr returns the "host:port" listen address derived from Host and Port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
