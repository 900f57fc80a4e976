// Package config handles configuration for the agent daemon, including
// defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the idagent daemon.
//
// Fields:
//   - ChannelAddr: bind address for the relay channel (gRPC).
//   - IdentityServiceURL: base URL of the remote identity service.
//   - DurableDSN: durable key-value store DSN ("mem://", "sqlite://<path>"
//     or "s3://bucket/prefix").
//   - RequestTimeout: per-request timeout for identity service calls.
//   - ConsentTTL: how long a consent prompt may stay unanswered before it
//     is denied automatically.
//   - GapLimit: consecutive unused derivation indices that end a
//     recovery scan.
type Config struct {
	ChannelAddr        string
	IdentityServiceURL string
	DurableDSN         string
	RequestTimeout     time.Duration
	ConsentTTL         time.Duration
	GapLimit           int
}

// LoadDefaults populates Config with local development defaults.
func (c *Config) LoadDefaults() {
	c.ChannelAddr = "127.0.0.1:56561"
	c.IdentityServiceURL = "http://127.0.0.1:8787"
	c.DurableDSN = "sqlite://idagent.db"
	c.RequestTimeout = 10 * time.Second
	c.ConsentTTL = 5 * time.Minute
	c.GapLimit = 20
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
