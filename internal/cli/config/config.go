// Package config handles configuration for the CLI client, including
// defaults, JSON overlay, and command-line flags.
package config

import (
	"flag"
	"os"
	"time"

	"github.com/identkit/idagent/internal/flagx"
)

// Config holds runtime settings for the idagent CLI.
type Config struct {
	// AgentAddr is the daemon's relay channel address.
	AgentAddr string
	// RequestTimeout bounds each request to the daemon. Privileged
	// actions wait for user consent, so it is generous.
	RequestTimeout time.Duration
}

// LoadDefaults populates Config with local development defaults.
func (c *Config) LoadDefaults() {
	c.AgentAddr = "127.0.0.1:56561"
	c.RequestTimeout = 2 * time.Minute
}

// LoadConfig builds a Config by applying defaults and overlaying
// command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseFlags(cfg)
	return cfg
}

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   agent channel address
//	-t int      request timeout, seconds
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.AgentAddr, "a", config.AgentAddr, "agent channel address")
	requestTimeout := fs.Int("t", int(config.RequestTimeout.Seconds()), "request timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.RequestTimeout = time.Duration(*requestTimeout) * time.Second
}
