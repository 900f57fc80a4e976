package config

import (
	"flag"
	"os"
	"time"

	"github.com/identkit/idagent/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   channel bind address (e.g., "127.0.0.1:56561")
//	-i string   identity service base URL
//	-d string   durable store DSN ("mem://", "sqlite://<path>", "s3://bucket/prefix")
//	-t int      identity request timeout, seconds
//	-e int      consent prompt expiry, minutes
//	-g int      recovery scan gap limit
//
// os.Args is first filtered to just the flags handled here with
// flagx.FilterArgs, so the -c/-config flags of the JSON overlay do not
// collide.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-i", "-d", "-t", "-e", "-g"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ChannelAddr, "a", config.ChannelAddr, "address and port to bind the relay channel")
	fs.StringVar(&config.IdentityServiceURL, "i", config.IdentityServiceURL, "identity service base URL")
	fs.StringVar(&config.DurableDSN, "d", config.DurableDSN, "durable store DSN")

	requestTimeout := fs.Int("t", int(config.RequestTimeout.Seconds()), "identity request timeout (in seconds)")
	consentTTL := fs.Int("e", int(config.ConsentTTL.Minutes()), "consent prompt expiry (in minutes)")

	fs.IntVar(&config.GapLimit, "g", config.GapLimit, "recovery scan gap limit")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.RequestTimeout = time.Duration(*requestTimeout) * time.Second
	config.ConsentTTL = time.Duration(*consentTTL) * time.Minute
}
