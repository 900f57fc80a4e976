package config

import (
	"encoding/json"
	"os"

	"github.com/identkit/idagent/internal/flagx"
	"github.com/identkit/idagent/internal/timex"
)

// JsonConfig is the JSON-file view of Config. Interval fields use
// timex.Duration so both "10s" strings and integer nanoseconds parse.
type JsonConfig struct {
	ChannelAddr        string         `json:"channel_addr"`
	IdentityServiceURL string         `json:"identity_service_url"`
	DurableDSN         string         `json:"durable_dsn"`
	RequestTimeout     timex.Duration `json:"request_timeout"`
	ConsentTTL         timex.Duration `json:"consent_ttl"`
	GapLimit           int            `json:"gap_limit"`
}

// parseJson overlays values from the JSON file named by the -c/-config
// flags, if any. A missing flag means no file is loaded; an unreadable
// or invalid file panics, since running with half a config is worse
// than not starting.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	config.ChannelAddr = c.ChannelAddr
	config.IdentityServiceURL = c.IdentityServiceURL
	config.DurableDSN = c.DurableDSN
	config.RequestTimeout = c.RequestTimeout.Std()
	config.ConsentTTL = c.ConsentTTL.Std()
	config.GapLimit = c.GapLimit
}
