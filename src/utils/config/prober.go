package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Prober struct {
	// How often the whole relay catalog is swept
	Interval time.Duration

	// Number of relays probed in parallel
	NumWorkers int

	// Global limit of started probes per second
	RateLimit float64
	RateBurst int

	// Timeout of a single NIP-11 request or websocket exchange
	RequestTimeout time.Duration

	// Measure a write round trip by publishing an ephemeral event.
	// Requires Nostr.ProbeSecretKey.
	WriteProbe bool

	// Kind of the ephemeral probe event
	WriteProbeKind int

	// Backoff for storing results
	StoreBackoffMaxElapsedTime time.Duration
	StoreBackoffMaxInterval    time.Duration
}

func setProberDefaults() {
	viper.SetDefault("Prober.Interval", "15m")
	viper.SetDefault("Prober.NumWorkers", "20")
	viper.SetDefault("Prober.RateLimit", "10")
	viper.SetDefault("Prober.RateBurst", "10")
	viper.SetDefault("Prober.RequestTimeout", "20s")
	viper.SetDefault("Prober.WriteProbe", "false")
	viper.SetDefault("Prober.WriteProbeKind", "20078")
	viper.SetDefault("Prober.StoreBackoffMaxElapsedTime", "2m")
	viper.SetDefault("Prober.StoreBackoffMaxInterval", "30s")
}

func (self *Prober) Validate() error {
	if self.Interval <= 0 {
		return errors.New("prober interval must be positive")
	}
	if self.NumWorkers <= 0 {
		return errors.New("prober needs at least one worker")
	}
	if self.RateLimit <= 0 || self.RateBurst <= 0 {
		return errors.New("prober rate limit misconfigured")
	}
	if self.RequestTimeout <= 0 {
		return errors.New("prober request timeout must be positive")
	}
	return nil
}
