package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

type Archiver struct {
	// Relay urls synced even before anything is discovered
	SeedRelays []string

	// Event kinds requested from relays. Empty means all kinds.
	FilterKinds []int

	// How far back the first session of an unknown relay reaches
	Lookback time.Duration

	// Overlap subtracted from the checkpoint cursor when resuming,
	// compensates for relays that serve events slightly out of order
	ResumeOverlap time.Duration

	// Insert newly discovered relays (from relay hints in event tags)
	DiscoverRelays bool

	// Number of concurrent relay sessions. Independent of the number of known relays.
	NumWorkers int

	// How often the scheduler tries to fill free session slots
	SchedulerInterval time.Duration

	// How often the relay catalog is re-read from the database
	RegistryRefreshInterval time.Duration

	// Minimum pause before an idle relay is scheduled again
	MinIdleInterval time.Duration

	// Session failure backoff
	BackoffInitialInterval time.Duration
	BackoffMaxInterval     time.Duration

	// After this many consecutive failures a relay is demoted...
	MaxConsecutiveFailures int

	// ...to this cooldown, so it cannot starve healthy relays of slots
	DemotedCooldown time.Duration

	// A session with no message for this long after EOSE ends cleanly
	SessionIdleGrace time.Duration

	// Per-session limit of invalid messages within ErrorWindow
	ErrorWindow        time.Duration
	ErrorRateThreshold int

	// In-process cache of recently seen event ids
	DedupCacheExpiration      time.Duration
	DedupCacheCleanupInterval time.Duration

	// Batching of writes towards the database
	StoreBatchSize             int
	StoreMaxTimeInQueue        time.Duration
	StoreBackoffMaxElapsedTime time.Duration
	StoreBackoffMaxInterval    time.Duration

	// Watchdog restarts syncing if there's no progress
	WatchdogInterval time.Duration
}

func setArchiverDefaults() {
	viper.SetDefault("Archiver.SeedRelays", "")
	viper.SetDefault("Archiver.Lookback", "720h")
	viper.SetDefault("Archiver.ResumeOverlap", "5m")
	viper.SetDefault("Archiver.DiscoverRelays", "true")
	viper.SetDefault("Archiver.NumWorkers", "50")
	viper.SetDefault("Archiver.SchedulerInterval", "5s")
	viper.SetDefault("Archiver.RegistryRefreshInterval", "1m")
	viper.SetDefault("Archiver.MinIdleInterval", "1m")
	viper.SetDefault("Archiver.BackoffInitialInterval", "10s")
	viper.SetDefault("Archiver.BackoffMaxInterval", "15m")
	viper.SetDefault("Archiver.MaxConsecutiveFailures", "5")
	viper.SetDefault("Archiver.DemotedCooldown", "2h")
	viper.SetDefault("Archiver.SessionIdleGrace", "30s")
	viper.SetDefault("Archiver.ErrorWindow", "10s")
	viper.SetDefault("Archiver.ErrorRateThreshold", "50")
	viper.SetDefault("Archiver.DedupCacheExpiration", "10m")
	viper.SetDefault("Archiver.DedupCacheCleanupInterval", "15m")
	viper.SetDefault("Archiver.StoreBatchSize", "200")
	viper.SetDefault("Archiver.StoreMaxTimeInQueue", "2s")
	viper.SetDefault("Archiver.StoreBackoffMaxElapsedTime", "5m")
	viper.SetDefault("Archiver.StoreBackoffMaxInterval", "30s")
	viper.SetDefault("Archiver.WatchdogInterval", "5m")
}

func (self *Archiver) Validate() error {
	if self.NumWorkers <= 0 {
		return errors.New("archiver needs at least one worker")
	}
	if self.StoreBatchSize <= 0 {
		return errors.New("archiver store batch size must be positive")
	}
	if self.StoreMaxTimeInQueue <= 0 {
		return errors.New("archiver store max time in queue must be positive")
	}
	if self.BackoffInitialInterval <= 0 || self.BackoffMaxInterval < self.BackoffInitialInterval {
		return errors.New("archiver backoff intervals misconfigured")
	}
	if self.MaxConsecutiveFailures <= 0 {
		return errors.New("archiver max consecutive failures must be positive")
	}
	if self.ErrorRateThreshold <= 0 || self.ErrorWindow <= 0 {
		return errors.New("archiver error rate window misconfigured")
	}
	return nil
}
