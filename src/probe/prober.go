package probe

import (
	"context"
	"sync"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_prober "github.com/nostr-archive/archiver/src/utils/monitoring/prober"
	"github.com/nostr-archive/archiver/src/utils/nostr"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"

	"golang.org/x/time/rate"
)

// RelayClient is the wire surface the prober needs, faked in tests
type RelayClient interface {
	FetchInfo(ctx context.Context, relayUrl, network string) (info *nostr.Info, raw []byte, err error)
	Probe(ctx context.Context, relayUrl, network string) (result *nostr.ProbeResult, err error)
}

// SnapshotStore is the storage surface the prober needs
type SnapshotStore interface {
	ListRelays(ctx context.Context) ([]*model.Relay, error)
	InsertMetadataSnapshot(ctx context.Context, snapshot *storage.Snapshot) error
	TouchRelay(ctx context.Context, relayId int64, at time.Time) error
}

// Prober sweeps the whole relay catalog on an interval. Each relay
// gets a capability document fetch and a connectivity round trip
// measurement, both saved as immutable observations. Sweeps are rate
// limited globally so a big catalog doesn't turn into a burst of dials.
type Prober struct {
	*task.Task

	client  RelayClient
	store   SnapshotStore
	monitor *monitor_prober.Monitor

	limiter *rate.Limiter
}

func NewProber(config *config.Config) (self *Prober) {
	self = new(Prober)

	self.limiter = rate.NewLimiter(rate.Limit(config.Prober.RateLimit), config.Prober.RateBurst)

	self.Task = task.NewTask(config, "prober").
		WithWorkerPool(config.Prober.NumWorkers).
		WithPeriodicSubtaskFunc(config.Prober.Interval, self.sweep)

	return
}

func (self *Prober) WithClient(v RelayClient) *Prober {
	self.client = v
	return self
}

func (self *Prober) WithStore(v SnapshotStore) *Prober {
	self.store = v
	return self
}

func (self *Prober) WithMonitor(v *monitor_prober.Monitor) *Prober {
	self.monitor = v
	return self
}

// sweep probes every known relay once
func (self *Prober) sweep() (err error) {
	relays, err := self.store.ListRelays(self.Ctx)
	if err != nil {
		self.Log.WithError(err).Error("Failed to list relays for the sweep")
		// Try again next interval
		return nil
	}

	var reachable int64
	var mtx sync.Mutex
	var wg sync.WaitGroup

	for _, relay := range relays {
		err = self.limiter.Wait(self.Ctx)
		if err != nil {
			// Stopping mid sweep
			break
		}

		relay := relay
		wg.Add(1)
		self.SubmitToWorker(func() {
			defer wg.Done()
			if self.probeOne(relay) {
				mtx.Lock()
				reachable += 1
				mtx.Unlock()
			}
		})
	}

	wg.Wait()

	self.monitor.Report.Prober.State.RelaysReachable.Store(reachable)
	self.monitor.Report.Prober.State.SweepsFinished.Inc()
	return nil
}

// probeOne fetches the relay's capability document and measures a
// connectivity round trip, reachable tells whether the relay answered
// anything at all
func (self *Prober) probeOne(relay *model.Relay) (reachable bool) {
	now := time.Now()

	info, raw, err := self.client.FetchInfo(self.Ctx, relay.Url, string(relay.Network))
	if err != nil {
		self.monitor.Report.Prober.Errors.InfoFetch.Inc()
		self.Log.WithError(err).WithField("relay", relay.Url).Debug("Capability document fetch failed")
	} else {
		reachable = true
		self.monitor.Report.Prober.State.InfoDocuments.Inc()
		self.save(&storage.Snapshot{
			RelayId:       relay.Id,
			Document:      model.Document(raw),
			SupportedNips: info.SupportedNips,
			Kind:          model.ObservationInfo,
			GeneratedAt:   now,
		})
	}

	result, err := self.client.Probe(self.Ctx, relay.Url, string(relay.Network))
	if err != nil && result == nil {
		self.monitor.Report.Prober.Errors.ProbeDial.Inc()
		self.Log.WithError(err).WithField("relay", relay.Url).Debug("Connectivity probe failed")
	}
	if result != nil && result.RttOpenMs != nil {
		// A partial measurement is still a measurement
		reachable = true
		if result.RttWriteMs != nil {
			self.monitor.Report.Prober.State.WriteProbes.Inc()
		}
		self.save(&storage.Snapshot{
			RelayId:     relay.Id,
			Kind:        model.ObservationProbe,
			GeneratedAt: now,
			RttOpenMs:   result.RttOpenMs,
			RttReadMs:   result.RttReadMs,
			RttWriteMs:  result.RttWriteMs,
		})
	}

	if reachable {
		err = self.store.TouchRelay(self.Ctx, relay.Id, now)
		if err != nil {
			self.monitor.Report.Prober.Errors.DbInsert.Inc()
		}
	}

	self.monitor.Report.Prober.State.ProbesFinished.Inc()
	return
}

func (self *Prober) save(snapshot *storage.Snapshot) {
	err := task.NewRetry().
		WithContext(self.Ctx).
		WithMaxElapsedTime(self.Config.Prober.StoreBackoffMaxElapsedTime).
		WithMaxInterval(self.Config.Prober.StoreBackoffMaxInterval).
		Run(func() error {
			return self.store.InsertMetadataSnapshot(self.Ctx, snapshot)
		})
	if err != nil {
		self.monitor.Report.Prober.Errors.DbInsert.Inc()
		self.Log.WithError(err).Error("Failed to save relay observation")
	}
}
