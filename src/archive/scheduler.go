package archive

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"
)

// Scheduler decides which relays get a session and when. At most one
// session per relay at a time, at most the worker budget of sessions
// overall. Relays that fail back off exponentially with jitter,
// repeat offenders are demoted to a long cooldown so they can't
// starve healthy relays of slots. When the database itself is the
// bottleneck the effective budget shrinks and recovers on success.
type Scheduler struct {
	*task.Task

	registry    *Registry
	checkpoints CheckpointReader
	opener      StreamOpener
	store       *Store
	monitor     *monitor_archiver.Monitor

	// Runs one session for one relay. Swapped out in tests.
	sessionFunc func(relay *model.Relay) (received int, err error)

	mtx    sync.Mutex
	relays []*model.Relay
	states map[int64]*relayState

	// Sessions currently running
	active int

	// Effective concurrency, between 1 and Archiver.NumWorkers
	budget int
}

// relayState is the scheduler's per-relay bookkeeping.
// The durable part of a relay's progress is its checkpoint,
// everything here can be lost on restart without harm.
type relayState struct {
	running             bool
	eligibleAt          time.Time
	lastFinished        time.Time
	consecutiveFailures int
	backoff             time.Duration
	demoted             bool
}

func NewScheduler(config *config.Config, store *Store) (self *Scheduler) {
	self = new(Scheduler)

	self.store = store
	self.states = make(map[int64]*relayState)
	self.budget = config.Archiver.NumWorkers
	self.sessionFunc = self.runSession

	self.Task = task.NewTask(config, "scheduler").
		WithWorkerPool(config.Archiver.NumWorkers).
		WithOnBeforeStart(self.bootstrap).
		WithPeriodicSubtaskFunc(config.Archiver.RegistryRefreshInterval, self.refresh).
		WithPeriodicSubtaskFunc(config.Archiver.SchedulerInterval, self.dispatch).
		WithOnAfterStop(store.CloseInput)

	return
}

func (self *Scheduler) WithRegistry(v *Registry) *Scheduler {
	self.registry = v
	return self
}

func (self *Scheduler) WithCheckpoints(v CheckpointReader) *Scheduler {
	self.checkpoints = v
	return self
}

func (self *Scheduler) WithOpener(v StreamOpener) *Scheduler {
	self.opener = v
	return self
}

func (self *Scheduler) WithMonitor(v *monitor_archiver.Monitor) *Scheduler {
	self.monitor = v
	return self
}

func (self *Scheduler) WithSessionFunc(f func(relay *model.Relay) (int, error)) *Scheduler {
	self.sessionFunc = f
	return self
}

func (self *Scheduler) bootstrap() (err error) {
	err = self.registry.Bootstrap(self.Ctx)
	if err != nil {
		return
	}
	return self.refresh()
}

// refresh re-reads the relay catalog
func (self *Scheduler) refresh() (err error) {
	relays, err := self.registry.All(self.Ctx)
	if err != nil {
		self.Log.WithError(err).Error("Failed to refresh relay catalog")
		// Keep going with the catalog we have
		return nil
	}

	self.mtx.Lock()
	self.relays = relays
	for _, relay := range relays {
		if _, ok := self.states[relay.Id]; !ok {
			self.states[relay.Id] = new(relayState)
		}
	}
	self.mtx.Unlock()

	self.monitor.Report.Archiver.State.RelaysKnown.Store(int64(len(relays)))
	return nil
}

// dispatch fills free session slots with the relays that waited longest
func (self *Scheduler) dispatch() (err error) {
	now := time.Now()

	self.mtx.Lock()

	free := self.budget - self.active
	if free <= 0 {
		self.mtx.Unlock()
		return nil
	}

	eligible := make([]*model.Relay, 0, free)
	for _, relay := range self.relays {
		state := self.states[relay.Id]
		if state == nil || state.running || now.Before(state.eligibleAt) {
			continue
		}
		eligible = append(eligible, relay)
	}

	// Longest idle first
	sort.Slice(eligible, func(i, j int) bool {
		return self.states[eligible[i].Id].lastFinished.Before(self.states[eligible[j].Id].lastFinished)
	})

	if len(eligible) > free {
		eligible = eligible[:free]
	}

	for _, relay := range eligible {
		relay := relay
		self.states[relay.Id].running = true
		self.active += 1
		self.SubmitToWorker(func() {
			self.monitor.Report.Archiver.State.SessionsActive.Inc()
			self.monitor.Report.Archiver.State.SessionsStarted.Inc()

			received, sessionErr := self.sessionFunc(relay)

			self.monitor.Report.Archiver.State.SessionsActive.Dec()
			self.onSessionDone(relay, received, sessionErr)
		})
	}

	self.mtx.Unlock()
	return nil
}

func (self *Scheduler) runSession(relay *model.Relay) (received int, err error) {
	return NewSession(self.Config, relay).
		WithOpener(self.opener).
		WithCheckpoints(self.checkpoints).
		WithRegistry(self.registry).
		WithMonitor(self.monitor).
		WithOutput(self.store.Input()).
		Run(self.Ctx)
}

func (self *Scheduler) onSessionDone(relay *model.Relay, received int, err error) {
	now := time.Now()
	cfg := self.Config.Archiver

	self.mtx.Lock()
	defer self.mtx.Unlock()

	state := self.states[relay.Id]
	if state == nil {
		state = new(relayState)
		self.states[relay.Id] = state
	}

	state.running = false
	state.lastFinished = now
	self.active -= 1

	if err == nil {
		self.monitor.Report.Archiver.State.SessionsClean.Inc()
		if state.demoted {
			state.demoted = false
			self.monitor.Report.Archiver.State.RelaysDemoted.Dec()
		}
		state.consecutiveFailures = 0
		state.backoff = 0
		state.eligibleAt = now.Add(cfg.MinIdleInterval)

		// A clean session is evidence the pipeline keeps up,
		// let the budget recover
		if self.budget < cfg.NumWorkers {
			self.budget += 1
		}
		return
	}

	state.consecutiveFailures += 1
	self.Log.WithError(err).
		WithField("relay", relay.Url).
		WithField("failures", state.consecutiveFailures).
		Debug("Session failed")

	if state.consecutiveFailures >= cfg.MaxConsecutiveFailures {
		if !state.demoted {
			state.demoted = true
			self.monitor.Report.Archiver.State.RelaysDemoted.Inc()
		}
		state.eligibleAt = now.Add(cfg.DemotedCooldown)
		state.consecutiveFailures = 0
		state.backoff = 0
		return
	}

	if state.backoff <= 0 {
		state.backoff = cfg.BackoffInitialInterval
	} else {
		state.backoff *= 2
	}
	if state.backoff > cfg.BackoffMaxInterval {
		state.backoff = cfg.BackoffMaxInterval
	}
	state.eligibleAt = now.Add(withJitter(state.backoff))
}

// OnFlushFailure is wired to the store. Relays whose batch got
// abandoned back off so they don't keep producing into a pipeline
// that cannot keep up, and pool pressure halves the budget.
func (self *Scheduler) OnFlushFailure(items []*model.SeenEvent, err error) {
	now := time.Now()
	cfg := self.Config.Archiver

	self.mtx.Lock()
	defer self.mtx.Unlock()

	if errors.Is(err, storage.ErrPoolExhausted) || errors.Is(err, storage.ErrConnectionUnavailable) {
		self.budget /= 2
		if self.budget < 1 {
			self.budget = 1
		}
		self.Log.WithField("budget", self.budget).Warn("Database under pressure, shrinking session budget")
	}

	affected := make(map[int64]struct{}, len(items))
	for _, item := range items {
		affected[item.RelayId] = struct{}{}
	}

	for relayId := range affected {
		state := self.states[relayId]
		if state == nil {
			continue
		}
		if state.backoff <= 0 {
			state.backoff = cfg.BackoffInitialInterval
		}
		eligibleAt := now.Add(withJitter(state.backoff))
		if eligibleAt.After(state.eligibleAt) {
			state.eligibleAt = eligibleAt
		}
	}
}

// withJitter spreads retries out, up to half the interval on top
func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
