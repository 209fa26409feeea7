package archive

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/storage"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

func TestSchedulerTestSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

type SchedulerTestSuite struct {
	suite.Suite
	ctx     context.Context
	config  *config.Config
	catalog *fakeCatalog
}

func (s *SchedulerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.config = config.Default()
	s.config.Archiver.NumWorkers = 4
	s.config.Archiver.MinIdleInterval = time.Hour
	s.config.Archiver.BackoffInitialInterval = time.Hour
	s.config.Archiver.BackoffMaxInterval = 8 * time.Hour
	s.config.Archiver.MaxConsecutiveFailures = 3
	s.catalog = newFakeCatalog()
}

func (s *SchedulerTestSuite) newScheduler(sessionFunc func(*model.Relay) (int, error)) *Scheduler {
	registry := NewRegistry(s.config, s.catalog)
	return NewScheduler(s.config, NewStore(s.config)).
		WithRegistry(registry).
		WithMonitor(monitor_archiver.NewMonitor().WithMaxHistorySize(10)).
		WithSessionFunc(sessionFunc)
}

func (s *SchedulerTestSuite) addRelays(urls ...string) {
	for _, url := range urls {
		_, err := s.catalog.InsertRelay(s.ctx, url, model.NetworkClear, time.Now())
		require.NoError(s.T(), err)
	}
}

func (s *SchedulerTestSuite) waitFor(condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T().Fatal("condition not reached in time")
}

func (s *SchedulerTestSuite) TestRelayNeverRunsTwiceAtOnce() {
	s.addRelays("wss://one.example.com")

	var started atomic.Int64
	release := make(chan struct{})
	scheduler := s.newScheduler(func(relay *model.Relay) (int, error) {
		started.Inc()
		<-release
		return 0, nil
	})

	require.NoError(s.T(), scheduler.refresh())
	require.NoError(s.T(), scheduler.dispatch())
	s.waitFor(func() bool { return started.Load() == 1 })

	// The relay is busy, further dispatches skip it
	require.NoError(s.T(), scheduler.dispatch())
	require.NoError(s.T(), scheduler.dispatch())
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(s.T(), 1, started.Load())

	close(release)
	scheduler.Workers.StopWait()
}

func (s *SchedulerTestSuite) TestCleanSessionWaitsMinIdleInterval() {
	s.addRelays("wss://one.example.com")

	var started atomic.Int64
	scheduler := s.newScheduler(func(relay *model.Relay) (int, error) {
		started.Inc()
		return 5, nil
	})

	require.NoError(s.T(), scheduler.refresh())
	require.NoError(s.T(), scheduler.dispatch())
	s.waitFor(func() bool { return started.Load() == 1 })

	// Too soon for another session
	s.waitFor(func() bool {
		scheduler.mtx.Lock()
		defer scheduler.mtx.Unlock()
		return scheduler.active == 0
	})
	require.NoError(s.T(), scheduler.dispatch())
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(s.T(), 1, started.Load())
}

func (s *SchedulerTestSuite) TestRepeatedFailuresDemoteRelay() {
	s.addRelays("wss://flaky.example.com")

	scheduler := s.newScheduler(func(relay *model.Relay) (int, error) {
		return 0, errors.New("refused")
	})
	require.NoError(s.T(), scheduler.refresh())

	relay := s.catalog.relays["wss://flaky.example.com"]
	for i := 0; i < s.config.Archiver.MaxConsecutiveFailures; i++ {
		scheduler.mtx.Lock()
		state := scheduler.states[relay.Id]
		state.running = true
		state.eligibleAt = time.Time{}
		scheduler.active++
		scheduler.mtx.Unlock()

		scheduler.onSessionDone(relay, 0, errors.New("refused"))
	}

	scheduler.mtx.Lock()
	state := scheduler.states[relay.Id]
	scheduler.mtx.Unlock()

	require.True(s.T(), state.demoted)
	require.True(s.T(), state.eligibleAt.After(time.Now().Add(s.config.Archiver.DemotedCooldown-time.Minute)))
	require.EqualValues(s.T(), 1, scheduler.monitor.Report.Archiver.State.RelaysDemoted.Load())
}

func (s *SchedulerTestSuite) TestFailureBacksOffExponentially() {
	s.addRelays("wss://one.example.com")
	scheduler := s.newScheduler(nil)
	require.NoError(s.T(), scheduler.refresh())

	relay := s.catalog.relays["wss://one.example.com"]

	scheduler.mtx.Lock()
	scheduler.states[relay.Id].running = true
	scheduler.active++
	scheduler.mtx.Unlock()
	scheduler.onSessionDone(relay, 0, errors.New("refused"))

	first := scheduler.states[relay.Id].backoff

	scheduler.mtx.Lock()
	scheduler.states[relay.Id].running = true
	scheduler.active++
	scheduler.mtx.Unlock()
	scheduler.onSessionDone(relay, 0, errors.New("refused"))

	require.Equal(s.T(), s.config.Archiver.BackoffInitialInterval, first)
	require.Equal(s.T(), 2*first, scheduler.states[relay.Id].backoff)
}

func (s *SchedulerTestSuite) TestBackoffIsCappedAtMaxInterval() {
	s.config.Archiver.MaxConsecutiveFailures = 100
	s.addRelays("wss://relay.example.com")
	scheduler := s.newScheduler(nil)
	require.NoError(s.T(), scheduler.refresh())

	relay := s.catalog.relays["wss://relay.example.com"]
	for i := 0; i < 5; i++ {
		scheduler.mtx.Lock()
		scheduler.states[relay.Id].running = true
		scheduler.active++
		scheduler.mtx.Unlock()
		scheduler.onSessionDone(relay, 0, errors.New("refused"))
	}

	require.Equal(s.T(), s.config.Archiver.BackoffMaxInterval, scheduler.states[relay.Id].backoff)
}

func (s *SchedulerTestSuite) TestPoolPressureShrinksBudget() {
	s.addRelays("wss://one.example.com")
	scheduler := s.newScheduler(nil)
	require.NoError(s.T(), scheduler.refresh())

	require.Equal(s.T(), 4, scheduler.budget)

	scheduler.OnFlushFailure(nil, storage.ErrPoolExhausted)
	require.Equal(s.T(), 2, scheduler.budget)

	scheduler.OnFlushFailure(nil, storage.ErrConnectionUnavailable)
	require.Equal(s.T(), 1, scheduler.budget)

	// Never below one
	scheduler.OnFlushFailure(nil, storage.ErrPoolExhausted)
	require.Equal(s.T(), 1, scheduler.budget)

	// A clean session lets it grow back
	relay := s.catalog.relays["wss://one.example.com"]
	scheduler.mtx.Lock()
	scheduler.states[relay.Id].running = true
	scheduler.active++
	scheduler.mtx.Unlock()
	scheduler.onSessionDone(relay, 1, nil)
	require.Equal(s.T(), 2, scheduler.budget)
}

func (s *SchedulerTestSuite) TestAbandonedBatchDelaysAffectedRelays() {
	s.addRelays("wss://one.example.com", "wss://two.example.com")
	scheduler := s.newScheduler(nil)
	require.NoError(s.T(), scheduler.refresh())

	one := s.catalog.relays["wss://one.example.com"]
	two := s.catalog.relays["wss://two.example.com"]

	items := []*model.SeenEvent{
		{Event: &model.Event{Id: "x"}, RelayId: one.Id},
	}
	scheduler.OnFlushFailure(items, errors.New("flush broken"))

	scheduler.mtx.Lock()
	defer scheduler.mtx.Unlock()
	require.True(s.T(), scheduler.states[one.Id].eligibleAt.After(time.Now()))
	require.False(s.T(), scheduler.states[two.Id].eligibleAt.After(time.Now()))
}
