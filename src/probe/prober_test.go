package probe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_prober "github.com/nostr-archive/archiver/src/utils/monitoring/prober"
	"github.com/nostr-archive/archiver/src/utils/nostr"
	"github.com/nostr-archive/archiver/src/utils/storage"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestProberTestSuite(t *testing.T) {
	suite.Run(t, new(ProberTestSuite))
}

type ProberTestSuite struct {
	suite.Suite
	config *config.Config
}

func (s *ProberTestSuite) SetupTest() {
	s.config = config.Default()
	s.config.Prober.NumWorkers = 2
	s.config.Prober.StoreBackoffMaxElapsedTime = 100 * time.Millisecond
}

type fakeRelayClient struct {
	infoErr  error
	probeErr error
	rttOpen  int64
}

func (self *fakeRelayClient) FetchInfo(ctx context.Context, relayUrl, network string) (*nostr.Info, []byte, error) {
	if self.infoErr != nil {
		return nil, nil, self.infoErr
	}
	info := &nostr.Info{Name: "relay", SupportedNips: []int64{1, 11}}
	return info, []byte(`{"name":"relay","supported_nips":[1,11]}`), nil
}

func (self *fakeRelayClient) Probe(ctx context.Context, relayUrl, network string) (*nostr.ProbeResult, error) {
	if self.probeErr != nil {
		return nil, self.probeErr
	}
	rtt := self.rttOpen
	return &nostr.ProbeResult{RttOpenMs: &rtt}, nil
}

type fakeSnapshotStore struct {
	mtx       sync.Mutex
	relays    []*model.Relay
	snapshots []*storage.Snapshot
	touched   map[int64]time.Time
	insertErr error
}

func newFakeSnapshotStore(relays ...*model.Relay) *fakeSnapshotStore {
	return &fakeSnapshotStore{relays: relays, touched: make(map[int64]time.Time)}
}

func (self *fakeSnapshotStore) ListRelays(ctx context.Context) ([]*model.Relay, error) {
	return self.relays, nil
}

func (self *fakeSnapshotStore) InsertMetadataSnapshot(ctx context.Context, snapshot *storage.Snapshot) error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	if self.insertErr != nil {
		return self.insertErr
	}
	self.snapshots = append(self.snapshots, snapshot)
	return nil
}

func (self *fakeSnapshotStore) TouchRelay(ctx context.Context, relayId int64, at time.Time) error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	self.touched[relayId] = at
	return nil
}

func (self *fakeSnapshotStore) saved() []*storage.Snapshot {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	out := make([]*storage.Snapshot, len(self.snapshots))
	copy(out, self.snapshots)
	return out
}

func (s *ProberTestSuite) newProber(client RelayClient, store SnapshotStore) *Prober {
	return NewProber(s.config).
		WithClient(client).
		WithStore(store).
		WithMonitor(monitor_prober.NewMonitor())
}

func (s *ProberTestSuite) TestSweepSavesInfoAndProbeObservations() {
	relay := &model.Relay{Id: 1, Url: "wss://one.example.com", Network: model.NetworkClear}
	store := newFakeSnapshotStore(relay)
	prober := s.newProber(&fakeRelayClient{rttOpen: 12}, store)

	require.NoError(s.T(), prober.sweep())
	prober.Workers.StopWait()

	snapshots := store.saved()
	require.Len(s.T(), snapshots, 2)

	kinds := map[model.ObservationKind]*storage.Snapshot{}
	for _, snapshot := range snapshots {
		kinds[snapshot.Kind] = snapshot
	}
	require.Contains(s.T(), kinds, model.ObservationInfo)
	require.Contains(s.T(), kinds, model.ObservationProbe)
	require.EqualValues(s.T(), 12, *kinds[model.ObservationProbe].RttOpenMs)
	require.Equal(s.T(), []int64{1, 11}, kinds[model.ObservationInfo].SupportedNips)

	require.Contains(s.T(), store.touched, relay.Id)
	require.EqualValues(s.T(), 1, prober.monitor.Report.Prober.State.SweepsFinished.Load())
	require.EqualValues(s.T(), 1, prober.monitor.Report.Prober.State.RelaysReachable.Load())
}

func (s *ProberTestSuite) TestUnreachableRelayIsCountedNotTouched() {
	relay := &model.Relay{Id: 1, Url: "wss://dead.example.com", Network: model.NetworkClear}
	store := newFakeSnapshotStore(relay)
	client := &fakeRelayClient{
		infoErr:  errors.New("connection refused"),
		probeErr: errors.New("connection refused"),
	}
	prober := s.newProber(client, store)

	require.NoError(s.T(), prober.sweep())
	prober.Workers.StopWait()

	require.Empty(s.T(), store.saved())
	require.NotContains(s.T(), store.touched, relay.Id)
	require.EqualValues(s.T(), 0, prober.monitor.Report.Prober.State.RelaysReachable.Load())
	require.EqualValues(s.T(), 1, prober.monitor.Report.Prober.Errors.InfoFetch.Load())
	require.EqualValues(s.T(), 1, prober.monitor.Report.Prober.Errors.ProbeDial.Load())
}

func (s *ProberTestSuite) TestPartialProbeStillCountsAsReachable() {
	relay := &model.Relay{Id: 1, Url: "wss://readonly.example.com", Network: model.NetworkClear}
	store := newFakeSnapshotStore(relay)
	client := &fakeRelayClient{
		infoErr: errors.New("404 no info document"),
		rttOpen: 40,
	}
	prober := s.newProber(client, store)

	require.NoError(s.T(), prober.sweep())
	prober.Workers.StopWait()

	snapshots := store.saved()
	require.Len(s.T(), snapshots, 1)
	require.Equal(s.T(), model.ObservationProbe, snapshots[0].Kind)
	require.Contains(s.T(), store.touched, relay.Id)
}

func (s *ProberTestSuite) TestInsertFailureIsCounted() {
	relay := &model.Relay{Id: 1, Url: "wss://one.example.com", Network: model.NetworkClear}
	store := newFakeSnapshotStore(relay)
	store.insertErr = errors.New("database down")
	prober := s.newProber(&fakeRelayClient{rttOpen: 12}, store)

	require.NoError(s.T(), prober.sweep())
	prober.Workers.StopWait()

	require.Empty(s.T(), store.saved())
	require.Positive(s.T(), prober.monitor.Report.Prober.Errors.DbInsert.Load())
}
