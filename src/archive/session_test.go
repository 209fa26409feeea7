package archive

import (
	"context"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/nostr"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

type SessionTestSuite struct {
	suite.Suite
	config    *config.Config
	secretKey string
}

func (s *SessionTestSuite) SetupSuite() {
	key, err := btcec.NewPrivateKey()
	require.NoError(s.T(), err)
	s.secretKey = hex.EncodeToString(key.Serialize())
}

func (s *SessionTestSuite) SetupTest() {
	s.config = config.Default()
	s.config.Archiver.SessionIdleGrace = 50 * time.Millisecond
	s.config.Archiver.ErrorWindow = time.Minute
	s.config.Archiver.ErrorRateThreshold = 3
}

func (s *SessionTestSuite) signed(content string, tags [][]string) *nostr.Event {
	event := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      1,
		Tags:      tags,
		Content:   content,
	}
	require.NoError(s.T(), event.Sign(s.secretKey))
	return event
}

// fakeStream feeds a scripted sequence of events into a session
type fakeStream struct {
	events chan *nostr.Event
	eose   chan struct{}
	done   chan struct{}

	closeOnce sync.Once

	mtx sync.Mutex
	err error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		events: make(chan *nostr.Event, 64),
		eose:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (self *fakeStream) Events() <-chan *nostr.Event  { return self.events }
func (self *fakeStream) EndOfStored() <-chan struct{} { return self.eose }
func (self *fakeStream) Done() <-chan struct{}        { return self.done }

func (self *fakeStream) Err() error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	return self.err
}

func (self *fakeStream) Close() {
	self.closeOnce.Do(func() { close(self.done) })
}

func (self *fakeStream) fail(err error) {
	self.mtx.Lock()
	self.err = err
	self.mtx.Unlock()
	self.Close()
}

// fakeOpener hands out a prepared stream and records the filter
type fakeOpener struct {
	stream *fakeStream

	mtx    sync.Mutex
	filter *nostr.Filter
}

func (self *fakeOpener) OpenStream(ctx context.Context, relayUrl, network string, filter *nostr.Filter) (nostr.Stream, error) {
	self.mtx.Lock()
	self.filter = filter
	self.mtx.Unlock()
	return self.stream, nil
}

// fakeCheckpoints serves a single cursor
type fakeCheckpoints struct {
	cursor int64
	found  bool
}

func (self *fakeCheckpoints) GetCheckpoint(ctx context.Context, relayId int64) (int64, bool, error) {
	return self.cursor, self.found, nil
}

func (s *SessionTestSuite) newSession(stream *fakeStream, checkpoints *fakeCheckpoints, output chan *model.SeenEvent) (*Session, *fakeOpener) {
	opener := &fakeOpener{stream: stream}
	relay := &model.Relay{Id: 1, Url: "wss://relay.example.com", Network: model.NetworkClear}

	session := NewSession(s.config, relay).
		WithOpener(opener).
		WithCheckpoints(checkpoints).
		WithMonitor(monitor_archiver.NewMonitor().WithMaxHistorySize(10)).
		WithOutput(output)
	return session, opener
}

func (s *SessionTestSuite) TestStreamsValidEventsAndEndsAfterIdleGrace() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	one := s.signed("one", nil)
	two := s.signed("two", nil)
	stream.events <- one
	stream.events <- two
	close(stream.eose)

	received, err := session.Run(context.Background())
	require.NoError(s.T(), err)
	require.Equal(s.T(), 2, received)

	require.Len(s.T(), output, 2)
	first := <-output
	require.Equal(s.T(), one.Id, first.Event.Id)
	require.EqualValues(s.T(), 1, first.RelayId)
}

func (s *SessionTestSuite) TestDrainsClosedEventChannel() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	stream.events <- s.signed("last words", nil)
	close(stream.events)
	go func() {
		time.Sleep(30 * time.Millisecond)
		stream.Close()
	}()

	received, err := session.Run(context.Background())
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, received)
	require.Len(s.T(), output, 1)
}

func (s *SessionTestSuite) TestDeduplicatesRepeatedEvents() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	event := s.signed("repeated", nil)
	stream.events <- event
	stream.events <- event
	stream.events <- event
	close(stream.eose)

	received, err := session.Run(context.Background())
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, received)
	require.Equal(s.T(), uint64(2), session.monitor.Report.Archiver.State.EventsDeduplicated.Load())
}

func (s *SessionTestSuite) TestSkipsInvalidEvents() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	forged := s.signed("forged", nil)
	forged.Content = "tampered"
	stream.events <- forged
	stream.events <- s.signed("honest", nil)
	close(stream.eose)

	received, err := session.Run(context.Background())
	require.NoError(s.T(), err)
	require.Equal(s.T(), 1, received)
	require.Equal(s.T(), uint64(1), session.monitor.Report.Archiver.Errors.EventValidation.Load())
}

func (s *SessionTestSuite) TestCutsOffFloodingRelay() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	for i := 0; i < s.config.Archiver.ErrorRateThreshold+1; i++ {
		forged := s.signed("forged", nil)
		forged.Content = "tampered"
		stream.events <- forged
	}

	_, err := session.Run(context.Background())
	require.ErrorIs(s.T(), err, ErrTooManyInvalidMessages)
	require.Equal(s.T(), uint64(1), session.monitor.Report.Archiver.Errors.SessionErrorFlood.Load())
}

func (s *SessionTestSuite) TestResumesFromCheckpointWithOverlap() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	cursor := time.Now().Unix() - 3600
	session, opener := s.newSession(stream, &fakeCheckpoints{cursor: cursor, found: true}, output)

	close(stream.eose)
	_, err := session.Run(context.Background())
	require.NoError(s.T(), err)

	require.NotNil(s.T(), opener.filter)
	require.NotNil(s.T(), opener.filter.Since)
	require.Equal(s.T(), cursor-int64(s.config.Archiver.ResumeOverlap.Seconds()), *opener.filter.Since)
}

func (s *SessionTestSuite) TestFirstContactUsesLookback() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, opener := s.newSession(stream, &fakeCheckpoints{}, output)

	close(stream.eose)
	_, err := session.Run(context.Background())
	require.NoError(s.T(), err)

	require.NotNil(s.T(), opener.filter.Since)
	expected := time.Now().Add(-s.config.Archiver.Lookback).Unix()
	require.InDelta(s.T(), expected, *opener.filter.Since, 5)
}

func (s *SessionTestSuite) TestPropagatesStreamFailure() {
	stream := newFakeStream()
	output := make(chan *model.SeenEvent, 16)
	session, _ := s.newSession(stream, &fakeCheckpoints{}, output)

	stream.fail(context.DeadlineExceeded)

	_, err := session.Run(context.Background())
	require.ErrorIs(s.T(), err, context.DeadlineExceeded)
	require.Equal(s.T(), uint64(1), session.monitor.Report.Archiver.Errors.SessionProtocol.Load())
}
