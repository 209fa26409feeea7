package archive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}

type RegistryTestSuite struct {
	suite.Suite
	ctx    context.Context
	config *config.Config
}

func (s *RegistryTestSuite) SetupSuite() {
	s.ctx = context.Background()
	s.config = config.Default()
}

// fakeCatalog is an in-memory RelayCatalog
type fakeCatalog struct {
	mtx     sync.Mutex
	relays  map[string]*model.Relay
	inserts int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{relays: make(map[string]*model.Relay)}
}

func (self *fakeCatalog) InsertRelay(ctx context.Context, url string, network model.Network, firstSeen time.Time) (*model.Relay, error) {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	self.inserts++
	relay, ok := self.relays[url]
	if !ok {
		relay = &model.Relay{
			Id:        int64(len(self.relays) + 1),
			Url:       url,
			Network:   network,
			FirstSeen: firstSeen,
			LastSeen:  firstSeen,
		}
		self.relays[url] = relay
	}
	return relay, nil
}

func (self *fakeCatalog) ListRelays(ctx context.Context) (out []*model.Relay, err error) {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	for _, relay := range self.relays {
		out = append(out, relay)
	}
	return
}

func (s *RegistryTestSuite) TestNormalizeUrl() {
	cases := map[string]string{
		"wss://Relay.Example.COM":      "wss://relay.example.com",
		"wss://relay.example.com/":     "wss://relay.example.com",
		"wss://relay.example.com/sub":  "wss://relay.example.com/sub",
		" wss://relay.example.com ":    "wss://relay.example.com",
		"WS://relay.example.com?x=1#y": "ws://relay.example.com",
		"wss://relay.example.com:7777": "wss://relay.example.com:7777",
	}
	for in, want := range cases {
		got, err := NormalizeUrl(in)
		require.NoError(s.T(), err, in)
		require.Equal(s.T(), want, got, in)
	}
}

func (s *RegistryTestSuite) TestNormalizeUrlRejectsJunk() {
	for _, in := range []string{"", "   ", "https://relay.example.com", "not a url at all", "wss://"} {
		_, err := NormalizeUrl(in)
		require.ErrorIs(s.T(), err, ErrBadRelayUrl, in)
	}
}

func (s *RegistryTestSuite) TestClassify() {
	require.Equal(s.T(), model.NetworkClear, Classify("wss://relay.example.com"))
	require.Equal(s.T(), model.NetworkTor, Classify("ws://abcdefabcdef.onion"))
	require.Equal(s.T(), model.NetworkTor, Classify("wss://relay.abcdefabcdef.onion:8080"))
}

func (s *RegistryTestSuite) TestDiscoverCoalescesRepeatedUrls() {
	catalog := newFakeCatalog()
	registry := NewRegistry(s.config, catalog)

	relay, err := registry.Discover(s.ctx, "wss://Relay.Example.COM/")
	require.NoError(s.T(), err)
	require.NotNil(s.T(), relay)
	require.Equal(s.T(), "wss://relay.example.com", relay.Url)

	// Variants of the same endpoint don't hit the catalog again
	for _, variant := range []string{"wss://relay.example.com", "wss://RELAY.example.com/"} {
		again, err := registry.Discover(s.ctx, variant)
		require.NoError(s.T(), err)
		require.Nil(s.T(), again)
	}
	require.Equal(s.T(), 1, catalog.inserts)
}

func (s *RegistryTestSuite) TestBootstrapSkipsMalformedSeeds() {
	catalog := newFakeCatalog()

	config := config.Default()
	config.Archiver.SeedRelays = []string{
		"wss://one.example.com",
		"https://not-a-relay.example.com",
		"wss://two.example.com",
	}

	registry := NewRegistry(config, catalog)
	require.NoError(s.T(), registry.Bootstrap(s.ctx))

	relays, err := registry.All(s.ctx)
	require.NoError(s.T(), err)
	require.Len(s.T(), relays, 2)
}
