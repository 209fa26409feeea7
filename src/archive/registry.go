package archive

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/logger"
	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var ErrBadRelayUrl = errors.New("not a usable relay url")

// Registry is the catalog of known relays, backed by the relays table.
// It's an explicit dependency handed to components at construction,
// there is no ambient global catalog.
type Registry struct {
	config *config.Config
	log    *logrus.Entry

	store RelayCatalog

	// Urls recently pushed through Discover, so a popular relay hint
	// doesn't hammer the database
	recent *cache.Cache
}

func NewRegistry(config *config.Config, store RelayCatalog) (self *Registry) {
	self = new(Registry)
	self.config = config
	self.log = logger.NewSublogger("registry")
	self.store = store
	self.recent = cache.New(10*time.Minute, 30*time.Minute)
	return
}

// Bootstrap inserts the configured seed relays
func (self *Registry) Bootstrap(ctx context.Context) (err error) {
	for _, seed := range self.config.Archiver.SeedRelays {
		_, err = self.Discover(ctx, seed)
		if err != nil {
			if errors.Is(err, ErrBadRelayUrl) {
				self.log.WithField("url", seed).Warn("Skipping malformed seed relay")
				continue
			}
			return
		}
	}
	return nil
}

// All returns the whole catalog
func (self *Registry) All(ctx context.Context) ([]*model.Relay, error) {
	return self.store.ListRelays(ctx)
}

// Discover normalizes the url and inserts the relay if it's new.
// Already known relays are just touched.
func (self *Registry) Discover(ctx context.Context, rawUrl string) (relay *model.Relay, err error) {
	normalized, err := NormalizeUrl(rawUrl)
	if err != nil {
		return
	}

	if _, found := self.recent.Get(normalized); found {
		return nil, nil
	}
	self.recent.SetDefault(normalized, struct{}{})

	return self.store.InsertRelay(ctx, normalized, Classify(normalized), time.Now())
}

// NormalizeUrl brings a relay url to its canonical form, so the same
// endpoint never shows up twice in the catalog
func (self *Registry) NormalizeUrl(rawUrl string) (string, error) {
	return NormalizeUrl(rawUrl)
}

func NormalizeUrl(rawUrl string) (out string, err error) {
	rawUrl = strings.TrimSpace(rawUrl)
	if rawUrl == "" {
		return "", ErrBadRelayUrl
	}

	parsed, err := url.Parse(rawUrl)
	if err != nil {
		return "", ErrBadRelayUrl
	}

	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
	default:
		return "", ErrBadRelayUrl
	}

	if parsed.Host == "" {
		return "", ErrBadRelayUrl
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""
	parsed.RawQuery = ""
	if parsed.Path == "/" {
		parsed.Path = ""
	}

	return parsed.String(), nil
}

// Classify picks the network class from the endpoint address
func Classify(relayUrl string) model.Network {
	parsed, err := url.Parse(relayUrl)
	if err != nil {
		return model.NetworkClear
	}
	if strings.HasSuffix(parsed.Hostname(), ".onion") {
		return model.NetworkTor
	}
	return model.NetworkClear
}
