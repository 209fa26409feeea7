package archive

import (
	"context"
	"errors"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/logger"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/nostr"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
)

var ErrTooManyInvalidMessages = errors.New("relay floods invalid messages")

// Session is one streaming subscription on one relay, from dial to a
// clean end or a failure. It resumes from the relay's durable
// checkpoint, validates and deduplicates incoming events and submits
// the survivors towards the store. It never advances the checkpoint
// itself, that happens inside the store's flush transaction.
type Session struct {
	config *config.Config
	log    *logrus.Entry

	relay       *model.Relay
	opener      StreamOpener
	checkpoints CheckpointReader
	registry    *Registry
	monitor     *monitor_archiver.Monitor

	// Where validated events go, the store's input
	output chan<- *model.SeenEvent

	// Event ids seen by this session. Relays replay stored events on
	// reconnect and some emit the same event more than once, there's no
	// point pushing those through the database's conflict handling.
	seen *cache.Cache

	// Sliding window of invalid messages, to cut off relays that spew garbage
	windowStart  time.Time
	windowErrors int
}

func NewSession(config *config.Config, relay *model.Relay) (self *Session) {
	self = new(Session)
	self.config = config
	self.log = logger.NewSublogger("session").WithField("relay", relay.Url)
	self.relay = relay
	self.seen = cache.New(config.Archiver.DedupCacheExpiration, config.Archiver.DedupCacheCleanupInterval)
	return
}

func (self *Session) WithOpener(v StreamOpener) *Session {
	self.opener = v
	return self
}

func (self *Session) WithCheckpoints(v CheckpointReader) *Session {
	self.checkpoints = v
	return self
}

func (self *Session) WithRegistry(v *Registry) *Session {
	self.registry = v
	return self
}

func (self *Session) WithMonitor(v *monitor_archiver.Monitor) *Session {
	self.monitor = v
	return self
}

func (self *Session) WithOutput(v chan<- *model.SeenEvent) *Session {
	self.output = v
	return self
}

// Run streams the relay until the context ends, the relay goes quiet
// after end of stored data, or something breaks. Returns how many
// events were submitted towards the store.
func (self *Session) Run(ctx context.Context) (received int, err error) {
	filter, err := self.buildFilter(ctx)
	if err != nil {
		return
	}

	stream, err := self.opener.OpenStream(ctx, self.relay.Url, string(self.relay.Network), filter)
	if err != nil {
		self.monitor.Report.Archiver.Errors.SessionDial.Inc()
		return
	}
	defer stream.Close()

	// Armed only once the relay signalled end of stored data. A relay
	// that then stays quiet for the grace interval has nothing more for
	// us right now and the session ends cleanly.
	idle := time.NewTimer(self.config.Archiver.SessionIdleGrace)
	idle.Stop()
	defer idle.Stop()

	endOfStored := stream.EndOfStored()
	events := stream.Events()

	for {
		select {
		case <-ctx.Done():
			return received, nil

		case <-endOfStored:
			endOfStored = nil
			idle.Reset(self.config.Archiver.SessionIdleGrace)
			self.log.WithField("received", received).Debug("End of stored data, staying for live events")

		case <-idle.C:
			return received, nil

		case <-stream.Done():
			err = stream.Err()
			if err != nil {
				self.monitor.Report.Archiver.Errors.SessionProtocol.Inc()
			}
			return

		case ev, open := <-events:
			if !open {
				// No more events will come, wait for Done to learn why
				events = nil
				continue
			}
			if endOfStored == nil {
				idle.Reset(self.config.Archiver.SessionIdleGrace)
			}

			ok, err := self.handle(ctx, ev)
			if err != nil {
				return received, err
			}
			if ok {
				received++
			}
		}
	}
}

// handle validates, deduplicates and submits one event.
// ok tells whether it was submitted.
func (self *Session) handle(ctx context.Context, ev *nostr.Event) (ok bool, err error) {
	self.monitor.Report.Archiver.State.EventsReceived.Inc()

	if _, found := self.seen.Get(ev.Id); found {
		self.monitor.Report.Archiver.State.EventsDeduplicated.Inc()
		return false, nil
	}

	if verifyErr := ev.Verify(); verifyErr != nil {
		self.monitor.Report.Archiver.Errors.EventValidation.Inc()
		self.log.WithError(verifyErr).WithField("id", ev.Id).Debug("Dropping invalid event")
		if self.countInvalid() {
			self.monitor.Report.Archiver.Errors.SessionErrorFlood.Inc()
			return false, ErrTooManyInvalidMessages
		}
		return false, nil
	}

	self.seen.SetDefault(ev.Id, struct{}{})
	self.discoverFromTags(ctx, ev)

	item := &model.SeenEvent{
		Event: &model.Event{
			Id:        ev.Id,
			Pubkey:    ev.Pubkey,
			CreatedAt: ev.CreatedAt,
			Kind:      ev.Kind,
			Tags:      model.Tags(ev.Tags),
			Content:   ev.Content,
			Sig:       ev.Sig,
		},
		RelayId: self.relay.Id,
		SeenAt:  time.Now(),
	}

	select {
	case self.output <- item:
		return true, nil
	case <-ctx.Done():
		return false, nil
	}
}

// buildFilter derives the subscription filter from the durable
// checkpoint. The overlap compensates for relays that serve events a
// bit out of order around the cursor.
func (self *Session) buildFilter(ctx context.Context) (filter *nostr.Filter, err error) {
	var since int64

	cursor, found, err := self.checkpoints.GetCheckpoint(ctx, self.relay.Id)
	if err != nil {
		return
	}
	if found {
		since = cursor - int64(self.config.Archiver.ResumeOverlap.Seconds())
	} else {
		since = time.Now().Add(-self.config.Archiver.Lookback).Unix()
	}
	if since < 0 {
		since = 0
	}

	filter = &nostr.Filter{
		Since: &since,
		Kinds: self.config.Archiver.FilterKinds,
	}
	return
}

// discoverFromTags feeds relay hints from r tags into the catalog
func (self *Session) discoverFromTags(ctx context.Context, ev *nostr.Event) {
	if !self.config.Archiver.DiscoverRelays || self.registry == nil {
		return
	}
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != "r" {
			continue
		}
		relay, err := self.registry.Discover(ctx, tag[1])
		if err != nil {
			if !errors.Is(err, ErrBadRelayUrl) {
				self.log.WithError(err).Warn("Failed to save discovered relay")
			}
			continue
		}
		if relay != nil {
			self.monitor.Report.Archiver.State.RelaysDiscovered.Inc()
		}
	}
}

// countInvalid advances the sliding error window, true means the
// relay crossed the threshold and the session should be cut
func (self *Session) countInvalid() bool {
	now := time.Now()
	if now.Sub(self.windowStart) > self.config.Archiver.ErrorWindow {
		self.windowStart = now
		self.windowErrors = 0
	}
	self.windowErrors++
	return self.windowErrors > self.config.Archiver.ErrorRateThreshold
}
