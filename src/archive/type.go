package archive

import (
	"context"
	"time"

	"github.com/nostr-archive/archiver/src/utils/model"
	"github.com/nostr-archive/archiver/src/utils/nostr"
)

// StreamOpener opens one streaming subscription on one relay.
// Implemented by nostr.Client, faked in tests.
type StreamOpener interface {
	OpenStream(ctx context.Context, relayUrl, network string, filter *nostr.Filter) (nostr.Stream, error)
}

// EventWriter persists one batch of observed events atomically
type EventWriter interface {
	InsertEvents(ctx context.Context, items []*model.SeenEvent) error
}

// CheckpointReader loads a relay's durable resume cursor
type CheckpointReader interface {
	GetCheckpoint(ctx context.Context, relayId int64) (cursor int64, ok bool, err error)
}

// RelayCatalog is the subset of the storage gateway the registry needs
type RelayCatalog interface {
	InsertRelay(ctx context.Context, url string, network model.Network, firstSeen time.Time) (*model.Relay, error)
	ListRelays(ctx context.Context) ([]*model.Relay, error)
}
