package archive

import (
	"context"
	"errors"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/model"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"
)

// Store turns the stream of observed events coming from all relay
// sessions into bounded batches written through the storage gateway.
// One batch is in flight at a time, events submitted during a flush
// wait for the next one. Batches that exhaust their retries are
// reported through the failure callback, never dropped silently. The
// whole batch is re-derivable from the relays themselves, the
// checkpoints simply don't advance for items that never got durable.
type Store struct {
	*task.Batcher[*model.SeenEvent]

	gateway EventWriter
	monitor *monitor_archiver.Monitor

	input chan *model.SeenEvent

	onFailure func([]*model.SeenEvent, error)
}

func NewStore(config *config.Config) (self *Store) {
	self = new(Store)

	self.input = make(chan *model.SeenEvent, config.Archiver.StoreBatchSize)

	self.Batcher = task.NewBatcher[*model.SeenEvent](config, "store").
		WithBatchSize(config.Archiver.StoreBatchSize).
		WithInputChannel(self.input).
		WithOnFlush(config.Archiver.StoreMaxTimeInQueue, self.flush).
		WithOnFailure(self.failed).
		WithBackoff(config.Archiver.StoreBackoffMaxElapsedTime, config.Archiver.StoreBackoffMaxInterval)

	return
}

func (self *Store) WithGateway(v EventWriter) *Store {
	self.gateway = v
	return self
}

func (self *Store) WithMonitor(v *monitor_archiver.Monitor) *Store {
	self.monitor = v
	return self
}

func (self *Store) WithOnFailure(f func([]*model.SeenEvent, error)) *Store {
	self.onFailure = f
	return self
}

// Input is where sessions submit observed events
func (self *Store) Input() chan *model.SeenEvent {
	return self.input
}

// CloseInput signals that no session will submit anymore.
// The remaining buffer is flushed and the store winds down.
func (self *Store) CloseInput() {
	close(self.input)
}

func (self *Store) flush(ctx context.Context, items []*model.SeenEvent) (err error) {
	err = self.gateway.InsertEvents(ctx, items)
	if err != nil {
		self.countError(err)
		return
	}

	self.monitor.Report.Archiver.State.EventsSaved.Add(uint64(len(items)))
	self.monitor.Report.Archiver.State.LastEventSeenTimestamp.Store(time.Now().Unix())
	return
}

func (self *Store) failed(items []*model.SeenEvent, err error) {
	self.Log.WithError(err).
		WithField("size", len(items)).
		Error("Batch abandoned, checkpoints stay behind and items get re-streamed")
	self.monitor.Report.Archiver.Errors.BatchesAbandoned.Inc()

	if self.onFailure != nil {
		self.onFailure(items, err)
	}
}

func (self *Store) countError(err error) {
	switch {
	case errors.Is(err, storage.ErrPoolExhausted):
		self.monitor.Report.Archiver.Errors.PoolExhausted.Inc()
	case errors.Is(err, storage.ErrConnectionUnavailable):
		self.monitor.Report.Archiver.Errors.DbUnavailable.Inc()
	default:
		self.monitor.Report.Archiver.Errors.DbFlush.Inc()
	}
}
