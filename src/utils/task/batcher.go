package task

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"

	"github.com/cenkalti/backoff/v4"
	"github.com/gammazero/deque"
)

// Turns a stream of single items into bounded batches.
// A batch is flushed when it grows to the size bound or when the oldest
// item waited for the staleness interval, whichever comes first.
// The loop runs in one goroutine, so there is never more than one
// outstanding flush; items submitted during a flush go to the next batch.
// A failed flush is retried as a whole (flushes must be idempotent) and,
// once retries are exhausted, reported through onFailure instead of
// being silently dropped.
type Batcher[T any] struct {
	*Task

	// Channel for the data to be batched
	input chan T

	// Called with each full batch
	onFlush func(context.Context, []T) error

	// Called with batches that failed all retries
	onFailure func([]T, error)

	// Buffered items waiting for the next flush
	queue deque.Deque[T]

	// Batch size that triggers a flush
	batchSize int

	// Staleness bound
	flushInterval time.Duration

	// Max time flush is retried. 0 means no limit.
	maxElapsedTime time.Duration

	// Max time between flush retries
	maxInterval time.Duration
}

func NewBatcher[T any](config *config.Config, name string) (self *Batcher[T]) {
	self = new(Batcher[T])

	self.Task = NewTask(config, name).
		WithSubtaskFunc(self.run)

	return
}

func (self *Batcher[T]) WithBatchSize(batchSize int) *Batcher[T] {
	self.batchSize = batchSize
	exp := uint(math.Round(math.Logb(float64(batchSize)))) + 1
	self.queue.SetMinCapacity(exp)
	return self
}

func (self *Batcher[T]) WithInputChannel(v chan T) *Batcher[T] {
	self.input = v
	return self
}

func (self *Batcher[T]) WithOnFlush(interval time.Duration, f func(context.Context, []T) error) *Batcher[T] {
	self.flushInterval = interval
	self.onFlush = f
	return self
}

func (self *Batcher[T]) WithOnFailure(f func([]T, error)) *Batcher[T] {
	self.onFailure = f
	return self
}

func (self *Batcher[T]) WithBackoff(maxElapsedTime, maxInterval time.Duration) *Batcher[T] {
	self.maxElapsedTime = maxElapsedTime
	self.maxInterval = maxInterval
	return self
}

func (self *Batcher[T]) flush(ctx context.Context) {
	size := self.queue.Len()
	if size == 0 {
		return
	}
	data := make([]T, 0, size)
	for i := 0; i < size; i++ {
		data = append(data, self.queue.PopFront())
	}

	err := NewRetry().
		WithContext(ctx).
		WithMaxElapsedTime(self.maxElapsedTime).
		WithMaxInterval(self.maxInterval).
		WithOnError(func(err error, isDurationAcceptable bool) error {
			if errors.Is(err, context.Canceled) && self.IsStopping.Load() {
				// Stopping
				return backoff.Permanent(err)
			}

			self.Log.WithError(err).Error("Failed to flush batch, retrying")

			return err
		}).
		Run(func() error {
			return self.onFlush(ctx, data)
		})
	if err != nil {
		self.Log.WithError(err).WithField("size", len(data)).Error("Failed to flush batch, no more retries")
		if self.onFailure != nil {
			self.onFailure(data, err)
		}
	}
}

// Receives data from the input channel and flushes it in batches
func (self *Batcher[T]) run() (err error) {
	// Ensures data isn't stuck in the queue for too long
	timer := time.NewTimer(self.flushInterval)

	for {
		select {
		case in, ok := <-self.input:
			if !ok {
				// Input channel closed, the source is stopping.
				// There will be no more data, flush everything there is
				// within the stop grace period and quit. The task context
				// may already be cancelled at this point, losing the final
				// batch silently is not an option.
				graceCtx, cancel := context.WithTimeout(context.Background(), self.stopTimeout())
				self.flush(graceCtx)
				cancel()
				return
			}

			self.queue.PushBack(in)

			if self.queue.Len() >= self.batchSize {
				self.flush(self.Ctx)
				timer.Stop()
				timer = time.NewTimer(self.flushInterval)
			}

		case <-timer.C:
			self.flush(self.Ctx)
			timer = time.NewTimer(self.flushInterval)
		}
	}
}

func (self *Batcher[T]) stopTimeout() time.Duration {
	if self.Config != nil && self.Config.StopTimeout > 0 {
		return self.Config.StopTimeout
	}
	return 30 * time.Second
}
