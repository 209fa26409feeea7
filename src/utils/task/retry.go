package task

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Implements operation retrying with exponential backoff
type Retry struct {
	ctx                context.Context
	initialInterval    time.Duration
	maxElapsedTime     time.Duration
	maxInterval        time.Duration
	acceptableDuration time.Duration
	onError            func(err error, isDurationAcceptable bool) error

	startedAt time.Time
}

func NewRetry() *Retry {
	return new(Retry)
}

func (self *Retry) WithInitialInterval(initialInterval time.Duration) *Retry {
	self.initialInterval = initialInterval
	return self
}

func (self *Retry) WithMaxElapsedTime(maxElapsedTime time.Duration) *Retry {
	self.maxElapsedTime = maxElapsedTime
	return self
}

func (self *Retry) WithMaxInterval(maxInterval time.Duration) *Retry {
	self.maxInterval = maxInterval
	return self
}

// Total retrying time after which onError is told the duration is no
// longer acceptable. The callback may then decide to give up.
func (self *Retry) WithAcceptableDuration(duration time.Duration) *Retry {
	self.acceptableDuration = duration
	return self
}

func (self *Retry) WithContext(ctx context.Context) *Retry {
	self.ctx = ctx
	return self
}

func (self *Retry) WithOnError(v func(err error, isDurationAcceptable bool) error) *Retry {
	self.onError = v
	return self
}

func (self *Retry) Run(f func() error) error {
	b := backoff.NewExponentialBackOff()
	if self.initialInterval > 0 {
		b.InitialInterval = self.initialInterval
	}
	b.MaxElapsedTime = self.maxElapsedTime
	b.MaxInterval = self.maxInterval

	self.startedAt = time.Now()

	operation := func() error {
		err := f()
		if err == nil {
			return nil
		}
		if self.onError != nil {
			isDurationAcceptable := self.acceptableDuration <= 0 ||
				time.Since(self.startedAt) < self.acceptableDuration
			err = self.onError(err, isDurationAcceptable)
		}
		return err
	}

	ctx := self.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return backoff.Retry(operation, backoff.WithContext(b, ctx))
}
