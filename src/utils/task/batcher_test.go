package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestBatcherTestSuite(t *testing.T) {
	suite.Run(t, new(BatcherTestSuite))
}

type BatcherTestSuite struct {
	suite.Suite
	config *config.Config
}

func (s *BatcherTestSuite) SetupSuite() {
	s.config = config.Default()
}

type recorder struct {
	mtx     sync.Mutex
	batches [][]int
	failed  [][]int
	err     error
}

func (self *recorder) flush(ctx context.Context, batch []int) error {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	if self.err != nil {
		return self.err
	}
	self.batches = append(self.batches, batch)
	return nil
}

func (self *recorder) onFailure(batch []int, err error) {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	self.failed = append(self.failed, batch)
}

func (self *recorder) flushed() [][]int {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	out := make([][]int, len(self.batches))
	copy(out, self.batches)
	return out
}

func (self *recorder) abandoned() [][]int {
	self.mtx.Lock()
	defer self.mtx.Unlock()
	out := make([][]int, len(self.failed))
	copy(out, self.failed)
	return out
}

func (s *BatcherTestSuite) waitFor(condition func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T().Fatal("condition not reached in time")
}

func (s *BatcherTestSuite) TestFlushOnBatchSize() {
	rec := new(recorder)
	input := make(chan int)

	batcher := NewBatcher[int](s.config, "batcher-test").
		WithBatchSize(3).
		WithInputChannel(input).
		WithOnFlush(time.Hour, rec.flush).
		WithOnFailure(rec.onFailure)

	require.NoError(s.T(), batcher.Start())
	defer batcher.StopWait()

	for i := 0; i < 3; i++ {
		input <- i
	}

	s.waitFor(func() bool { return len(rec.flushed()) == 1 })
	require.Equal(s.T(), []int{0, 1, 2}, rec.flushed()[0])
}

func (s *BatcherTestSuite) TestFlushOnStaleness() {
	rec := new(recorder)
	input := make(chan int)

	batcher := NewBatcher[int](s.config, "batcher-test").
		WithBatchSize(100).
		WithInputChannel(input).
		WithOnFlush(50*time.Millisecond, rec.flush).
		WithOnFailure(rec.onFailure)

	require.NoError(s.T(), batcher.Start())
	defer batcher.StopWait()

	input <- 7

	s.waitFor(func() bool { return len(rec.flushed()) == 1 })
	require.Equal(s.T(), []int{7}, rec.flushed()[0])
}

func (s *BatcherTestSuite) TestClosedInputDrainsQueue() {
	rec := new(recorder)
	input := make(chan int)

	batcher := NewBatcher[int](s.config, "batcher-test").
		WithBatchSize(100).
		WithInputChannel(input).
		WithOnFlush(time.Hour, rec.flush).
		WithOnFailure(rec.onFailure)

	require.NoError(s.T(), batcher.Start())

	input <- 1
	input <- 2
	close(input)

	s.waitFor(func() bool { return len(rec.flushed()) == 1 })
	require.Equal(s.T(), []int{1, 2}, rec.flushed()[0])

	batcher.StopWait()
}

func (s *BatcherTestSuite) TestExhaustedRetriesReportFailure() {
	rec := new(recorder)
	rec.err = errors.New("flush broken")
	input := make(chan int)

	batcher := NewBatcher[int](s.config, "batcher-test").
		WithBatchSize(1).
		WithInputChannel(input).
		WithOnFlush(time.Hour, rec.flush).
		WithOnFailure(rec.onFailure).
		WithBackoff(100*time.Millisecond, 20*time.Millisecond)

	require.NoError(s.T(), batcher.Start())
	defer batcher.StopWait()

	input <- 42

	s.waitFor(func() bool { return len(rec.abandoned()) == 1 })
	require.Equal(s.T(), []int{42}, rec.abandoned()[0])
	require.Empty(s.T(), rec.flushed())
}
