package task

import (
	"testing"
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/atomic"
)

func TestTaskTestSuite(t *testing.T) {
	suite.Run(t, new(TaskTestSuite))
}

type TaskTestSuite struct {
	suite.Suite
	config *config.Config
}

func (s *TaskTestSuite) SetupSuite() {
	s.config = config.Default()
}

func (s *TaskTestSuite) TestLifecycle() {
	var started, stopped atomic.Bool

	task := NewTask(s.config, "task-test")
	task.WithOnBeforeStart(func() error {
		started.Store(true)
		return nil
	}).
		WithOnAfterStop(func() {
			stopped.Store(true)
		}).
		WithSubtaskFunc(func() error {
			<-task.StopChannel
			return nil
		})

	require.NoError(s.T(), task.Start())
	require.True(s.T(), started.Load())

	task.StopWait()
	require.True(s.T(), stopped.Load())

	select {
	case <-task.CtxRunning.Done():
	default:
		s.T().Fatal("running context still open after StopWait")
	}
}

func (s *TaskTestSuite) TestPeriodicSubtaskRunsAndStops() {
	var runs atomic.Int64

	task := NewTask(s.config, "task-test").
		WithPeriodicSubtaskFunc(10*time.Millisecond, func() error {
			runs.Inc()
			return nil
		})

	require.NoError(s.T(), task.Start())

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(s.T(), runs.Load(), int64(3))

	task.StopWait()
}

func (s *TaskTestSuite) TestWorkerPoolWaitsOnStop() {
	var done atomic.Bool

	task := NewTask(s.config, "task-test")
	task.WithWorkerPool(2).
		WithSubtaskFunc(func() error {
			<-task.StopChannel
			return nil
		})

	require.NoError(s.T(), task.Start())

	task.SubmitToWorker(func() {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
	})

	task.StopWait()
	require.True(s.T(), done.Load())
}
