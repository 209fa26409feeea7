package task

import (
	"time"

	"github.com/nostr-archive/archiver/src/utils/config"
)

// Watchdog runs a task created by a factory function and restarts it
// whenever the health check fails or the task dies on its own.
type Watchdog struct {
	*Task

	taskFactory func() *Task
	isOK        func() bool
	interval    time.Duration

	watched *Task
}

func NewWatchdog(config *config.Config) (self *Watchdog) {
	self = new(Watchdog)

	self.interval = time.Minute
	if config != nil && config.Archiver.WatchdogInterval > 0 {
		self.interval = config.Archiver.WatchdogInterval
	}

	self.Task = NewTask(config, "watchdog").
		WithSubtaskFunc(self.run).
		WithOnStop(func() {
			if self.watched != nil {
				self.watched.Stop()
			}
		})

	return
}

func (self *Watchdog) WithTask(f func() *Task) *Watchdog {
	self.taskFactory = f
	return self
}

func (self *Watchdog) WithIsOK(interval time.Duration, isOK func() bool) *Watchdog {
	self.interval = interval
	self.isOK = isOK
	return self
}

func (self *Watchdog) run() (err error) {
	if !self.startWatched() {
		return nil
	}

	ticker := time.NewTicker(self.interval)
	defer ticker.Stop()

	for {
		select {
		case <-self.StopChannel:
			self.watched.StopWait()
			return nil

		case <-self.watched.CtxRunning.Done():
			// Task died on its own, restart it
			self.Log.Error("Watched task finished unexpectedly, restarting")

		case <-ticker.C:
			if self.isOK == nil || self.isOK() {
				continue
			}
			self.Log.Error("Health check failed, restarting watched task")
			self.watched.StopWait()
		}

		if self.IsStopping.Load() {
			return nil
		}

		if !self.startWatched() {
			return nil
		}
	}
}

// startWatched invokes the factory until the task comes up. A failed
// start is handled like a failed health check: the partial task is
// stopped and the factory retried after the check interval, so a
// transient outage at boot doesn't leave the process permanently idle.
// Returns false when the watchdog got stopped while retrying.
func (self *Watchdog) startWatched() bool {
	for {
		self.watched = self.taskFactory()
		err := self.watched.Start()
		if err == nil {
			return true
		}

		self.Log.WithError(err).Error("Failed to start watched task, retrying")

		// Tear down whatever part of the tree did come up. Stop, not
		// StopWait: a task that never started has no goroutine that
		// would cancel its running context
		self.watched.Stop()

		select {
		case <-self.StopChannel:
			return false
		case <-time.After(self.interval):
		}
	}
}
