package archive

import (
	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/monitoring"
	monitor_archiver "github.com/nostr-archive/archiver/src/utils/monitoring/archiver"
	"github.com/nostr-archive/archiver/src/utils/nostr"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"
)

type Controller struct {
	*task.Task
}

// Main class that orchestrates the archiving pipeline.
// Sets up relay sessions and storing of their events.
func NewController(config *config.Config) (self *Controller, err error) {
	self = new(Controller)

	self.Task = task.NewTask(config, "controller")

	monitor := monitor_archiver.NewMonitor().
		WithMaxHistorySize(30)

	server := monitoring.NewServer(config).
		WithMonitor(monitor)

	watched := func() *task.Task {
		client, err := nostr.NewClient(config)
		if err != nil {
			panic(err)
		}

		gateway := storage.NewGateway(config, "archiver")

		registry := NewRegistry(config, gateway)

		store := NewStore(config).
			WithGateway(gateway).
			WithMonitor(monitor)

		scheduler := NewScheduler(config, store).
			WithRegistry(registry).
			WithCheckpoints(gateway).
			WithOpener(client).
			WithMonitor(monitor)

		store.WithOnFailure(scheduler.OnFlushFailure)

		return task.NewTask(config, "watched").
			WithSubtask(gateway.Task).
			WithSubtask(store.Task).
			WithSubtask(scheduler.Task).
			WithPeriodicSubtaskFunc(config.Archiver.SchedulerInterval, func() error {
				monitor.Report.Archiver.State.PoolConnsOpen.Store(int64(gateway.NumOpen()))
				return nil
			})
	}

	watchdog := task.NewWatchdog(config).
		WithTask(watched).
		WithIsOK(config.Archiver.WatchdogInterval, func() bool {
			isOK := monitor.IsOK()
			if !isOK {
				monitor.Report.Run.Errors.NumWatchdogRestarts.Inc()
			}
			return isOK
		})

	self.Task = self.Task.
		WithSubtask(monitor.Task).
		WithSubtask(server.Task).
		WithSubtask(watchdog.Task)

	return
}
