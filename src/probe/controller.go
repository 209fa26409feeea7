package probe

import (
	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/monitoring"
	monitor_prober "github.com/nostr-archive/archiver/src/utils/monitoring/prober"
	"github.com/nostr-archive/archiver/src/utils/nostr"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"
)

type Controller struct {
	*task.Task
}

// Orchestrates periodic health sweeps over the relay catalog
func NewController(config *config.Config) (self *Controller, err error) {
	self = new(Controller)

	self.Task = task.NewTask(config, "controller")

	monitor := monitor_prober.NewMonitor()

	server := monitoring.NewServer(config).
		WithMonitor(monitor)

	client, err := nostr.NewClient(config)
	if err != nil {
		return
	}

	gateway := storage.NewGateway(config, "prober")

	prober := NewProber(config).
		WithClient(client).
		WithStore(gateway).
		WithMonitor(monitor)

	self.Task = self.Task.
		WithSubtask(monitor.Task).
		WithSubtask(server.Task).
		WithSubtask(gateway.Task).
		WithSubtask(prober.Task)

	return
}
