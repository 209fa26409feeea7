package maintenance

import (
	"github.com/nostr-archive/archiver/src/utils/config"
	"github.com/nostr-archive/archiver/src/utils/storage"
	"github.com/nostr-archive/archiver/src/utils/task"

	"github.com/robfig/cron"
)

// Reclaimer deletes rows nothing references anymore: events without a
// single sighting and capability payloads without an observation.
// Without a schedule it reclaims once and finishes, with one it keeps
// running on the cron spec.
type Reclaimer struct {
	*task.Task

	gateway *storage.Gateway
	cron    *cron.Cron
}

func NewReclaimer(config *config.Config) (self *Reclaimer) {
	self = new(Reclaimer)

	self.gateway = storage.NewGateway(config, "maintenance")

	self.Task = task.NewTask(config, "reclaimer").
		WithSubtask(self.gateway.Task).
		WithSubtaskFunc(self.run)

	return
}

func (self *Reclaimer) run() (err error) {
	if self.Config.Maintenance.Schedule == "" {
		self.reclaim()
		self.Stop()
		return nil
	}

	self.cron = cron.New()
	err = self.cron.AddFunc(self.Config.Maintenance.Schedule, self.reclaim)
	if err != nil {
		return
	}
	self.cron.Start()

	<-self.StopChannel
	self.cron.Stop()
	return nil
}

func (self *Reclaimer) reclaim() {
	for _, kind := range []storage.ReclaimKind{storage.ReclaimEvents, storage.ReclaimPayloads} {
		deleted, err := self.gateway.ReclaimOrphans(self.Ctx, kind)
		if err != nil {
			self.Log.WithError(err).WithField("kind", kind).Error("Orphan reclaim failed")
			continue
		}
		self.Log.WithField("kind", kind).WithField("deleted", deleted).Info("Orphan reclaim finished")
	}
}
