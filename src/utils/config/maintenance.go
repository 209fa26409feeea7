package config

import (
	"github.com/robfig/cron"
	"github.com/spf13/viper"
)

type Maintenance struct {
	// Cron spec for periodic orphan reclaim.
	// Empty means reclaim runs once and the process exits.
	Schedule string
}

func setMaintenanceDefaults() {
	viper.SetDefault("Maintenance.Schedule", "")
}

func (self *Maintenance) Validate() (err error) {
	if self.Schedule == "" {
		return nil
	}
	_, err = cron.Parse(self.Schedule)
	return
}
