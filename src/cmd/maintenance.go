package cmd

import (
	"github.com/nostr-archive/archiver/src/maintenance"
	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(maintenanceCmd)
}

var maintenanceCmd = &cobra.Command{
	Use:   "maintenance",
	Short: "Reclaim orphaned events and capability payloads",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		err = model.Migrate(ctx, conf)
		if err != nil {
			return
		}

		reclaimer := maintenance.NewReclaimer(conf)

		err = reclaimer.Start()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
		case <-reclaimer.CtxRunning.Done():
		}

		reclaimer.StopWait()
		return
	},
}
