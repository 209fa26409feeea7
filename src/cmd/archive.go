package cmd

import (
	"github.com/nostr-archive/archiver/src/archive"
	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(archiveCmd)
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Stream events from the relay catalog and save them to the database",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		err = model.Migrate(ctx, conf)
		if err != nil {
			return
		}

		controller, err := archive.NewController(conf)
		if err != nil {
			return
		}

		err = controller.Start()
		if err != nil {
			return
		}

		select {
		case <-ctx.Done():
		case <-controller.CtxRunning.Done():
		}

		controller.StopWait()
		return
	},
}
