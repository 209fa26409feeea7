package cmd

import (
	"github.com/nostr-archive/archiver/src/probe"
	"github.com/nostr-archive/archiver/src/utils/model"

	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(probeCmd)
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Periodically measure reachability and capabilities of known relays",
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		err = model.Migrate(ctx, conf)
		if err != nil {
			return
		}

		controller, err := probe.NewController(conf)
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
