package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "stop [run-id]",
		Short: "cancel a running or queued run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				resp, err := apiClient().R().Post("/api/dag/runs/stop-all")
				if err := checkStatus(resp, err); err != nil {
					return err
				}
				return printJSON(resp.Body())
			}
			if len(args) != 1 {
				return fmt.Errorf("a run id is required unless --all is given")
			}
			resp, err := apiClient().R().Post("/api/dag/runs/" + args[0] + "/stop")
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "stop every active run")
	return cmd
}
