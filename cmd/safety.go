package main

import (
	"github.com/spf13/cobra"
)

func newSafetyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "safety",
		Short: "print the server's current safety caps",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().R().Get("/api/dag/safety")
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}
}
