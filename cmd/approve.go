package main

import (
	"github.com/spf13/cobra"
)

// newApproveCommand builds both "approve" and "reject", which differ only
// in the decision's Approved flag and the notes/feedback flag names.
func newApproveCommand(use string, approved bool) *cobra.Command {
	var (
		token    string
		notes    string
		feedback string
	)

	short := "approve a paused run's gated block"
	if !approved {
		short = "reject a paused run's gated block, triggering iteration"
	}

	cmd := &cobra.Command{
		Use:   use + " [run-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"approved": approved,
				"notes":    notes,
				"feedback": feedback,
			}
			path := "/api/dag/runs/" + args[0] + "/approvals"
			if token != "" {
				path += "/" + token
			}
			resp, err := apiClient().R().SetBody(body).Post(path)
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "approval token (defaults to the run's latest pending approval)")
	cmd.Flags().StringVar(&notes, "notes", "", "decision notes")
	if !approved {
		cmd.Flags().StringVar(&feedback, "feedback", "", "feedback to seed the next iteration")
	}
	return cmd
}
