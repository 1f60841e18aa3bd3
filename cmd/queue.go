package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

type queueEntryView struct {
	RunID      string `json:"run_id"`
	Status     string `json:"status"`
	Priority   int    `json:"priority"`
	ManualRank *int   `json:"manual_rank"`
	Attempt    int    `json:"attempt"`
	CreatedAt  string `json:"created_at"`
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "list queued and running entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().R().Get("/api/dag/queue")
			if err := checkStatus(resp, err); err != nil {
				return err
			}

			var body struct {
				Entries []queueEntryView `json:"entries"`
			}
			if err := json.Unmarshal(resp.Body(), &body); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"Run ID", "Status", "Priority", "Manual Rank", "Attempt", "Created"})
			for _, e := range body.Entries {
				rank := "-"
				if e.ManualRank != nil {
					rank = fmt.Sprintf("%d", *e.ManualRank)
				}
				t.AppendRow(table.Row{e.RunID, e.Status, e.Priority, rank, e.Attempt, e.CreatedAt})
			}
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(newQueueReorderCommand(), newQueueRankCommand())
	return cmd
}

func newQueueReorderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reorder [run-id...]",
		Short: "set the exact manual ordering of pending entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().R().SetBody(map[string]any{"run_ids": args}).Post("/api/dag/queue/reorder")
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}
}

func newQueueRankCommand() *cobra.Command {
	var rank int
	cmd := &cobra.Command{
		Use:   "rank [run-id]",
		Short: "set a single entry's manual rank",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := apiClient().R().SetBody(map[string]any{"manual_rank": rank}).Patch("/api/dag/queue/" + args[0])
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}
	cmd.Flags().IntVar(&rank, "rank", 0, "manual rank value")
	return cmd
}
