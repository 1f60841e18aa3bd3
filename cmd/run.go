package main

import (
	"encoding/json"
	"fmt"
	"os"

	goyaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/flowforge/dagrunner/internal/blockdag"
)

func newRunCommand() *cobra.Command {
	var (
		example    string
		priority   string
		manualRank int
		hasRank    bool
	)

	cmd := &cobra.Command{
		Use:   "run [dag.yaml]",
		Short: "submit a DAG for execution",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			switch {
			case example != "":
				body["example"] = example
			case len(args) == 1:
				data, err := os.ReadFile(args[0])
				if err != nil {
					return fmt.Errorf("read dag file: %w", err)
				}
				var dag blockdag.DAGDef
				if err := goyaml.Unmarshal(data, &dag); err != nil {
					return fmt.Errorf("parse dag file: %w", err)
				}
				body["dag"] = dag
			default:
				return fmt.Errorf("either a dag file path or --example is required")
			}
			if priority != "" {
				body["priority"] = priority
			}
			if hasRank {
				body["manual_rank"] = manualRank
			}

			resp, err := apiClient().R().SetBody(body).Post("/api/dag/run")
			if err := checkStatus(resp, err); err != nil {
				return err
			}
			return printJSON(resp.Body())
		},
	}

	cmd.Flags().StringVar(&example, "example", "", "name of a bundled example DAG to run instead of a file")
	cmd.Flags().StringVar(&priority, "priority", "", "priority level: P0, P1, P2, or P3")
	cmd.Flags().Func("manual-rank", func(v string) error {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return err
		}
		manualRank, hasRank = n, true
		return nil
	})
	return cmd
}

func printJSON(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
