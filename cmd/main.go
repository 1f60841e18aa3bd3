// Command dagrunner is the CLI entrypoint: it can run the control-plane
// server (serve) or act as a thin client against a running one (run, stop,
// queue, approve/reject, safety), mirroring the teacher's single
// cobra-rooted binary shape.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	quiet   bool

	serverURL string
	apiKey    string

	version = "0.0.0"
)

func main() {
	root := &cobra.Command{
		Use:   "dagrunner",
		Short: "Durable DAG orchestration engine for AI-agent pipelines",
		Long:  "dagrunner [serve|run|stop|queue|approve|reject|safety] [args]",
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: XDG config dir)")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress log output")
	root.PersistentFlags().StringVar(&serverURL, "url", "http://localhost:8080", "control-plane base URL (client commands)")
	root.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for client commands (defaults to DAGRUNNER_API_KEY)")

	root.AddCommand(
		newServeCommand(),
		newRunCommand(),
		newStopCommand(),
		newQueueCommand(),
		newApproveCommand("approve", true),
		newApproveCommand("reject", false),
		newSafetyCommand(),
		newVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	viper.SetEnvPrefix("DAGRUNNER")
	viper.AutomaticEnv()
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			log.Println(version)
		},
	}
}

func resolveAPIKey() string {
	if apiKey != "" {
		return apiKey
	}
	return viper.GetString("api_key")
}
