// Package cli implements the epicctl commands.
package cli

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/client"
)

var (
	serverURL  string
	jsonOutput bool
	timeout    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "epicctl",
	Short: "Drive epic executions on an epicflow server",
	Long: `epicctl talks to an epicflow server over its REST API.

An epic is a large piece of work. Each execution of an epic is decomposed into
a plan of subtasks with dependencies, which the server dispatches to registered
workers until every subtask has finished.

WORKFLOW:
  1. epicctl epic create "Ship search"
  2. epicctl exec create <epic-id>
  3. epicctl plan generate <execution-id>   (or: epicctl plan submit <execution-id> -f plan.yaml)
  4. epicctl start <execution-id>
  5. epicctl watch <execution-id>

EXAMPLES:
  # Point at a remote server
  epicctl --server http://epicflow.internal:8080 epic list

  # Machine-readable output
  epicctl status <execution-id> --json

  # Check a plan file locally before submitting it
  epicctl plan lint -f plan.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	def := os.Getenv("EPICFLOW_URL")
	if def == "" {
		def = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", def, "epicflow server URL (env EPICFLOW_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON instead of tables")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for each request")

	rootCmd.AddCommand(epicCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(startCmd, pauseCmd, resumeCmd, cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(skillCmd)
}

func newClient() *client.Client {
	return client.New(serverURL)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
