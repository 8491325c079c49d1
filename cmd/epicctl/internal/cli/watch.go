package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var (
	watchInterval time.Duration
	watchEvents   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <execution-id>",
	Short: "Follow an execution until it finishes",
	Long: `Follow an execution until it finishes. By default a live view is redrawn
every --interval; with --events the server's event stream is printed line by
line instead, which suits logs and pipes.

EXAMPLES:
  epicctl watch 9a2e...
  epicctl watch 9a2e... --events`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", time.Second, "refresh interval of the live view")
	watchCmd.Flags().BoolVar(&watchEvents, "events", false, "print the event stream instead of the live view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	c := newClient()
	execID := args[0]

	if watchEvents || jsonOutput {
		out := cmd.OutOrStdout()
		return c.Events(cmd.Context(), execID, func(ev api.Event) error {
			if jsonOutput {
				return printJSON(cmd, ev)
			}
			line := fmt.Sprintf("%s %-26s", ev.At.Local().Format("15:04:05"), ev.Type)
			if ev.SubtaskID != "" {
				line += " " + ev.SubtaskID
			}
			if ev.Status != "" {
				line += " " + ui.Status(ev.Status)
			}
			if ev.Message != "" {
				line += "  " + ev.Message
			}
			fmt.Fprintln(out, line)
			return nil
		})
	}

	fetch := func(ctx context.Context) (*api.ExecutionDetail, error) {
		return c.GetExecution(ctx, execID)
	}
	final, err := ui.RunWatch(fetch, watchInterval, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if final != nil && final.Execution.Status == "failed" {
		return fmt.Errorf("execution %s failed: %s", execID, final.Execution.ErrorMessage)
	}
	return nil
}
