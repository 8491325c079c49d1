package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/client"
	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

type lifecycleCall func(c *client.Client, ctx context.Context, execID string) (*api.Execution, error)

func lifecycleCommand(use, short string, call lifecycleCall) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <execution-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext(cmd)
			defer cancel()

			exec, err := call(newClient(), ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd, exec)
			}
			msg := fmt.Sprintf("Execution %s is %s", exec.ID, ui.Status(exec.Status))
			if exec.CancelRequested && !ui.Finished(exec.Status) {
				msg += " (cancel requested, waiting for running subtasks)"
			}
			ui.PrintSuccess(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

var (
	startCmd  = lifecycleCommand("start", "Start dispatching a planned execution", (*client.Client).Start)
	pauseCmd  = lifecycleCommand("pause", "Stop dispatching new subtasks", (*client.Client).Pause)
	resumeCmd = lifecycleCommand("resume", "Resume a paused execution", (*client.Client).Resume)
	cancelCmd = lifecycleCommand("cancel", "Cancel an execution and stop its running subtasks", (*client.Client).Cancel)
)
