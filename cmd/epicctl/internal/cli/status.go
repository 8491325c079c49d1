package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show an execution with its subtasks and progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	detail, err := newClient().GetExecution(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, detail)
	}
	printDetail(cmd, detail)
	return nil
}

func printDetail(cmd *cobra.Command, d *api.ExecutionDetail) {
	out := cmd.OutOrStdout()
	exec := d.Execution

	ui.PrintHeader(out, "Execution "+exec.ID)
	ui.PrintInfo(out, fmt.Sprintf("Epic:     %s", exec.EpicTaskID))
	ui.PrintInfo(out, fmt.Sprintf("Status:   %s", ui.Status(exec.Status)))
	if exec.PlanSummary != "" {
		ui.PrintInfo(out, fmt.Sprintf("Plan:     %s", exec.PlanSummary))
	}
	if exec.StartedAt != nil {
		end := time.Now()
		if exec.CompletedAt != nil {
			end = *exec.CompletedAt
		}
		ui.PrintInfo(out, fmt.Sprintf("Elapsed:  %s", ui.FormatDuration(end.Sub(*exec.StartedAt))))
	}
	if exec.ErrorMessage != "" {
		ui.PrintWarning(out, exec.ErrorMessage)
	}
	fmt.Fprintln(out)

	if len(d.Subtasks) == 0 {
		ui.PrintInfo(out, "No plan yet.")
		return
	}
	fmt.Fprintln(out, ui.ProgressBar(d.Progress, 30))
	fmt.Fprintln(out, ui.ProgressLine(d.Progress))
	fmt.Fprintln(out)
	fmt.Fprint(out, ui.Table(ui.SubtaskHeaders, ui.SubtaskRows(d.Subtasks)))
}
