package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var (
	maxParallel  int
	listEpic     string
	listStatuses []string
	listLimit    int
)

var execCmd = &cobra.Command{
	Use:     "exec",
	Aliases: []string{"execution"},
	Short:   "Manage executions",
}

var execCreateCmd = &cobra.Command{
	Use:   "create <epic-id>",
	Short: "Create an execution of an epic",
	Long: `Create an execution of an epic. The execution starts in "planning" and
waits for a plan.

EXAMPLES:
  epicctl exec create 3f1c... --max-parallel 4`,
	Args: cobra.ExactArgs(1),
	RunE: runExecCreate,
}

var execListCmd = &cobra.Command{
	Use:   "list",
	Short: "List executions, newest first",
	Long: `List executions, newest first.

EXAMPLES:
  epicctl exec list --epic 3f1c...
  epicctl exec list --status executing,paused --limit 10`,
	Args: cobra.NoArgs,
	RunE: runExecList,
}

func init() {
	execCreateCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "maximum subtasks in flight (0 = server default)")
	execListCmd.Flags().StringVar(&listEpic, "epic", "", "only executions of this epic")
	execListCmd.Flags().StringSliceVar(&listStatuses, "status", nil, "only executions in these statuses")
	execListCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum number of executions")
	execCmd.AddCommand(execCreateCmd, execListCmd)
}

func runExecCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	exec, err := newClient().CreateExecution(ctx, args[0], maxParallel)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, exec)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Created execution %s (%s)", exec.ID, ui.Status(exec.Status)))
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	execs, err := newClient().ListExecutions(ctx, &api.ListExecutionsRequest{
		EpicTaskID: listEpic,
		Statuses:   listStatuses,
		Limit:      listLimit,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, execs)
	}
	if len(execs) == 0 {
		ui.PrintInfo(cmd.OutOrStdout(), "No executions.")
		return nil
	}
	rows := make([][]string, 0, len(execs))
	for _, e := range execs {
		rows = append(rows, []string{
			e.ID,
			e.EpicTaskID,
			ui.Status(e.Status),
			fmt.Sprint(e.MaxParallelWorkers),
			strings.TrimSpace(e.PlanSummary),
			e.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"ID", "EPIC", "STATUS", "PARALLEL", "PLAN", "CREATED"}, rows))
	return nil
}
