package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var (
	workerExecutor      string
	workerCapabilities  []string
	workerPlanner       bool
	workerReviewer      bool
	workerNoWork        bool
	workerMaxConcurrent int
	workerPriority      int
	workerActiveOnly    bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage the worker capability registry",
}

var workerRegisterCmd = &cobra.Command{
	Use:   "register <name> --executor <addr>",
	Short: "Register a worker profile",
	Long: `Register a worker profile. The executor is the gRPC address of the process
that runs subtasks; the server dials it to start and stop attempts.

EXAMPLES:
  epicctl worker register backend-1 --executor localhost:9100 --cap go,backend --max-concurrent 2
  epicctl worker register critic --reviewer --no-work`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkerRegister,
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker profiles",
	Args:  cobra.NoArgs,
	RunE:  runWorkerList,
}

var workerDisableCmd = &cobra.Command{
	Use:   "disable <worker-id>",
	Short: "Stop assigning subtasks to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(cmd, args[0], false) },
}

var workerEnableCmd = &cobra.Command{
	Use:   "enable <worker-id>",
	Short: "Resume assigning subtasks to a worker",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setActive(cmd, args[0], true) },
}

var workerDeleteCmd = &cobra.Command{
	Use:   "delete <worker-id>",
	Short: "Remove a worker profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkerDelete,
}

func init() {
	f := workerRegisterCmd.Flags()
	f.StringVar(&workerExecutor, "executor", "", "gRPC address of the worker process")
	f.StringSliceVar(&workerCapabilities, "cap", nil, "capabilities offered")
	f.BoolVar(&workerPlanner, "planner", false, "the profile can decompose epics")
	f.BoolVar(&workerReviewer, "reviewer", false, "the profile takes part in result review")
	f.BoolVar(&workerNoWork, "no-work", false, "never assign subtasks to this profile")
	f.IntVar(&workerMaxConcurrent, "max-concurrent", 1, "subtasks the worker runs at once")
	f.IntVar(&workerPriority, "priority", 0, "higher priorities are preferred")
	workerListCmd.Flags().BoolVar(&workerActiveOnly, "active", false, "only active profiles")
	workerCmd.AddCommand(workerRegisterCmd, workerListCmd, workerDisableCmd, workerEnableCmd, workerDeleteCmd)
}

func runWorkerRegister(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	isWorker := !workerNoWork
	w, err := newClient().RegisterWorker(ctx, &api.RegisterWorkerRequest{
		Name:          args[0],
		Executor:      workerExecutor,
		Capabilities:  workerCapabilities,
		IsPlanner:     workerPlanner,
		IsReviewer:    workerReviewer,
		IsWorker:      &isWorker,
		MaxConcurrent: workerMaxConcurrent,
		Priority:      workerPriority,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, w)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Registered worker %s (%s)", w.Name, w.ID))
	return nil
}

func runWorkerList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	workers, err := newClient().ListWorkers(ctx, workerActiveOnly)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, workers)
	}
	if len(workers) == 0 {
		ui.PrintInfo(cmd.OutOrStdout(), "No workers registered.")
		return nil
	}
	rows := make([][]string, 0, len(workers))
	for _, w := range workers {
		state := "active"
		if !w.Active {
			state = "disabled"
		}
		rows = append(rows, []string{
			w.ID,
			w.Name,
			roles(w),
			strings.Join(w.Capabilities, ","),
			skillNames(w.Skills),
			fmt.Sprint(w.MaxConcurrent),
			fmt.Sprint(w.Priority),
			state,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"ID", "NAME", "ROLES", "CAPABILITIES", "SKILLS", "MAX", "PRIORITY", "STATE"}, rows))
	return nil
}

func roles(w api.Worker) string {
	var r []string
	if w.IsWorker {
		r = append(r, "worker")
	}
	if w.IsPlanner {
		r = append(r, "planner")
	}
	if w.IsReviewer {
		r = append(r, "reviewer")
	}
	return strings.Join(r, ",")
}

func setActive(cmd *cobra.Command, workerID string, active bool) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	w, err := newClient().SetWorkerActive(ctx, workerID, active)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, w)
	}
	verb := "Disabled"
	if active {
		verb = "Enabled"
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("%s worker %s", verb, w.Name))
	return nil
}

func runWorkerDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	if err := newClient().DeleteWorker(ctx, args[0]); err != nil {
		return err
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Deleted worker %s", args[0]))
	return nil
}
