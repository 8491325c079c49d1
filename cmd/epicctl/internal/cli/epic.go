package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var (
	epicDescription string
	epicWorkspace   string
)

var epicCmd = &cobra.Command{
	Use:   "epic",
	Short: "Manage epic tasks",
}

var epicCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create an epic task",
	Long: `Create an epic task. The description is what planners decompose, so make
it specific.

EXAMPLES:
  epicctl epic create "Ship search" -d "Full-text search over documents" -w /src/app`,
	Args: cobra.ExactArgs(1),
	RunE: runEpicCreate,
}

var epicListCmd = &cobra.Command{
	Use:   "list",
	Short: "List epic tasks",
	Args:  cobra.NoArgs,
	RunE:  runEpicList,
}

var epicDeleteCmd = &cobra.Command{
	Use:   "delete <epic-id>",
	Short: "Delete an epic task and all of its executions",
	Args:  cobra.ExactArgs(1),
	RunE:  runEpicDelete,
}

func init() {
	epicCreateCmd.Flags().StringVarP(&epicDescription, "description", "d", "", "what the epic should deliver")
	epicCreateCmd.Flags().StringVarP(&epicWorkspace, "workspace", "w", "", "repository path the workers operate on")
	epicCmd.AddCommand(epicCreateCmd, epicListCmd, epicDeleteCmd)
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), timeout)
}

func runEpicCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	epic, err := newClient().CreateEpic(ctx, &api.CreateEpicRequest{
		Title:       args[0],
		Description: epicDescription,
		Workspace:   epicWorkspace,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, epic)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Created epic %s", epic.ID))
	return nil
}

func runEpicList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	epics, err := newClient().ListEpics(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, epics)
	}
	if len(epics) == 0 {
		ui.PrintInfo(cmd.OutOrStdout(), "No epics.")
		return nil
	}
	rows := make([][]string, 0, len(epics))
	for _, e := range epics {
		rows = append(rows, []string{e.ID, e.Title, e.Workspace, e.CreatedAt.Format("2006-01-02 15:04")})
	}
	fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"ID", "TITLE", "WORKSPACE", "CREATED"}, rows))
	return nil
}

func runEpicDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	if err := newClient().DeleteEpic(ctx, args[0]); err != nil {
		return err
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Deleted epic %s", args[0]))
	return nil
}
