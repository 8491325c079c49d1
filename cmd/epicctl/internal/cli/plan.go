package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/internal/domain"
	"github.com/example/epicflow/internal/graph"
	"github.com/example/epicflow/internal/service"
	"github.com/example/epicflow/pkg/api"
)

var planFile string

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate, submit or check decomposition plans",
}

var planGenerateCmd = &cobra.Command{
	Use:   "generate <execution-id>",
	Short: "Ask the server's planner to decompose the epic",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlanGenerate,
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit <execution-id> -f <plan-file>",
	Short: "Submit a plan written by hand or by an external planner",
	Long: `Submit a plan for an execution in "planning". Files ending in .json are sent
as JSON; anything else is sent as YAML. Use "-f -" to read YAML from stdin.

PLAN FORMAT:
  summary: index then query
  subtasks:
    - ref: index
      title: Build the search index
      required_capabilities: [backend]
      complexity: 3
    - ref: query
      title: Query API
      depends_on: [index]
      max_retries: 1

EXAMPLES:
  epicctl plan submit 9a2e... -f plan.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanSubmit,
}

var planLintCmd = &cobra.Command{
	Use:   "lint -f <plan-file>",
	Short: "Validate a plan file locally and print its execution order",
	Long: `Validate a plan file without a server: duplicate refs, unknown dependencies
and cycles are reported the same way the server would report them.

EXAMPLES:
  epicctl plan lint -f plan.yaml`,
	Args: cobra.NoArgs,
	RunE: runPlanLint,
}

func init() {
	planSubmitCmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file (.yaml, .yml or .json)")
	planLintCmd.Flags().StringVarP(&planFile, "file", "f", "", "plan file (.yaml, .yml or .json)")
	_ = planSubmitCmd.MarkFlagRequired("file")
	_ = planLintCmd.MarkFlagRequired("file")
	planCmd.AddCommand(planGenerateCmd, planSubmitCmd, planLintCmd)
}

func runPlanGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	exec, err := newClient().GeneratePlan(ctx, args[0])
	if err != nil {
		return err
	}
	return printPlanned(cmd, exec)
}

func runPlanSubmit(cmd *cobra.Command, args []string) error {
	raw, err := readPlanFile(cmd, planFile)
	if err != nil {
		return err
	}

	ctx, cancel := requestContext(cmd)
	defer cancel()

	c := newClient()
	var exec *api.Execution
	if isJSON(planFile) {
		var plan api.Plan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return fmt.Errorf("parse %s: %w", planFile, err)
		}
		exec, err = c.SubmitPlan(ctx, args[0], &plan)
	} else {
		exec, err = c.SubmitPlanYAML(ctx, args[0], raw)
	}
	if err != nil {
		return err
	}
	return printPlanned(cmd, exec)
}

func printPlanned(cmd *cobra.Command, exec *api.Execution) error {
	if jsonOutput {
		return printJSON(cmd, exec)
	}
	out := cmd.OutOrStdout()
	ui.PrintSuccess(out, fmt.Sprintf("Execution %s is %s", exec.ID, ui.Status(exec.Status)))
	if exec.PlanSummary != "" {
		ui.PrintInfo(out, exec.PlanSummary)
	}
	return nil
}

func runPlanLint(cmd *cobra.Command, args []string) error {
	raw, err := readPlanFile(cmd, planFile)
	if err != nil {
		return err
	}
	var plan domain.Plan
	if isJSON(planFile) {
		err = json.Unmarshal(raw, &plan)
	} else {
		err = yaml.Unmarshal(raw, &plan)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", planFile, err)
	}

	subtasks, err := service.NewIngestor(service.DefaultConfig()).Ingest(&domain.Execution{ID: "lint"}, &plan)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(cmd, plan.Refs())
	}
	ui.PrintSuccess(out, fmt.Sprintf("%s: %d subtasks", planFile, len(subtasks)))
	g := graph.New(subtasks)
	depth := g.Depth()
	refs := make(map[string]string, len(subtasks))
	for _, st := range subtasks {
		refs[st.ID] = st.Ref
	}
	for _, st := range g.TopologicalOrder() {
		line := strings.Repeat("  ", depth[st.ID]) + st.Ref
		if len(st.DependsOn) > 0 {
			deps := make([]string, len(st.DependsOn))
			for i, d := range st.DependsOn {
				deps[i] = refs[d]
			}
			line += "  ← " + strings.Join(deps, ", ")
		}
		ui.PrintInfo(out, line)
	}
	return nil
}

func readPlanFile(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
