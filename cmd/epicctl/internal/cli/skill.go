package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/epicflow/cmd/epicctl/internal/ui"
	"github.com/example/epicflow/pkg/api"
)

var (
	skillDescription string
	skillCategory    string
	skillPrompt      string
	skillFilter      string
	skillProficiency int
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage the skill catalog",
	Long: `Manage the skill catalog. A skill held by a worker counts as one of its
capabilities, and its prompt modifier is handed to the worker with every
subtask that requires the skill.`,
}

var skillCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Add a skill to the catalog",
	Long: `Add a skill to the catalog.

EXAMPLES:
  epicctl skill create rust --category language --prompt "Prefer safe Rust; no unsafe blocks."`,
	Args: cobra.ExactArgs(1),
	RunE: runSkillCreate,
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog skills",
	Args:  cobra.NoArgs,
	RunE:  runSkillList,
}

var skillDeleteCmd = &cobra.Command{
	Use:   "delete <skill-id>",
	Short: "Remove a skill from the catalog and from every worker",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillDelete,
}

var workerSkillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Assign catalog skills to a worker",
}

var workerSkillAddCmd = &cobra.Command{
	Use:   "add <worker-id> <skill-id>",
	Short: "Give a worker a skill",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkerSkillAdd,
}

var workerSkillRemoveCmd = &cobra.Command{
	Use:   "remove <worker-id> <skill-id>",
	Short: "Take a skill away from a worker",
	Args:  cobra.ExactArgs(2),
	RunE:  runWorkerSkillRemove,
}

func init() {
	f := skillCreateCmd.Flags()
	f.StringVar(&skillDescription, "description", "", "what the skill covers")
	f.StringVar(&skillCategory, "category", "", "catalog category (default general)")
	f.StringVar(&skillPrompt, "prompt", "", "instructions handed to workers holding the skill")
	skillListCmd.Flags().StringVar(&skillFilter, "category", "", "only skills in this category")
	skillCmd.AddCommand(skillCreateCmd, skillListCmd, skillDeleteCmd)

	workerSkillAddCmd.Flags().IntVar(&skillProficiency, "proficiency", 0, "1 (novice) to 5 (expert); 0 selects the default")
	workerSkillCmd.AddCommand(workerSkillAddCmd, workerSkillRemoveCmd)
	workerCmd.AddCommand(workerSkillCmd)
}

func runSkillCreate(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	s, err := newClient().CreateSkill(ctx, &api.CreateSkillRequest{
		Name:           args[0],
		Description:    skillDescription,
		Category:       skillCategory,
		PromptModifier: skillPrompt,
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, s)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Created skill %s (%s)", s.Name, s.ID))
	return nil
}

func runSkillList(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	skills, err := newClient().ListSkills(ctx, skillFilter)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, skills)
	}
	if len(skills) == 0 {
		ui.PrintInfo(cmd.OutOrStdout(), "No skills in the catalog.")
		return nil
	}
	rows := make([][]string, 0, len(skills))
	for _, s := range skills {
		rows = append(rows, []string{s.ID, s.Name, s.Category, s.Description})
	}
	fmt.Fprint(cmd.OutOrStdout(), ui.Table([]string{"ID", "NAME", "CATEGORY", "DESCRIPTION"}, rows))
	return nil
}

func runSkillDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	if err := newClient().DeleteSkill(ctx, args[0]); err != nil {
		return err
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Deleted skill %s", args[0]))
	return nil
}

func runWorkerSkillAdd(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	w, err := newClient().AssignSkill(ctx, args[0], args[1], skillProficiency)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, w)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Worker %s now holds %s", w.Name, skillNames(w.Skills)))
	return nil
}

func runWorkerSkillRemove(cmd *cobra.Command, args []string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	w, err := newClient().UnassignSkill(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd, w)
	}
	ui.PrintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Removed skill %s from worker %s", args[1], w.Name))
	return nil
}

func skillNames(skills []api.WorkerSkill) string {
	if len(skills) == 0 {
		return "-"
	}
	names := make([]string, len(skills))
	for i, s := range skills {
		names[i] = fmt.Sprintf("%s:%d", s.Name, s.Proficiency)
	}
	return strings.Join(names, ",")
}
