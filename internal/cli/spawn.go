package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
)

var (
	spawnProject string
	spawnIssue   string
	spawnPrompt  string
	spawnBranch  string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn an agent session for one issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		s, err := a.manager.Spawn(cmd.Context(), session.SpawnRequest{
			ProjectID: spawnProject,
			IssueID:   spawnIssue,
			Prompt:    spawnPrompt,
			Branch:    spawnBranch,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s✓%s spawned session %s%s%s\n", maybeColor(colorGreen), maybeColor(colorReset), maybeColor(colorBold), s.ID, maybeColor(colorReset))
		fmt.Printf("  workspace: %s\n  branch:    %s\n  runtime:   %s\n", s.WorkspacePath, s.Branch, s.RuntimeHandle)
		return nil
	},
}

var batchSpawnCmd = &cobra.Command{
	Use:   "batch-spawn <issue>...",
	Short: "Spawn one session per issue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		var failed int
		for _, issue := range args {
			s, err := a.manager.Spawn(cmd.Context(), session.SpawnRequest{
				ProjectID: spawnProject,
				IssueID:   issue,
			})
			if err != nil {
				failed++
				fmt.Printf("%s✗%s %s: %v\n", maybeColor(colorRed), maybeColor(colorReset), issue, err)
				continue
			}
			fmt.Printf("%s✓%s %s → %s\n", maybeColor(colorGreen), maybeColor(colorReset), issue, s.ID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d spawns failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	spawnCmd.Flags().StringVarP(&spawnProject, "project", "p", "", "project id (required)")
	spawnCmd.Flags().StringVarP(&spawnIssue, "issue", "i", "", "issue id or URL (required)")
	spawnCmd.Flags().StringVar(&spawnPrompt, "prompt", "", "explicit prompt override")
	spawnCmd.Flags().StringVar(&spawnBranch, "branch", "", "explicit branch name")
	spawnCmd.MarkFlagRequired("project")
	spawnCmd.MarkFlagRequired("issue")

	batchSpawnCmd.Flags().StringVarP(&spawnProject, "project", "p", "", "project id (required)")
	batchSpawnCmd.MarkFlagRequired("project")
}
