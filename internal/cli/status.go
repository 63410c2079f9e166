package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
)

var statusProject string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show all sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		sessions, err := a.manager.List(cmd.Context(), statusProject)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		fmt.Printf("%s%-12s %-10s %-18s %-24s %-30s %s%s\n",
			maybeColor(colorBold), "SESSION", "PROJECT", "STATUS", "BRANCH", "ISSUE", "PR", maybeColor(colorReset))
		for _, s := range sessions {
			fmt.Printf("%-12s %-10s %s%-18s%s %-24s %-30s %s\n",
				s.ID,
				s.ProjectID,
				maybeColor(statusColor(s.Status)), s.Status, maybeColor(colorReset),
				short(orDash(s.Branch), 24),
				short(orDash(s.IssueID), 30),
				orDash(s.PR),
			)
		}
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session <id>",
	Short: "Show one session in detail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		s, err := a.manager.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s%s%s\n", maybeColor(colorBold), s.ID, maybeColor(colorReset))
		fmt.Printf("  project:   %s\n", s.ProjectID)
		fmt.Printf("  status:    %s%s%s\n", maybeColor(statusColor(s.Status)), s.Status, maybeColor(colorReset))
		fmt.Printf("  issue:     %s\n", orDash(s.IssueID))
		fmt.Printf("  branch:    %s\n", orDash(s.Branch))
		fmt.Printf("  pr:        %s\n", orDash(s.PR))
		fmt.Printf("  workspace: %s\n", orDash(s.WorkspacePath))
		fmt.Printf("  runtime:   %s\n", orDash(s.RuntimeHandle))
		fmt.Printf("  agent:     %s\n", orDash(s.AgentInfo))
		if phase := s.Metadata[metadata.KeyPRPPhase]; phase != "" {
			fmt.Printf("  phase:     %s\n", phase)
		}
		if !s.CreatedAt.IsZero() {
			fmt.Printf("  created:   %s (%s ago)\n", s.CreatedAt.Format(time.RFC3339), time.Since(s.CreatedAt).Truncate(time.Second))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVarP(&statusProject, "project", "p", "", "filter by project id")
}
