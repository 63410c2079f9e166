package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send <id> <message>...",
	Short: "Send a message to a session's agent",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		message := strings.Join(args[1:], " ")
		if err := a.manager.Send(cmd.Context(), args[0], message); err != nil {
			return err
		}
		fmt.Printf("%s✓%s sent to %s\n", maybeColor(colorGreen), maybeColor(colorReset), args[0])
		return nil
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <id>...",
	Short: "Kill sessions: stop the runtime, remove the workspace, archive metadata",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		var lastErr error
		for _, id := range args {
			if err := a.manager.Kill(cmd.Context(), id); err != nil {
				lastErr = err
				fmt.Printf("%s✗%s %s: %v\n", maybeColor(colorRed), maybeColor(colorReset), id, err)
				continue
			}
			fmt.Printf("%s✓%s killed %s\n", maybeColor(colorGreen), maybeColor(colorReset), id)
		}
		return lastErr
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <id>",
	Short: "Recreate the workspace and runtime for a dead session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		s, err := a.manager.Restore(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s✓%s restored %s (runtime %s)\n", maybeColor(colorGreen), maybeColor(colorReset), s.ID, s.RuntimeHandle)
		return nil
	},
}

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Archive finished sessions and tear down their resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		cleaned, err := a.manager.Cleanup(cmd.Context(), cleanupOlderThan)
		if err != nil {
			return err
		}
		if len(cleaned) == 0 {
			fmt.Println("nothing to clean up")
			return nil
		}
		fmt.Printf("%s✓%s cleaned %d session(s): %s\n", maybeColor(colorGreen), maybeColor(colorReset), len(cleaned), strings.Join(cleaned, ", "))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 24*time.Hour, "only clean sessions older than this")
}
