// Package cli implements the ao command-line interface. Each command maps
// onto one session-manager operation plus output formatting; the start
// command runs the coordinator itself.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/buildinfo"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

var (
	flagConfig string
	flagDebug  bool
)

var rootCmd = &cobra.Command{
	Use:   "ao",
	Short: "Agent Orchestrator",
	Long: colorBold + `ao — Agent Orchestrator` + colorReset + `

Spawns and supervises long-lived AI coding agents, one per tracker issue,
each in an isolated workspace. The coordinator watches progress, handles
routine events (CI failures, reviews, merge readiness) automatically, and
notifies a human only when judgment is needed.

  ao start                         Run the coordinator (webhooks + polling)
  ao spawn -p app -i 42            Spawn an agent for one issue
  ao status                        Show all sessions
  ao send app-1 "try again"        Message a session's agent
`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagDebug || debug.ShouldEnableFromEnv() {
			if _, err := debug.Init(); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath(), "path to the orchestrator config file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "write a verbose debug log under ~/.ao/debug/")

	rootCmd.AddCommand(
		startCmd,
		spawnCmd,
		batchSpawnCmd,
		statusCmd,
		sessionCmd,
		sendCmd,
		killCmd,
		restoreCmd,
		cleanupCmd,
		versionCmd,
	)
}

func defaultConfigPath() string {
	if p := os.Getenv("AO_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "ao.yaml"
	}
	return home + "/.ao/config.yaml"
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", maybeColor(colorRed), maybeColor(colorReset), err)
		os.Exit(1)
	}
}

// maybeColor returns the ANSI code when stdout is a terminal, else "".
func maybeColor(code string) string {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return code
	}
	return ""
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := buildinfo.Current()
		fmt.Printf("ao %s (%s)\n", info.Version, info.Commit)
	},
}
