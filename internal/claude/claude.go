// Package claude implements the agent plugin for the Claude Code CLI.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/tmux"
)

// Agent drives the claude CLI.
type Agent struct {
	// Command overrides the binary path. Empty means "claude" from PATH.
	Command string

	// Model is the default model passed to every launch.
	Model string
}

// New returns a claude agent with defaults.
func New() *Agent {
	return &Agent{}
}

// BuildLaunchCommand returns the argv used to start the agent.
func (a *Agent) BuildLaunchCommand(opts plugin.LaunchOpts) []string {
	cmd := a.Command
	if cmd == "" {
		cmd = "claude"
	}
	argv := []string{cmd}

	model := opts.Model
	if model == "" {
		model = a.Model
	}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if opts.SystemPromptFile != "" {
		argv = append(argv, "--append-system-prompt-file", opts.SystemPromptFile)
	}
	if opts.Permissions != "" {
		argv = append(argv, "--permission-mode", opts.Permissions)
	} else {
		argv = append(argv, "--dangerously-skip-permissions")
	}
	return argv
}

// Terminal-tail markers, checked in order: an explicit question beats the
// generic activity spinner.
var waitingMarkers = []string{
	"Do you want",
	"do you want to proceed",
	"(y/n)",
	"[y/N]",
	"Waiting for your input",
	"❯ 1.",
}

var activeMarkers = []string{
	"esc to interrupt",
	"ctrl+c to interrupt",
	"Thinking…",
	"✻",
}

// DetectActivity classifies the agent's state from its terminal tail.
func (a *Agent) DetectActivity(terminalTail string) plugin.Activity {
	tail := terminalTail
	if len(tail) > 4096 {
		tail = tail[len(tail)-4096:]
	}

	for _, m := range waitingMarkers {
		if strings.Contains(tail, m) {
			return plugin.ActivityWaitingInput
		}
	}
	for _, m := range activeMarkers {
		if strings.Contains(tail, m) {
			return plugin.ActivityActive
		}
	}

	// A bare input prompt on the last non-empty line means the agent is
	// idle and ready for instructions.
	lines := strings.Split(strings.TrimRight(tail, "\n "), "\n")
	if len(lines) > 0 {
		last := strings.TrimSpace(lines[len(lines)-1])
		if last == ">" || strings.HasPrefix(last, "> ") || last == "❯" {
			return plugin.ActivityReady
		}
	}
	return plugin.ActivityIdle
}

// IsProcessRunning reports whether the agent process behind a tmux handle
// is still alive. Non-tmux handles are assumed running; their runtime's
// IsAlive covers process death.
func (a *Agent) IsProcessRunning(ctx context.Context, handle string) bool {
	if !strings.HasPrefix(handle, tmux.SessionPrefix) {
		return true
	}
	pid, err := tmux.PanePID(ctx, handle)
	if err != nil {
		debug.LogKV("claude", "pane pid probe failed", "handle", handle, "error", err)
		return true
	}
	// Signal 0 probes existence without delivering anything.
	return syscall.Kill(pid, 0) == nil
}

// hookScript is the post-tool-use hook installed into every workspace. It
// appends detected facts (branch, PR URL, methodology artifacts) to the
// session's own metadata file using the same temp+rename discipline as the
// metadata store. %q placeholders: metadata path, workspace path.
const hookScript = `#!/bin/sh
# ao post-tool-use hook: records facts about this session's workspace into
# its orchestrator metadata file.
META=%q
WS=%q

meta_set() {
    key="$1"; val="$2"
    [ -f "$META" ] || return 0
    tmp="$META.tmp.$$"
    { grep -v "^$key=" "$META" 2>/dev/null; printf '%%s=%%s\n' "$key" "$val"; } > "$tmp" && mv "$tmp" "$META"
}

meta_get() {
    grep "^$1=" "$META" 2>/dev/null | head -n1 | cut -d= -f2-
}

# Branch: record the workspace's current branch when it changes.
branch=$(git -C "$WS" rev-parse --abbrev-ref HEAD 2>/dev/null)
if [ -n "$branch" ] && [ "$branch" != "HEAD" ] && [ "$branch" != "$(meta_get branch)" ]; then
    meta_set branch "$branch"
fi

# PR: scan the hook payload on stdin for a pull request URL.
payload=$(cat)
pr=$(printf '%%s' "$payload" | grep -oE 'https://[^" ]+/pull/[0-9]+' | head -n1)
if [ -n "$pr" ] && [ -z "$(meta_get pr)" ]; then
    meta_set pr "$pr"
fi

# Methodology artifacts: plan files move the phase forward.
phase=$(meta_get prpPhase)
if ls "$WS/.claude/PRPs/plans/"*.plan.md >/dev/null 2>&1; then
    case "$phase" in
    investigating|planning) meta_set prpPhase planning_complete ;;
    esac
elif [ -d "$WS/.claude/PRPs/research" ]; then
    case "$phase" in
    investigating) meta_set prpPhase planning ;;
    esac
fi

exit 0
`

// settings is the workspace .claude/settings.json written by the
// post-launch hook installer.
type settings struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Matcher string      `json:"matcher"`
	Hooks   []hookEntry `json:"hooks"`
}

type hookEntry struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// PostLaunchSetup installs the in-workspace tool-use hook: a shell script
// plus a settings file registering it, so facts the agent creates (branch,
// PR, plan artifacts) flow back into this session's metadata.
func (a *Agent) PostLaunchSetup(ctx context.Context, workspace, sessionID, metadataPath string) error {
	hooksDir := filepath.Join(workspace, ".claude", "hooks")
	if err := os.MkdirAll(hooksDir, 0755); err != nil {
		return fmt.Errorf("claude: creating %s: %w", hooksDir, err)
	}

	scriptPath := filepath.Join(hooksDir, "ao-posttool.sh")
	script := fmt.Sprintf(hookScript, metadataPath, workspace)
	if err := os.WriteFile(scriptPath, []byte(script), 0755); err != nil {
		return fmt.Errorf("claude: writing hook script: %w", err)
	}

	settingsPath := filepath.Join(workspace, ".claude", "settings.json")
	if _, err := os.Stat(settingsPath); err == nil {
		// The workspace brought its own settings; leave them alone.
		debug.LogKV("claude", "settings.json exists, skipping", "session", sessionID)
		return nil
	}

	s := settings{
		Hooks: map[string][]hookMatcher{
			"PostToolUse": {{
				Matcher: "*",
				Hooks:   []hookEntry{{Type: "command", Command: scriptPath}},
			}},
		},
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(settingsPath, data, 0644); err != nil {
		return fmt.Errorf("claude: writing settings.json: %w", err)
	}
	debug.LogKV("claude", "post-launch hook installed", "session", sessionID, "workspace", workspace)
	return nil
}
