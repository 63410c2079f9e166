// Package tmux implements the runtime plugin on detached tmux sessions.
// Each agent runs in its own session for lifecycle independence: the
// orchestrator can die and restart without touching running agents, and a
// human can attach to any session to watch or intervene.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// SessionPrefix is prepended to runtime handles so orchestrator sessions
// are recognizable in `tmux ls`.
const SessionPrefix = "ao-"

// cmdTimeout bounds every tmux invocation.
const cmdTimeout = 30 * time.Second

// defaultTailLines is the capture length when the caller does not specify.
const defaultTailLines = 50

// Runtime drives tmux through its CLI.
type Runtime struct{}

// New returns the tmux runtime plugin.
func New() *Runtime {
	return &Runtime{}
}

// Start creates a detached session running the command and returns the
// session name as the handle.
func (r *Runtime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("tmux: empty command")
	}
	name := SessionPrefix + spec.Name

	args := []string{"new-session", "-d", "-s", name}
	if spec.Dir != "" {
		args = append(args, "-c", spec.Dir)
	}
	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}
	// tmux new-session takes a shell string, not argv; quote each word.
	args = append(args, shellQuote(spec.Command))

	if out, err := tmuxRun(ctx, args...); err != nil {
		return "", fmt.Errorf("tmux new-session: %w: %s", err, out)
	}
	// Keep dead panes visible instead of collapsing the session, so exit
	// output can still be captured.
	tmuxRun(ctx, "set-option", "-t", name, "remain-on-exit", "on")

	debug.LogKV("tmux", "started", "session", name, "dir", spec.Dir)
	return name, nil
}

// IsAlive reports whether the session exists and has a live (non-dead) pane.
func (r *Runtime) IsAlive(ctx context.Context, handle string) bool {
	if _, err := tmuxRun(ctx, "has-session", "-t", handle); err != nil {
		return false
	}
	out, err := tmuxRun(ctx, "list-panes", "-t", handle, "-F", "#{pane_dead}")
	if err != nil {
		return false
	}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if strings.TrimSpace(line) == "0" {
			return true
		}
	}
	return false
}

// Output captures the last lines of the session's active pane.
func (r *Runtime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	if lastN <= 0 {
		lastN = defaultTailLines
	}
	out, err := tmuxRun(ctx, "capture-pane", "-p", "-t", handle, "-S", "-"+strconv.Itoa(lastN))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return strings.TrimRight(out, "\n"), nil
}

// Send pastes text into the session and submits it with Enter. The text
// goes through a tmux buffer so multi-line prompts arrive verbatim instead
// of being interpreted as key names.
func (r *Runtime) Send(ctx context.Context, handle, text string) error {
	load := exec.CommandContext(ctx, "tmux", "load-buffer", "-b", "ao-send", "-")
	load.Stdin = strings.NewReader(text)
	if out, err := load.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux load-buffer: %w: %s", err, out)
	}
	if out, err := tmuxRun(ctx, "paste-buffer", "-d", "-b", "ao-send", "-t", handle); err != nil {
		return fmt.Errorf("tmux paste-buffer: %w: %s", err, out)
	}
	if out, err := tmuxRun(ctx, "send-keys", "-t", handle, "Enter"); err != nil {
		return fmt.Errorf("tmux send-keys: %w: %s", err, out)
	}
	return nil
}

// Stop kills the session. Killing an absent session is not an error.
func (r *Runtime) Stop(ctx context.Context, handle string) error {
	if _, err := tmuxRun(ctx, "has-session", "-t", handle); err != nil {
		return nil
	}
	if out, err := tmuxRun(ctx, "kill-session", "-t", handle); err != nil {
		return fmt.Errorf("tmux kill-session: %w: %s", err, out)
	}
	return nil
}

// PanePID returns the PID of the session's active pane process. Used by
// agent plugins to check whether the agent process itself is still running.
func PanePID(ctx context.Context, handle string) (int, error) {
	out, err := tmuxRun(ctx, "display-message", "-p", "-t", handle, "#{pane_pid}")
	if err != nil {
		return 0, fmt.Errorf("tmux display-message: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("tmux: bad pane pid %q", out)
	}
	return pid, nil
}

func tmuxRun(ctx context.Context, args ...string) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, cmdTimeout)
	defer cancel()
	cmd := exec.CommandContext(tctx, "tmux", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), err
	}
	return string(out), nil
}

// shellQuote renders argv as a single shell command string with each word
// single-quoted.
func shellQuote(argv []string) string {
	quoted := make([]string, 0, len(argv))
	for _, a := range argv {
		quoted = append(quoted, "'"+strings.ReplaceAll(a, "'", `'\''`)+"'")
	}
	return strings.Join(quoted, " ")
}
