// Package prompt builds the layered prompts handed to spawned agents.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
)

// basePrompt establishes the agent's role. It is the first layer of every
// composed prompt.
const basePrompt = `You are an autonomous coding agent working on a single tracker issue.
Work in the current directory; it is an isolated checkout dedicated to you.
Investigate the issue, implement a fix on your branch, open a pull request,
and address CI failures and review comments until the change is merged.
Commit your work as you go.`

// ComposeOpts carries the layers of a session prompt.
type ComposeOpts struct {
	// IssueContext is the tracker-derived section (title, URL, description,
	// labels), usually from Tracker.GeneratePrompt.
	IssueContext string

	// Extras are project-configured prompt snippets appended last.
	Extras []string

	// Override replaces the whole composition when the caller supplies an
	// explicit prompt (e.g. `ao spawn --prompt`).
	Override string
}

// Compose layers the base prompt, the issue context, and the project extras.
// Order matters: later layers refine earlier ones.
func Compose(opts ComposeOpts) string {
	if strings.TrimSpace(opts.Override) != "" {
		return opts.Override
	}

	var b strings.Builder
	b.WriteString(basePrompt)

	if ctx := strings.TrimSpace(opts.IssueContext); ctx != "" {
		b.WriteString("\n\n## Issue\n\n")
		b.WriteString(ctx)
	}

	for _, extra := range opts.Extras {
		if strings.TrimSpace(extra) == "" {
			continue
		}
		b.WriteString("\n\n")
		b.WriteString(extra)
	}

	return b.String()
}

// SystemPromptOpts configures the methodology system prompt file.
type SystemPromptOpts struct {
	SessionID string
	IssueID   string
	Gates     config.PRPGates
}

// prpCommands are the five mandatory methodology steps, in order.
var prpCommands = []string{
	"/prp:investigate",
	"/prp:plan",
	"/prp:implement",
	"/prp:pr",
	"/prp:review",
}

// SystemPromptContent composes the methodology system prompt: the fixed
// lifecycle block, the issue-specific command sequence, and the optional
// gate sections.
func SystemPromptContent(opts SystemPromptOpts) string {
	var b strings.Builder

	b.WriteString("# Structured Methodology\n\n")
	b.WriteString("You follow a five-step lifecycle for this issue:\n\n")
	b.WriteString("1. **Investigate** — read the issue and the relevant code; record findings.\n")
	b.WriteString("2. **Plan** — write an implementation plan before changing code.\n")
	b.WriteString("3. **Implement** — execute the plan with an autonomous validation loop: build, test, fix, repeat until green.\n")
	b.WriteString("4. **Pull request** — open a PR describing the change.\n")
	b.WriteString("5. **Self-review** — review your own diff as a skeptical reviewer and address what you find.\n")

	fmt.Fprintf(&b, "\n## Issue %s\n\nRun these commands in order, completing each before the next:\n\n", opts.IssueID)
	for i, cmd := range prpCommands {
		fmt.Fprintf(&b, "%d. `%s`\n", i+1, cmd)
	}

	if opts.Gates.Plan {
		b.WriteString("\n## Plan gate\n\n")
		b.WriteString("After the plan is written, STOP. Do not start implementing. ")
		b.WriteString("A human will review the plan on the tracker issue and approve it with a comment. ")
		b.WriteString("You will receive a resume message when the plan is approved.\n")
	}
	if opts.Gates.PR {
		b.WriteString("\n## PR gate\n\n")
		b.WriteString("After the pull request is opened, STOP. ")
		b.WriteString("Wait for a human to review before making further changes.\n")
	}

	return b.String()
}

// WriteSystemPromptFile writes the system prompt into the per-project
// scratch directory, named with the session id, and returns its path.
func WriteSystemPromptFile(scratchRoot, projectID, sessionID, content string) (string, error) {
	dir := filepath.Join(scratchRoot, "prompts", projectID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("prompt: creating scratch dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, sessionID+".md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("prompt: writing %s: %w", path, err)
	}
	return path, nil
}

// methodologySubdirs are the only parts of the methodology plugin linked
// into a workspace. The plugin root itself is never linked: the workspace's
// own .claude/settings.json is written by the post-launch hook and must not
// leak into the methodology source.
var methodologySubdirs = []string{"skills", "rules"}

// LinkMethodology symlinks the methodology plugin's skill and rule
// directories into the workspace's .claude directory. Existing link targets
// are replaced.
func LinkMethodology(pluginPath, workspace string) error {
	if strings.TrimSpace(pluginPath) == "" {
		return nil
	}
	claudeDir := filepath.Join(workspace, ".claude")
	if err := os.MkdirAll(claudeDir, 0755); err != nil {
		return fmt.Errorf("prompt: creating %s: %w", claudeDir, err)
	}

	for _, sub := range methodologySubdirs {
		src := filepath.Join(pluginPath, sub)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(claudeDir, sub)
		if info, err := os.Lstat(dst); err == nil {
			if info.Mode()&os.ModeSymlink == 0 {
				// A real directory here would be clobbered by the link;
				// leave it and let the workspace's own copy win.
				debug.LogKV("prompt", "skipping symlink over real path", "dst", dst)
				continue
			}
			os.Remove(dst)
		}
		if err := os.Symlink(src, dst); err != nil {
			return fmt.Errorf("prompt: linking %s: %w", dst, err)
		}
	}
	return nil
}
