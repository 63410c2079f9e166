// Package worktree implements the workspace plugin on git worktrees: each
// session gets an isolated checkout on its own branch off the project's
// default branch.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// worktreeDir is the directory under the project repository that holds
// session worktrees.
const worktreeDir = ".ao-worktrees"

// gitTimeout bounds every git invocation.
const gitTimeout = 30 * time.Second

// Workspace creates and destroys session worktrees.
type Workspace struct{}

// New returns the worktree workspace plugin.
func New() *Workspace {
	return &Workspace{}
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// Create makes a branch at the tip of the default branch and checks it out
// as a worktree under <repo>/.ao-worktrees/<session>. A failure after the
// branch exists rolls the branch back.
func (w *Workspace) Create(ctx context.Context, spec plugin.WorkspaceSpec) (string, error) {
	if strings.TrimSpace(spec.RepoPath) == "" {
		return "", fmt.Errorf("worktree: repo path is empty")
	}
	debug.LogKV("worktree", "Create()", "branch", spec.Branch, "repo", spec.RepoPath, "session", spec.SessionID)

	base := filepath.Join(spec.RepoPath, worktreeDir)
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("worktree: creating %s: %w", base, err)
	}
	wtPath := filepath.Join(base, sanitize(spec.SessionID))

	ref := strings.TrimSpace(spec.DefaultBranch)
	if ref == "" {
		ref = "HEAD"
	}
	tip, err := git(ctx, spec.RepoPath, "rev-parse", ref)
	if err != nil {
		return "", fmt.Errorf("worktree: rev-parse %s: %w", ref, err)
	}
	tip = strings.TrimSpace(tip)

	branch := spec.Branch
	if branch == "" {
		branch = "session/" + sanitize(spec.SessionID)
	}
	if _, err := git(ctx, spec.RepoPath, "branch", branch, tip); err != nil {
		return "", fmt.Errorf("worktree: creating branch %s: %w", branch, err)
	}

	if _, err := git(ctx, spec.RepoPath, "worktree", "add", wtPath, branch); err != nil {
		git(ctx, spec.RepoPath, "branch", "-D", branch)
		return "", fmt.Errorf("worktree: worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "path", wtPath, "branch", branch, "tip", tip)
	return wtPath, nil
}

// Destroy removes a session worktree and deletes its branch. The branch is
// resolved from the worktree listing before removal.
func (w *Workspace) Destroy(ctx context.Context, path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	repo := repoRootFor(path)
	branch := branchFor(ctx, repo, path)

	if _, err := git(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		// Fallback: manual cleanup plus prune.
		if removeErr := os.RemoveAll(path); removeErr != nil {
			git(ctx, repo, "worktree", "prune")
			return fmt.Errorf("worktree: remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
		}
		git(ctx, repo, "worktree", "prune")
	}

	if branch != "" {
		git(ctx, repo, "branch", "-D", branch)
	}
	return nil
}

// repoRootFor maps <repo>/.ao-worktrees/<name> back to <repo>.
func repoRootFor(wtPath string) string {
	dir := filepath.Dir(wtPath)
	if filepath.Base(dir) == worktreeDir {
		return filepath.Dir(dir)
	}
	return dir
}

// branchFor finds the branch checked out at wtPath, if any.
func branchFor(ctx context.Context, repo, wtPath string) string {
	out, err := git(ctx, repo, "worktree", "list", "--porcelain")
	if err != nil {
		return ""
	}
	var current, branch string
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
			branch = ""
		case strings.HasPrefix(line, "branch "):
			branch = strings.TrimPrefix(line, "branch refs/heads/")
			if current == wtPath {
				return branch
			}
		}
	}
	return ""
}

// git runs a git command in dir and returns combined output.
func git(ctx context.Context, dir string, args ...string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err)
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
