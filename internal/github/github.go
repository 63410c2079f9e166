// Package github implements the tracker and SCM plugins on the gh CLI.
// Every invocation is argv-based with a hard timeout; gh owns auth.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// ghTimeout bounds every gh invocation.
const ghTimeout = 30 * time.Second

// ghRun executes gh with the given args and returns stdout.
func ghRun(ctx context.Context, args ...string) (string, error) {
	gctx, cancel := context.WithTimeout(ctx, ghTimeout)
	defer cancel()

	cmd := exec.CommandContext(gctx, "gh", args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// --- tracker ---

// Tracker integrates with GitHub issues.
type Tracker struct{}

// NewTracker returns the GitHub tracker plugin.
func NewTracker() *Tracker {
	return &Tracker{}
}

type ghIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	URL       string `json:"url"`
	Labels    []struct{ Name string `json:"name"` }  `json:"labels"`
	Assignees []struct{ Login string `json:"login"` } `json:"assignees"`
}

// issueArgs builds the gh selector for an issue id, which may be a number
// or a full URL.
func issueArgs(id string, project plugin.ProjectRef) []string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return []string{id}
	}
	return []string{id, "--repo", project.Repo}
}

// GetIssue fetches an issue.
func (t *Tracker) GetIssue(ctx context.Context, id string, project plugin.ProjectRef) (*plugin.Issue, error) {
	args := append([]string{"issue", "view"}, issueArgs(id, project)...)
	args = append(args, "--json", "number,title,body,state,url,labels,assignees")
	out, err := ghRun(ctx, args...)
	if err != nil {
		return nil, err
	}

	var gi ghIssue
	if err := json.Unmarshal([]byte(out), &gi); err != nil {
		return nil, fmt.Errorf("github: parsing issue %s: %w", id, err)
	}

	issue := &plugin.Issue{
		ID:     fmt.Sprintf("%d", gi.Number),
		Number: gi.Number,
		Title:  gi.Title,
		Body:   gi.Body,
		State:  strings.ToLower(gi.State),
		URL:    gi.URL,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	for _, a := range gi.Assignees {
		issue.Assignees = append(issue.Assignees, a.Login)
	}
	return issue, nil
}

// IsCompleted reports whether the issue is closed.
func (t *Tracker) IsCompleted(ctx context.Context, id string, project plugin.ProjectRef) (bool, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return false, err
	}
	return issue.State == "closed", nil
}

// IssueURL returns the canonical issue URL.
func (t *Tracker) IssueURL(id string, project plugin.ProjectRef) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return fmt.Sprintf("https://github.com/%s/issues/%s", project.Repo, id)
}

// BranchName derives a branch name from the issue number and title, or ""
// when the issue cannot be fetched.
func (t *Tracker) BranchName(ctx context.Context, id string, project plugin.ProjectRef) string {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		debug.LogKV("github", "branch name fetch failed", "issue", id, "error", err)
		return ""
	}
	return BranchFor(issue.Number, issue.Title)
}

// GeneratePrompt renders the issue as prompt context.
func (t *Tracker) GeneratePrompt(ctx context.Context, id string, project plugin.ProjectRef) (string, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "### #%d %s\n\n%s\n", issue.Number, issue.Title, issue.URL)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if strings.TrimSpace(issue.Body) != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Body)
	}
	return b.String(), nil
}

// UpdateIssue posts a comment and/or changes the issue state.
func (t *Tracker) UpdateIssue(ctx context.Context, id string, update plugin.IssueUpdate, project plugin.ProjectRef) error {
	if update.Comment != "" {
		args := append([]string{"issue", "comment"}, issueArgs(id, project)...)
		args = append(args, "--body", update.Comment)
		if _, err := ghRun(ctx, args...); err != nil {
			return err
		}
	}
	switch update.Status {
	case "":
	case "closed", "done", "completed":
		args := append([]string{"issue", "close"}, issueArgs(id, project)...)
		if _, err := ghRun(ctx, args...); err != nil {
			return err
		}
	case "open", "reopened":
		args := append([]string{"issue", "reopen"}, issueArgs(id, project)...)
		if _, err := ghRun(ctx, args...); err != nil {
			return err
		}
	default:
		return fmt.Errorf("github: unsupported issue status %q", update.Status)
	}
	return nil
}

var slugRx = regexp.MustCompile(`[^a-z0-9]+`)

// BranchFor builds "feat/{number}-{title-slug}", capped to a sane length.
func BranchFor(number int, title string) string {
	slug := slugRx.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
		slug = strings.TrimRight(slug, "-")
	}
	if slug == "" {
		return fmt.Sprintf("feat/%d", number)
	}
	return fmt.Sprintf("feat/%d-%s", number, slug)
}

// --- SCM ---

// SCM probes pull request state through the gh CLI.
type SCM struct{}

// NewSCM returns the GitHub SCM plugin.
func NewSCM() *SCM {
	return &SCM{}
}

type ghPR struct {
	State             string `json:"state"`
	ReviewDecision    string `json:"reviewDecision"`
	Mergeable         string `json:"mergeable"`
	StatusCheckRollup []struct {
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
	} `json:"statusCheckRollup"`
}

func prView(ctx context.Context, pr string, fields string) (*ghPR, error) {
	out, err := ghRun(ctx, "pr", "view", pr, "--json", fields)
	if err != nil {
		return nil, err
	}
	var p ghPR
	if err := json.Unmarshal([]byte(out), &p); err != nil {
		return nil, fmt.Errorf("github: parsing pr %s: %w", pr, err)
	}
	return &p, nil
}

// PRState reports open, merged, or closed.
func (s *SCM) PRState(ctx context.Context, pr string) (string, error) {
	p, err := prView(ctx, pr, "state")
	if err != nil {
		return "", err
	}
	return MapPRState(p.State), nil
}

// CISummary reports the aggregate CI state for the PR's head.
func (s *SCM) CISummary(ctx context.Context, pr string) (string, error) {
	p, err := prView(ctx, pr, "statusCheckRollup")
	if err != nil {
		return "", err
	}
	conclusions := make([]checkResult, 0, len(p.StatusCheckRollup))
	for _, c := range p.StatusCheckRollup {
		conclusions = append(conclusions, checkResult{Status: c.Status, Conclusion: c.Conclusion})
	}
	return SummarizeChecks(conclusions), nil
}

// ReviewDecision reports the PR's aggregate review decision.
func (s *SCM) ReviewDecision(ctx context.Context, pr string) (string, error) {
	p, err := prView(ctx, pr, "reviewDecision")
	if err != nil {
		return "", err
	}
	return MapReviewDecision(p.ReviewDecision), nil
}

// Mergeability reports whether GitHub considers the PR mergeable.
func (s *SCM) Mergeability(ctx context.Context, pr string) (bool, error) {
	p, err := prView(ctx, pr, "mergeable")
	if err != nil {
		return false, err
	}
	return strings.EqualFold(p.Mergeable, "MERGEABLE"), nil
}

// checkResult is one CI check from the status rollup.
type checkResult struct {
	Status     string
	Conclusion string
}

// MapPRState maps gh's PR state to the plugin vocabulary.
func MapPRState(state string) string {
	switch strings.ToUpper(state) {
	case "MERGED":
		return plugin.PRStateMerged
	case "CLOSED":
		return plugin.PRStateClosed
	default:
		return plugin.PRStateOpen
	}
}

// MapReviewDecision maps gh's review decision to the plugin vocabulary.
func MapReviewDecision(decision string) string {
	switch strings.ToUpper(decision) {
	case "APPROVED":
		return plugin.ReviewApproved
	case "CHANGES_REQUESTED":
		return plugin.ReviewChangesRequested
	default:
		return plugin.ReviewPending
	}
}

// SummarizeChecks folds individual check results into one CI state: any
// failure wins, then any in-flight check, then passing.
func SummarizeChecks(checks []checkResult) string {
	if len(checks) == 0 {
		return plugin.CINone
	}
	pending := false
	for _, c := range checks {
		switch strings.ToUpper(c.Conclusion) {
		case "FAILURE", "TIMED_OUT", "CANCELLED", "ACTION_REQUIRED":
			return plugin.CIFailing
		case "":
			if !strings.EqualFold(c.Status, "COMPLETED") {
				pending = true
			}
		}
	}
	if pending {
		return plugin.CIPending
	}
	return plugin.CIPassing
}
