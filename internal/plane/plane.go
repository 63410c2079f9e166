// Package plane implements the tracker plugin for the Plane issue tracker
// via its REST API.
package plane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// DefaultBaseURL is the hosted Plane API endpoint.
const DefaultBaseURL = "https://api.plane.so"

// Tracker talks to one Plane deployment. Workspace, project, and token come
// from the project's tracker options:
//
//	tracker:
//	  plugin: plane
//	  baseUrl: https://plane.example.com   # optional
//	  token: <api key>
//	  workspaceSlug: acme
//	  projectId: <uuid>
type Tracker struct {
	HTTPClient *http.Client
}

// NewTracker returns a Plane tracker with a 30 s HTTP timeout.
func NewTracker() *Tracker {
	return &Tracker{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

type issuePayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description_stripped"`
	SequenceID  int    `json:"sequence_id"`
	State       string `json:"state"`
	StateGroup  string `json:"state_group"`
	Labels      []string `json:"labels"`
	Assignees   []string `json:"assignees"`
}

func opt(project plugin.ProjectRef, key string) string {
	return strings.TrimSpace(project.Tracker[key])
}

func (t *Tracker) baseURL(project plugin.ProjectRef) string {
	if u := opt(project, "baseUrl"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return DefaultBaseURL
}

func (t *Tracker) issuePath(project plugin.ProjectRef, id string) (string, error) {
	ws := opt(project, "workspaceSlug")
	proj := opt(project, "projectId")
	if ws == "" || proj == "" {
		return "", fmt.Errorf("plane: project %s: workspaceSlug and projectId are required tracker options", project.ID)
	}
	return fmt.Sprintf("%s/api/v1/workspaces/%s/projects/%s/issues/%s/", t.baseURL(project), ws, proj, id), nil
}

func (t *Tracker) do(ctx context.Context, method, url string, project plugin.ProjectRef, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", opt(project, "token"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("plane: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("plane: issue not found: %s", url)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("plane: %s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

// GetIssue fetches an issue by id.
func (t *Tracker) GetIssue(ctx context.Context, id string, project plugin.ProjectRef) (*plugin.Issue, error) {
	url, err := t.issuePath(project, id)
	if err != nil {
		return nil, err
	}
	data, err := t.do(ctx, http.MethodGet, url, project, nil)
	if err != nil {
		return nil, err
	}

	var p issuePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("plane: parsing issue %s: %w", id, err)
	}
	return &plugin.Issue{
		ID:        p.ID,
		Number:    p.SequenceID,
		Title:     p.Name,
		Body:      p.Description,
		State:     p.StateGroup,
		URL:       t.IssueURL(p.ID, project),
		Labels:    p.Labels,
		Assignees: p.Assignees,
	}, nil
}

// IsCompleted reports whether the issue is in a terminal state group.
func (t *Tracker) IsCompleted(ctx context.Context, id string, project plugin.ProjectRef) (bool, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return false, err
	}
	switch issue.State {
	case "completed", "cancelled", "done":
		return true, nil
	}
	return false, nil
}

// IssueURL returns the web URL for an issue.
func (t *Tracker) IssueURL(id string, project plugin.ProjectRef) string {
	ws := opt(project, "workspaceSlug")
	proj := opt(project, "projectId")
	base := opt(project, "webUrl")
	if base == "" {
		base = "https://app.plane.so"
	}
	return fmt.Sprintf("%s/%s/projects/%s/issues/%s", strings.TrimRight(base, "/"), ws, proj, id)
}

// BranchName derives a branch name from the issue's sequence id.
func (t *Tracker) BranchName(ctx context.Context, id string, project plugin.ProjectRef) string {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil || issue.Number == 0 {
		return ""
	}
	return fmt.Sprintf("feat/%s-%d", strings.ToLower(opt(project, "workspaceSlug")), issue.Number)
}

// GeneratePrompt renders the issue as prompt context.
func (t *Tracker) GeneratePrompt(ctx context.Context, id string, project plugin.ProjectRef) (string, error) {
	issue, err := t.GetIssue(ctx, id, project)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "### %s\n\n%s\n", issue.Title, issue.URL)
	if len(issue.Labels) > 0 {
		fmt.Fprintf(&b, "\nLabels: %s\n", strings.Join(issue.Labels, ", "))
	}
	if strings.TrimSpace(issue.Body) != "" {
		fmt.Fprintf(&b, "\n%s\n", issue.Body)
	}
	return b.String(), nil
}

// UpdateIssue posts a comment and/or moves the issue's state.
func (t *Tracker) UpdateIssue(ctx context.Context, id string, update plugin.IssueUpdate, project plugin.ProjectRef) error {
	base, err := t.issuePath(project, id)
	if err != nil {
		return err
	}
	if update.Comment != "" {
		payload := map[string]string{"comment_html": "<p>" + update.Comment + "</p>"}
		if _, err := t.do(ctx, http.MethodPost, base+"comments/", project, payload); err != nil {
			return err
		}
	}
	if update.Status != "" {
		payload := map[string]string{"state": update.Status}
		if _, err := t.do(ctx, http.MethodPatch, base, project, payload); err != nil {
			return err
		}
	}
	return nil
}
