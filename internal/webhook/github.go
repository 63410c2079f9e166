package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/trigger"
)

// githubPayload is the slice of a GitHub webhook body the orchestrator
// reads. Unknown fields are ignored.
type githubPayload struct {
	Action string `json:"action"`
	Issue  struct {
		ID        int64  `json:"id"`
		Number    int    `json:"number"`
		Title     string `json:"title"`
		State     string `json:"state"`
		HTMLURL   string `json:"html_url"`
		Labels    []struct{ Name string `json:"name"` } `json:"labels"`
		Assignees []struct{ Login string `json:"login"` } `json:"assignees"`
	} `json:"issue"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Label    struct{ Name string `json:"name"` }   `json:"label"`
	Assignee struct{ Login string `json:"login"` } `json:"assignee"`
	Sender   struct{ Login string `json:"login"` } `json:"sender"`
	Comment  struct {
		Body string `json:"body"`
	} `json:"comment"`
}

func (srv *Server) handleGitHub(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	sig := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	if !srv.verifySignature("github", sig, body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	// Parse only after the signature checks out.
	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ev, ok := normalizeGitHub(r.Header.Get("X-GitHub-Event"), r.Header.Get("X-GitHub-Delivery"), payload, body)
	if !ok {
		// Verified but uninteresting: accept so the provider stops retrying.
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}

	srv.dispatch(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// normalizeGitHub maps a GitHub event to the provider-neutral shape.
func normalizeGitHub(ghEvent, delivery string, p githubPayload, raw []byte) (trigger.Event, bool) {
	var event string
	switch ghEvent {
	case "issues":
		switch p.Action {
		case "labeled":
			event = trigger.EventIssueLabeled
		case "assigned":
			event = trigger.EventIssueAssigned
		case "opened":
			event = trigger.EventIssueOpened
		case "reopened":
			event = trigger.EventIssueReopened
		default:
			return trigger.Event{}, false
		}
	case "issue_comment":
		if p.Action != "created" {
			return trigger.Event{}, false
		}
		event = trigger.EventIssueComment
	default:
		debug.LogKV("webhook", "ignoring github event", "event", ghEvent, "action", p.Action)
		return trigger.Event{}, false
	}

	labels := make([]string, 0, len(p.Issue.Labels))
	for _, l := range p.Issue.Labels {
		labels = append(labels, l.Name)
	}
	assignees := make([]string, 0, len(p.Issue.Assignees))
	for _, a := range p.Issue.Assignees {
		assignees = append(assignees, a.Login)
	}

	return trigger.Event{
		Provider:   "github",
		DeliveryID: delivery,
		Event:      event,
		Action:     p.Action,
		Issue: trigger.Issue{
			ID:        p.Issue.HTMLURL,
			Number:    p.Issue.Number,
			Title:     p.Issue.Title,
			State:     p.Issue.State,
			Labels:    labels,
			Assignees: assignees,
			URL:       p.Issue.HTMLURL,
		},
		Repo:        p.Repository.FullName,
		Label:       p.Label.Name,
		Assignee:    p.Assignee.Login,
		Sender:      p.Sender.Login,
		Timestamp:   time.Now().UTC(),
		CommentBody: p.Comment.Body,
		Raw:         raw,
	}, true
}
