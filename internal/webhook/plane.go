package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/trigger"
)

// planePayload is the slice of a Plane webhook body the orchestrator reads.
type planePayload struct {
	Event  string `json:"event"`  // "issue", "issue_comment"
	Action string `json:"action"` // "create", "update"
	Data   struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		State       string   `json:"state"`
		WorkspaceID string   `json:"workspace"`
		ProjectID   string   `json:"project"`
		URL         string   `json:"url"`
		Labels      []string `json:"labels"`
		Assignees   []string `json:"assignees"`
		CommentHTML string   `json:"comment_html"`
		CommentText string   `json:"comment_stripped"`
		Issue       string   `json:"issue"` // set on comment events
	} `json:"data"`
	// updates carries the changed fields of an update action.
	Updates struct {
		AddedLabels    []string `json:"added_labels"`
		AddedAssignees []string `json:"added_assignees"`
		State          struct {
			Old string `json:"old"`
			New string `json:"new"`
		} `json:"state"`
	} `json:"updates"`
	Actor struct {
		DisplayName string `json:"display_name"`
	} `json:"actor"`
}

func (srv *Server) handlePlane(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body")
		return
	}

	// Plane signs with bare hex, no prefix.
	if !srv.verifySignature("plane", r.Header.Get("X-Plane-Signature"), body) {
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var payload planePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	ev, ok := normalizePlane(r.Header.Get("X-Plane-Delivery"), payload, body)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
		return
	}

	srv.dispatch(r.Context(), ev)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// normalizePlane maps a Plane event to the provider-neutral shape. The
// event kind for updates is inferred from the updates sub-object.
func normalizePlane(delivery string, p planePayload, raw []byte) (trigger.Event, bool) {
	var event, label, assignee, commentBody string
	issueID := p.Data.ID

	switch p.Event {
	case "issue":
		switch p.Action {
		case "create":
			event = trigger.EventIssueOpened
		case "update":
			switch {
			case len(p.Updates.AddedLabels) > 0:
				event = trigger.EventIssueLabeled
				label = p.Updates.AddedLabels[0]
			case len(p.Updates.AddedAssignees) > 0:
				event = trigger.EventIssueAssigned
				assignee = p.Updates.AddedAssignees[0]
			case p.Updates.State.New != "" && isReopen(p.Updates.State.Old, p.Updates.State.New):
				event = trigger.EventIssueReopened
			default:
				return trigger.Event{}, false
			}
		default:
			return trigger.Event{}, false
		}
	case "issue_comment":
		if p.Action != "create" {
			return trigger.Event{}, false
		}
		event = trigger.EventIssueComment
		commentBody = p.Data.CommentText
		if commentBody == "" {
			commentBody = p.Data.CommentHTML
		}
		if p.Data.Issue != "" {
			issueID = p.Data.Issue
		}
	default:
		debug.LogKV("webhook", "ignoring plane event", "event", p.Event, "action", p.Action)
		return trigger.Event{}, false
	}

	return trigger.Event{
		Provider:   "plane",
		DeliveryID: delivery,
		Event:      event,
		Action:     p.Action,
		Issue: trigger.Issue{
			ID:        issueID,
			Title:     p.Data.Name,
			State:     p.Data.State,
			Labels:    p.Data.Labels,
			Assignees: p.Data.Assignees,
			URL:       p.Data.URL,
		},
		Repo:        p.Data.WorkspaceID + "/" + p.Data.ProjectID,
		Label:       label,
		Assignee:    assignee,
		Sender:      p.Actor.DisplayName,
		Timestamp:   time.Now().UTC(),
		CommentBody: commentBody,
		Raw:         raw,
	}, true
}

func isReopen(old, new string) bool {
	closed := map[string]bool{"completed": true, "cancelled": true, "closed": true, "done": true}
	open := map[string]bool{"backlog": true, "todo": true, "started": true, "open": true, "unstarted": true}
	return closed[old] && open[new]
}
