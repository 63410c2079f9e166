// Package trigger normalizes tracker events and decides whether they spawn
// a session. Evaluation is pure: malformed events yield no decision, never
// an error.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
)

// Normalized trigger event names.
const (
	EventIssueOpened   = "issue.opened"
	EventIssueLabeled  = "issue.labeled"
	EventIssueAssigned = "issue.assigned"
	EventIssueReopened = "issue.reopened"
	EventIssueComment  = "issue.comment"
)

// DedupTTL is the window within which a webhook delivery id is rejected as
// a duplicate.
const DedupTTL = 10 * time.Minute

// Issue is the issue slice of a normalized event.
type Issue struct {
	ID        string
	Number    int
	Title     string
	State     string
	Labels    []string
	Assignees []string
	URL       string
}

// Event is a provider-neutral tracker event.
type Event struct {
	Provider    string
	DeliveryID  string
	Event       string
	Action      string
	Issue       Issue
	Repo        string
	Label       string
	Assignee    string
	Sender      string
	Timestamp   time.Time
	CommentBody string
	Raw         []byte
}

// SessionInfo is the slice of session state the duplicate guard needs.
type SessionInfo struct {
	ID      string
	IssueID string
	Status  string
}

// Lister supplies active sessions for the duplicate-session guard.
type Lister interface {
	ListSessions(projectID string) ([]SessionInfo, error)
}

// SpawnDecision is the outcome of a matched trigger.
type SpawnDecision struct {
	ProjectID string
	IssueID   string
	Event     Event
	Rule      config.Trigger
}

// Engine evaluates normalized events against the configured trigger rules.
type Engine struct {
	cfg    *config.Config
	lister Lister

	mu    sync.Mutex
	seen  map[string]time.Time // delivery id -> first seen
	ttl   time.Duration
	clock func() time.Time
}

// NewEngine creates an Engine with the default dedup TTL.
func NewEngine(cfg *config.Config, lister Lister) *Engine {
	return &Engine{
		cfg:    cfg,
		lister: lister,
		seen:   make(map[string]time.Time),
		ttl:    DedupTTL,
		clock:  time.Now,
	}
}

// Evaluate returns a spawn decision for the event, or nil when the event is
// a duplicate delivery, matches no project or rule, or would duplicate an
// active session.
func (e *Engine) Evaluate(ev Event) *SpawnDecision {
	if ev.Event == "" {
		return nil
	}
	if e.isDuplicateDelivery(ev) {
		debug.LogKV("trigger", "duplicate delivery", "provider", ev.Provider, "delivery", ev.DeliveryID)
		return nil
	}

	projectID, project := e.matchProject(ev)
	if project == nil {
		return nil
	}

	rule := matchRule(project.Triggers, ev)
	if rule == nil {
		return nil
	}

	// A resume rule targets an existing session; only spawns are guarded
	// against duplicates.
	if rule.Action != "resume-session" && e.hasActiveSession(projectID, ev) {
		debug.LogKV("trigger", "duplicate session guard", "project", projectID, "issue", ev.Issue.Number)
		return nil
	}

	issueID := ev.Issue.URL
	if issueID == "" {
		issueID = ev.Issue.ID
	}
	return &SpawnDecision{
		ProjectID: projectID,
		IssueID:   issueID,
		Event:     ev,
		Rule:      *rule,
	}
}

// isDuplicateDelivery records and checks the delivery id, pruning expired
// entries on each access. An event without a delivery id is never deduped.
func (e *Engine) isDuplicateDelivery(ev Event) bool {
	if ev.DeliveryID == "" {
		return false
	}
	key := ev.Provider + ":" + ev.DeliveryID
	now := e.clock()

	e.mu.Lock()
	defer e.mu.Unlock()
	for k, at := range e.seen {
		if now.Sub(at) > e.ttl {
			delete(e.seen, k)
		}
	}
	if _, ok := e.seen[key]; ok {
		return true
	}
	e.seen[key] = now
	return false
}

// matchProject returns the first configured project matching the event's
// repository, in the order projects were declared in the config.
func (e *Engine) matchProject(ev Event) (string, *config.Project) {
	for _, id := range e.cfg.ProjectIDs() {
		p := e.cfg.Project(id)
		switch ev.Provider {
		case "github":
			if p.Repo != "" && p.Repo == ev.Repo {
				return id, p
			}
		case "plane":
			if p.Webhooks.Plane != nil && p.Webhooks.Plane.WorkspaceID != "" &&
				strings.Contains(ev.Repo, p.Webhooks.Plane.WorkspaceID) {
				return id, p
			}
		}
	}
	return "", nil
}

// matchRule returns the first trigger whose event and optional filters all
// match, in declared order.
func matchRule(triggers []config.Trigger, ev Event) *config.Trigger {
	for i := range triggers {
		t := &triggers[i]
		if t.On != ev.Event {
			continue
		}
		if t.Label != "" && t.Label != ev.Label {
			continue
		}
		if t.Assignee != "" && t.Assignee != ev.Assignee {
			continue
		}
		return t
	}
	return nil
}

// hasActiveSession reports whether the project already has a non-terminal
// session for the event's issue.
func (e *Engine) hasActiveSession(projectID string, ev Event) bool {
	if e.lister == nil {
		return false
	}
	sessions, err := e.lister.ListSessions(projectID)
	if err != nil {
		// A failed listing must not spawn a duplicate; err on the safe side.
		debug.LogKV("trigger", "session list failed", "project", projectID, "error", err)
		return true
	}
	needle := fmt.Sprintf("%d", ev.Issue.Number)
	for _, s := range sessions {
		if !session.IsActive(s.Status) {
			continue
		}
		if ev.Issue.Number > 0 && strings.Contains(s.IssueID, needle) {
			return true
		}
		if ev.Issue.ID != "" && s.IssueID == ev.Issue.ID {
			return true
		}
	}
	return false
}
