package trigger

import (
	"testing"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
)

type fakeLister struct {
	sessions []SessionInfo
	err      error
}

func (f *fakeLister) ListSessions(projectID string) ([]SessionInfo, error) {
	return f.sessions, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Projects: map[string]config.Project{
			"app": {
				Repo:          "org/app",
				Path:          "/srv/app",
				SessionPrefix: "app",
				Tracker:       config.TrackerConfig{Plugin: "github"},
				Triggers: []config.Trigger{
					{On: "issue.labeled", Label: "agent-work", Action: "spawn"},
					{On: "issue.assigned", Assignee: "ao-bot", Action: "spawn"},
				},
			},
			"plane-proj": {
				Repo:          "ws-1234/proj",
				Path:          "/srv/plane",
				SessionPrefix: "pl",
				Tracker:       config.TrackerConfig{Plugin: "plane"},
				Webhooks:      config.Webhooks{Plane: &config.WebhookSecret{Secret: "s", WorkspaceID: "ws-1234"}},
				Triggers: []config.Trigger{
					{On: "issue.opened", Action: "spawn"},
				},
			},
		},
	}
}

func labeledEvent(delivery string) Event {
	return Event{
		Provider:   "github",
		DeliveryID: delivery,
		Event:      "issue.labeled",
		Action:     "labeled",
		Repo:       "org/app",
		Label:      "agent-work",
		Issue: Issue{
			Number: 42,
			Title:  "Fix flaky test",
			State:  "open",
			Labels: []string{"agent-work"},
			URL:    "https://github.com/org/app/issues/42",
		},
	}
}

func TestEvaluate_MatchesLabelRule(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	d := e.Evaluate(labeledEvent("d1"))
	if d == nil {
		t.Fatal("Evaluate = nil, want decision")
	}
	if d.ProjectID != "app" {
		t.Errorf("ProjectID = %q, want app", d.ProjectID)
	}
	if d.IssueID != "https://github.com/org/app/issues/42" {
		t.Errorf("IssueID = %q", d.IssueID)
	}
	if d.Rule.Label != "agent-work" {
		t.Errorf("Rule = %+v, want label rule", d.Rule)
	}
}

func TestEvaluate_DedupWithinTTL(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	if d := e.Evaluate(labeledEvent("same")); d == nil {
		t.Fatal("first delivery rejected")
	}
	if d := e.Evaluate(labeledEvent("same")); d != nil {
		t.Fatal("duplicate delivery accepted")
	}
	// A different delivery id is not a duplicate.
	if d := e.Evaluate(labeledEvent("other")); d == nil {
		t.Fatal("distinct delivery rejected")
	}
}

func TestEvaluate_DedupExpires(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})
	now := time.Now()
	e.clock = func() time.Time { return now }

	if d := e.Evaluate(labeledEvent("d1")); d == nil {
		t.Fatal("first delivery rejected")
	}
	now = now.Add(DedupTTL + time.Minute)
	if d := e.Evaluate(labeledEvent("d1")); d == nil {
		t.Fatal("delivery after TTL still deduped")
	}
}

func TestEvaluate_NoProjectMatch(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	ev := labeledEvent("d1")
	ev.Repo = "org/unrelated"
	if d := e.Evaluate(ev); d != nil {
		t.Fatalf("Evaluate = %+v, want nil", d)
	}
}

func TestEvaluate_RuleFilters(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	ev := labeledEvent("d1")
	ev.Label = "unrelated-label"
	if d := e.Evaluate(ev); d != nil {
		t.Fatalf("wrong label matched: %+v", d)
	}

	ev = labeledEvent("d2")
	ev.Event = "issue.assigned"
	ev.Label = ""
	ev.Assignee = "ao-bot"
	if d := e.Evaluate(ev); d == nil {
		t.Fatal("assignee rule did not match")
	}
}

func TestEvaluate_PlaneWorkspaceMatch(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	ev := Event{
		Provider:   "plane",
		DeliveryID: "p1",
		Event:      "issue.opened",
		Repo:       "ws-1234/proj",
		Issue:      Issue{ID: "uuid-9", Number: 9, URL: "https://plane.example/issues/uuid-9"},
	}
	d := e.Evaluate(ev)
	if d == nil {
		t.Fatal("plane event did not match")
	}
	if d.ProjectID != "plane-proj" {
		t.Errorf("ProjectID = %q, want plane-proj", d.ProjectID)
	}
}

func TestEvaluate_DuplicateSessionGuard(t *testing.T) {
	lister := &fakeLister{sessions: []SessionInfo{
		{ID: "app-1", IssueID: "https://github.com/org/app/issues/42", Status: "working"},
	}}
	e := NewEngine(testConfig(), lister)

	if d := e.Evaluate(labeledEvent("d1")); d != nil {
		t.Fatalf("active session did not block spawn: %+v", d)
	}

	// A terminal session for the same issue does not block.
	lister.sessions[0].Status = "merged"
	if d := e.Evaluate(labeledEvent("d2")); d == nil {
		t.Fatal("terminal session blocked spawn")
	}
}

func TestEvaluate_ListerErrorBlocksSpawn(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{err: errFake})

	if d := e.Evaluate(labeledEvent("d1")); d != nil {
		t.Fatalf("spawn allowed despite list failure: %+v", d)
	}
}

var errFake = &listError{}

type listError struct{}

func (*listError) Error() string { return "list failed" }

func TestEvaluate_ProjectMatchFollowsDeclaredOrder(t *testing.T) {
	// Two projects watch the same repository; the one declared first wins.
	cfg := &config.Config{
		Projects: map[string]config.Project{
			"alpha": {
				Repo: "org/app", Path: "/srv/a", SessionPrefix: "a",
				Tracker:  config.TrackerConfig{Plugin: "github"},
				Triggers: []config.Trigger{{On: "issue.labeled", Label: "agent-work", Action: "spawn"}},
			},
			"zeta": {
				Repo: "org/app", Path: "/srv/z", SessionPrefix: "z",
				Tracker:  config.TrackerConfig{Plugin: "github"},
				Triggers: []config.Trigger{{On: "issue.labeled", Label: "agent-work", Action: "spawn"}},
			},
		},
		ProjectOrder: []string{"zeta", "alpha"},
	}
	e := NewEngine(cfg, &fakeLister{})

	d := e.Evaluate(labeledEvent("d1"))
	if d == nil {
		t.Fatal("no decision")
	}
	if d.ProjectID != "zeta" {
		t.Fatalf("ProjectID = %q, want zeta (declared first)", d.ProjectID)
	}
}

func TestEvaluate_MalformedEvent(t *testing.T) {
	e := NewEngine(testConfig(), &fakeLister{})

	if d := e.Evaluate(Event{}); d != nil {
		t.Fatalf("empty event produced decision: %+v", d)
	}
}
