package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/reaction"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
)

// --- fakes ---

type fakeRuntime struct {
	mu     sync.Mutex
	alive  map[string]bool
	output map[string]string
	sent   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{alive: make(map[string]bool), output: make(map[string]string)}
}

func (f *fakeRuntime) Start(ctx context.Context, spec plugin.StartSpec) (string, error) {
	handle := "tmux-" + spec.Name
	f.mu.Lock()
	f.alive[handle] = true
	f.mu.Unlock()
	return handle, nil
}

func (f *fakeRuntime) IsAlive(ctx context.Context, handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[handle]
}

func (f *fakeRuntime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.output[handle], nil
}

func (f *fakeRuntime) Send(ctx context.Context, handle, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[handle] = false
	return nil
}

type fakeAgent struct {
	activity plugin.Activity
	running  bool
}

func (f *fakeAgent) BuildLaunchCommand(opts plugin.LaunchOpts) []string { return []string{"agent"} }

func (f *fakeAgent) DetectActivity(tail string) plugin.Activity {
	if f.activity == "" {
		return plugin.ActivityActive
	}
	return f.activity
}

func (f *fakeAgent) IsProcessRunning(ctx context.Context, handle string) bool { return f.running }

func (f *fakeAgent) PostLaunchSetup(ctx context.Context, workspace, sessionID, metadataPath string) error {
	return nil
}

type fakeWorkspace struct{ root string }

func (f *fakeWorkspace) Create(ctx context.Context, spec plugin.WorkspaceSpec) (string, error) {
	path := filepath.Join(f.root, spec.SessionID)
	return path, os.MkdirAll(path, 0755)
}

func (f *fakeWorkspace) Destroy(ctx context.Context, path string) error { return os.RemoveAll(path) }

type fakeTracker struct {
	mu       sync.Mutex
	comments []string
}

func (f *fakeTracker) GetIssue(ctx context.Context, id string, project plugin.ProjectRef) (*plugin.Issue, error) {
	return &plugin.Issue{ID: id, Number: 42, Title: "t", URL: "https://github.com/org/app/issues/" + id}, nil
}

func (f *fakeTracker) IsCompleted(ctx context.Context, id string, project plugin.ProjectRef) (bool, error) {
	return false, nil
}

func (f *fakeTracker) IssueURL(id string, project plugin.ProjectRef) string { return id }

func (f *fakeTracker) BranchName(ctx context.Context, id string, project plugin.ProjectRef) string {
	return ""
}

func (f *fakeTracker) GeneratePrompt(ctx context.Context, id string, project plugin.ProjectRef) (string, error) {
	return "issue " + id, nil
}

func (f *fakeTracker) UpdateIssue(ctx context.Context, id string, update plugin.IssueUpdate, project plugin.ProjectRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if update.Comment != "" {
		f.comments = append(f.comments, update.Comment)
	}
	return nil
}

func (f *fakeTracker) Comments() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.comments...)
}

type fakeSCM struct {
	state     string
	ci        string
	review    string
	mergeable bool
	err       error
}

func (f *fakeSCM) PRState(ctx context.Context, pr string) (string, error) {
	return f.state, f.err
}

func (f *fakeSCM) CISummary(ctx context.Context, pr string) (string, error) { return f.ci, f.err }

func (f *fakeSCM) ReviewDecision(ctx context.Context, pr string) (string, error) {
	return f.review, f.err
}

func (f *fakeSCM) Mergeability(ctx context.Context, pr string) (bool, error) {
	return f.mergeable, f.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []plugin.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n plugin.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fakeNotifier) Notes() []plugin.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]plugin.Notification(nil), f.notes...)
}

type sendRecorder struct {
	mu   sync.Mutex
	sent []string
}

func (s *sendRecorder) record(msg string) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
}

// --- harness ---

type harness struct {
	poller   *Poller
	mgr      *session.Manager
	store    *metadata.Store
	runtime  *fakeRuntime
	agent    *fakeAgent
	tracker  *fakeTracker
	scm      *fakeSCM
	notifier *fakeNotifier
	cfg      *config.Config
	bus      *events.Bus
	wsRoot   string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()

	cfg := &config.Config{
		Defaults: config.Defaults{Runtime: "tmux", Agent: "claude", Workspace: "worktree"},
		Projects: map[string]config.Project{
			"app": {
				Repo:          "org/app",
				Path:          "/srv/app",
				DefaultBranch: "main",
				SessionPrefix: "app",
				SCM:           "github",
				Tracker:       config.TrackerConfig{Plugin: "github"},
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	store, err := metadata.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	h := &harness{
		runtime:  newFakeRuntime(),
		agent:    &fakeAgent{activity: plugin.ActivityActive, running: true},
		tracker:  &fakeTracker{},
		scm:      &fakeSCM{state: "open", ci: "passing", review: "pending"},
		notifier: &fakeNotifier{},
		store:    store,
		cfg:      cfg,
		bus:      events.NewBus(),
		wsRoot:   t.TempDir(),
	}

	reg := plugin.NewRegistry()
	reg.RegisterRuntime("tmux", h.runtime)
	reg.RegisterAgent("claude", h.agent)
	reg.RegisterWorkspace("worktree", &fakeWorkspace{root: h.wsRoot})
	reg.RegisterTracker("github", h.tracker)
	reg.RegisterSCM("github", h.scm)

	h.mgr = session.NewManager(cfg, reg, store, h.bus)
	reactions := reaction.NewEngine(managerSender{h.mgr}, h.notifier, h.bus)
	h.poller = NewPoller(cfg, h.mgr, reactions, h.notifier, h.bus)
	return h
}

type managerSender struct{ mgr *session.Manager }

func (m managerSender) Send(ctx context.Context, sessionID, message string) error {
	return m.mgr.Send(ctx, sessionID, message)
}

// seedSession writes a session's metadata directly and backs it with a live
// fake runtime handle.
func (h *harness) seedSession(t *testing.T, id string, extra map[string]string) {
	t.Helper()
	if err := h.store.Reserve(id); err != nil {
		t.Fatalf("Reserve(%s): %v", id, err)
	}
	handle := "tmux-" + id
	h.runtime.mu.Lock()
	h.runtime.alive[handle] = true
	h.runtime.mu.Unlock()

	ws := filepath.Join(h.wsRoot, id)
	if err := os.MkdirAll(ws, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	meta := map[string]string{
		metadata.KeyProject:  "app",
		metadata.KeyStatus:   session.StatusWorking,
		metadata.KeyRuntime:  handle,
		metadata.KeyWorktree: ws,
		metadata.KeyIssue:    "https://github.com/org/app/issues/42",
	}
	for k, v := range extra {
		meta[k] = v
	}
	if err := h.store.UpdateMerge(id, meta); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}
}

func (h *harness) status(t *testing.T, id string) string {
	t.Helper()
	m, err := h.store.Read(id)
	if err != nil || m == nil {
		t.Fatalf("Read(%s): %v %v", id, m, err)
	}
	return m[metadata.KeyStatus]
}

// --- tests ---

func TestTick_PRStaircaseToMergeable(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Reactions = map[string]config.Reaction{
			"approved-and-green": {Auto: true, Action: "auto-merge"},
		}
	})
	h.seedSession(t, "app-1", map[string]string{
		metadata.KeyPR: "https://github.com/org/app/pull/7",
	})
	h.scm.review = "approved"
	h.scm.mergeable = true
	ctx := context.Background()

	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusPROpen {
		t.Fatalf("after tick 1 status = %q, want pr_open", got)
	}
	comments := h.tracker.Comments()
	if len(comments) != 1 || !strings.Contains(comments[0], "Pull Request: https://github.com/org/app/pull/7") {
		t.Fatalf("writeback = %v, want one PR comment", comments)
	}

	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusApproved {
		t.Fatalf("after tick 2 status = %q, want approved", got)
	}

	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusMergeable {
		t.Fatalf("after tick 3 status = %q, want mergeable", got)
	}

	// The approved-and-green reaction executed: a merge-ready notification
	// at action priority, exactly one.
	var mergeNotes int
	for _, n := range h.notifier.Notes() {
		if n.Event == "approved-and-green" {
			mergeNotes++
		}
	}
	if mergeNotes != 1 {
		t.Errorf("approved-and-green notifications = %d, want 1", mergeNotes)
	}

	// The PR writeback posted exactly once across all ticks.
	var prComments int
	for _, c := range h.tracker.Comments() {
		if strings.Contains(c, "Pull Request:") {
			prComments++
		}
	}
	if prComments != 1 {
		t.Errorf("PR writebacks = %d, want 1", prComments)
	}
}

func TestTick_CIFailedRetriesThenEscalates(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Reactions = map[string]config.Reaction{
			"ci-failed": {
				Auto: true, Action: "send-to-agent",
				Message: "CI failed — please fix", Retries: 2,
				EscalateAfter: "30m", Priority: "warning",
			},
		}
	})
	h.seedSession(t, "app-1", map[string]string{
		metadata.KeyPR: "https://github.com/org/app/pull/7",
	})
	h.scm.ci = "failing"
	ctx := context.Background()

	// Tick 1: working → pr_open (staircase). Tick 2: pr_open → ci_failed,
	// first send. Ticks 3-4: condition persists, second send then escalate.
	h.poller.Tick(ctx)
	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusCIFailed {
		t.Fatalf("status = %q, want ci_failed", got)
	}
	h.poller.Tick(ctx)

	h.runtime.mu.Lock()
	var fixes int
	for _, msg := range h.runtime.sent {
		if strings.Contains(msg, "CI failed — please fix") {
			fixes++
		}
	}
	h.runtime.mu.Unlock()
	if fixes != 2 {
		t.Fatalf("send-to-agent deliveries = %d, want 2", fixes)
	}

	h.poller.Tick(ctx)

	var urgents int
	for _, n := range h.notifier.Notes() {
		if n.Priority == "urgent" && n.Event == "ci-failed" {
			urgents++
		}
	}
	if urgents == 0 {
		t.Fatal("no urgent escalation after retries exhausted")
	}
	h.runtime.mu.Lock()
	finalFixes := 0
	for _, msg := range h.runtime.sent {
		if strings.Contains(msg, "CI failed — please fix") {
			finalFixes++
		}
	}
	h.runtime.mu.Unlock()
	if finalFixes != 2 {
		t.Errorf("sends after escalation = %d, want still 2", finalFixes)
	}
}

func TestTick_NeedsInputFromActivity(t *testing.T) {
	h := newHarness(t, nil)
	h.seedSession(t, "app-1", nil)
	h.runtime.mu.Lock()
	h.runtime.output["tmux-app-1"] = "? Do you want to continue"
	h.runtime.mu.Unlock()
	h.agent.activity = plugin.ActivityWaitingInput

	h.poller.Tick(context.Background())
	if got := h.status(t, "app-1"); got != session.StatusNeedsInput {
		t.Fatalf("status = %q, want needs_input", got)
	}

	// No reaction configured: the action-priority notification fires.
	var actions int
	for _, n := range h.notifier.Notes() {
		if n.Priority == "action" {
			actions++
		}
	}
	if actions != 1 {
		t.Errorf("action notifications = %d, want 1", actions)
	}
}

func TestTick_DeadRuntimeFiresKilledOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.seedSession(t, "app-1", nil)
	ctx := context.Background()

	// Establish tracked state working.
	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusWorking {
		t.Fatalf("status = %q, want working", got)
	}

	h.runtime.mu.Lock()
	h.runtime.alive["tmux-app-1"] = false
	h.runtime.mu.Unlock()

	h.poller.Tick(ctx)
	if got := h.status(t, "app-1"); got != session.StatusKilled {
		t.Fatalf("status = %q, want killed", got)
	}
	var killedNotes int
	for _, n := range h.notifier.Notes() {
		if n.Event == string(events.SessionKilled) {
			killedNotes++
		}
	}
	if killedNotes != 1 {
		t.Fatalf("killed notifications = %d, want 1", killedNotes)
	}

	// Steady killed state produces no further notifications.
	h.poller.Tick(ctx)
	killedNotes = 0
	for _, n := range h.notifier.Notes() {
		if n.Event == string(events.SessionKilled) {
			killedNotes++
		}
	}
	if killedNotes != 1 {
		t.Errorf("killed notifications after third tick = %d, want 1", killedNotes)
	}
}

func prpProject(cfg *config.Config) {
	p := cfg.Projects["app"]
	p.PRP = &config.PRP{
		Enabled: true,
		Gates:   config.PRPGates{Plan: true},
		Writeback: config.PRPWriteback{
			Investigation: true, Plan: true, Implementation: true,
		},
	}
	cfg.Projects["app"] = p
}

func TestTick_PlanGateFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, prpProject)
	h.seedSession(t, "app-1", map[string]string{
		metadata.KeyPRPPhase: session.PhasePlanningComplete,
	})

	// A 200-line plan, comfortably over the 4000-char excerpt budget.
	planDir := filepath.Join(h.wsRoot, "app-1", ".claude", "PRPs", "plans")
	if err := os.MkdirAll(planDir, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	line := strings.Repeat("x", 30) + "\n"
	plan := strings.Repeat(line, 200)
	if err := os.WriteFile(filepath.Join(planDir, "P.plan.md"), []byte(plan), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	h.poller.Tick(ctx)

	comments := h.tracker.Comments()
	var gate string
	for _, c := range comments {
		if strings.Contains(c, "plan gate") {
			gate = c
		}
	}
	if gate == "" {
		t.Fatalf("no plan gate comment in %v", comments)
	}
	if !strings.Contains(gate, "```markdown") {
		t.Error("gate comment has no fenced plan")
	}
	if !strings.Contains(gate, "truncated") {
		t.Error("long plan was not truncated")
	}
	if !strings.Contains(gate, "`approved`") {
		t.Error("gate comment lacks approval instructions")
	}

	m, _ := h.store.Read("app-1")
	if m[metadata.KeyPRPPhase] != session.PhasePlanGate {
		t.Fatalf("prpPhase = %q, want plan_gate", m[metadata.KeyPRPPhase])
	}

	var gateNotes int
	for _, n := range h.notifier.Notes() {
		if n.Event == string(events.PRPPlanGate) {
			gateNotes++
		}
	}
	if gateNotes != 1 {
		t.Errorf("plan gate notifications = %d, want 1", gateNotes)
	}

	// Subsequent ticks must not re-fire the gate.
	h.poller.Tick(ctx)
	gates := 0
	for _, c := range h.tracker.Comments() {
		if strings.Contains(c, "plan gate") {
			gates++
		}
	}
	if gates != 1 {
		t.Errorf("gate comments = %d, want 1", gates)
	}
}

func TestTick_RestartDoesNotRefireGate(t *testing.T) {
	h := newHarness(t, prpProject)
	// Persisted state from before the "crash": one gated, two working.
	h.seedSession(t, "app-1", map[string]string{metadata.KeyPRPPhase: session.PhasePlanGate})
	h.seedSession(t, "app-2", nil)
	h.seedSession(t, "app-3", nil)

	h.poller.Tick(context.Background())

	for _, c := range h.tracker.Comments() {
		if strings.Contains(c, "plan gate") {
			t.Fatalf("gate re-fired after restart: %v", c)
		}
	}
	if notes := h.notifier.Notes(); len(notes) != 0 {
		t.Fatalf("spurious notifications after restart: %v", notes)
	}
	// The working sessions continue to be polled.
	if got := h.status(t, "app-2"); got != session.StatusWorking {
		t.Errorf("app-2 status = %q, want working", got)
	}
}

func TestTick_PhaseWritebacks(t *testing.T) {
	h := newHarness(t, prpProject)
	h.seedSession(t, "app-1", map[string]string{metadata.KeyPRPPhase: session.PhaseInvestigating})
	ctx := context.Background()

	// First observation is a baseline, no writeback.
	h.poller.Tick(ctx)
	if len(h.tracker.Comments()) != 0 {
		t.Fatalf("baseline produced comments: %v", h.tracker.Comments())
	}

	if err := h.store.UpdateMerge("app-1", map[string]string{metadata.KeyPRPPhase: session.PhasePlanning}); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}
	h.poller.Tick(ctx)

	comments := h.tracker.Comments()
	found := false
	for _, c := range comments {
		if strings.Contains(c, "writing its plan") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no planning writeback in %v", comments)
	}
}

func TestTick_AllCompleteFiresOnce(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Reactions = map[string]config.Reaction{
			"all-complete": {Auto: true, Action: "notify", Message: "fleet done", Priority: "info"},
		}
	})
	h.seedSession(t, "app-1", map[string]string{metadata.KeyStatus: session.StatusMerged})
	h.seedSession(t, "app-2", map[string]string{metadata.KeyStatus: session.StatusKilled})
	ctx := context.Background()

	h.poller.Tick(ctx)
	h.poller.Tick(ctx)

	var done int
	for _, n := range h.notifier.Notes() {
		if n.Event == "all-complete" {
			done++
		}
	}
	if done != 1 {
		t.Fatalf("all-complete notifications = %d, want 1", done)
	}
}

func TestTick_ProbeErrorPreservesAttentionState(t *testing.T) {
	h := newHarness(t, nil)
	h.seedSession(t, "app-1", map[string]string{metadata.KeyStatus: session.StatusStuck})

	// Output probe fails; stuck must not be coerced back to working.
	failing := &failingOutputRuntime{fakeRuntime: h.runtime}
	reg := plugin.NewRegistry()
	reg.RegisterRuntime("tmux", failing)
	reg.RegisterAgent("claude", h.agent)
	reg.RegisterWorkspace("worktree", &fakeWorkspace{root: h.wsRoot})
	reg.RegisterTracker("github", h.tracker)
	reg.RegisterSCM("github", h.scm)
	mgr := session.NewManager(h.cfg, reg, h.store, h.bus)
	reactions := reaction.NewEngine(managerSender{mgr}, h.notifier, h.bus)
	poller := NewPoller(h.cfg, mgr, reactions, h.notifier, h.bus)

	poller.Tick(context.Background())
	if got := h.status(t, "app-1"); got != session.StatusStuck {
		t.Fatalf("status = %q, want stuck preserved", got)
	}
}

type failingOutputRuntime struct{ *fakeRuntime }

func (f *failingOutputRuntime) Output(ctx context.Context, handle string, lastN int) (string, error) {
	return "", errors.New("capture-pane failed")
}

func TestBuildPlanGateComment_NoPlanFile(t *testing.T) {
	c := BuildPlanGateComment("app-1", t.TempDir(), 4000)
	if !strings.Contains(c, "`approved`") {
		t.Error("approval instructions missing")
	}
	if strings.Contains(c, "```markdown") {
		t.Error("fence present without a plan file")
	}
}

func TestClampPRAdvance(t *testing.T) {
	cases := []struct {
		old, target, want string
	}{
		{session.StatusWorking, session.StatusMergeable, session.StatusPROpen},
		{session.StatusPROpen, session.StatusMergeable, session.StatusApproved},
		{session.StatusApproved, session.StatusMergeable, session.StatusMergeable},
		{session.StatusWorking, session.StatusCIFailed, session.StatusPROpen},
		{session.StatusPROpen, session.StatusCIFailed, session.StatusCIFailed},
		{session.StatusWorking, session.StatusMerged, session.StatusMerged},
		{session.StatusWorking, session.StatusPROpen, session.StatusPROpen},
		{session.StatusMergeable, session.StatusMergeable, session.StatusMergeable},
	}
	for _, c := range cases {
		if got := clampPRAdvance(c.old, c.target); got != c.want {
			t.Errorf("clampPRAdvance(%s, %s) = %s, want %s", c.old, c.target, got, c.want)
		}
	}
}
