// Package lifecycle polls sessions, derives their status from external
// probes, classifies transitions, and drives writebacks, notifications, and
// the reaction engine.
package lifecycle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/reaction"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
)

// DefaultInterval is the poll period.
const DefaultInterval = 30 * time.Second

// probeTimeout bounds each external probe; a frozen plugin call cannot hang
// more than one probe.
const probeTimeout = 30 * time.Second

// planExcerptLimit is the default plan-gate comment budget. Trackers may
// raise it via plugin.CommentLimiter; the default stays fixed.
const planExcerptLimit = 4000

// outputTailLines is how much terminal output is fetched for activity
// detection.
const outputTailLines = 50

// Notifier delivers human-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n plugin.Notification)
}

// Poller owns all in-memory lifecycle state: tracked statuses, PRP phases,
// and the all-complete edge flag. The reaction engine it holds keeps its own
// attempt tracker, which the poller resets and prunes through Clear and
// PruneExcept; the session manager is a black box accessed through its
// public operations.
type Poller struct {
	cfg       *config.Config
	mgr       *session.Manager
	reactions *reaction.Engine
	notify    Notifier
	bus       *events.Bus

	interval time.Duration

	inFlight sync.Mutex // held for the duration of a tick; TryLock = single-flight

	mu          sync.Mutex
	tracked     map[string]string // session id -> last derived status
	phases      map[string]string // session id -> last observed prpPhase
	allComplete bool
}

// NewPoller creates a Poller.
func NewPoller(cfg *config.Config, mgr *session.Manager, reactions *reaction.Engine, notify Notifier, bus *events.Bus) *Poller {
	return &Poller{
		cfg:       cfg,
		mgr:       mgr,
		reactions: reactions,
		notify:    notify,
		bus:       bus,
		interval:  DefaultInterval,
		tracked:   make(map[string]string),
		phases:    make(map[string]string),
	}
}

// SetInterval overrides the poll period.
func (p *Poller) SetInterval(d time.Duration) {
	if d > 0 {
		p.interval = d
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle. A tick that arrives while the previous one is
// still running is skipped.
func (p *Poller) Tick(ctx context.Context) {
	if !p.inFlight.TryLock() {
		debug.Log("lifecycle", "tick skipped: previous tick still running")
		return
	}
	defer p.inFlight.Unlock()

	sessions, err := p.mgr.List(ctx, "")
	if err != nil {
		debug.LogKV("lifecycle", "session list failed", "error", err)
		return
	}

	// Bounded per-session parallelism; sessions are independent.
	limit := len(sessions)
	if max := runtime.NumCPU() * 4; limit > max {
		limit = max
	}
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func(s *session.Session) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				// One sick session cannot halt the fleet.
				if r := recover(); r != nil {
					debug.LogKV("lifecycle", "session check panicked", "id", s.ID, "panic", r)
				}
			}()
			p.checkSession(ctx, s)
		}(s)
	}
	wg.Wait()

	p.prune(sessions)
	p.checkAllComplete(ctx, sessions)
}

// --- status derivation ---

// statusRank orders statuses along the lifecycle DAG so "the greater of
// tracked and persisted" is well-defined.
var statusRank = map[string]int{
	session.StatusSpawning:         0,
	session.StatusWorking:          1,
	session.StatusNeedsInput:       1,
	session.StatusStuck:            1,
	session.StatusPROpen:           2,
	session.StatusCIFailed:         3,
	session.StatusReviewPending:    3,
	session.StatusChangesRequested: 3,
	session.StatusApproved:         4,
	session.StatusMergeable:        5,
	session.StatusMerged:           6,
	session.StatusErrored:          6,
	session.StatusKilled:           6,
	session.StatusTerminated:       6,
	session.StatusCleanup:          6,
	session.StatusDone:             6,
}

func maxStatus(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	if statusRank[b] > statusRank[a] {
		return b
	}
	return a
}

func (p *Poller) checkSession(ctx context.Context, s *session.Session) {
	p.mu.Lock()
	tracked := p.tracked[s.ID]
	p.mu.Unlock()

	oldStatus := maxStatus(tracked, s.Status)
	if tracked != "" && !session.IsTerminal(tracked) && s.Status == session.StatusKilled {
		// The list reconcile already persisted killed; the transition event
		// still has to fire exactly once, from the tracked status.
		oldStatus = tracked
	}
	if oldStatus == "" {
		oldStatus = s.Status
	}

	plugins, err := p.mgr.Resolved(s.ProjectID)
	if err != nil {
		debug.LogKV("lifecycle", "plugin resolution failed", "id", s.ID, "error", err)
		return
	}

	newStatus := p.deriveStatus(ctx, s, plugins, oldStatus)

	if newStatus != oldStatus {
		p.applyTransition(ctx, s, plugins, oldStatus, newStatus)
	} else {
		p.mu.Lock()
		p.tracked[s.ID] = oldStatus
		p.mu.Unlock()

		// A persisting condition keeps its reaction retrying each tick
		// until the reaction escalates or the status transitions away.
		if te, ok := transitionEvent[oldStatus]; ok && te.reaction != "" && !session.IsTerminal(oldStatus) {
			if r, configured := p.cfg.ReactionFor(s.ProjectID, te.reaction); configured {
				p.reactions.Invoke(ctx, s.ID, s.ProjectID, te.reaction, r)
			}
		}
	}

	p.checkPhase(ctx, s, plugins)
}

// deriveStatus probes, in order: runtime liveness, agent activity, SCM
// state, and finally the default promotion rule.
func (p *Poller) deriveStatus(ctx context.Context, s *session.Session, plugins session.Plugins, oldStatus string) string {
	// a. Dead runtime wins over everything.
	if s.RuntimeHandle != "" {
		actx, cancel := context.WithTimeout(ctx, probeTimeout)
		alive := plugins.Runtime.IsAlive(actx, s.RuntimeHandle)
		cancel()
		if !alive {
			return session.StatusKilled
		}
	}

	// b. Agent activity from the terminal tail.
	if s.RuntimeHandle != "" {
		octx, cancel := context.WithTimeout(ctx, probeTimeout)
		out, err := plugins.Runtime.Output(octx, s.RuntimeHandle, outputTailLines)
		cancel()
		if err != nil {
			// Probe failure preserves attention states rather than
			// coercing them back to working.
			debug.LogKV("lifecycle", "output probe failed", "id", s.ID, "error", err)
			if oldStatus == session.StatusStuck || oldStatus == session.StatusNeedsInput {
				return oldStatus
			}
		} else if strings.TrimSpace(out) != "" {
			switch plugins.Agent.DetectActivity(out) {
			case plugin.ActivityWaitingInput:
				return session.StatusNeedsInput
			case plugin.ActivityActive, plugin.ActivityIdle:
				rctx, rcancel := context.WithTimeout(ctx, probeTimeout)
				running := plugins.Agent.IsProcessRunning(rctx, s.RuntimeHandle)
				rcancel()
				if !running {
					return session.StatusKilled
				}
			}
		}
	}

	// c. PR state, when a PR exists and the project has an SCM.
	if s.PR != "" && plugins.SCM != nil {
		if st, ok := p.derivePRStatus(ctx, s, plugins.SCM); ok {
			return clampPRAdvance(oldStatus, st)
		}
		// Probe failure: keep the current status.
		return oldStatus
	}

	// d. Default: promote early states to working, otherwise keep.
	switch oldStatus {
	case session.StatusSpawning, session.StatusStuck, session.StatusNeedsInput:
		return session.StatusWorking
	}
	return oldStatus
}

// derivePRStatus maps SCM probes onto session statuses one-to-one.
func (p *Poller) derivePRStatus(ctx context.Context, s *session.Session, scm plugin.SCM) (string, bool) {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	state, err := scm.PRState(pctx, s.PR)
	if err != nil {
		debug.LogKV("lifecycle", "pr state probe failed", "id", s.ID, "error", err)
		return "", false
	}
	switch state {
	case plugin.PRStateMerged:
		return session.StatusMerged, true
	case plugin.PRStateClosed:
		return session.StatusTerminated, true
	}

	ci, err := scm.CISummary(pctx, s.PR)
	if err != nil {
		debug.LogKV("lifecycle", "ci probe failed", "id", s.ID, "error", err)
		return "", false
	}
	if ci == plugin.CIFailing {
		return session.StatusCIFailed, true
	}

	review, err := scm.ReviewDecision(pctx, s.PR)
	if err != nil {
		debug.LogKV("lifecycle", "review probe failed", "id", s.ID, "error", err)
		return "", false
	}
	switch review {
	case plugin.ReviewChangesRequested:
		return session.StatusChangesRequested, true
	case plugin.ReviewApproved:
		if ci == plugin.CIPending {
			return session.StatusApproved, true
		}
		mergeable, err := scm.Mergeability(pctx, s.PR)
		if err != nil {
			debug.LogKV("lifecycle", "mergeability probe failed", "id", s.ID, "error", err)
			return session.StatusApproved, true
		}
		if mergeable {
			return session.StatusMergeable, true
		}
		return session.StatusApproved, true
	case plugin.ReviewPending:
		return session.StatusReviewPending, true
	}
	return session.StatusPROpen, true
}

// prStage positions a status on the canonical PR path:
// working → pr_open → {ci_failed|review_pending|changes_requested|approved}
// → mergeable → merged.
func prStage(status string) int {
	switch status {
	case session.StatusPROpen:
		return 2
	case session.StatusCIFailed, session.StatusReviewPending,
		session.StatusChangesRequested, session.StatusApproved:
		return 3
	case session.StatusMergeable:
		return 4
	case session.StatusMerged:
		return 5
	}
	return 1
}

// clampPRAdvance walks the PR path one stage per tick so each intermediate
// transition (and its writeback) is observed. Terminal facts (merged,
// closed) are applied immediately.
func clampPRAdvance(old, target string) string {
	if session.IsTerminal(target) {
		return target
	}
	cur, tgt := prStage(old), prStage(target)
	if tgt <= cur+1 {
		return target
	}
	switch cur + 1 {
	case 2:
		return session.StatusPROpen
	case 3:
		if tgt == 3 {
			return target
		}
		return session.StatusApproved
	case 4:
		return session.StatusMergeable
	}
	return target
}

// --- transitions ---

// transitionEvent maps a new status to its event type and reaction key.
var transitionEvent = map[string]struct {
	event    events.Type
	reaction string
	priority string
}{
	session.StatusPROpen:           {events.PRCreated, "", events.PriorityInfo},
	session.StatusCIFailed:         {events.CIFailing, "ci-failed", events.PriorityWarning},
	session.StatusReviewPending:    {events.ReviewPending, "", events.PriorityInfo},
	session.StatusChangesRequested: {events.ReviewChangesRequested, "changes-requested", events.PriorityWarning},
	session.StatusApproved:         {events.ReviewApproved, "", events.PriorityInfo},
	session.StatusMergeable:        {events.MergeReady, "approved-and-green", events.PriorityAction},
	session.StatusMerged:           {events.MergeCompleted, "", events.PriorityInfo},
	session.StatusNeedsInput:       {events.SessionNeedsInput, "agent-needs-input", events.PriorityAction},
	session.StatusStuck:            {events.SessionStuck, "agent-stuck", events.PriorityUrgent},
	session.StatusErrored:          {events.SessionErrored, "", events.PriorityUrgent},
	session.StatusKilled:           {events.SessionKilled, "agent-exited", events.PriorityWarning},
}

func (p *Poller) applyTransition(ctx context.Context, s *session.Session, plugins session.Plugins, oldStatus, newStatus string) {
	debug.LogKV("lifecycle", "transition", "id", s.ID, "from", oldStatus, "to", newStatus)

	if err := p.mgr.Store().UpdateMerge(s.ID, map[string]string{
		metadata.KeyStatus:     newStatus,
		metadata.KeyActivityAt: time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		debug.LogKV("lifecycle", "status persist failed", "id", s.ID, "error", err)
	}

	p.mu.Lock()
	p.tracked[s.ID] = newStatus
	if !session.IsTerminal(newStatus) {
		p.allComplete = false
	}
	p.mu.Unlock()

	// Retries for the previous condition restart cleanly.
	if old, ok := transitionEvent[oldStatus]; ok && old.reaction != "" {
		p.reactions.Clear(s.ID, old.reaction)
	}

	p.postWriteback(ctx, s, plugins, newStatus)

	te, ok := transitionEvent[newStatus]
	if !ok {
		return
	}

	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:      te.event,
			SessionID: s.ID,
			ProjectID: s.ProjectID,
			Status:    newStatus,
			OldStatus: oldStatus,
			Priority:  te.priority,
		})
	}

	if te.reaction != "" {
		if r, configured := p.cfg.ReactionFor(s.ProjectID, te.reaction); configured {
			// The reaction owns notification for this transition.
			p.reactions.Invoke(ctx, s.ID, s.ProjectID, te.reaction, r)
			return
		}
	}

	if te.priority != events.PriorityInfo {
		p.notify.Notify(ctx, plugin.Notification{
			Title:     fmt.Sprintf("session %s: %s", s.ID, newStatus),
			Body:      fmt.Sprintf("status changed %s → %s", oldStatus, newStatus),
			Priority:  te.priority,
			SessionID: s.ID,
			Event:     string(te.event),
		})
	}
}

// postWriteback posts the tracker comment mapped to a transition.
// Fire-and-forget: failures are logged and never block the state machine.
func (p *Poller) postWriteback(ctx context.Context, s *session.Session, plugins session.Plugins, newStatus string) {
	if s.IssueID == "" {
		return
	}
	var comment string
	switch newStatus {
	case session.StatusPROpen:
		comment = fmt.Sprintf("Pull Request: %s", s.PR)
	case session.StatusMerged:
		comment = fmt.Sprintf("Merged: %s", s.PR)
	case session.StatusStuck, session.StatusErrored:
		comment = fmt.Sprintf("❗ session %s needs attention, status: %s", s.ID, newStatus)
	default:
		return
	}
	wctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := plugins.Tracker.UpdateIssue(wctx, s.IssueID, plugin.IssueUpdate{Comment: comment}, plugins.Ref); err != nil {
		debug.LogKV("lifecycle", "writeback failed", "id", s.ID, "error", err)
	}
}

// --- PRP phases ---

func (p *Poller) checkPhase(ctx context.Context, s *session.Session, plugins session.Plugins) {
	proj := p.cfg.Project(s.ProjectID)
	if proj == nil || !proj.PRPEnabled() {
		return
	}
	phase := s.Metadata[metadata.KeyPRPPhase]
	if phase == "" {
		return
	}

	p.mu.Lock()
	prev, seen := p.phases[s.ID]
	p.phases[s.ID] = phase
	p.mu.Unlock()

	// The plan gate is derived purely from the persisted phase: a session
	// already moved to plan_gate never re-fires, even across restarts.
	if phase == session.PhasePlanningComplete && proj.PRP.Gates.Plan {
		p.firePlanGate(ctx, s, plugins, proj)
		return
	}

	if !seen || prev == phase {
		// First observation after startup is a baseline, not a transition.
		return
	}

	p.publishPhase(s, phase)
	p.phaseWriteback(ctx, s, plugins, proj, phase)
}

func (p *Poller) publishPhase(s *session.Session, phase string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:      events.PRPPhaseChanged,
		SessionID: s.ID,
		ProjectID: s.ProjectID,
		Message:   phase,
	})
}

// phaseWriteback posts the phase-specific comment gated by the project's
// writeback toggles.
func (p *Poller) phaseWriteback(ctx context.Context, s *session.Session, plugins session.Plugins, proj *config.Project, phase string) {
	var enabled bool
	var comment string
	switch phase {
	case session.PhaseInvestigating:
		enabled = proj.PRP.Writeback.Investigation
		comment = fmt.Sprintf("session `%s` started investigating", s.ID)
	case session.PhasePlanning:
		enabled = proj.PRP.Writeback.Plan
		comment = fmt.Sprintf("session `%s` is writing its plan", s.ID)
	case session.PhasePlanningComplete:
		// Only reached when the plan gate is off.
		enabled = proj.PRP.Writeback.Plan
		comment = fmt.Sprintf("session `%s` finished planning", s.ID)
	case session.PhaseImplementing:
		enabled = proj.PRP.Writeback.Implementation
		comment = fmt.Sprintf("session `%s` started implementing", s.ID)
	default:
		return
	}
	if !enabled || s.IssueID == "" {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := plugins.Tracker.UpdateIssue(wctx, s.IssueID, plugin.IssueUpdate{Comment: comment}, plugins.Ref); err != nil {
		debug.LogKV("lifecycle", "phase writeback failed", "id", s.ID, "phase", phase, "error", err)
	}
}

// firePlanGate posts the plan-gate comment, notifies, and moves the session
// to plan_gate. Setting the phase makes the gate fire exactly once: further
// polls see plan_gate, not planning_complete.
func (p *Poller) firePlanGate(ctx context.Context, s *session.Session, plugins session.Plugins, proj *config.Project) {
	debug.LogKV("lifecycle", "plan gate", "id", s.ID)

	limit := planExcerptLimit
	if cl, ok := plugins.Tracker.(plugin.CommentLimiter); ok && cl.CommentLimit() > 0 {
		limit = cl.CommentLimit()
	}
	comment := BuildPlanGateComment(s.ID, s.WorkspacePath, limit)

	if s.IssueID != "" {
		wctx, cancel := context.WithTimeout(ctx, probeTimeout)
		if err := plugins.Tracker.UpdateIssue(wctx, s.IssueID, plugin.IssueUpdate{Comment: comment}, plugins.Ref); err != nil {
			debug.LogKV("lifecycle", "plan gate writeback failed", "id", s.ID, "error", err)
		}
		cancel()
	}

	p.notify.Notify(ctx, plugin.Notification{
		Title:     fmt.Sprintf("session %s: plan awaiting approval", s.ID),
		Body:      fmt.Sprintf("review the plan on issue %s and reply with an approval word", s.IssueID),
		Priority:  events.PriorityAction,
		SessionID: s.ID,
		Event:     string(events.PRPPlanGate),
	})
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:      events.PRPPlanGate,
			SessionID: s.ID,
			ProjectID: s.ProjectID,
			Priority:  events.PriorityAction,
		})
	}

	if err := p.mgr.Store().UpdateMerge(s.ID, map[string]string{
		metadata.KeyPRPPhase: session.PhasePlanGate,
	}); err != nil {
		debug.LogKV("lifecycle", "plan gate phase persist failed", "id", s.ID, "error", err)
	}
	p.mu.Lock()
	p.phases[s.ID] = session.PhasePlanGate
	p.mu.Unlock()
}

// BuildPlanGateComment renders the plan-gate comment: a fenced excerpt of
// the first plan file under the workspace's plans directory, truncated to
// the limit, followed by the approval instructions.
func BuildPlanGateComment(sessionID, workspacePath string, limit int) string {
	plan := readFirstPlan(workspacePath)
	if len(plan) > limit {
		plan = plan[:limit] + "\n… (truncated)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "session `%s` finished planning and is paused at the plan gate.\n\n", sessionID)
	if plan != "" {
		b.WriteString("```markdown\n")
		b.WriteString(plan)
		if !strings.HasSuffix(plan, "\n") {
			b.WriteByte('\n')
		}
		b.WriteString("```\n\n")
	}
	b.WriteString("Reply with `approved`, `lgtm`, `proceed`, or `go ahead` to start implementation.")
	return b.String()
}

func readFirstPlan(workspacePath string) string {
	dir := filepath.Join(workspacePath, ".claude", "PRPs", "plans")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".plan.md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[0]))
	if err != nil {
		return ""
	}
	return string(data)
}

// --- housekeeping ---

// prune drops in-memory state for sessions no longer in the list.
func (p *Poller) prune(sessions []*session.Session) {
	live := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		live[s.ID] = true
	}

	p.mu.Lock()
	for id := range p.tracked {
		if !live[id] {
			delete(p.tracked, id)
		}
	}
	for id := range p.phases {
		if !live[id] {
			delete(p.phases, id)
		}
	}
	p.mu.Unlock()

	p.reactions.PruneExcept(live)
}

// checkAllComplete fires the all-complete reaction once when every session
// in a non-empty set is terminal.
func (p *Poller) checkAllComplete(ctx context.Context, sessions []*session.Session) {
	if len(sessions) == 0 {
		return
	}
	for _, s := range sessions {
		if !session.IsTerminal(p.currentStatus(s)) {
			return
		}
	}

	p.mu.Lock()
	already := p.allComplete
	p.allComplete = true
	p.mu.Unlock()
	if already {
		return
	}

	debug.Log("lifecycle", "all sessions complete")
	if p.bus != nil {
		p.bus.Publish(events.Event{Type: events.AllComplete})
	}
	if r, ok := p.cfg.ReactionFor("", "all-complete"); ok {
		p.reactions.Invoke(ctx, "all", "", "all-complete", r)
	}
}

func (p *Poller) currentStatus(s *session.Session) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.tracked[s.ID]; ok {
		return st
	}
	return s.Status
}
