// Package session manages the end-to-end lifecycle of agent sessions:
// spawn, list, send, kill, cleanup, restore.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/prompt"
)

// Error kinds surfaced by Manager operations.
var (
	ErrConfig   = errors.New("config error")
	ErrTracker  = errors.New("tracker error")
	ErrResource = errors.New("resource error")
	ErrNotFound = errors.New("session not found")
)

// reserveAttempts bounds id reservation retries on collision.
const reserveAttempts = 10

// probeTimeout bounds every external plugin call made by the manager.
const probeTimeout = 30 * time.Second

// Session is one attempt at one issue.
type Session struct {
	ID             string
	ProjectID      string
	Status         string
	Branch         string
	WorkspacePath  string
	RuntimeHandle  string
	AgentInfo      string
	IssueID        string
	PR             string
	Metadata       map[string]string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// SpawnRequest configures a spawn.
type SpawnRequest struct {
	ProjectID string
	IssueID   string
	Prompt    string // explicit prompt override
	Branch    string // explicit branch override
}

// Manager owns session resources. All status probing beyond basic liveness
// reconciliation is the Lifecycle Manager's job; the Manager is a black box
// to it, accessed only through these operations.
type Manager struct {
	cfg   *config.Config
	reg   *plugin.Registry
	store *metadata.Store
	bus   *events.Bus
}

// NewManager creates a Manager.
func NewManager(cfg *config.Config, reg *plugin.Registry, store *metadata.Store, bus *events.Bus) *Manager {
	return &Manager{cfg: cfg, reg: reg, store: store, bus: bus}
}

// Store exposes the metadata store (the lifecycle manager persists status
// transitions through it).
func (m *Manager) Store() *metadata.Store {
	return m.store
}

// resolved holds the plugin set for one project.
type resolved struct {
	projectID string
	project   *config.Project
	ref       plugin.ProjectRef
	runtime   plugin.Runtime
	agent     plugin.Agent
	agentName string
	workspace plugin.Workspace
	tracker   plugin.Tracker
	scm       plugin.SCM // nil when the project has no SCM configured
}

// resolve looks up every plugin the project requires. A missing required
// plugin is a ConfigError.
func (m *Manager) resolve(projectID string) (*resolved, error) {
	p := m.cfg.Project(projectID)
	if p == nil {
		return nil, fmt.Errorf("%w: unknown project %q", ErrConfig, projectID)
	}
	r := &resolved{projectID: projectID, project: p, ref: p.Ref(projectID)}

	d := m.cfg.Defaults
	var ok bool
	if r.runtime, ok = m.reg.Runtime(p.RuntimeName(d)); !ok {
		return nil, fmt.Errorf("%w: project %q: runtime %q not registered", ErrConfig, projectID, p.RuntimeName(d))
	}
	r.agentName = p.AgentName(d)
	if r.agent, ok = m.reg.Agent(r.agentName); !ok {
		return nil, fmt.Errorf("%w: project %q: agent %q not registered", ErrConfig, projectID, r.agentName)
	}
	if r.workspace, ok = m.reg.Workspace(p.WorkspaceName(d)); !ok {
		return nil, fmt.Errorf("%w: project %q: workspace %q not registered", ErrConfig, projectID, p.WorkspaceName(d))
	}
	if r.tracker, ok = m.reg.Tracker(p.Tracker.Plugin); !ok {
		return nil, fmt.Errorf("%w: project %q: tracker %q not registered", ErrConfig, projectID, p.Tracker.Plugin)
	}
	if name := p.SCMName(); name != "" {
		if r.scm, ok = m.reg.SCM(name); !ok {
			return nil, fmt.Errorf("%w: project %q: scm %q not registered", ErrConfig, projectID, name)
		}
	}
	return r, nil
}

// Resolved returns the plugin set for a project. Used by the lifecycle
// manager for probing.
func (m *Manager) Resolved(projectID string) (Plugins, error) {
	r, err := m.resolve(projectID)
	if err != nil {
		return Plugins{}, err
	}
	return Plugins{
		Runtime: r.runtime, Agent: r.agent, Workspace: r.workspace,
		Tracker: r.tracker, SCM: r.scm, Ref: r.ref,
	}, nil
}

// Plugins is the resolved plugin set for one project.
type Plugins struct {
	Runtime   plugin.Runtime
	Agent     plugin.Agent
	Workspace plugin.Workspace
	Tracker   plugin.Tracker
	SCM       plugin.SCM
	Ref       plugin.ProjectRef
}

var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._/-]`)

func sanitizeBranch(s string) string {
	return unsafeBranchChars.ReplaceAllString(s, "-")
}

// Spawn validates the issue, reserves a session id, creates a workspace,
// launches the agent under the runtime, and persists metadata. On any
// failure after reservation, resources created so far are torn down and the
// metadata file is archived.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*Session, error) {
	r, err := m.resolve(req.ProjectID)
	if err != nil {
		return nil, err
	}

	// Validate the issue before allocating anything.
	var issue *plugin.Issue
	if req.IssueID != "" {
		ictx, cancel := context.WithTimeout(ctx, probeTimeout)
		issue, err = r.tracker.GetIssue(ictx, req.IssueID, r.ref)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: fetching issue %s: %v", ErrTracker, req.IssueID, err)
		}
		if issue == nil {
			return nil, fmt.Errorf("%w: issue %s not found", ErrTracker, req.IssueID)
		}
	}

	id, err := m.reserveID(r.project.SessionPrefix)
	if err != nil {
		return nil, err
	}
	debug.LogKV("session", "spawn reserved", "id", id, "project", req.ProjectID, "issue", req.IssueID)

	branch := m.composeBranch(ctx, r, req, id, issue)

	// Everything from here on rolls back on failure.
	fail := func(stage string, cause error, teardown ...func()) error {
		for _, td := range teardown {
			td()
		}
		if err := m.store.Archive(id); err != nil {
			debug.LogKV("session", "rollback archive failed", "id", id, "error", err)
		}
		return fmt.Errorf("%w: %s for %s: %v", ErrResource, stage, id, cause)
	}

	wctx, cancel := context.WithTimeout(ctx, probeTimeout)
	wsPath, err := r.workspace.Create(wctx, plugin.WorkspaceSpec{
		RepoPath:      r.project.Path,
		DefaultBranch: r.project.DefaultBranch,
		Branch:        branch,
		SessionID:     id,
	})
	cancel()
	if err != nil {
		return nil, fail("creating workspace", err)
	}
	destroyWS := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), probeTimeout)
		if err := r.workspace.Destroy(dctx, wsPath); err != nil {
			debug.LogKV("session", "rollback workspace destroy failed", "id", id, "error", err)
		}
		dcancel()
	}

	composed, sysPromptFile, err := m.composePrompts(ctx, r, req, id, wsPath)
	if err != nil {
		return nil, fail("composing prompts", err, destroyWS)
	}

	argv := r.agent.BuildLaunchCommand(plugin.LaunchOpts{SystemPromptFile: sysPromptFile})
	sctx, scancel := context.WithTimeout(ctx, probeTimeout)
	handle, err := r.runtime.Start(sctx, plugin.StartSpec{
		Name:    id,
		Command: argv,
		Dir:     wsPath,
		Env:     map[string]string{"AO_SESSION_ID": id},
	})
	scancel()
	if err != nil {
		return nil, fail("starting runtime", err, destroyWS)
	}
	stopRT := func() {
		dctx, dcancel := context.WithTimeout(context.Background(), probeTimeout)
		if err := r.runtime.Stop(dctx, handle); err != nil {
			debug.LogKV("session", "rollback runtime stop failed", "id", id, "error", err)
		}
		dcancel()
	}

	now := time.Now().UTC().Format(time.RFC3339)
	meta := map[string]string{
		metadata.KeyProject:    req.ProjectID,
		metadata.KeyStatus:     StatusSpawning,
		metadata.KeyWorktree:   wsPath,
		metadata.KeyBranch:     branch,
		metadata.KeyRuntime:    handle,
		metadata.KeyAgent:      r.agentName,
		metadata.KeyCreatedAt:  now,
		metadata.KeyActivityAt: now,
	}
	if issue != nil {
		meta[metadata.KeyIssue] = issueIdentity(req.IssueID, issue)
	}
	if r.project.PRPEnabled() && issue != nil {
		meta[metadata.KeyPRPPhase] = PhaseInvestigating
	}
	if err := m.store.UpdateMerge(id, meta); err != nil {
		return nil, fail("persisting metadata", err, stopRT, destroyWS)
	}

	// Deliver the composed prompt to the freshly started agent.
	if strings.TrimSpace(composed) != "" {
		pctx, pcancel := context.WithTimeout(ctx, probeTimeout)
		if err := r.runtime.Send(pctx, handle, composed); err != nil {
			debug.LogKV("session", "initial prompt send failed", "id", id, "error", err)
		}
		pcancel()
	}

	hctx, hcancel := context.WithTimeout(ctx, probeTimeout)
	if err := r.agent.PostLaunchSetup(hctx, wsPath, id, m.store.SessionPath(id)); err != nil {
		debug.LogKV("session", "post-launch setup failed", "id", id, "error", err)
	}
	hcancel()

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:      events.SessionSpawned,
			SessionID: id,
			ProjectID: req.ProjectID,
			Status:    StatusSpawning,
			Message:   fmt.Sprintf("spawned for issue %s", req.IssueID),
		})
	}

	return m.Get(ctx, id)
}

// reserveID claims the next free "{prefix}-{n}" id, retrying a bounded
// number of times on collision.
func (m *Manager) reserveID(prefix string) (string, error) {
	if prefix == "" {
		prefix = "session"
	}
	max, err := m.store.MaxSuffix(prefix)
	if err != nil {
		return "", fmt.Errorf("%w: scanning ids: %v", ErrResource, err)
	}
	n := max + 1
	for i := 0; i < reserveAttempts; i++ {
		id := fmt.Sprintf("%s-%d", prefix, n)
		err := m.store.Reserve(id)
		if err == nil {
			return id, nil
		}
		if errors.Is(err, metadata.ErrExists) {
			n++
			continue
		}
		return "", fmt.Errorf("%w: reserving %s: %v", ErrResource, id, err)
	}
	return "", fmt.Errorf("%w: id reservation exhausted after %d attempts for prefix %q", ErrResource, reserveAttempts, prefix)
}

// composeBranch picks the branch name: explicit > tracker-derived >
// feat/{issue} > session/{id}.
func (m *Manager) composeBranch(ctx context.Context, r *resolved, req SpawnRequest, id string, issue *plugin.Issue) string {
	if b := strings.TrimSpace(req.Branch); b != "" {
		return sanitizeBranch(b)
	}
	if req.IssueID != "" {
		bctx, cancel := context.WithTimeout(ctx, probeTimeout)
		b := r.tracker.BranchName(bctx, req.IssueID, r.ref)
		cancel()
		if strings.TrimSpace(b) != "" {
			return sanitizeBranch(b)
		}
		if issue != nil && issue.Number > 0 {
			return fmt.Sprintf("feat/%d", issue.Number)
		}
		return "feat/" + sanitizeBranch(req.IssueID)
	}
	return "session/" + id
}

// composePrompts builds the layered session prompt and, when the project
// has the methodology enabled, the system prompt file plus workspace links.
func (m *Manager) composePrompts(ctx context.Context, r *resolved, req SpawnRequest, id, wsPath string) (string, string, error) {
	var issueContext string
	if req.IssueID != "" {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		text, err := r.tracker.GeneratePrompt(pctx, req.IssueID, r.ref)
		cancel()
		if err != nil {
			debug.LogKV("session", "tracker prompt failed", "id", id, "error", err)
		} else {
			issueContext = text
		}
	}

	composed := prompt.Compose(prompt.ComposeOpts{
		Override:     req.Prompt,
		IssueContext: issueContext,
		Extras:       r.project.PromptExtras,
	})

	if !r.project.PRPEnabled() || req.IssueID == "" {
		return composed, "", nil
	}

	content := prompt.SystemPromptContent(prompt.SystemPromptOpts{
		SessionID: id,
		IssueID:   req.IssueID,
		Gates:     r.project.PRP.Gates,
	})
	sysFile, err := prompt.WriteSystemPromptFile(m.store.Root(), r.projectID, id, content)
	if err != nil {
		return "", "", err
	}
	if err := prompt.LinkMethodology(r.project.PRP.PluginPath, wsPath); err != nil {
		return "", "", err
	}
	return composed, sysFile, nil
}

func issueIdentity(requested string, issue *plugin.Issue) string {
	if issue.URL != "" {
		return issue.URL
	}
	return requested
}

// List returns sessions, optionally filtered by project, sorted by id.
// Runtime liveness is reconciled: a non-terminal session whose runtime
// handle is dead is marked killed.
func (m *Manager) List(ctx context.Context, projectID string) ([]*Session, error) {
	ids, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var out []*Session
	for _, id := range ids {
		s, err := m.load(ctx, id)
		if err != nil {
			debug.LogKV("session", "list load failed", "id", id, "error", err)
			continue
		}
		if s == nil {
			continue
		}
		if projectID != "" && s.ProjectID != projectID {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get returns one session by id, with the same liveness reconciliation as
// List. Returns ErrNotFound for unknown ids.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	s, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// load reads a session from metadata and reconciles runtime liveness.
func (m *Manager) load(ctx context.Context, id string) (*Session, error) {
	meta, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}
	s := fromMetadata(id, meta)

	if s.RuntimeHandle != "" && !IsTerminal(s.Status) {
		if r, err := m.resolve(s.ProjectID); err == nil {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			alive := r.runtime.IsAlive(pctx, s.RuntimeHandle)
			cancel()
			if !alive {
				debug.LogKV("session", "runtime dead, marking killed", "id", id, "handle", s.RuntimeHandle)
				s.Status = StatusKilled
				s.Metadata[metadata.KeyStatus] = StatusKilled
				if err := m.store.UpdateMerge(id, map[string]string{metadata.KeyStatus: StatusKilled}); err != nil {
					debug.LogKV("session", "killed reconcile persist failed", "id", id, "error", err)
				}
			}
		}
	}
	return s, nil
}

func fromMetadata(id string, meta map[string]string) *Session {
	s := &Session{
		ID:            id,
		ProjectID:     meta[metadata.KeyProject],
		Status:        meta[metadata.KeyStatus],
		Branch:        meta[metadata.KeyBranch],
		WorkspacePath: meta[metadata.KeyWorktree],
		RuntimeHandle: meta[metadata.KeyRuntime],
		AgentInfo:     meta[metadata.KeyAgent],
		IssueID:       meta[metadata.KeyIssue],
		PR:            meta[metadata.KeyPR],
		Metadata:      meta,
	}
	if s.Status == "" {
		s.Status = StatusSpawning
	}
	if t, err := time.Parse(time.RFC3339, meta[metadata.KeyCreatedAt]); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, meta[metadata.KeyActivityAt]); err == nil {
		s.LastActivityAt = t
	}
	return s
}

// Send delivers a message to the session's agent terminal.
func (m *Manager) Send(ctx context.Context, id, message string) error {
	s, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	r, err := m.resolve(s.ProjectID)
	if err != nil {
		return err
	}
	if s.RuntimeHandle == "" {
		return fmt.Errorf("%w: session %s has no runtime handle", ErrResource, id)
	}
	sctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := r.runtime.Send(sctx, s.RuntimeHandle, message); err != nil {
		return fmt.Errorf("sending to %s: %w", id, err)
	}
	_ = m.store.UpdateMerge(id, map[string]string{
		metadata.KeyActivityAt: time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

// Kill stops the runtime, destroys the workspace, and archives metadata.
// Best-effort: an error at one step is reported but does not prevent the
// others.
func (m *Manager) Kill(ctx context.Context, id string) error {
	meta, err := m.store.Read(id)
	if err != nil {
		return err
	}
	if meta == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := fromMetadata(id, meta)

	var errs []string
	r, rerr := m.resolve(s.ProjectID)
	if rerr != nil {
		errs = append(errs, rerr.Error())
	}

	if r != nil && s.RuntimeHandle != "" {
		sctx, cancel := context.WithTimeout(ctx, probeTimeout)
		if err := r.runtime.Stop(sctx, s.RuntimeHandle); err != nil {
			errs = append(errs, fmt.Sprintf("stopping runtime: %v", err))
		}
		cancel()
	}
	if r != nil && s.WorkspacePath != "" {
		dctx, cancel := context.WithTimeout(ctx, probeTimeout)
		if err := r.workspace.Destroy(dctx, s.WorkspacePath); err != nil {
			errs = append(errs, fmt.Sprintf("destroying workspace: %v", err))
		}
		cancel()
	}
	if err := m.store.UpdateMerge(id, map[string]string{metadata.KeyStatus: StatusKilled}); err != nil {
		errs = append(errs, fmt.Sprintf("marking killed: %v", err))
	}
	if err := m.store.Archive(id); err != nil {
		errs = append(errs, fmt.Sprintf("archiving: %v", err))
	}

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type: events.SessionKilled, SessionID: id, ProjectID: s.ProjectID, Status: StatusKilled,
		})
	}
	if len(errs) > 0 {
		return fmt.Errorf("kill %s: %s", id, strings.Join(errs, "; "))
	}
	return nil
}

// Cleanup archives terminal sessions older than the threshold and tears
// down whatever resources they still hold. Returns the ids cleaned.
func (m *Manager) Cleanup(ctx context.Context, olderThan time.Duration) ([]string, error) {
	sessions, err := m.List(ctx, "")
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)

	var cleaned []string
	for _, s := range sessions {
		if !IsTerminal(s.Status) {
			continue
		}
		if !s.CreatedAt.IsZero() && s.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.Kill(ctx, s.ID); err != nil {
			debug.LogKV("session", "cleanup kill failed", "id", s.ID, "error", err)
		}
		cleaned = append(cleaned, s.ID)
	}
	return cleaned, nil
}

// Restore recreates the workspace and runtime for a session whose metadata
// survives but whose runtime handle is dead.
func (m *Manager) Restore(ctx context.Context, id string) (*Session, error) {
	meta, err := m.store.Read(id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s := fromMetadata(id, meta)

	r, err := m.resolve(s.ProjectID)
	if err != nil {
		return nil, err
	}

	if s.RuntimeHandle != "" {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		alive := r.runtime.IsAlive(pctx, s.RuntimeHandle)
		cancel()
		if alive {
			return nil, fmt.Errorf("%w: session %s runtime is still alive", ErrResource, id)
		}
	}

	wsPath := s.WorkspacePath
	if _, statErr := os.Stat(wsPath); wsPath == "" || statErr != nil {
		wctx, cancel := context.WithTimeout(ctx, probeTimeout)
		wsPath, err = r.workspace.Create(wctx, plugin.WorkspaceSpec{
			RepoPath:      r.project.Path,
			DefaultBranch: r.project.DefaultBranch,
			Branch:        s.Branch,
			SessionID:     id,
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: recreating workspace for %s: %v", ErrResource, id, err)
		}
	}

	argv := r.agent.BuildLaunchCommand(plugin.LaunchOpts{})
	sctx, cancel := context.WithTimeout(ctx, probeTimeout)
	handle, err := r.runtime.Start(sctx, plugin.StartSpec{
		Name:    id,
		Command: argv,
		Dir:     wsPath,
		Env:     map[string]string{"AO_SESSION_ID": id},
	})
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: restarting runtime for %s: %v", ErrResource, id, err)
	}

	patch := map[string]string{
		metadata.KeyRuntime:    handle,
		metadata.KeyWorktree:   wsPath,
		metadata.KeyStatus:     StatusWorking,
		metadata.KeyActivityAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.store.UpdateMerge(id, patch); err != nil {
		return nil, err
	}
	return m.Get(ctx, id)
}
