// Package plugin defines the capability sets implemented by runtime, agent,
// workspace, tracker, SCM, and notifier plugins, and the registry that
// resolves a (slot, name) pair to a registered implementation.
package plugin

import "context"

// StartSpec describes a process to run under a runtime.
type StartSpec struct {
	Name    string            // stable identifier for the session (used as tmux session name)
	Command []string          // argv; never a shell string
	Env     map[string]string // extra environment variables
	Dir     string            // working directory
}

// Runtime hosts a long-lived agent process and exposes its terminal.
type Runtime interface {
	// Start launches the command and returns an opaque handle.
	Start(ctx context.Context, spec StartSpec) (string, error)

	// IsAlive reports whether the handle still refers to a running session.
	IsAlive(ctx context.Context, handle string) bool

	// Output returns the last lines of terminal output for the handle.
	// lastN <= 0 means the runtime's default tail length.
	Output(ctx context.Context, handle string, lastN int) (string, error)

	// Send delivers text to the session's terminal as if typed.
	Send(ctx context.Context, handle, text string) error

	// Stop terminates the session. Stopping a dead handle is not an error.
	Stop(ctx context.Context, handle string) error
}

// Activity classifies what an agent appears to be doing based on its
// terminal output tail.
type Activity string

const (
	ActivityActive       Activity = "active"
	ActivityIdle         Activity = "idle"
	ActivityWaitingInput Activity = "waiting_input"
	ActivityBlocked      Activity = "blocked"
	ActivityReady        Activity = "ready"
)

// LaunchOpts configures an agent launch command.
type LaunchOpts struct {
	SystemPromptFile string
	Model            string
	Permissions      string // permission mode passed through to the agent CLI
}

// Agent knows how to launch and introspect one kind of coding agent.
type Agent interface {
	// BuildLaunchCommand returns the argv used to start the agent.
	BuildLaunchCommand(opts LaunchOpts) []string

	// DetectActivity classifies the agent's state from its terminal tail.
	DetectActivity(terminalTail string) Activity

	// IsProcessRunning reports whether the agent process behind the runtime
	// handle is still alive (as opposed to the hosting terminal).
	IsProcessRunning(ctx context.Context, handle string) bool

	// PostLaunchSetup installs in-workspace hooks after the agent starts.
	// metadataPath is the session's metadata file; hooks append detected
	// facts (branch, PR URL, methodology artifacts) to it.
	PostLaunchSetup(ctx context.Context, workspace, sessionID, metadataPath string) error
}

// WorkspaceSpec describes an isolated checkout to create.
type WorkspaceSpec struct {
	RepoPath      string
	DefaultBranch string
	Branch        string
	SessionID     string
}

// Workspace creates and destroys isolated checkouts.
type Workspace interface {
	Create(ctx context.Context, spec WorkspaceSpec) (string, error)
	Destroy(ctx context.Context, path string) error
}

// Issue is a normalized tracker issue.
type Issue struct {
	ID        string
	Number    int
	Title     string
	Body      string
	State     string
	URL       string
	Labels    []string
	Assignees []string
}

// IssueUpdate is a partial update applied to a tracker issue.
// Empty fields are not applied.
type IssueUpdate struct {
	Comment string
	Status  string
}

// ProjectRef carries the tracker-relevant slice of a project's configuration.
type ProjectRef struct {
	ID            string
	Repo          string
	Path          string
	DefaultBranch string
	Tracker       map[string]string // plugin-specific settings (token, workspace id, ...)
}

// Tracker integrates with an issue tracker.
type Tracker interface {
	GetIssue(ctx context.Context, id string, project ProjectRef) (*Issue, error)
	IsCompleted(ctx context.Context, id string, project ProjectRef) (bool, error)
	IssueURL(id string, project ProjectRef) string
	BranchName(ctx context.Context, id string, project ProjectRef) string
	GeneratePrompt(ctx context.Context, id string, project ProjectRef) (string, error)
	UpdateIssue(ctx context.Context, id string, update IssueUpdate, project ProjectRef) error
}

// CommentLimiter is an optional Tracker extension: trackers with a comment
// size limit different from the 4000-char default report it here.
type CommentLimiter interface {
	CommentLimit() int
}

// PR states reported by an SCM.
const (
	PRStateOpen   = "open"
	PRStateMerged = "merged"
	PRStateClosed = "closed"
)

// CI summary values reported by an SCM.
const (
	CIPassing = "passing"
	CIFailing = "failing"
	CIPending = "pending"
	CINone    = "none"
)

// Review decisions reported by an SCM.
const (
	ReviewPending          = "pending"
	ReviewApproved         = "approved"
	ReviewChangesRequested = "changes_requested"
)

// SCM probes pull request state.
type SCM interface {
	PRState(ctx context.Context, pr string) (string, error)
	CISummary(ctx context.Context, pr string) (string, error)
	ReviewDecision(ctx context.Context, pr string) (string, error)
	Mergeability(ctx context.Context, pr string) (bool, error)
}

// Notification is a human-facing message routed through notifiers.
type Notification struct {
	Title     string
	Body      string
	Priority  string // "urgent", "action", "warning", "info"
	SessionID string
	Event     string // event type that produced the notification
}

// Notifier delivers notifications to humans.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
