package cli

import (
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/claude"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/github"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/metadata"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/notify"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plane"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/ptyrun"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/pushover"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/session"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/tmux"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/worktree"
)

// app bundles everything a command needs.
type app struct {
	cfg      *config.Config
	registry *plugin.Registry
	store    *metadata.Store
	manager  *session.Manager
	bus      *events.Bus
	router   *notify.Router
}

// loadApp loads the config and wires the default plugin set.
func loadApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}

	root, err := metadata.StateRoot(cfg.Path)
	if err != nil {
		return nil, err
	}
	store, err := metadata.NewStore(root)
	if err != nil {
		return nil, err
	}

	reg := buildRegistry(cfg)
	bus := events.NewBus()
	mgr := session.NewManager(cfg, reg, store, bus)

	return &app{
		cfg:      cfg,
		registry: reg,
		store:    store,
		manager:  mgr,
		bus:      bus,
		router:   notify.NewRouter(cfg, reg),
	}, nil
}

// buildRegistry registers the built-in plugin implementations. Registration
// happens once here; everything afterwards is read-only lookup.
func buildRegistry(cfg *config.Config) *plugin.Registry {
	reg := plugin.NewRegistry()

	reg.RegisterRuntime("tmux", tmux.New())
	reg.RegisterRuntime("pty", ptyrun.New())
	reg.RegisterAgent("claude", claude.New())
	reg.RegisterWorkspace("worktree", worktree.New())
	reg.RegisterTracker("github", github.NewTracker())
	reg.RegisterTracker("plane", plane.NewTracker())
	reg.RegisterSCM("github", github.NewSCM())
	reg.RegisterNotifier("log", notify.NewLogNotifier())
	if cfg.Pushover != nil {
		reg.RegisterNotifier("pushover", pushover.New(cfg.Pushover.UserKey, cfg.Pushover.AppToken))
	}

	return reg
}

// statusColor picks a display color for a session status.
func statusColor(status string) string {
	switch status {
	case session.StatusWorking, session.StatusSpawning:
		return colorCyan
	case session.StatusMerged, session.StatusDone, session.StatusMergeable, session.StatusApproved:
		return colorGreen
	case session.StatusStuck, session.StatusErrored, session.StatusKilled, session.StatusCIFailed:
		return colorRed
	case session.StatusNeedsInput, session.StatusChangesRequested:
		return colorYellow
	default:
		return colorDim
	}
}

func short(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
