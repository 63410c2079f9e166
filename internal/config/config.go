// Package config loads and validates the orchestrator's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// Defaults names the plugin implementations used when a project does not
// override them.
type Defaults struct {
	Runtime   string   `yaml:"runtime"`
	Agent     string   `yaml:"agent"`
	Workspace string   `yaml:"workspace"`
	Notifiers []string `yaml:"notifiers"`
}

// Reaction configures the automated response to one recognized event.
type Reaction struct {
	Auto          bool   `yaml:"auto"`
	Action        string `yaml:"action"` // "send-to-agent", "notify", "auto-merge"
	Message       string `yaml:"message,omitempty"`
	Priority      string `yaml:"priority,omitempty"`
	Retries       int    `yaml:"retries,omitempty"`
	EscalateAfter string `yaml:"escalateAfter,omitempty"` // count or "<n>{s|m|h}"
}

// Trigger maps a normalized tracker event to a spawn (or resume) decision.
type Trigger struct {
	On             string `yaml:"on"` // "issue.labeled", "issue.assigned", ...
	Label          string `yaml:"label,omitempty"`
	Assignee       string `yaml:"assignee,omitempty"`
	Action         string `yaml:"action"` // "spawn" or "resume-session"
	CommentPattern string `yaml:"commentPattern,omitempty"`
	Message        string `yaml:"message,omitempty"`
}

// WebhookSecret holds the shared secret for one webhook provider.
type WebhookSecret struct {
	Secret      string `yaml:"secret"`
	WorkspaceID string `yaml:"workspaceId,omitempty"` // plane only
}

// Webhooks configures per-provider webhook ingestion for a project.
type Webhooks struct {
	GitHub *WebhookSecret `yaml:"github,omitempty"`
	Plane  *WebhookSecret `yaml:"plane,omitempty"`
}

// PRPGates configures the human approval pause points of the methodology.
type PRPGates struct {
	Plan bool `yaml:"plan"`
	PR   bool `yaml:"pr"`
}

// PRPWriteback toggles per-phase tracker writeback comments.
type PRPWriteback struct {
	Investigation  bool `yaml:"investigation"`
	Plan           bool `yaml:"plan"`
	Implementation bool `yaml:"implementation"`
	PR             bool `yaml:"pr"`
}

// PRP configures the structured methodology for a project.
type PRP struct {
	Enabled    bool         `yaml:"enabled"`
	PluginPath string       `yaml:"pluginPath,omitempty"`
	Gates      PRPGates     `yaml:"gates"`
	Writeback  PRPWriteback `yaml:"writeback"`
	PromptFile string       `yaml:"promptFile,omitempty"`
}

// TrackerConfig names the tracker plugin and carries its settings.
type TrackerConfig struct {
	Plugin  string            `yaml:"plugin"`
	Options map[string]string `yaml:",inline"`
}

// Project is one configured repository the orchestrator works on.
type Project struct {
	Repo          string              `yaml:"repo"`
	Path          string              `yaml:"path"`
	DefaultBranch string              `yaml:"defaultBranch"`
	SessionPrefix string              `yaml:"sessionPrefix"`
	Agent         string              `yaml:"agent,omitempty"`
	Runtime       string              `yaml:"runtime,omitempty"`
	Workspace     string              `yaml:"workspace,omitempty"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	SCM           string              `yaml:"scm,omitempty"`
	Symlinks      []string            `yaml:"symlinks,omitempty"`
	PromptExtras  []string            `yaml:"promptExtras,omitempty"`
	Reactions     map[string]Reaction `yaml:"reactions,omitempty"`
	Webhooks      Webhooks            `yaml:"webhooks"`
	Triggers      []Trigger           `yaml:"triggers,omitempty"`
	PRP           *PRP                `yaml:"prp,omitempty"`
}

// PushoverCreds holds Pushover notifier credentials.
type PushoverCreds struct {
	UserKey  string `yaml:"userKey"`
	AppToken string `yaml:"appToken"`
}

// Config is the top-level orchestrator configuration.
type Config struct {
	Defaults            Defaults            `yaml:"defaults"`
	NotificationRouting map[string][]string `yaml:"notificationRouting,omitempty"`
	Reactions           map[string]Reaction `yaml:"reactions,omitempty"`
	Pushover            *PushoverCreds      `yaml:"pushover,omitempty"`
	Projects            map[string]Project  `yaml:"projects"`

	// ProjectOrder is the declared order of the projects mapping in the
	// YAML source. Project matching is first-match-wins, which is only
	// meaningful in declared order; a Go map cannot carry it, so the
	// order is captured at unmarshal time.
	ProjectOrder []string `yaml:"-"`

	// Path is the absolute path the config was loaded from. Not part of
	// the YAML schema; used to derive the state storage root.
	Path string `yaml:"-"`
}

// UnmarshalYAML decodes the config and records the declared order of the
// projects mapping keys.
func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type raw Config
	if err := node.Decode((*raw)(c)); err != nil {
		return err
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "projects" || node.Content[i+1].Kind != yaml.MappingNode {
			continue
		}
		projects := node.Content[i+1]
		for j := 0; j+1 < len(projects.Content); j += 2 {
			c.ProjectOrder = append(c.ProjectOrder, projects.Content[j].Value)
		}
	}
	return nil
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolving %s: %w", path, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", abs, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", abs, err)
	}
	cfg.Path = abs

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validTriggerEvents = map[string]bool{
	"issue.opened":   true,
	"issue.labeled":  true,
	"issue.assigned": true,
	"issue.reopened": true,
	"issue.comment":  true,
}

var validReactionActions = map[string]bool{
	"send-to-agent": true,
	"notify":        true,
	"auto-merge":    true,
}

// Validate checks structural requirements the schema cannot express.
func (c *Config) Validate() error {
	if len(c.Projects) == 0 {
		return fmt.Errorf("config: no projects defined")
	}
	for id, p := range c.Projects {
		if strings.TrimSpace(p.Path) == "" {
			return fmt.Errorf("config: project %q: path is required", id)
		}
		if strings.TrimSpace(p.Tracker.Plugin) == "" {
			return fmt.Errorf("config: project %q: tracker.plugin is required", id)
		}
		for i, t := range p.Triggers {
			if !validTriggerEvents[t.On] {
				return fmt.Errorf("config: project %q: trigger %d: unknown event %q", id, i, t.On)
			}
			switch t.Action {
			case "spawn", "resume-session":
			default:
				return fmt.Errorf("config: project %q: trigger %d: unknown action %q", id, i, t.Action)
			}
		}
		for key, r := range p.Reactions {
			if !validReactionActions[r.Action] {
				return fmt.Errorf("config: project %q: reaction %q: unknown action %q", id, key, r.Action)
			}
		}
	}
	for key, r := range c.Reactions {
		if !validReactionActions[r.Action] {
			return fmt.Errorf("config: reaction %q: unknown action %q", key, r.Action)
		}
	}
	return nil
}

// Project returns the project by id, or nil.
func (c *Config) Project(id string) *Project {
	p, ok := c.Projects[id]
	if !ok {
		return nil
	}
	return &p
}

// ProjectIDs returns the project ids in declared YAML order. Configs
// constructed in code without an order fall back to sorted ids so
// iteration stays deterministic.
func (c *Config) ProjectIDs() []string {
	if len(c.ProjectOrder) == len(c.Projects) && len(c.ProjectOrder) > 0 {
		return append([]string(nil), c.ProjectOrder...)
	}
	ids := make([]string, 0, len(c.Projects))
	for id := range c.Projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ReactionFor resolves a reaction key for a project: the project's own
// reactions override the global table.
func (c *Config) ReactionFor(projectID, key string) (Reaction, bool) {
	if p := c.Project(projectID); p != nil {
		if r, ok := p.Reactions[key]; ok {
			return r, true
		}
	}
	r, ok := c.Reactions[key]
	return r, ok
}

// NotifiersFor returns the notifier names for a priority band, falling back
// to the default notifier list when that band has no routing entry.
func (c *Config) NotifiersFor(priority string) []string {
	if names, ok := c.NotificationRouting[priority]; ok {
		return names
	}
	return c.Defaults.Notifiers
}

// RuntimeName returns the runtime plugin name for a project.
func (p *Project) RuntimeName(d Defaults) string {
	if p.Runtime != "" {
		return p.Runtime
	}
	return d.Runtime
}

// AgentName returns the agent plugin name for a project.
func (p *Project) AgentName(d Defaults) string {
	if p.Agent != "" {
		return p.Agent
	}
	return d.Agent
}

// WorkspaceName returns the workspace plugin name for a project.
func (p *Project) WorkspaceName(d Defaults) string {
	if p.Workspace != "" {
		return p.Workspace
	}
	return d.Workspace
}

// SCMName returns the SCM plugin name for a project. An empty name means
// PR probing is disabled for the project.
func (p *Project) SCMName() string {
	return p.SCM
}

// Ref converts the project to the tracker-facing reference.
func (p *Project) Ref(id string) plugin.ProjectRef {
	opts := make(map[string]string, len(p.Tracker.Options))
	for k, v := range p.Tracker.Options {
		opts[k] = v
	}
	return plugin.ProjectRef{
		ID:            id,
		Repo:          p.Repo,
		Path:          p.Path,
		DefaultBranch: p.DefaultBranch,
		Tracker:       opts,
	}
}

// PRPEnabled reports whether the structured methodology is on for the project.
func (p *Project) PRPEnabled() bool {
	return p.PRP != nil && p.PRP.Enabled
}
