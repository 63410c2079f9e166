// Package notify routes notifications to the notifiers configured for each
// priority band.
package notify

import (
	"context"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// deliveryTimeout bounds a single notifier call so a slow sink cannot stall
// the poll loop.
const deliveryTimeout = 30 * time.Second

// Router fans a notification out to the notifiers registered for its
// priority band. Delivery failures are logged and never propagated.
type Router struct {
	cfg *config.Config
	reg *plugin.Registry
}

// NewRouter creates a Router.
func NewRouter(cfg *config.Config, reg *plugin.Registry) *Router {
	return &Router{cfg: cfg, reg: reg}
}

// Notify delivers n to every notifier routed for n.Priority.
func (r *Router) Notify(ctx context.Context, n plugin.Notification) {
	if n.Priority == "" {
		n.Priority = "info"
	}
	for _, name := range r.cfg.NotifiersFor(n.Priority) {
		imp, ok := r.reg.Notifier(name)
		if !ok {
			debug.LogKV("notify", "unknown notifier", "name", name, "priority", n.Priority)
			continue
		}
		dctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
		if err := imp.Notify(dctx, n); err != nil {
			debug.LogKV("notify", "delivery failed", "notifier", name, "session", n.SessionID, "error", err)
		}
		cancel()
	}
}
