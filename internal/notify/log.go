package notify

import (
	"context"
	"fmt"
	"os"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// LogNotifier writes notifications to stderr and the debug log. It is the
// fallback sink when no external notifier is configured.
type LogNotifier struct{}

// NewLogNotifier returns a LogNotifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

// Notify implements plugin.Notifier.
func (l *LogNotifier) Notify(ctx context.Context, n plugin.Notification) error {
	fmt.Fprintf(os.Stderr, "[%s] %s: %s\n", n.Priority, n.Title, n.Body)
	debug.LogKV("notify", "notification",
		"priority", n.Priority,
		"session", n.SessionID,
		"event", n.Event,
		"title", n.Title,
	)
	return nil
}
