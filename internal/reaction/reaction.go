// Package reaction runs per-session retry-with-escalation state machines in
// response to recognized lifecycle events.
package reaction

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/debug"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

// Sender delivers a message to a session's agent.
type Sender interface {
	Send(ctx context.Context, sessionID, message string) error
}

// Notifier delivers human-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, n plugin.Notification)
}

type key struct {
	sessionID   string
	reactionKey string
}

type state struct {
	attempts       int
	firstTriggered time.Time
}

// Engine tracks reaction attempts per (session, reaction key) and escalates
// to a human when retry or time thresholds are exceeded. Invoke never
// panics or returns an error: every failure is either a retriable attempt
// or an escalation.
type Engine struct {
	sender Sender
	notify Notifier
	bus    *events.Bus

	mu    sync.Mutex
	track map[key]*state
	clock func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(sender Sender, notify Notifier, bus *events.Bus) *Engine {
	return &Engine{
		sender: sender,
		notify: notify,
		bus:    bus,
		track:  make(map[key]*state),
		clock:  time.Now,
	}
}

// Attempts returns the current attempt count for a tracker entry.
func (e *Engine) Attempts(sessionID, reactionKey string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st := e.track[key{sessionID, reactionKey}]; st != nil {
		return st.attempts
	}
	return 0
}

// Clear drops the tracker entry so a future trigger restarts its retries.
func (e *Engine) Clear(sessionID, reactionKey string) {
	e.mu.Lock()
	delete(e.track, key{sessionID, reactionKey})
	e.mu.Unlock()
}

// PruneExcept drops tracker entries for sessions not in the live set.
func (e *Engine) PruneExcept(live map[string]bool) {
	e.mu.Lock()
	for k := range e.track {
		if !live[k.sessionID] {
			delete(e.track, k)
		}
	}
	e.mu.Unlock()
}

// Invoke advances the reaction state machine for one triggering event.
func (e *Engine) Invoke(ctx context.Context, sessionID, projectID, reactionKey string, r config.Reaction) {
	e.mu.Lock()
	k := key{sessionID, reactionKey}
	st := e.track[k]
	if st == nil {
		st = &state{firstTriggered: e.clock()}
		e.track[k] = st
	}
	st.attempts++
	attempts := st.attempts
	first := st.firstTriggered
	e.mu.Unlock()

	debug.LogKV("reaction", "invoke",
		"session", sessionID, "key", reactionKey,
		"action", r.Action, "attempts", attempts,
	)

	if e.shouldEscalate(attempts, e.clock().Sub(first), r) {
		e.escalate(ctx, sessionID, projectID, reactionKey, attempts, r)
		return
	}

	if !r.Auto && r.Action != "notify" {
		// The automated action is disabled; humans still hear about it.
		e.publish(events.ReactionTriggered, sessionID, projectID, reactionKey,
			fmt.Sprintf("reaction %s triggered (auto disabled)", reactionKey))
		e.notify.Notify(ctx, plugin.Notification{
			Title:     fmt.Sprintf("session %s: %s", sessionID, reactionKey),
			Body:      r.Message,
			Priority:  priorityOr(r.Priority, events.PriorityWarning),
			SessionID: sessionID,
			Event:     reactionKey,
		})
		return
	}

	switch r.Action {
	case "send-to-agent":
		if err := e.sender.Send(ctx, sessionID, r.Message); err != nil {
			// Leave the tracker advanced by one attempt; the next tick retries.
			debug.LogKV("reaction", "send failed", "session", sessionID, "key", reactionKey, "error", err)
			return
		}
		e.publish(events.ReactionTriggered, sessionID, projectID, reactionKey,
			fmt.Sprintf("sent to agent: %s", r.Message))

	case "notify":
		e.publish(events.ReactionTriggered, sessionID, projectID, reactionKey, r.Message)
		e.notify.Notify(ctx, plugin.Notification{
			Title:     fmt.Sprintf("session %s: %s", sessionID, reactionKey),
			Body:      r.Message,
			Priority:  priorityOr(r.Priority, events.PriorityWarning),
			SessionID: sessionID,
			Event:     reactionKey,
		})

	case "auto-merge":
		// No merge is performed here: this surfaces a merge-ready
		// notification at action priority.
		e.publish(events.ReactionTriggered, sessionID, projectID, reactionKey, "ready to merge")
		e.notify.Notify(ctx, plugin.Notification{
			Title:     fmt.Sprintf("session %s ready to merge", sessionID),
			Body:      r.Message,
			Priority:  events.PriorityAction,
			SessionID: sessionID,
			Event:     reactionKey,
		})

	default:
		debug.LogKV("reaction", "unknown action", "session", sessionID, "key", reactionKey, "action", r.Action)
	}
}

func (e *Engine) escalate(ctx context.Context, sessionID, projectID, reactionKey string, attempts int, r config.Reaction) {
	debug.LogKV("reaction", "escalating", "session", sessionID, "key", reactionKey, "attempts", attempts)
	e.publish(events.ReactionEscalated, sessionID, projectID, reactionKey,
		fmt.Sprintf("reaction %s exhausted after %d attempts", reactionKey, attempts))
	e.notify.Notify(ctx, plugin.Notification{
		Title:     fmt.Sprintf("session %s needs attention", sessionID),
		Body:      fmt.Sprintf("reaction %s exhausted after %d attempts", reactionKey, attempts),
		Priority:  events.PriorityUrgent,
		SessionID: sessionID,
		Event:     reactionKey,
	})
}

// shouldEscalate applies the configured thresholds. A reaction with no
// thresholds never escalates.
func (e *Engine) shouldEscalate(attempts int, elapsed time.Duration, r config.Reaction) bool {
	if r.Retries > 0 && attempts > r.Retries {
		return true
	}
	if r.EscalateAfter != "" {
		if d, ok := ParseDuration(r.EscalateAfter); ok {
			if elapsed > d {
				return true
			}
		} else if n, err := strconv.Atoi(r.EscalateAfter); err == nil && n > 0 {
			if attempts > n {
				return true
			}
		}
	}
	return false
}

func (e *Engine) publish(t events.Type, sessionID, projectID, reactionKey, msg string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:      t,
		SessionID: sessionID,
		ProjectID: projectID,
		Message:   reactionKey + ": " + msg,
	})
}

func priorityOr(p, fallback string) string {
	if p != "" {
		return p
	}
	return fallback
}

// ParseDuration parses the escalateAfter duration shape "<n>{s|m|h}".
func ParseDuration(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return 0, false
	}
	unit := s[len(s)-1]
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n < 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	}
	return 0, false
}
