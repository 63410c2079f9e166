package reaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/config"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/events"
	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

type fakeSender struct {
	sent []string
	err  error
}

func (f *fakeSender) Send(ctx context.Context, sessionID, message string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sessionID+": "+message)
	return nil
}

type fakeNotifier struct {
	notes []plugin.Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n plugin.Notification) {
	f.notes = append(f.notes, n)
}

func TestInvoke_SendToAgentThenEscalate(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	e := NewEngine(sender, notifier, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{
		Auto:          true,
		Action:        "send-to-agent",
		Message:       "CI failed — please fix",
		Retries:       2,
		EscalateAfter: "30m",
		Priority:      "warning",
	}

	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	e.Invoke(ctx, "app-1", "app", "ci-failed", r)

	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want 2 sends", sender.sent)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("notified before escalation: %v", notifier.notes)
	}

	// Third trigger exceeds retries: escalate, do not send.
	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	if len(sender.sent) != 2 {
		t.Fatalf("sent after escalation: %v", sender.sent)
	}
	if len(notifier.notes) != 1 {
		t.Fatalf("notes = %v, want one escalation", notifier.notes)
	}
	if notifier.notes[0].Priority != "urgent" {
		t.Errorf("escalation priority = %q, want urgent", notifier.notes[0].Priority)
	}
}

func TestInvoke_EscalatesAfterDuration(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	e := NewEngine(sender, notifier, events.NewBus())
	now := time.Now()
	e.clock = func() time.Time { return now }
	ctx := context.Background()

	r := config.Reaction{Auto: true, Action: "send-to-agent", Message: "fix", Retries: 99, EscalateAfter: "30m"}

	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}

	now = now.Add(31 * time.Minute)
	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	if len(sender.sent) != 1 {
		t.Fatalf("sent past deadline: %v", sender.sent)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Priority != "urgent" {
		t.Fatalf("notes = %v, want urgent escalation", notifier.notes)
	}
}

func TestInvoke_NumericEscalateAfter(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	e := NewEngine(sender, notifier, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{Auto: true, Action: "send-to-agent", Message: "go", EscalateAfter: "1"}

	e.Invoke(ctx, "app-1", "app", "k", r)
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %v", sender.sent)
	}
	e.Invoke(ctx, "app-1", "app", "k", r)
	if len(notifier.notes) != 1 {
		t.Fatalf("notes = %v, want escalation on attempt 2", notifier.notes)
	}
}

func TestInvoke_SendFailureRetriesNextTick(t *testing.T) {
	sender := &fakeSender{err: errors.New("pane gone")}
	notifier := &fakeNotifier{}
	e := NewEngine(sender, notifier, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{Auto: true, Action: "send-to-agent", Message: "fix", Retries: 3}

	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	if len(notifier.notes) != 0 {
		t.Fatalf("send failure escalated immediately: %v", notifier.notes)
	}
	if got := e.Attempts("app-1", "ci-failed"); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestInvoke_AutoFalseStillNotifies(t *testing.T) {
	sender := &fakeSender{}
	notifier := &fakeNotifier{}
	e := NewEngine(sender, notifier, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{Auto: false, Action: "send-to-agent", Message: "fix it", Priority: "action"}

	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	if len(sender.sent) != 0 {
		t.Fatalf("auto=false still sent to agent: %v", sender.sent)
	}
	if len(notifier.notes) != 1 || notifier.notes[0].Priority != "action" {
		t.Fatalf("notes = %v, want one action-priority note", notifier.notes)
	}
}

func TestInvoke_NotifyAction(t *testing.T) {
	notifier := &fakeNotifier{}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(8)
	defer cancel()

	e := NewEngine(&fakeSender{}, notifier, bus)
	e.Invoke(context.Background(), "app-1", "app", "agent-stuck", config.Reaction{
		Auto: true, Action: "notify", Message: "agent looks stuck", Priority: "warning",
	})

	if len(notifier.notes) != 1 {
		t.Fatalf("notes = %v", notifier.notes)
	}
	select {
	case ev := <-ch:
		if ev.Type != events.ReactionTriggered {
			t.Errorf("event type = %q, want reaction.triggered", ev.Type)
		}
	default:
		t.Error("no reaction.triggered event published")
	}
}

func TestClear_RestartsRetries(t *testing.T) {
	sender := &fakeSender{}
	e := NewEngine(sender, &fakeNotifier{}, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{Auto: true, Action: "send-to-agent", Message: "fix", Retries: 1}
	e.Invoke(ctx, "app-1", "app", "ci-failed", r)
	e.Clear("app-1", "ci-failed")
	e.Invoke(ctx, "app-1", "app", "ci-failed", r)

	// Both invocations were attempt #1 after the clear; no escalation.
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %v, want 2", sender.sent)
	}
}

func TestPruneExcept(t *testing.T) {
	e := NewEngine(&fakeSender{}, &fakeNotifier{}, events.NewBus())
	ctx := context.Background()

	r := config.Reaction{Auto: true, Action: "send-to-agent", Message: "m", Retries: 9}
	e.Invoke(ctx, "app-1", "app", "k", r)
	e.Invoke(ctx, "app-2", "app", "k", r)

	e.PruneExcept(map[string]bool{"app-2": true})
	if got := e.Attempts("app-1", "k"); got != 0 {
		t.Errorf("app-1 attempts = %d, want 0 after prune", got)
	}
	if got := e.Attempts("app-2", "k"); got != 1 {
		t.Errorf("app-2 attempts = %d, want 1", got)
	}
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"30m", 30 * time.Minute, true},
		{"45s", 45 * time.Second, true},
		{"2h", 2 * time.Hour, true},
		{"3", 0, false},
		{"m", 0, false},
		{"", 0, false},
		{"-5m", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseDuration(c.in)
		if ok != c.ok || got != c.want {
			t.Errorf("ParseDuration(%q) = (%v, %v), want (%v, %v)", c.in, got, ok, c.want, c.ok)
		}
	}
}
