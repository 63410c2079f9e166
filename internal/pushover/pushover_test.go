package pushover

import (
	"context"
	"strings"
	"testing"

	"github.com/TrueNorthTeamsAI/agent-orchestrator/internal/plugin"
)

func TestPriorityFor(t *testing.T) {
	cases := map[string]int{
		"urgent":  1,
		"action":  0,
		"warning": -1,
		"info":    -2,
		"":        -2,
	}
	for band, want := range cases {
		if got := PriorityFor(band); got != want {
			t.Errorf("PriorityFor(%q) = %d, want %d", band, got, want)
		}
	}
}

func TestNotify_Unconfigured(t *testing.T) {
	n := New("", "")
	err := n.Notify(context.Background(), plugin.Notification{Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("err = %v, want configuration error", err)
	}
}
