package debug

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// initTestLogger points the global logger at a temp file and tears it down
// with the test.
func initTestLogger(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debug.log")
	t.Setenv(EnvLogPath, path)
	if _, err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Close)
	return path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	return string(data)
}

func TestLogKV_StructuredFields(t *testing.T) {
	path := initTestLogger(t)

	LogKV("lifecycle", "transition", "session", "app-1", "from", "working", "to", "pr_open")
	Close()

	log := readLog(t, path)
	if !strings.Contains(log, "session=app-1") || !strings.Contains(log, "from=working") {
		t.Fatalf("fields missing from line:\n%s", log)
	}
	if !strings.Contains(log, " lifecycle ") {
		t.Errorf("component missing from line:\n%s", log)
	}
	// The call site is named, and it is this test, not the debug package.
	if !strings.Contains(log, "debug_test.go:") {
		t.Errorf("caller ref missing or wrong:\n%s", log)
	}
}

func TestLogKV_QuotesAwkwardValues(t *testing.T) {
	path := initTestLogger(t)

	LogKV("webhook", "spawn failed", "error", "issue 42 not found", "body", "")
	Close()

	log := readLog(t, path)
	if !strings.Contains(log, `error="issue 42 not found"`) {
		t.Errorf("spaced value not quoted:\n%s", log)
	}
	if !strings.Contains(log, `body=""`) {
		t.Errorf("empty value not quoted:\n%s", log)
	}
}

func TestComponentFilter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	t.Setenv(EnvLogPath, path)
	t.Setenv(EnvComponents, "lifecycle, reaction")
	if _, err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(Close)

	LogKV("lifecycle", "kept", "session", "app-1")
	LogKV("webhook", "dropped", "session", "app-1")
	Close()

	log := readLog(t, path)
	if !strings.Contains(log, "kept") {
		t.Errorf("allowed component filtered out:\n%s", log)
	}
	if strings.Contains(log, "dropped") {
		t.Errorf("filtered component logged:\n%s", log)
	}
}

func TestTail(t *testing.T) {
	initTestLogger(t)

	if got := Tail(5); len(got) != 0 {
		t.Fatalf("Tail before logging = %v", got)
	}
	Log("session", "first")
	Log("session", "second")
	Log("session", "third")

	got := Tail(2)
	if len(got) != 2 {
		t.Fatalf("Tail(2) = %v", got)
	}
	if !strings.Contains(got[0], "second") || !strings.Contains(got[1], "third") {
		t.Errorf("Tail order wrong: %v", got)
	}

	// Asking for more than was logged returns what exists.
	if got := Tail(50); len(got) != 3 {
		t.Errorf("Tail(50) = %d lines, want 3", len(got))
	}
}

func TestTail_Disabled(t *testing.T) {
	if got := Tail(5); got != nil {
		t.Fatalf("Tail while disabled = %v", got)
	}
}

func TestDisabledIsNoop(t *testing.T) {
	// No Init: every call must be safe.
	Log("lifecycle", "x")
	Logf("lifecycle", "x %d", 1)
	LogKV("lifecycle", "x", "k", "v")
	if Enabled() || Path() != "" {
		t.Fatal("logger unexpectedly enabled")
	}
}

func TestParseComponents(t *testing.T) {
	if parseComponents("") != nil {
		t.Error("empty filter should be nil")
	}
	if parseComponents(" , ") != nil {
		t.Error("blank entries should collapse to nil")
	}
	allow := parseComponents("lifecycle, webhook")
	if !allow["lifecycle"] || !allow["webhook"] || allow["reaction"] {
		t.Errorf("allow = %v", allow)
	}
}

func TestQuoteValue(t *testing.T) {
	cases := map[string]string{
		"plain":       "plain",
		"has space":   `"has space"`,
		"":            `""`,
		"a=b":         `"a=b"`,
		`say "hi"`:    `"say \"hi\""`,
		"app-1":       "app-1",
		"feat/42-fix": "feat/42-fix",
	}
	for in, want := range cases {
		if got := quoteValue(in); got != want {
			t.Errorf("quoteValue(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestPropagatedEnv(t *testing.T) {
	path := initTestLogger(t)

	env := PropagatedEnv([]string{"HOME=/root"}, "ao:agent-hook")
	joined := strings.Join(env, "\n")
	if !strings.Contains(joined, EnvLogPath+"="+path) {
		t.Errorf("log path not propagated: %v", env)
	}
	if !strings.Contains(joined, EnvEnabled+"=1") {
		t.Errorf("enable flag not propagated: %v", env)
	}
	if !strings.Contains(joined, EnvProcess+"=ao:agent-hook") {
		t.Errorf("process label not propagated: %v", env)
	}

	Close()
	if got := PropagatedEnv([]string{"HOME=/root"}, "x"); len(got) != 1 {
		t.Errorf("disabled PropagatedEnv changed env: %v", got)
	}
}
