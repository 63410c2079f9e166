package tmux

import (
	"strings"
	"testing"
)

func TestShellQuote(t *testing.T) {
	cases := []struct {
		in   []string
		want string
	}{
		{[]string{"claude", "--model", "opus"}, "'claude' '--model' 'opus'"},
		{[]string{"echo", "a b"}, "'echo' 'a b'"},
		{[]string{"echo", "it's"}, `'echo' 'it'\''s'`},
	}
	for _, c := range cases {
		if got := shellQuote(c.in); got != c.want {
			t.Errorf("shellQuote(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestSessionPrefix(t *testing.T) {
	if !strings.HasPrefix(SessionPrefix+"app-1", "ao-") {
		t.Fatal("session names must carry the ao- prefix")
	}
}
