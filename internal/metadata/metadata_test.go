package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

func TestReserve_Exclusive(t *testing.T) {
	s := newTestStore(t)

	if err := s.Reserve("app-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	err := s.Reserve("app-1")
	if !errors.Is(err, ErrExists) {
		t.Fatalf("second Reserve = %v, want ErrExists", err)
	}
}

func TestReserve_RejectsInvalidID(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"", "a/b", "a b", "../x", "a.b"} {
		if err := s.Reserve(id); err == nil {
			t.Errorf("Reserve(%q) succeeded, want error", id)
		}
	}
}

func TestUpdateMerge_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Reserve("app-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	patch := map[string]string{
		"status":   "spawning",
		"branch":   "feat/42",
		"worktree": "/tmp/wt",
		"issue":    "https://github.com/org/app/issues/42",
	}
	if err := s.UpdateMerge("app-1", patch); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}

	m, err := s.Read("app-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for k, want := range patch {
		if m[k] != want {
			t.Errorf("m[%q] = %q, want %q", k, m[k], want)
		}
	}

	// Second write-read cycle is stable on all fields.
	if err := s.UpdateMerge("app-1", map[string]string{"status": "working"}); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}
	m2, err := s.Read("app-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m2["status"] != "working" {
		t.Errorf("status = %q, want working", m2["status"])
	}
	if m2["branch"] != "feat/42" || m2["issue"] != patch["issue"] {
		t.Errorf("merge erased unrelated keys: %v", m2)
	}
}

func TestUpdateMerge_EmptyValueDeletes(t *testing.T) {
	s := newTestStore(t)

	if err := s.Reserve("app-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.UpdateMerge("app-1", map[string]string{"pr": "url", "status": "working"}); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}
	if err := s.UpdateMerge("app-1", map[string]string{"pr": ""}); err != nil {
		t.Fatalf("UpdateMerge: %v", err)
	}

	m, err := s.Read("app-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := m["pr"]; ok {
		t.Errorf("pr key survived deletion: %v", m)
	}
	if m["status"] != "working" {
		t.Errorf("status = %q, want working", m["status"])
	}
}

func TestUpdateMerge_Concurrent(t *testing.T) {
	s := newTestStore(t)

	if err := s.Reserve("app-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n%8))
			if err := s.UpdateMerge("app-1", map[string]string{key: "v"}); err != nil {
				t.Errorf("UpdateMerge: %v", err)
			}
		}(i)
	}
	wg.Wait()

	m, err := s.Read("app-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		if m[key] != "v" {
			t.Errorf("m[%q] = %q, want v", key, m[key])
		}
	}
}

func TestArchive(t *testing.T) {
	s := newTestStore(t)

	if err := s.Reserve("app-1"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Archive("app-1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	m, err := s.Read("app-1")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if m != nil {
		t.Fatalf("Read after archive = %v, want nil", m)
	}

	entries, err := os.ReadDir(filepath.Join(s.Root(), "sessions", "archive"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "app-1.") {
		t.Fatalf("archive contents = %v, want one app-1.* entry", entries)
	}

	// Archiving an absent session is a no-op.
	if err := s.Archive("app-1"); err != nil {
		t.Fatalf("second Archive: %v", err)
	}
}

func TestList_SkipsInvalidAndArchive(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"app-2", "app-1", "other_3"} {
		if err := s.Reserve(id); err != nil {
			t.Fatalf("Reserve(%s): %v", id, err)
		}
	}
	// A stray file whose name fails validation must be skipped.
	if err := os.WriteFile(filepath.Join(s.Root(), "sessions", "bad.name"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ids, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"app-1", "app-2", "other_3"}
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List = %v, want %v", ids, want)
		}
	}
}

func TestMaxSuffix(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"app-1", "app-3", "web-9", "app-x"} {
		_ = s.Reserve(id)
	}
	if err := s.Reserve("app-7"); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Archive("app-7"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	n, err := s.MaxSuffix("app")
	if err != nil {
		t.Fatalf("MaxSuffix: %v", err)
	}
	// Archived ids still count: a reused id must never collide.
	if n != 7 {
		t.Fatalf("MaxSuffix = %d, want 7", n)
	}
}

func TestEncodeDecode(t *testing.T) {
	in := map[string]string{
		"status": "pr_open",
		"pr":     "https://github.com/org/app/pull/7",
		"note":   "value=with=equals",
	}
	out := Decode(Encode(in))
	if len(out) != len(in) {
		t.Fatalf("Decode(Encode) = %v, want %v", out, in)
	}
	for k, v := range in {
		if out[k] != v {
			t.Errorf("out[%q] = %q, want %q", k, out[k], v)
		}
	}
}

func TestStateRoot_DiffersByConfigPath(t *testing.T) {
	a, err := StateRoot("/etc/ao/a.yaml")
	if err != nil {
		t.Fatalf("StateRoot: %v", err)
	}
	b, err := StateRoot("/etc/ao/b.yaml")
	if err != nil {
		t.Fatalf("StateRoot: %v", err)
	}
	if a == b {
		t.Fatalf("StateRoot collision: %s", a)
	}
}
