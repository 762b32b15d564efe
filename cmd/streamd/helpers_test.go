package main

import (
	"context"
	"testing"

	"streamd/pkg/config"
	"streamd/pkg/protocol"
	"streamd/pkg/store"
)

// testConfig loads the default configuration for a fresh project dir with
// STREAMD_* overrides cleared.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"STREAMD_HOME", "STREAMD_DB_PATH", "STREAMD_LOCK_PATH", "STREAMD_PORT", "STREAMD_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

// testStore creates the store for cfg.
func testStore(t *testing.T, cfg *config.Config) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), cfg.DBPath, store.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

type stubRunner struct {
	out   string
	err   error
	calls [][]string
}

func (s *stubRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	s.calls = append(s.calls, append([]string{name}, args...))
	return []byte(s.out), s.err
}

type fakeGit struct {
	worktrees map[string]protocol.WorktreeRecord
	merged    map[string]bool
	err       error
}

func (f *fakeGit) ListWorktrees(context.Context) (map[string]protocol.WorktreeRecord, error) {
	return f.worktrees, f.err
}

func (f *fakeGit) MergedBranches(context.Context) (map[string]bool, error) {
	return f.merged, f.err
}
