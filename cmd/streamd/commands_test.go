package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"streamd/pkg/config"
	"streamd/pkg/discovery"
	"streamd/pkg/inspector"
	"streamd/pkg/protocol"
	"streamd/pkg/reconcile"
	"streamd/pkg/scanner"
	"streamd/pkg/store"
)

const deadPID = 999999999

func TestInit_CreatesStoreAndConfig(t *testing.T) {
	cfg := testConfig(t)
	runner := &stubRunner{out: "git version 2.47.0\n"}
	var buf bytes.Buffer

	if err := runInit(context.Background(), cfg, runner, &buf); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(cfg.DBPath); err != nil {
		t.Errorf("store not created: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.ProjectRoot, config.TOMLFile)); err != nil {
		t.Errorf("config not written: %v", err)
	}
	if !strings.Contains(buf.String(), "git version 2.47.0") {
		t.Errorf("output = %q", buf.String())
	}

	// Re-running keeps the existing config.
	reloaded, err := config.Load(cfg.ProjectRoot)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	buf.Reset()
	if err := runInit(context.Background(), reloaded, runner, &buf); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	if !strings.Contains(buf.String(), "(existing)") {
		t.Errorf("second run output = %q", buf.String())
	}
}

func TestInit_RequiresGit(t *testing.T) {
	cfg := testConfig(t)
	err := runInit(context.Background(), cfg, &stubRunner{err: errors.New("executable file not found")}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "git is required") {
		t.Fatalf("err = %v", err)
	}
	if _, statErr := os.Stat(cfg.DBPath); !os.IsNotExist(statErr) {
		t.Error("store created despite missing git")
	}
}

func TestOpenStore_Missing(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := openStore(context.Background(), cfg)
	if !errors.Is(err, store.ErrStoreMissing) {
		t.Fatalf("err = %v, want ErrStoreMissing", err)
	}
}

func TestRegister(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	wtPath := filepath.Join(cfg.ProjectRoot, "wt", "feature-x")
	git := &fakeGit{worktrees: map[string]protocol.WorktreeRecord{
		"feature-x": {ID: "feature-x", Path: wtPath, Branch: "feature-x"},
	}}
	ctx := context.Background()

	t.Run("worktree fills title and branch", func(t *testing.T) {
		var buf bytes.Buffer
		if err := runRegister(ctx, st, git, &registerFlags{id: "s1", worktree: wtPath, status: "active"}, &buf); err != nil {
			t.Fatalf("runRegister: %v", err)
		}
		got, err := st.GetStream(ctx, "s1")
		if err != nil {
			t.Fatalf("GetStream: %v", err)
		}
		if got.Title != "feature-x" || got.Branch != "feature-x" || got.WorktreePath != wtPath || got.Status != protocol.StatusInProgress {
			t.Errorf("stream = %+v", got)
		}
		if !strings.Contains(buf.String(), "registered stream #1 s1") {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("title only", func(t *testing.T) {
		if err := runRegister(ctx, st, git, &registerFlags{title: "planning"}, &bytes.Buffer{}); err != nil {
			t.Fatalf("runRegister: %v", err)
		}
	})

	t.Run("unknown worktree", func(t *testing.T) {
		err := runRegister(ctx, st, git, &registerFlags{worktree: filepath.Join(cfg.ProjectRoot, "nope")}, &bytes.Buffer{})
		var verr *protocol.ValidationError
		if !errors.As(err, &verr) || verr.Field != "worktree" {
			t.Errorf("err = %v, want worktree ValidationError", err)
		}
	})

	t.Run("bad status", func(t *testing.T) {
		err := runRegister(ctx, st, git, &registerFlags{title: "x", status: "done-ish"}, &bytes.Buffer{})
		var verr *protocol.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})
}

func TestReconcile_DryRunThenApply(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	ctx := context.Background()
	if err := st.CreateStream(ctx, &protocol.Stream{ID: "S1", Title: "gone", WorktreePath: "/wt/S1", Branch: "feature-x"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	git := &fakeGit{
		worktrees: map[string]protocol.WorktreeRecord{"new": {ID: "new", Path: "/wt/new", Branch: "new"}},
		merged:    map[string]bool{"feature-x": true},
	}
	engine := reconcile.New(git, st, nil)

	var buf bytes.Buffer
	if err := runReconcile(ctx, engine, false, &buf); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "stale:    S1") || !strings.Contains(out, "orphaned: new") || !strings.Contains(out, "--apply") {
		t.Errorf("dry run output:\n%s", out)
	}
	if got, _ := st.GetStream(ctx, "S1"); got.Archived() {
		t.Fatal("dry run archived a stream")
	}

	buf.Reset()
	if err := runReconcile(ctx, engine, true, &buf); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !strings.Contains(buf.String(), "archived: S1") {
		t.Errorf("apply output:\n%s", buf.String())
	}
	if got, _ := st.GetStream(ctx, "S1"); !got.Archived() {
		t.Error("apply did not archive S1")
	}
	streams, err := st.ListStreams(ctx, store.ListStreamsOpts{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(streams) != 1 {
		t.Errorf("orphan registered by reconcile: %d streams", len(streams))
	}
}

func TestReconcile_GitFailure(t *testing.T) {
	cfg := testConfig(t)
	engine := reconcile.New(&fakeGit{err: errors.New("not a git repository")}, testStore(t, cfg), nil)
	if err := runReconcile(context.Background(), engine, false, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error")
	}
}

type fakeSource struct {
	commits map[string][]inspector.RawCommit
	err     error
}

func (f *fakeSource) CommitsSince(_ context.Context, path string, _ time.Time) ([]inspector.RawCommit, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.commits[path], nil
}

func TestScan_OneShot(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	ctx := context.Background()
	if err := st.CreateStream(ctx, &protocol.Stream{ID: "s1", Title: "one", WorktreePath: "/wt/a"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	src := &fakeSource{commits: map[string][]inspector.RawCommit{
		"/wt/a": {
			{Hash: "aaa", Author: "dev", Message: "first", Timestamp: time.Now().Add(-time.Minute)},
			{Hash: "bbb", Author: "dev", Message: "second", Timestamp: time.Now()},
		},
	}}

	var buf bytes.Buffer
	if err := runScan(ctx, scanner.New(st, src, nil, scanner.Config{}), &buf); err != nil {
		t.Fatalf("runScan: %v", err)
	}
	if !strings.Contains(buf.String(), "s1: +2") || !strings.Contains(buf.String(), "2 new commit(s)") {
		t.Errorf("output = %q", buf.String())
	}

	buf.Reset()
	if err := runScan(ctx, scanner.New(st, src, nil, scanner.Config{}), &buf); err != nil {
		t.Fatalf("second runScan: %v", err)
	}
	if !strings.Contains(buf.String(), "0 new commit(s)") {
		t.Errorf("second pass output = %q", buf.String())
	}

	src.err = errors.New("worktree vanished")
	if err := runScan(ctx, scanner.New(st, src, nil, scanner.Config{}), &bytes.Buffer{}); err == nil {
		t.Error("expected error when a stream fails")
	}
}

// servingPort returns the port of a listener held open for the test.
func servingPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func writeTestLock(t *testing.T, cfg *config.Config, pid, port int) {
	t.Helper()
	rec := &protocol.LockRecord{
		PID:         pid,
		Port:        port,
		ProjectRoot: cfg.ProjectRoot,
		ProjectName: cfg.ProjectName,
		StartedAt:   time.Now().UTC(),
	}
	if err := discovery.WriteLock(cfg.LockPath, rec); err != nil {
		t.Fatalf("WriteLock: %v", err)
	}
}

func TestStatus_States(t *testing.T) {
	cfg := testConfig(t)

	report, err := readStatus(cfg)
	if err != nil {
		t.Fatalf("readStatus: %v", err)
	}
	if report.State != discovery.StateStopped || report.Lock != nil {
		t.Errorf("no lock: %+v", report)
	}

	writeTestLock(t, cfg, deadPID, closedPort(t))
	report, err = readStatus(cfg)
	if err != nil {
		t.Fatalf("readStatus: %v", err)
	}
	if report.State != discovery.StateStale {
		t.Errorf("dead owner: state = %s", report.State)
	}

	port := servingPort(t)
	writeTestLock(t, cfg, os.Getpid(), port)
	report, err = readStatus(cfg)
	if err != nil {
		t.Fatalf("readStatus: %v", err)
	}
	var buf bytes.Buffer
	if err := writeStatusJSON(&buf, report); err != nil {
		t.Fatalf("writeStatusJSON: %v", err)
	}
	var decoded statusReport
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.State != discovery.StateRunning || decoded.Lock == nil || decoded.Lock.Port != port {
		t.Errorf("json report = %+v", decoded)
	}

	rendered := renderStatus(DefaultTheme(), report)
	for _, want := range []string{cfg.ProjectName, "running", strconv.Itoa(port)} {
		if !strings.Contains(rendered, want) {
			t.Errorf("rendered status missing %q:\n%s", want, rendered)
		}
	}
}

func TestStop_NotRunningAndStale(t *testing.T) {
	cfg := testConfig(t)

	var buf bytes.Buffer
	if err := runStop(cfg, &buf); err != nil {
		t.Fatalf("runStop: %v", err)
	}
	if !strings.Contains(buf.String(), "not running") {
		t.Errorf("output = %q", buf.String())
	}

	writeTestLock(t, cfg, deadPID, closedPort(t))
	buf.Reset()
	if err := runStop(cfg, &buf); err != nil {
		t.Fatalf("runStop stale: %v", err)
	}
	if !strings.Contains(buf.String(), "stale lock") {
		t.Errorf("output = %q", buf.String())
	}
	if _, err := os.Stat(cfg.LockPath); !os.IsNotExist(err) {
		t.Error("stale lock not removed")
	}
}

func TestStop_LivePIDNotServingIsStale(t *testing.T) {
	cfg := testConfig(t)
	writeTestLock(t, cfg, os.Getpid(), closedPort(t))

	report, err := readStatus(cfg)
	if err != nil {
		t.Fatalf("readStatus: %v", err)
	}
	if report.State != discovery.StateStale {
		t.Errorf("state = %s, want stale", report.State)
	}

	var buf bytes.Buffer
	if err := runStop(cfg, &buf); err != nil {
		t.Fatalf("runStop: %v", err)
	}
	if !strings.Contains(buf.String(), "stale lock") || strings.Contains(buf.String(), "SIGTERM") {
		t.Errorf("output = %q", buf.String())
	}
	if _, err := os.Stat(cfg.LockPath); !os.IsNotExist(err) {
		t.Error("stale lock not removed")
	}
}

func TestMark_RevivesArchivedStream(t *testing.T) {
	cfg := testConfig(t)
	st := testStore(t, cfg)
	ctx := context.Background()
	if err := st.CreateStream(ctx, &protocol.Stream{ID: "s1", Title: "one"}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}
	if _, err := st.Archive(ctx, "s1"); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	var buf bytes.Buffer
	if err := runMark(ctx, st, "s1", "in-progress", &buf); err != nil {
		t.Fatalf("runMark: %v", err)
	}
	if !strings.Contains(buf.String(), "is now in_progress") {
		t.Errorf("output = %q", buf.String())
	}

	var nf *protocol.StreamNotFoundError
	if err := runMark(ctx, st, "ghost", "ready", &bytes.Buffer{}); !errors.As(err, &nf) {
		t.Errorf("unknown stream err = %v", err)
	}
	var verr *protocol.ValidationError
	if err := runMark(ctx, st, "s1", "finished", &bytes.Buffer{}); !errors.As(err, &verr) {
		t.Errorf("bad status err = %v", err)
	}
}
