package reconcile_test

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"streamd/pkg/protocol"
	"streamd/pkg/reconcile"
	"streamd/pkg/store"
)

type fakeGit struct {
	worktrees map[string]protocol.WorktreeRecord
	merged    map[string]bool
	listErr   error
	mergedErr error
}

func (f *fakeGit) ListWorktrees(context.Context) (map[string]protocol.WorktreeRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.worktrees, nil
}

func (f *fakeGit) MergedBranches(context.Context) (map[string]bool, error) {
	if f.mergedErr != nil {
		return nil, f.mergedErr
	}
	return f.merged, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []protocol.EventType
}

func (n *fakeNotifier) Broadcast(t protocol.EventType, _ any) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, t)
	return 1
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "streams.db"), store.OpenOptions{Create: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.New(db)
}

func addStream(t *testing.T, s *store.Store, id, branch, worktree string) {
	t.Helper()
	err := s.CreateStream(context.Background(), &protocol.Stream{
		ID: id, Title: id, Status: protocol.StatusInProgress, Branch: branch, WorktreePath: worktree,
	})
	if err != nil {
		t.Fatalf("create stream %s: %v", id, err)
	}
}

func wt(path, branch string) protocol.WorktreeRecord {
	return protocol.WorktreeRecord{ID: filepath.Base(path), Path: path, Branch: branch}
}

// TestReconcile_ArchivesMergedStaleStream walks the archive-then-no-op
// scenario: a stream whose worktree is gone and whose branch is merged.
func TestReconcile_ArchivesMergedStaleStream(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	git := &fakeGit{worktrees: map[string]protocol.WorktreeRecord{}, merged: map[string]bool{"feature-x": true}}
	notifier := &fakeNotifier{}
	eng := reconcile.New(git, st, notifier)

	opts := protocol.ReconcileOptions{AutoArchiveStale: true}
	res, err := eng.Reconcile(ctx, opts)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !slices.Equal(res.StaleStreams, []string{"S1"}) || !slices.Equal(res.Archived, []string{"S1"}) {
		t.Errorf("result = %+v", res)
	}
	got, err := st.GetStream(ctx, "S1")
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != protocol.StatusArchived {
		t.Errorf("status = %q, want archived", got.Status)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}

	res, err = eng.Reconcile(ctx, opts)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(res.StaleStreams) != 0 || len(res.Archived) != 0 || len(res.Matched) != 0 {
		t.Errorf("second result = %+v, want empty", res)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications after no-op = %d, want 1", notifier.count())
	}
}

func TestReconcile_AbsentButUnmergedIsMatched(t *testing.T) {
	st := openStore(t)
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	git := &fakeGit{worktrees: map[string]protocol.WorktreeRecord{}, merged: map[string]bool{}}
	eng := reconcile.New(git, st, nil)

	res, err := eng.Reconcile(context.Background(), protocol.ReconcileOptions{AutoArchiveStale: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.StaleStreams) != 0 || !slices.Equal(res.Matched, []string{"S1"}) {
		t.Errorf("result = %+v, want S1 matched", res)
	}
	got, _ := st.GetStream(context.Background(), "S1")
	if got.Status == protocol.StatusArchived {
		t.Error("unmerged stream archived")
	}
}

func TestReconcile_PresentAndMergedIsMatched(t *testing.T) {
	st := openStore(t)
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	git := &fakeGit{
		worktrees: map[string]protocol.WorktreeRecord{"S1": wt("/wt/S1", "feature-x")},
		merged:    map[string]bool{"feature-x": true},
	}

	res, err := reconcile.New(git, st, nil).Reconcile(context.Background(), protocol.ReconcileOptions{AutoArchiveStale: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !slices.Equal(res.Matched, []string{"S1"}) || len(res.Archived) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestReconcile_DryRunDoesNotMutate(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	git := &fakeGit{
		worktrees: map[string]protocol.WorktreeRecord{"orphan": wt("/wt/orphan", "orphan-branch")},
		merged:    map[string]bool{"feature-x": true},
	}
	notifier := &fakeNotifier{}
	eng := reconcile.New(git, st, notifier)

	res, err := eng.Reconcile(ctx, protocol.ReconcileOptions{DryRun: true, AutoArchiveStale: true, AutoAddOrphaned: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !res.DryRun || !slices.Equal(res.StaleStreams, []string{"S1"}) || !slices.Equal(res.OrphanedWorktrees, []string{"orphan"}) {
		t.Errorf("result = %+v", res)
	}
	if len(res.Archived) != 0 || len(res.Added) != 0 {
		t.Errorf("dry run applied changes: %+v", res)
	}

	all, err := st.ListStreams(ctx, store.ListStreamsOpts{IncludeArchived: true})
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(all) != 1 || all[0].Status != protocol.StatusInProgress {
		t.Errorf("store mutated by dry run: %+v", all)
	}
	if notifier.count() != 0 {
		t.Errorf("dry run notified %d times", notifier.count())
	}
}

func TestReconcile_OrphansAreReportedNotCreated(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	addStream(t, st, "S2", "feature-y", "/elsewhere/S2")
	git := &fakeGit{
		worktrees: map[string]protocol.WorktreeRecord{
			"S1":     wt("/wt/S1", "feature-x"),
			"moved":  wt("/wt/moved", "feature-y"), // claimed by branch
			"orphan": wt("/wt/orphan", "orphan-branch"),
		},
		merged: map[string]bool{},
	}

	res, err := reconcile.New(git, st, nil).Reconcile(ctx, protocol.ReconcileOptions{AutoArchiveStale: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !slices.Equal(res.OrphanedWorktrees, []string{"orphan"}) {
		t.Errorf("orphans = %v, want [orphan]", res.OrphanedWorktrees)
	}
	all, _ := st.ListStreams(ctx, store.ListStreamsOpts{IncludeArchived: true})
	if len(all) != 2 {
		t.Errorf("streams = %d, want 2 (no auto-creation)", len(all))
	}
}

func TestReconcile_AutoAddOrphaned(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	git := &fakeGit{
		worktrees: map[string]protocol.WorktreeRecord{"orphan": wt("/wt/orphan", "orphan-branch")},
		merged:    map[string]bool{},
	}
	notifier := &fakeNotifier{}

	res, err := reconcile.New(git, st, notifier).Reconcile(ctx, protocol.ReconcileOptions{AutoAddOrphaned: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(res.Added) != 1 {
		t.Fatalf("added = %v, want one stream", res.Added)
	}
	got, err := st.GetStream(ctx, res.Added[0])
	if err != nil {
		t.Fatalf("GetStream: %v", err)
	}
	if got.Status != protocol.StatusInitializing || got.WorktreePath != "/wt/orphan" || got.Branch != "orphan-branch" {
		t.Errorf("registered stream = %+v", got)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

func TestReconcile_GitFailureAborts(t *testing.T) {
	st := openStore(t)
	addStream(t, st, "S1", "feature-x", "/wt/S1")
	boom := errors.New("git unavailable")

	for name, git := range map[string]*fakeGit{
		"worktrees": {listErr: boom},
		"merged":    {worktrees: map[string]protocol.WorktreeRecord{}, mergedErr: boom},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := reconcile.New(git, st, nil).Reconcile(context.Background(), protocol.ReconcileOptions{AutoArchiveStale: true})
			if !errors.Is(err, boom) {
				t.Fatalf("err = %v, want %v", err, boom)
			}
			got, _ := st.GetStream(context.Background(), "S1")
			if got.Status == protocol.StatusArchived {
				t.Error("stream archived despite git failure")
			}
		})
	}
}

func TestReconcile_ArchiveFailureRecorded(t *testing.T) {
	st := &failingArchiveStore{Store: openStore(t)}
	addStream(t, st.Store, "S1", "feature-x", "/wt/S1")
	addStream(t, st.Store, "S2", "feature-y", "/wt/S2")
	st.failID = "S1"
	git := &fakeGit{worktrees: map[string]protocol.WorktreeRecord{}, merged: map[string]bool{"feature-x": true, "feature-y": true}}
	notifier := &fakeNotifier{}

	res, err := reconcile.New(git, st, notifier).Reconcile(context.Background(), protocol.ReconcileOptions{AutoArchiveStale: true})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !slices.Equal(res.Archived, []string{"S2"}) || len(res.Errors) != 1 {
		t.Errorf("result = %+v, want S2 archived and one error", res)
	}
	if notifier.count() != 1 {
		t.Errorf("notifications = %d, want 1", notifier.count())
	}
}

type failingArchiveStore struct {
	*store.Store
	failID string
}

func (f *failingArchiveStore) Archive(ctx context.Context, id string) (bool, error) {
	if id == f.failID {
		return false, errors.New("database is locked")
	}
	return f.Store.Archive(ctx, id)
}
