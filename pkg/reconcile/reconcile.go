// Package reconcile compares the streams in the store against the worktrees
// git reports and classifies the drift. The only automatic correction it
// applies by default is archiving streams whose worktree is gone and whose
// branch was merged.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"streamd/pkg/protocol"
	"streamd/pkg/store"

	"github.com/charmbracelet/log"
)

// GitState is the read side of the worktree inspector.
type GitState interface {
	ListWorktrees(ctx context.Context) (map[string]protocol.WorktreeRecord, error)
	MergedBranches(ctx context.Context) (map[string]bool, error)
}

// StreamStore is the slice of the store reconciliation uses.
type StreamStore interface {
	ListStreams(ctx context.Context, opts store.ListStreamsOpts) ([]protocol.Stream, error)
	Archive(ctx context.Context, id string) (bool, error)
	CreateStream(ctx context.Context, st *protocol.Stream) error
}

// Notifier publishes change events.
type Notifier interface {
	Broadcast(eventType protocol.EventType, data any) int
}

// Engine runs reconciliation passes.
type Engine struct {
	git      GitState
	store    StreamStore
	notifier Notifier
	logger   *log.Logger
	nowFunc  func() time.Time
}

// New creates an Engine. A nil notifier disables events.
func New(git GitState, st StreamStore, notifier Notifier) *Engine {
	return &Engine{
		git:      git,
		store:    st,
		notifier: notifier,
		logger:   log.New(io.Discard),
		nowFunc:  time.Now,
	}
}

// SetLogger replaces the discard logger.
func (e *Engine) SetLogger(l *log.Logger) {
	if l != nil {
		e.logger = l
	}
}

// SetClock overrides the time source. Tests only.
func (e *Engine) SetClock(now func() time.Time) {
	e.nowFunc = now
}

// Worktrees returns the current worktree view.
func (e *Engine) Worktrees(ctx context.Context) (map[string]protocol.WorktreeRecord, error) {
	return e.git.ListWorktrees(ctx)
}

// MergedBranches returns the branches merged into the base branch.
func (e *Engine) MergedBranches(ctx context.Context) (map[string]bool, error) {
	return e.git.MergedBranches(ctx)
}

// Reconcile classifies every non-archived stream as matched or stale and
// every worktree without a stream as orphaned, then applies the corrections
// opts allow. A git failure aborts before anything is classified.
func (e *Engine) Reconcile(ctx context.Context, opts protocol.ReconcileOptions) (*protocol.ReconciliationResult, error) {
	worktrees, err := e.git.ListWorktrees(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	merged, err := e.git.MergedBranches(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	streams, err := e.store.ListStreams(ctx, store.ListStreamsOpts{})
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}

	res := classify(streams, worktrees, merged)
	res.DryRun = opts.DryRun
	res.Timestamp = e.nowFunc().UTC()

	if opts.DryRun {
		return res, nil
	}

	if opts.AutoArchiveStale && len(res.StaleStreams) > 0 {
		e.archiveStale(ctx, res)
	}
	if opts.AutoAddOrphaned && len(res.OrphanedWorktrees) > 0 {
		e.addOrphans(ctx, res, worktrees)
	}
	if e.notifier != nil && len(res.Archived)+len(res.Added) > 0 {
		e.notifier.Broadcast(protocol.EventStreams, map[string][]string{
			"archived": res.Archived,
			"added":    res.Added,
		})
	}
	return res, nil
}

// classify is the pure core of Reconcile.
func classify(streams []protocol.Stream, worktrees map[string]protocol.WorktreeRecord, merged map[string]bool) *protocol.ReconciliationResult {
	res := &protocol.ReconciliationResult{
		OrphanedWorktrees: []string{},
		StaleStreams:      []string{},
		Matched:           []string{},
		Archived:          []string{},
		Added:             []string{},
	}

	byPath := make(map[string]string, len(worktrees))
	for id, wt := range worktrees {
		byPath[filepath.Clean(wt.Path)] = id
	}

	claimed := make(map[string]bool)
	for _, st := range streams {
		if st.Archived() {
			continue
		}
		present := false
		if st.WorktreePath != "" {
			if id, ok := byPath[filepath.Clean(st.WorktreePath)]; ok {
				present = true
				claimed[id] = true
			}
		}
		if st.WorktreePath != "" && !present && st.Branch != "" && merged[st.Branch] {
			res.StaleStreams = append(res.StaleStreams, st.ID)
			continue
		}
		res.Matched = append(res.Matched, st.ID)
	}

	// Worktrees not claimed by path may still be claimed by branch.
	branches := make(map[string]bool)
	for _, st := range streams {
		if !st.Archived() && st.Branch != "" {
			branches[st.Branch] = true
		}
	}
	for id, wt := range worktrees {
		if claimed[id] || (wt.Branch != "" && branches[wt.Branch]) {
			continue
		}
		res.OrphanedWorktrees = append(res.OrphanedWorktrees, id)
	}
	sort.Strings(res.OrphanedWorktrees)
	return res
}

func (e *Engine) archiveStale(ctx context.Context, res *protocol.ReconciliationResult) {
	for _, id := range res.StaleStreams {
		changed, err := e.store.Archive(ctx, id)
		if err != nil {
			e.logger.Warn("reconcile: archive failed", "stream", id, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("archive %s: %v", id, err))
			continue
		}
		if changed {
			res.Archived = append(res.Archived, id)
		}
	}
	if len(res.Archived) > 0 {
		e.logger.Info("reconcile: archived stale streams", "count", len(res.Archived))
	}
}

func (e *Engine) addOrphans(ctx context.Context, res *protocol.ReconciliationResult, worktrees map[string]protocol.WorktreeRecord) {
	for _, id := range res.OrphanedWorktrees {
		wt := worktrees[id]
		st := &protocol.Stream{
			Title:        id,
			Status:       protocol.StatusInitializing,
			WorktreePath: wt.Path,
			Branch:       wt.Branch,
		}
		if err := e.store.CreateStream(ctx, st); err != nil {
			e.logger.Warn("reconcile: register orphan failed", "worktree", id, "err", err)
			res.Errors = append(res.Errors, fmt.Sprintf("add %s: %v", id, err))
			continue
		}
		res.Added = append(res.Added, st.ID)
	}
	if len(res.Added) > 0 {
		e.logger.Info("reconcile: registered orphaned worktrees", "count", len(res.Added))
	}
}
