// Package scanner periodically ingests new commits from every live stream's
// worktree into the store and notifies observers when anything changed.
package scanner

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"streamd/pkg/inspector"
	"streamd/pkg/protocol"
	"streamd/pkg/store"

	"github.com/charmbracelet/log"
)

// StreamStore is the slice of the store the scanner reads and writes.
type StreamStore interface {
	ListStreams(ctx context.Context, opts store.ListStreamsOpts) ([]protocol.Stream, error)
	LatestCommitTime(ctx context.Context, streamID string) (time.Time, error)
	InsertCommits(ctx context.Context, streamID string, commits []protocol.Commit) (int, error)
	Touch(ctx context.Context, streamID string, at time.Time) error
	Stats(ctx context.Context) (*protocol.Stats, error)
}

// CommitSource lists commits on a worktree's branch.
type CommitSource interface {
	CommitsSince(ctx context.Context, worktreePath string, since time.Time) ([]inspector.RawCommit, error)
}

// Notifier publishes change events.
type Notifier interface {
	Broadcast(eventType protocol.EventType, data any) int
}

// Result summarizes one scan pass.
type Result struct {
	StreamsScanned int            `json:"streamsScanned"`
	NewCommits     int            `json:"newCommits"`
	PerStream      map[string]int `json:"perStream,omitempty"`
	Errors         []string       `json:"errors,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	Duration       time.Duration  `json:"duration"`
}

// CommitsEvent is the payload of the "commits" event.
type CommitsEvent struct {
	NewCommits int            `json:"newCommits"`
	Streams    map[string]int `json:"streams"`
}

// Config controls the scan loop.
type Config struct {
	Interval time.Duration
	// RefsDir, when set and present, is watched so ref updates trigger a
	// scan ahead of the ticker.
	RefsDir  string
	Debounce time.Duration
}

// Scanner runs scan passes. At most one pass is in flight at a time.
type Scanner struct {
	store    StreamStore
	source   CommitSource
	notifier Notifier
	cfg      Config
	logger   *log.Logger
	nowFunc  func() time.Time

	scanning atomic.Bool
	lastScan atomic.Pointer[Result]
}

// New creates a Scanner. A nil notifier disables events.
func New(st StreamStore, source CommitSource, notifier Notifier, cfg Config) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = protocol.DefaultScanInterval
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}
	return &Scanner{
		store:    st,
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		logger:   log.New(io.Discard),
		nowFunc:  time.Now,
	}
}

// SetLogger replaces the discard logger.
func (s *Scanner) SetLogger(l *log.Logger) {
	if l != nil {
		s.logger = l
	}
}

// SetClock overrides the time source. Tests only.
func (s *Scanner) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// LastResult returns the most recent completed pass, or nil.
func (s *Scanner) LastResult() *Result {
	return s.lastScan.Load()
}

// Scanning reports whether a pass is in flight.
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}

// Trigger runs one pass now. It returns ran=false without doing anything
// when a pass is already in flight. A pass that starts runs to completion:
// cancelling ctx afterwards does not cut it short, so every stream's commits
// are either fully ingested or left for the next pass. Each git call is
// still bounded by the inspector's timeout.
func (s *Scanner) Trigger(ctx context.Context) (res Result, ran bool) {
	if !s.scanning.CompareAndSwap(false, true) {
		s.logger.Debug("scan already in flight, skipping")
		return Result{}, false
	}
	defer s.scanning.Store(false)

	res = s.scan(context.WithoutCancel(ctx))
	s.lastScan.Store(&res)
	return res, true
}

// scan walks every non-archived stream with a worktree. A failure on one
// stream is recorded and the pass continues.
func (s *Scanner) scan(ctx context.Context) Result {
	start := s.nowFunc()
	res := Result{StartedAt: start.UTC(), PerStream: make(map[string]int)}

	streams, err := s.store.ListStreams(ctx, store.ListStreamsOpts{})
	if err != nil {
		s.logger.Error("scan: list streams", "err", err)
		res.Errors = append(res.Errors, err.Error())
		return res
	}

	for _, st := range streams {
		if st.WorktreePath == "" || st.Archived() {
			continue
		}
		res.StreamsScanned++

		n, err := s.scanStream(ctx, st)
		if err != nil {
			s.logger.Warn("scan: stream failed", "stream", st.ID, "worktree", st.WorktreePath, "err", err)
			res.Errors = append(res.Errors, st.ID+": "+err.Error())
			continue
		}
		if n > 0 {
			res.PerStream[st.ID] = n
			res.NewCommits += n
		}
	}

	res.Duration = s.nowFunc().Sub(start)
	if res.NewCommits > 0 {
		s.logger.Info("scan: ingested commits", "new", res.NewCommits, "streams", len(res.PerStream))
		s.publish(ctx, res)
	}
	return res
}

func (s *Scanner) scanStream(ctx context.Context, st protocol.Stream) (int, error) {
	since, err := s.store.LatestCommitTime(ctx, st.ID)
	if err != nil {
		return 0, err
	}
	raw, err := s.source.CommitsSince(ctx, st.WorktreePath, since)
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, nil
	}

	commits := make([]protocol.Commit, 0, len(raw))
	for _, c := range raw {
		commits = append(commits, c.ToCommit(st.ID))
	}
	n, err := s.store.InsertCommits(ctx, st.ID, commits)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if err := s.store.Touch(ctx, st.ID, s.nowFunc()); err != nil {
			return n, err
		}
	}
	return n, nil
}

// publish sends "commits" and then "stats".
func (s *Scanner) publish(ctx context.Context, res Result) {
	if s.notifier == nil {
		return
	}
	s.notifier.Broadcast(protocol.EventCommits, CommitsEvent{NewCommits: res.NewCommits, Streams: res.PerStream})

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.logger.Warn("scan: stats after ingest", "err", err)
		return
	}
	s.notifier.Broadcast(protocol.EventStats, stats)
}

// Run performs an initial pass, then one per interval (and on ref changes
// when RefsDir is watchable) until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	s.Trigger(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var changes <-chan struct{}
	if s.cfg.RefsDir != "" {
		w, err := newRefWatcher(s.cfg.RefsDir, s.cfg.Debounce, s.logger)
		if err != nil {
			s.logger.Warn("scan: ref watch unavailable, polling only", "dir", s.cfg.RefsDir, "err", err)
		} else {
			defer w.Close()
			changes = w.Changes(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() == nil {
				s.Trigger(ctx)
			}
		case <-changes:
			s.logger.Debug("scan: ref change detected")
			if ctx.Err() == nil {
				s.Trigger(ctx)
			}
		}
	}
}
