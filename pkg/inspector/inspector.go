// Package inspector derives worktree, branch and commit state by shelling
// out to git. It is read-only: nothing here mutates the repository, and a
// failure against one worktree is reported for that worktree alone.
package inspector

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"streamd/pkg/protocol"
)

// Field and record separators for git log --format output.
const (
	recordSep = "\x1e"
	fieldSep  = "\x1f"
)

var filesChangedRe = regexp.MustCompile(`(\d+) files? changed`)

// RawCommit is one commit as reported by git log, before it is attributed
// to a stream.
type RawCommit struct {
	Hash         string
	Author       string
	Message      string
	FilesChanged int
	Timestamp    time.Time
}

// ToCommit attributes the raw commit to a stream.
func (c RawCommit) ToCommit(streamID string) protocol.Commit {
	return protocol.Commit{
		StreamID:     streamID,
		CommitHash:   c.Hash,
		Message:      c.Message,
		Author:       c.Author,
		FilesChanged: c.FilesChanged,
		Timestamp:    c.Timestamp,
	}
}

// Inspector lists worktrees, merged branches and commit logs for one
// repository.
type Inspector struct {
	repoRoot   string
	baseBranch string
	timeout    time.Duration
	runner     CommandRunner
}

// Option customizes an Inspector.
type Option func(*Inspector)

// WithBaseBranch sets the branch merged-ness and commit ranges are measured
// against (default "main").
func WithBaseBranch(branch string) Option {
	return func(i *Inspector) {
		if branch != "" {
			i.baseBranch = branch
		}
	}
}

// WithTimeout bounds every individual git invocation (default 10s).
func WithTimeout(d time.Duration) Option {
	return func(i *Inspector) {
		if d > 0 {
			i.timeout = d
		}
	}
}

// New returns an Inspector for the repository at repoRoot.
func New(repoRoot string, runner CommandRunner, opts ...Option) *Inspector {
	i := &Inspector{
		repoRoot:   filepath.Clean(repoRoot),
		baseBranch: protocol.DefaultBaseBranch,
		timeout:    protocol.DefaultGitTimeout,
		runner:     runner,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// RepoRoot returns the inspected repository root.
func (i *Inspector) RepoRoot() string { return i.repoRoot }

// BaseBranch returns the configured base branch.
func (i *Inspector) BaseBranch() string { return i.baseBranch }

// git runs one git command against dir under the per-call timeout.
func (i *Inspector) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	full := append([]string{"-C", dir}, args...)
	out, err := i.runner.Run(ctx, "git", full...)
	if err != nil {
		gerr := &protocol.GitError{Dir: dir, Args: strings.Join(args, " "), Err: err}
		var cerr *CommandError
		if errors.As(err, &cerr) {
			gerr.Stderr = cerr.Stderr
			gerr.Err = cerr.Err
		}
		return nil, gerr
	}
	return out, nil
}

// ListWorktrees runs `git worktree list --porcelain` and returns every linked
// worktree keyed by its directory name. The main worktree and bare entries
// are excluded.
func (i *Inspector) ListWorktrees(ctx context.Context) (map[string]protocol.WorktreeRecord, error) {
	out, err := i.git(ctx, i.repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(string(out), i.repoRoot), nil
}

// parseWorktreeList parses porcelain output. Entries are separated by blank
// lines; the first entry is the main worktree.
func parseWorktreeList(out, repoRoot string) map[string]protocol.WorktreeRecord {
	result := make(map[string]protocol.WorktreeRecord)

	var (
		cur   protocol.WorktreeRecord
		bare  bool
		first = true
	)
	flush := func() {
		if cur.Path == "" {
			return
		}
		isMain := first || filepath.Clean(cur.Path) == repoRoot
		first = false
		if isMain || bare {
			return
		}
		key := filepath.Base(cur.Path)
		if _, dup := result[key]; dup {
			key = cur.Path
		}
		cur.ID = key
		result[key] = cur
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
			cur = protocol.WorktreeRecord{}
			bare = false
		case strings.HasPrefix(line, "worktree "):
			cur.Path = filepath.Clean(strings.TrimPrefix(line, "worktree "))
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "detached":
			cur.Detached = true
		case line == "bare":
			bare = true
		}
	}
	flush()
	return result
}

// MergedBranches returns the set of local branches fully merged into the
// base branch, excluding the base branch itself.
func (i *Inspector) MergedBranches(ctx context.Context) (map[string]bool, error) {
	out, err := i.git(ctx, i.repoRoot, "branch", "--merged", i.baseBranch, "--format=%(refname:short)")
	if err != nil {
		return nil, fmt.Errorf("merged branches: %w", err)
	}

	merged := make(map[string]bool)
	for _, line := range strings.Split(string(out), "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == i.baseBranch || strings.HasPrefix(name, "(") {
			continue
		}
		merged[name] = true
	}
	return merged, nil
}

// CommitsSince returns the commits on the worktree's HEAD that are not on the
// base branch, optionally limited to those at or after since, oldest first.
// When the base branch does not resolve in the worktree the whole HEAD
// history is used.
func (i *Inspector) CommitsSince(ctx context.Context, worktreePath string, since time.Time) ([]RawCommit, error) {
	rangeSpec := "HEAD"
	if _, err := i.git(ctx, worktreePath, "rev-parse", "--verify", "--quiet", i.baseBranch+"^{commit}"); err == nil {
		rangeSpec = i.baseBranch + "..HEAD"
	}

	args := []string{
		"log", rangeSpec, "--no-merges", "--shortstat",
		"--format=" + "%x1e%H%x1f%an%x1f%aI%x1f%s",
	}
	if !since.IsZero() {
		args = append(args, "--since="+since.UTC().Format(time.RFC3339))
	}

	out, err := i.git(ctx, worktreePath, args...)
	if err != nil {
		return nil, fmt.Errorf("commits in %s: %w", worktreePath, err)
	}

	commits, err := parseLog(string(out))
	if err != nil {
		return nil, fmt.Errorf("parse log for %s: %w", worktreePath, err)
	}
	return commits, nil
}

// parseLog parses the custom git log format. git prints newest first; the
// result is reversed to oldest first.
func parseLog(out string) ([]RawCommit, error) {
	var commits []RawCommit
	for _, chunk := range strings.Split(out, recordSep) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		header, rest, _ := strings.Cut(chunk, "\n")
		fields := strings.Split(header, fieldSep)
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed log record %q", header)
		}
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("parse commit time %q: %w", fields[2], err)
		}
		c := RawCommit{
			Hash:      strings.TrimSpace(fields[0]),
			Author:    fields[1],
			Timestamp: ts.UTC(),
			Message:   strings.Join(fields[3:], fieldSep),
		}
		if m := filesChangedRe.FindStringSubmatch(rest); m != nil {
			c.FilesChanged, _ = strconv.Atoi(m[1])
		}
		commits = append(commits, c)
	}

	for l, r := 0, len(commits)-1; l < r; l, r = l+1, r-1 {
		commits[l], commits[r] = commits[r], commits[l]
	}
	return commits, nil
}
