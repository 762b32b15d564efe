// Package protocol defines the domain types shared by every streamd
// component: streams, commits, lock records, reconciliation results and
// the event vocabulary pushed to observers.
package protocol

import (
	"fmt"
	"strings"
	"time"
)

// Status is a stream lifecycle status.
type Status string

// Stream status constants.
const (
	StatusInitializing Status = "initializing"
	StatusInProgress   Status = "in_progress"
	StatusBlocked      Status = "blocked"
	StatusReady        Status = "ready"
	StatusCompleted    Status = "completed"
	StatusArchived     Status = "archived" // Terminal for automation.
)

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusInProgress, StatusBlocked, StatusReady, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// ParseStatus normalizes user input into a Status. "active" and
// "in-progress" are accepted as aliases of in_progress.
func ParseStatus(raw string) (Status, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "active", "in-progress":
		return StatusInProgress, nil
	}
	s := Status(v)
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

// Stream is the unit of tracked work, one per worktree/branch.
type Stream struct {
	ID           string    `json:"id"`
	StreamNumber int       `json:"streamNumber"`
	Title        string    `json:"title"`
	Status       Status    `json:"status"`
	Category     string    `json:"category"`
	Priority     int       `json:"priority"`
	WorktreePath string    `json:"worktreePath,omitempty"`
	Branch       string    `json:"branch,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Archived reports whether the stream has reached the terminal status.
func (s Stream) Archived() bool {
	return s.Status == StatusArchived
}

// Commit is one ingested commit belonging to exactly one stream.
// (StreamID, CommitHash) is unique.
type Commit struct {
	StreamID     string    `json:"streamId"`
	CommitHash   string    `json:"commitHash"`
	Message      string    `json:"message"`
	Author       string    `json:"author"`
	FilesChanged int       `json:"filesChanged"`
	Timestamp    time.Time `json:"timestamp"`
}

// WorktreeRecord is a worktree observed at scan time. Never persisted.
type WorktreeRecord struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	Head     string `json:"head,omitempty"`
	Detached bool   `json:"detached,omitempty"`
}

// LockRecord is the single on-disk record naming the authoritative server
// for a project.
type LockRecord struct {
	PID            int       `json:"pid"`
	Port           int       `json:"port"`
	ProjectRoot    string    `json:"projectRoot"`
	ProjectName    string    `json:"projectName"`
	StartedAt      time.Time `json:"startedAt"`
	RuntimeVersion string    `json:"runtimeVersion"`
}

// SameProject reports whether the record belongs to the given project.
func (l LockRecord) SameProject(projectRoot, projectName string) bool {
	return l.ProjectRoot == projectRoot && l.ProjectName == projectName
}

// ReconcileOptions controls a reconciliation pass.
type ReconcileOptions struct {
	DryRun           bool `json:"dryRun"`
	AutoArchiveStale bool `json:"autoArchiveStale"`
	AutoAddOrphaned  bool `json:"autoAddOrphaned"`
}

// ReconciliationResult classifies the difference between the store and the
// observed worktrees. Produced fresh on every pass.
type ReconciliationResult struct {
	OrphanedWorktrees []string  `json:"orphanedWorktrees"`
	StaleStreams      []string  `json:"staleStreams"`
	Matched           []string  `json:"matched"`
	Archived          []string  `json:"archived"`
	Added             []string  `json:"added"`
	Errors            []string  `json:"errors,omitempty"`
	DryRun            bool      `json:"dryRun"`
	Timestamp         time.Time `json:"timestamp"`
}

// Stats is the aggregate view pushed with "stats" events.
type Stats struct {
	TotalStreams  int            `json:"totalStreams"`
	ByStatus      map[Status]int `json:"byStatus"`
	TotalCommits  int            `json:"totalCommits"`
	CommitsLast24 int            `json:"commitsLast24h"`
}
