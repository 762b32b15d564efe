// Package store persists streams and commits in a single-file SQLite
// database. Every write is one statement or one transaction, so concurrent
// readers never observe a half-written commit batch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"streamd/pkg/protocol"

	"github.com/google/uuid"
)

// timeLayout is fixed-width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store manages the streams and commits tables.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// New creates a Store backed by the given SQLite database. The schema must
// already be applied (see Open).
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// SetClock overrides the time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.nowFunc = now
}

// DB exposes the underlying handle for callers that own its lifecycle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ListStreamsOpts filters ListStreams.
type ListStreamsOpts struct {
	IncludeArchived bool
	Status          protocol.Status // optional exact filter
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate rows written by other tools.
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// CreateStream inserts a new stream. An empty ID gets a generated one, an
// empty status becomes initializing, and the display number is max+1.
// The stored record (with ID, number and timestamps) is written back to st.
func (s *Store) CreateStream(ctx context.Context, st *protocol.Stream) error {
	if strings.TrimSpace(st.Title) == "" {
		return &protocol.ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if st.ID == "" {
		st.ID = uuid.NewString()
	}
	if st.Status == "" {
		st.Status = protocol.StatusInitializing
	}
	if !st.Status.Valid() {
		return &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st.Status)}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create stream: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM streams WHERE id = ?", st.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check stream %s: %w", st.ID, err)
	}
	if exists > 0 {
		return &protocol.ValidationError{Field: "id", Reason: fmt.Sprintf("stream %s already exists", st.ID)}
	}

	var maxNumber int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(stream_number), 0) FROM streams").Scan(&maxNumber); err != nil {
		return fmt.Errorf("next stream number: %w", err)
	}

	now := s.nowFunc().UTC()
	st.StreamNumber = maxNumber + 1
	st.CreatedAt = now
	st.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`INSERT INTO streams (id, stream_number, title, status, category, priority, worktree_path, branch, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.StreamNumber, st.Title, string(st.Status), st.Category, st.Priority,
		nullString(st.WorktreePath), nullString(st.Branch), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert stream %s: %w", st.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create stream: %w", err)
	}
	return nil
}

const streamColumns = `id, stream_number, title, status, category, priority, worktree_path, branch, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStream(row rowScanner) (protocol.Stream, error) {
	var (
		st                 protocol.Stream
		status             string
		worktree, branch   sql.NullString
		createdAt, updated string
	)
	if err := row.Scan(&st.ID, &st.StreamNumber, &st.Title, &status, &st.Category, &st.Priority,
		&worktree, &branch, &createdAt, &updated); err != nil {
		return protocol.Stream{}, err
	}
	st.Status = protocol.Status(status)
	st.WorktreePath = worktree.String
	st.Branch = branch.String
	st.CreatedAt = parseTime(createdAt)
	st.UpdatedAt = parseTime(updated)
	return st, nil
}

// GetStream returns one stream by id.
func (s *Store) GetStream(ctx context.Context, id string) (*protocol.Stream, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+streamColumns+" FROM streams WHERE id = ?", id)
	st, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.StreamNotFoundError{StreamID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", id, err)
	}
	return &st, nil
}

// FindStreamByWorktree returns the non-archived stream claiming path, or a
// StreamNotFoundError.
func (s *Store) FindStreamByWorktree(ctx context.Context, path string) (*protocol.Stream, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+streamColumns+" FROM streams WHERE worktree_path = ? AND status != ? ORDER BY stream_number LIMIT 1",
		path, string(protocol.StatusArchived))
	st, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.StreamNotFoundError{StreamID: path}
	}
	if err != nil {
		return nil, fmt.Errorf("find stream by worktree %s: %w", path, err)
	}
	return &st, nil
}

// ListStreams returns streams ordered by display number.
func (s *Store) ListStreams(ctx context.Context, opts ListStreamsOpts) ([]protocol.Stream, error) {
	var (
		conditions []string
		args       []any
	)
	if !opts.IncludeArchived && opts.Status != protocol.StatusArchived {
		conditions = append(conditions, "status != ?")
		args = append(args, string(protocol.StatusArchived))
	}
	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := "SELECT " + streamColumns + " FROM streams"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY stream_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []protocol.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return out, nil
}

// UpdateStatus sets a stream's status. This is the operator path and may
// revive an archived stream; automation uses Archive and Touch only.
func (s *Store) UpdateStatus(ctx context.Context, id string, status protocol.Status) (*protocol.Stream, error) {
	if !status.Valid() {
		return nil, &protocol.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE streams SET status = ?, updated_at = ? WHERE id = ?",
		string(status), formatTime(s.nowFunc()), id)
	if err != nil {
		return nil, fmt.Errorf("update stream %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &protocol.StreamNotFoundError{StreamID: id}
	}
	return s.GetStream(ctx, id)
}

// Archive transitions a stream to archived. It reports changed=false when
// the stream was already archived.
func (s *Store) Archive(ctx context.Context, id string) (changed bool, err error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE streams SET status = ?, updated_at = ? WHERE id = ? AND status != ?",
		string(protocol.StatusArchived), formatTime(s.nowFunc()), id, string(protocol.StatusArchived))
	if err != nil {
		return false, fmt.Errorf("archive stream %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	// Distinguish "already archived" from "unknown id".
	if _, err := s.GetStream(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Touch bumps a stream's updated_at without changing anything else.
func (s *Store) Touch(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, "UPDATE streams SET updated_at = ? WHERE id = ?", formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touch stream %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.StreamNotFoundError{StreamID: id}
	}
	return nil
}
