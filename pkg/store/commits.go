package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"streamd/pkg/protocol"
)

// InsertCommits ingests commits for one stream in a single transaction.
// Commits already stored under (streamID, hash) are ignored, so calling it
// twice with the same input inserts nothing the second time. It returns the
// number of newly inserted rows.
func (s *Store) InsertCommits(ctx context.Context, streamID string, commits []protocol.Commit) (int, error) {
	if len(commits) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert commits: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM streams WHERE id = ?", streamID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("check stream %s: %w", streamID, err)
	}
	if exists == 0 {
		return 0, &protocol.StreamNotFoundError{StreamID: streamID}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO commits (stream_id, commit_hash, message, author, files_changed, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert commit: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, c := range commits {
		hash := strings.TrimSpace(c.CommitHash)
		if hash == "" {
			return 0, &protocol.ValidationError{Field: "commitHash", Reason: "must not be empty"}
		}
		res, err := stmt.ExecContext(ctx, streamID, hash, c.Message, c.Author, c.FilesChanged, formatTime(c.Timestamp))
		if err != nil {
			return 0, fmt.Errorf("insert commit %s: %w", hash, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert commits: %w", err)
	}
	return inserted, nil
}

const commitColumns = `stream_id, commit_hash, message, author, files_changed, timestamp`

func scanCommits(rows *sql.Rows) ([]protocol.Commit, error) {
	defer rows.Close()
	var out []protocol.Commit
	for rows.Next() {
		var (
			c  protocol.Commit
			ts string
		)
		if err := rows.Scan(&c.StreamID, &c.CommitHash, &c.Message, &c.Author, &c.FilesChanged, &ts); err != nil {
			return nil, fmt.Errorf("scan commit: %w", err)
		}
		c.Timestamp = parseTime(ts)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commits: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return protocol.DefaultCommitLimit
	}
	if limit > protocol.MaxCommitLimit {
		return protocol.MaxCommitLimit
	}
	return limit
}

// RecentCommits returns commits across all streams (or one stream when
// streamID is set), newest first, paged by limit/offset.
func (s *Store) RecentCommits(ctx context.Context, limit, offset int, streamID string) ([]protocol.Commit, error) {
	if offset < 0 {
		offset = 0
	}
	query := "SELECT " + commitColumns + " FROM commits"
	var args []any
	if streamID != "" {
		query += " WHERE stream_id = ?"
		args = append(args, streamID)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, clampLimit(limit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent commits: %w", err)
	}
	return scanCommits(rows)
}

// StreamCommits returns up to limit commits of one stream, newest first.
func (s *Store) StreamCommits(ctx context.Context, streamID string, limit int) ([]protocol.Commit, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+commitColumns+" FROM commits WHERE stream_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?",
		streamID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("stream commits %s: %w", streamID, err)
	}
	return scanCommits(rows)
}

// LatestCommitTime returns the newest stored commit timestamp for a stream,
// or the zero time when it has none.
func (s *Store) LatestCommitTime(ctx context.Context, streamID string) (time.Time, error) {
	var ts sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM commits WHERE stream_id = ?", streamID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("latest commit %s: %w", streamID, err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return parseTime(ts.String), nil
}

// Stats aggregates stream and commit counts.
func (s *Store) Stats(ctx context.Context) (*protocol.Stats, error) {
	stats := &protocol.Stats{ByStatus: make(map[protocol.Status]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM streams GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("stats streams: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByStatus[protocol.Status(status)] = n
		stats.TotalStreams += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("stats streams: %w", err)
	}
	rows.Close()

	since := formatTime(s.nowFunc().Add(-24 * time.Hour))
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(CASE WHEN timestamp >= ? THEN 1 ELSE 0 END), 0) FROM commits",
		since).Scan(&stats.TotalCommits, &stats.CommitsLast24)
	if err != nil {
		return nil, fmt.Errorf("stats commits: %w", err)
	}
	return stats, nil
}
