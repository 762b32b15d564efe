// Package discovery lets independently launched streamd processes agree on
// a single authoritative server per project. The agreement is a JSON lock
// record naming the owner's pid and port, re-validated for liveness on every
// read, plus an flock around the claim step.
//
// The protocol assumes a handful of local processes. A multi-host setup
// would need a lease-based lock instead.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"streamd/pkg/protocol"
)

// ReadLock reads and parses the lock record at path. A missing file returns
// an error satisfying errors.Is(err, os.ErrNotExist).
func ReadLock(path string) (*protocol.LockRecord, error) {
	data, err := os.ReadFile(path) //nolint:gosec // lock path is controlled by the application
	if err != nil {
		return nil, fmt.Errorf("read lock %s: %w", path, err)
	}
	var rec protocol.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock %s: %w", path, err)
	}
	return &rec, nil
}

// WriteLock writes rec to path atomically (temp file + rename), creating the
// parent directory as needed.
func WriteLock(path string, rec *protocol.LockRecord) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create lock dir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp lock: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp lock: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp lock: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp lock: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename lock into place: %w", err)
	}
	return nil
}

// RemoveLock removes the lock record. It is idempotent: no error if the file
// does not exist.
func RemoveLock(path string) error {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock %s: %w", path, err)
	}
	return nil
}

// ProcessAlive reports whether a process with the given pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}

// dialTimeout bounds the connect attempt against a recorded port.
const dialTimeout = 500 * time.Millisecond

// loopback is dialed when the lock gives no better host.
const loopback = "127.0.0.1"

// Answers reports whether something accepts TCP connections at host:port.
func Answers(host string, port int) bool {
	if port <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Live reports whether rec names a running process that still accepts
// connections on its recorded port. A pid reused by an unrelated process
// fails the dial and counts as stale.
func Live(rec *protocol.LockRecord) bool {
	return liveAt(rec, loopback)
}

func liveAt(rec *protocol.LockRecord, host string) bool {
	return rec != nil && ProcessAlive(rec.PID) && Answers(host, rec.Port)
}
