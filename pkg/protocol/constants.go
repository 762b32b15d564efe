package protocol

import "time"

// Directory and path constants used throughout streamd.
const (
	// StateDir is the per-project state directory (e.g., <repo>/.streamd).
	StateDir = ".streamd"

	// LockFile is the lock record file name inside StateDir.
	LockFile = "server.lock"

	// DBFile is the store file name inside StateDir.
	DBFile = "streams.db"

	// DefaultBaseBranch is the branch merged-ness is measured against.
	DefaultBaseBranch = "main"
)

// Tunables shared by the CLI and the server.
const (
	DefaultScanInterval      = 15 * time.Second
	DefaultGitTimeout        = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultPortBase          = 4300
	DefaultPortSpan          = 500

	// DefaultCommitLimit and MaxCommitLimit bound paged commit reads.
	DefaultCommitLimit = 50
	MaxCommitLimit     = 500
)
