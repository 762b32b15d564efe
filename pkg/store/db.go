package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"streamd/pkg/protocol"

	_ "modernc.org/sqlite"
)

// ErrStoreMissing is returned by Open when the store file does not exist and
// creation was not requested.
var ErrStoreMissing = errors.New("store file does not exist")

// OpenOptions controls Open.
type OpenOptions struct {
	// Create allows Open to create a missing store file (used by `streamd init`
	// and tests). The serving process opens with Create=false.
	Create bool
}

// connPragmas is applied by the driver to every pooled connection as it is
// opened. busy_timeout and foreign_keys are per-connection settings.
const connPragmas = "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"

// Open opens a SQLite store at path and enforces production-safe defaults on
// every connection in the pool: WAL journal mode, a 5-second busy timeout and
// foreign keys. It verifies the file with PRAGMA quick_check and applies the
// schema before returning.
func Open(ctx context.Context, path string, opts OpenOptions) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("stat store %s: %w", path, err)
		}
		if !opts.Create {
			return nil, fmt.Errorf("open store %s: %w", path, ErrStoreMissing)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := checkIntegrity(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	migrate(ctx, db)

	return db, nil
}

// checkIntegrity runs PRAGMA quick_check. A corrupt file is startup-fatal.
func checkIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("quick_check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("quick_check reported corruption: %s", result)
	}
	return nil
}

// migrate applies additive migrations. Each uses ALTER TABLE which errors if
// the column already exists; errors are intentionally ignored.
func migrate(ctx context.Context, db *sql.DB) {
	_, _ = db.ExecContext(ctx, protocol.MigrateStreamCategory)
}
