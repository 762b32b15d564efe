package main

import (
	"context"
	"errors"
	"fmt"

	"streamd/pkg/config"
	"streamd/pkg/inspector"
	"streamd/pkg/store"
)

// openStore opens the project's existing store. The returned close function
// must be called when done.
func openStore(ctx context.Context, cfg *config.Config) (*store.Store, func(), error) {
	db, err := store.Open(ctx, cfg.DBPath, store.OpenOptions{})
	if err != nil {
		if errors.Is(err, store.ErrStoreMissing) {
			return nil, nil, fmt.Errorf("%w: run `streamd init` first", err)
		}
		return nil, nil, err
	}
	return store.New(db), func() { _ = db.Close() }, nil
}

// newInspector builds the git inspector for cfg.
func newInspector(cfg *config.Config, runner inspector.CommandRunner) *inspector.Inspector {
	return inspector.New(cfg.ProjectRoot, runner,
		inspector.WithBaseBranch(cfg.BaseBranch),
		inspector.WithTimeout(cfg.GitTimeout.Duration),
	)
}
