package discovery

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalHandler installs a SIGTERM/SIGINT handler that cancels the
// returned context when a signal is received. The cleanup function cancels
// the context and releases the claim; callers should defer it.
func SetupSignalHandler(parent context.Context, claim *Claim) (shutdownCtx context.Context, cleanup func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	cleanup = func() {
		cancel()
		if claim != nil {
			_ = claim.Release()
		}
	}

	return ctx, cleanup
}
