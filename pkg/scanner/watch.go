package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// refWatcher watches a refs directory tree and emits one debounced signal
// per burst of changes.
type refWatcher struct {
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *log.Logger
}

// newRefWatcher watches dir and every subdirectory that exists now. Branch
// names containing "/" live in nested directories; new nested directories
// are added as they appear.
func newRefWatcher(dir string, debounce time.Duration, logger *log.Logger) (*refWatcher, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &refWatcher{watcher: w, debounce: debounce, logger: logger}, nil
}

// Close stops the underlying watcher.
func (r *refWatcher) Close() error {
	return r.watcher.Close()
}

// Changes returns a channel receiving one value per debounced burst.
func (r *refWatcher) Changes(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-r.watcher.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = r.watcher.Add(ev.Name)
					}
				}
				resetTimer(timer, r.debounce)
			case err, ok := <-r.watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("scan: watcher error", "err", err)
			case <-timer.C:
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
