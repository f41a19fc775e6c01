package replay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"boltflow/internal/logging"
)

// Follow tails path and feeds every growth of the file through p. The
// transcript buffer only ever grows, so each change event re-reads the
// whole file and hands the full contents to the parser, which resumes
// from its cursor. Follow returns when ctx is canceled.
func Follow(ctx context.Context, path string, p *Pipeline, log *zap.Logger) error {
	log = logging.OrNop(log).Named("follow")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors and appenders often
	// replace or create the file after the watch starts.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// Catch up with whatever is already on disk.
	if err := feedFile(abs, p); err != nil && !os.IsNotExist(err) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			evAbs, err := filepath.Abs(ev.Name)
			if err != nil || evAbs != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := feedFile(abs, p); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", zap.Error(err))
		}
	}
}

func feedFile(path string, p *Pipeline) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return p.Feed(string(data))
}
