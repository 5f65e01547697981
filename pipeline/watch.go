package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// WatchCSVInbox reports the path of every CSV file created or written in dir.
// The channel closes when ctx is done or the watcher fails.
func WatchCSVInbox(ctx context.Context, dir string, log *zap.Logger) (<-chan string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create csv inbox watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch csv inbox %s: %w", dir, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
					continue
				}
				if !isCSV(filepath.Base(ev.Name)) {
					continue
				}
				select {
				case out <- ev.Name:
				case <-ctx.Done():
					return
				default:
					// A run is already pending; it will pick this file up.
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("csv inbox watcher error", zap.String("dir", dir), zap.Error(err))
			}
		}
	}()
	return out, nil
}
