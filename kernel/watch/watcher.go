// Package watch triggers a callback when the manifest documents change on disk.
package watch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/michaelquigley/pfxlog"
	"github.com/pkg/errors"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher watches a directory and reports changes to a fixed set of file names.
// Directories are watched instead of the files so editors that replace a file by
// renaming over it are still seen.
type Watcher struct {
	dir      string
	names    map[string]bool
	debounce time.Duration
}

func New(dir string, debounce time.Duration, names ...string) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	set := make(map[string]bool, len(names))
	for _, name := range names {
		set[name] = true
	}
	return &Watcher{dir: dir, names: set, debounce: debounce}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
		return false
	}
	return len(w.names) == 0 || w.names[filepath.Base(event.Name)]
}

// Run blocks until ctx is done, calling onChange once per burst of changes. Calls
// never overlap; a change seen while onChange runs schedules one more call. An error
// from onChange is logged and watching continues.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "unable to create watcher")
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(w.dir); err != nil {
		return errors.Wrapf(err, "unable to watch [%s]", w.dir)
	}

	log := pfxlog.Logger().WithField("dir", w.dir)
	log.Info("watching for changes")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			log.Debugf("%s %s", event.Op, filepath.Base(event.Name))
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("watch error")

		case <-timer.C:
			if err := onChange(ctx); err != nil {
				log.WithError(err).Error("change handler failed")
			}
		}
	}
}
