package workflow

import (
	"context"
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher feeds filesystem events under the configured roots into the
// trigger dispatcher.
type Watcher struct {
	dispatcher *Dispatcher
	roots      []string
}

// NewWatcher creates a file trigger source over roots.
func NewWatcher(d *Dispatcher, roots []string) *Watcher {
	return &Watcher{dispatcher: d, roots: roots}
}

// Run watches until ctx is cancelled. Write and create events dispatch
// file triggers; watcher errors are logged and watching continues.
func (w *Watcher) Run(ctx context.Context) error {
	if len(w.roots) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	for _, root := range w.roots {
		if err := fw.Add(root); err != nil {
			log.Printf("workflow: watch %s: %v", root, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.dispatcher.DispatchFileEvent(ctx, ev.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			log.Printf("workflow: watcher: %v", err)
		}
	}
}
