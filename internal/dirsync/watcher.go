package dirsync

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/rjeczalik/notify"
)

const eventBufferSize = 64

// watcher turns filesystem events below a root into wake-up nudges for the sync loop.
// Any number of events between two loop iterations collapse into one nudge.
type watcher struct {
	root   string
	events chan notify.EventInfo
	nudges chan struct{}
	wg     sync.WaitGroup
}

func startWatcher(ctx context.Context, root string) (*watcher, error) {
	w := &watcher{
		root:   root,
		events: make(chan notify.EventInfo, eventBufferSize),
		nudges: make(chan struct{}, 1),
	}

	recursivePath := filepath.Join(root, "...")
	if err := notify.Watch(recursivePath, w.events, notify.Create, notify.Write, notify.Rename); err != nil {
		return nil, err
	}

	w.wg.Add(1)
	go w.forward(ctx)

	slog.Debug("dirsync watcher start", "root", root)
	return w, nil
}

func (w *watcher) forward(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			slog.Debug("dirsync watcher event", "event", ev.Event(), "path", ev.Path())
			select {
			case w.nudges <- struct{}{}:
			default:
			}
		}
	}
}

// Nudges is signalled when something below the root was touched. Nil-safe.
func (w *watcher) Nudges() <-chan struct{} {
	if w == nil {
		return nil
	}
	return w.nudges
}

// Stop ends the watch. The context passed to startWatcher must be cancelled first.
func (w *watcher) Stop() {
	if w == nil {
		return
	}
	notify.Stop(w.events)
	w.wg.Wait()
	slog.Debug("dirsync watcher stop", "root", w.root)
}
