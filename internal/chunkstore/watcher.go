package chunkstore

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// watcher keeps the store's chunk index in step with the uploads directory,
// so files that appear or vanish outside the handler path (operator cleanup,
// a second server instance sharing the volume) are still accounted for.
type watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

func newWatcher(s *Store) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(s.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}

	w := &watcher{fw: fw, done: make(chan struct{})}
	go w.loop(s)
	return w, nil
}

func (w *watcher) loop(s *Store) {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			switch {
			case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
				s.noteFile(ev.Name, false)
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				s.noteFile(ev.Name, true)
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			log.Warnf("uploads watcher: %v", err)
		}
	}
}

func (w *watcher) close() {
	close(w.done)
	_ = w.fw.Close()
}
