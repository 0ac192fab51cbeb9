package delivery

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// ResetWatcher resolves the EmergencyStop "manual reset only" Open
// Question: an operator (or a physical button wired to a GPIO-to-file
// bridge, outside this core's scope) signals a reset by writing to or
// touching a file inside a watched directory. Any write or create event
// in that directory is treated as a reset signal; the watcher does not
// inspect file contents.
type ResetWatcher struct {
	watcher *fsnotify.Watcher
	signal  chan struct{}
}

// WatchDir starts watching dir for reset signals. The directory must
// already exist.
func WatchDir(dir string) (*ResetWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	rw := &ResetWatcher{watcher: w, signal: make(chan struct{}, 1)}
	go rw.run()
	return rw, nil
}

func (rw *ResetWatcher) run() {
	for {
		select {
		case ev, ok := <-rw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			select {
			case rw.signal <- struct{}{}:
			default:
			}
		case err, ok := <-rw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("delivery: reset watcher error: %v", err)
		}
	}
}

// Signalled drains and reports whether a reset signal has arrived since
// the last call, non-blocking, for the EmergencyStop handler to poll
// once per tick.
func (rw *ResetWatcher) Signalled() bool {
	select {
	case <-rw.signal:
		return true
	default:
		return false
	}
}

// Close stops the underlying watcher.
func (rw *ResetWatcher) Close() error {
	return rw.watcher.Close()
}
