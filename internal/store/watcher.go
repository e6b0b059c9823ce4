package store

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes the feature directory and notifies on backlog edits so
// the scheduler can pick up new or changed features without waiting for
// the next poll tick.
type Watcher struct {
	watcher *fsnotify.Watcher
	notify  chan struct{}
	done    chan struct{}

	closeOnce sync.Once
}

// NewWatcher starts watching dir. Notifications are coalesced: a burst of
// file events within the debounce window produces a single notification.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		watcher: fw,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Notify returns the channel that receives a signal after feature edits.
func (w *Watcher) Notify() <-chan struct{} {
	return w.notify
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	const debounce = 100 * time.Millisecond

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timerC:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case w.notify <- struct{}{}:
			default:
			}
		case <-w.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// relevant filters out temp files from atomic saves and non-JSON noise.
func relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) != 0
}
