package scanner

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Event is a single external filesystem change observed by the Monitor.
// Path is absolute; ApplyEvent resolves it against the project root into
// a Store node rather than carrying a pre-resolved directory id, since
// the watcher has no Store access of its own.
type Event struct {
	Path string
	Op   fsnotify.Op
}

// Monitor is the "external Monitor" referenced in design §4.4's last
// paragraph: it watches the live project tree with fsnotify and streams
// events that let the Scanner apply steps 3-6 incrementally instead of
// re-walking the whole tree, grounded on
// pkg/pillar/dpcmanager/wwan.go's watcher-goroutine-plus-buffered-channel
// pattern.
type Monitor struct {
	watcher *fsnotify.Watcher
	log     *logrus.Entry
	// current is read by the consuming scheduler goroutine and written by
	// run's watcher goroutine, so it is accessed atomically rather than
	// through a plain bool.
	current atomic.Bool
}

// NewMonitor creates a Monitor and starts watching every directory in dirs.
func NewMonitor(dirs []string, log *logrus.Entry) (*Monitor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tup: create fsnotify watcher: %w", err)
	}
	for _, d := range dirs {
		if err := w.Add(d); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("tup: watch %s: %w", d, err)
		}
	}
	return &Monitor{watcher: w, log: log.WithField("component", "monitor")}, nil
}

// Watch streams filesystem events until ctx is cancelled. The returned
// channel is buffered so a burst of changes does not block the watcher
// goroutine.
func (m *Monitor) Watch(ctx context.Context) <-chan Event {
	sub := make(chan Event, 64)
	go m.run(ctx, sub)
	return sub
}

func (m *Monitor) run(ctx context.Context, sub chan Event) {
	defer close(sub)
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				m.log.Warn("fsnotify watcher stopped")
				return
			}
			m.current.Store(false)
			sub <- Event{Path: ev.Name, Op: ev.Op}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.WithField("error", err).Warn("fsnotify error")
		case <-ctx.Done():
			return
		}
	}
}

// Current reports whether the Monitor's view of the tree is known to match
// the filesystem (no unconsumed events pending). Engine.Scan checks this
// before deciding whether a full walk is needed (design §4.4 final
// paragraph).
func (m *Monitor) Current() bool {
	return m.current.Load()
}

// MarkCurrent records that every event observed so far has been applied to
// the Store, so Current will report true until the next fsnotify event.
func (m *Monitor) MarkCurrent() {
	m.current.Store(true)
}

// Add starts watching an additional directory. Nothing in the Scanner calls
// it, so a directory found after NewMonitor is watched only if a caller
// adds it.
func (m *Monitor) Add(dir string) error {
	return m.watcher.Add(dir)
}

// Close stops the watcher.
func (m *Monitor) Close() error {
	return m.watcher.Close()
}
