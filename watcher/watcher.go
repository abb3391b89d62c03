// Package watcher implements a process-wide, reference-counted directory
// watcher multiplexing file-system events to per-file subscribers. Readers
// use it to learn about writer progress (new partitions, new indexes,
// growing files) without polling. Grounded on the teacher's use of
// fsnotify for on-disk change detection in its downloader/compaction
// tooling, generalized here into a shared ref-counted registry since many
// partitions and indexes in one storage directory would otherwise each
// open their own OS watch.
package watcher

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("nescore/watcher")

var registry = struct {
	sync.Mutex
	byDir map[string]*dirWatcher
}{byDir: make(map[string]*dirWatcher)}

// Event mirrors the subset of fsnotify operations callers care about.
type Event struct {
	Name string
	Op   fsnotify.Op
}

type dirWatcher struct {
	mu       sync.Mutex
	dir      string
	refCount int
	fsw      *fsnotify.Watcher
	subs     map[int]*Watcher
	nextSub  int
	done     chan struct{}
}

// Watcher is a single subscription against a directory, filtered to
// events whose basename matches a predicate.
type Watcher struct {
	dw     *dirWatcher
	subID  int
	events chan Event
	filter func(name string) bool
}

// New subscribes to change/rename events under the directory containing
// target. If target names a file, events are filtered to that file's
// basename by default; pass a non-nil filter to override.
func New(target string, filter func(name string) bool) (*Watcher, error) {
	dir := filepath.Dir(target)
	base := filepath.Base(target)
	if filter == nil {
		filter = func(name string) bool { return filepath.Base(name) == base }
	}

	dw, err := acquireDirWatcher(dir)
	if err != nil {
		return nil, err
	}

	w := &Watcher{dw: dw, events: make(chan Event, 32), filter: filter}
	dw.mu.Lock()
	w.subID = dw.nextSub
	dw.nextSub++
	dw.subs[w.subID] = w
	dw.mu.Unlock()

	return w, nil
}

func acquireDirWatcher(dir string) (*dirWatcher, error) {
	registry.Lock()
	defer registry.Unlock()

	if dw, ok := registry.byDir[dir]; ok {
		dw.refCount++
		return dw, nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	dw := &dirWatcher{
		dir:      dir,
		refCount: 1,
		fsw:      fsw,
		subs:     make(map[int]*Watcher),
		done:     make(chan struct{}),
	}
	registry.byDir[dir] = dw
	go dw.run()
	return dw, nil
}

func (dw *dirWatcher) run() {
	for {
		select {
		case ev, ok := <-dw.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			dw.mu.Lock()
			subs := make([]*Watcher, 0, len(dw.subs))
			for _, w := range dw.subs {
				subs = append(subs, w)
			}
			dw.mu.Unlock()
			for _, w := range subs {
				if !w.filter(ev.Name) {
					continue
				}
				select {
				case w.events <- Event{Name: ev.Name, Op: ev.Op}:
				default:
					log.Warnw("dropping watch event, subscriber channel full", "dir", dw.dir, "name", ev.Name)
				}
			}
		case err, ok := <-dw.fsw.Errors:
			if !ok {
				return
			}
			log.Warnw("watcher error", "dir", dw.dir, "error", err)
		case <-dw.done:
			return
		}
	}
}

// Events returns the channel on which matching events are delivered.
// Event delivery is single-threaded per directory, in the order events
// arrive. Each subscriber channel buffers 32 events; an event arriving
// while a subscriber's buffer is full is dropped for that subscriber.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Next blocks until an event passing the filter arrives, or the watcher
// is closed (ok=false).
func (w *Watcher) Next() (Event, bool) {
	for ev := range w.events {
		if w.filter(ev.Name) {
			return ev, true
		}
	}
	return Event{}, false
}

// Close decrements the directory's reference count, releasing the
// underlying OS watch once it drops to zero.
func (w *Watcher) Close() error {
	dw := w.dw
	dw.mu.Lock()
	delete(dw.subs, w.subID)
	dw.mu.Unlock()
	close(w.events)

	registry.Lock()
	defer registry.Unlock()
	dw.refCount--
	if dw.refCount > 0 {
		return nil
	}
	delete(registry.byDir, dw.dir)
	close(dw.done)
	return dw.fsw.Close()
}
