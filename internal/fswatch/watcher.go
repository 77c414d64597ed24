// Package fswatch watches directories for device arrival/departure and
// backing-file modification, fanning events out to registered listeners.
// It wraps fsnotify the way the daemon's C++ ancestor wrapped inotify
// directly: one descriptor, many (path, mask, listener) registrations,
// additive mask coalescing per path.
package fswatch

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/gcoded/gcoded/internal/logging"
)

// Mask is a bitset of the event kinds a listener cares about.
type Mask uint8

const (
	Create     Mask = 1 << iota // a new entry was created in a watched directory
	Attrib                      // an entry's metadata changed
	Delete                      // an entry was removed
	IsDir                       // the affected entry is a directory
	DeleteSelf                  // the watched path itself was removed
)

// Event is delivered to a listener on a matching fsnotify event. Name is
// the file within Path that changed, present iff the underlying event
// carried one (DeleteSelf on the watched path itself leaves it empty).
type Event struct {
	Path string
	Mask Mask
	Name string
}

// Listener receives fswatch events. Implementations must not block for
// long; event delivery serializes on the watcher's single dispatch
// goroutine.
type Listener interface {
	OnFsEvent(ev Event)
}

type registration struct {
	path     string
	mask     Mask
	listener Listener
}

// Watcher watches one or more paths for a subset of fsnotify events and
// fans matching events out to registered listeners. The underlying
// descriptor is closed only on Close.
type Watcher struct {
	mu   sync.Mutex
	regs map[string][]*registration // path -> registrations on that path

	fsw  *fsnotify.Watcher
	done chan struct{}
	log  *logging.Logger
}

// New creates a Watcher with its own fsnotify descriptor and starts its
// dispatch goroutine.
func New() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		regs: make(map[string][]*registration),
		fsw:  fsw,
		done: make(chan struct{}),
		log:  logging.Default(),
	}
	go w.run()
	return w, nil
}

// Register binds (path, mask, listener); multiple registrations on the
// same path are additive — each listener only receives events matching
// its own mask. The underlying path is added to the fsnotify watch set on
// first registration.
func (w *Watcher) Register(path string, mask Mask, listener Listener) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, already := w.regs[path]
	w.regs[path] = append(w.regs[path], &registration{path: path, mask: mask, listener: listener})

	if !already {
		if err := w.fsw.Add(path); err != nil {
			// roll back the registration we just added
			regs := w.regs[path]
			w.regs[path] = regs[:len(regs)-1]
			if len(w.regs[path]) == 0 {
				delete(w.regs, path)
			}
			return err
		}
	}
	return nil
}

// Unregister removes every registration on path for listener.
func (w *Watcher) Unregister(path string, listener Listener) {
	w.mu.Lock()
	defer w.mu.Unlock()

	regs := w.regs[path]
	kept := regs[:0]
	for _, r := range regs {
		if r.listener != listener {
			kept = append(kept, r)
		}
	}
	if len(kept) == 0 {
		delete(w.regs, path)
		_ = w.fsw.Remove(path)
		return
	}
	w.regs[path] = kept
}

// Close stops the dispatch goroutine and releases the fsnotify descriptor.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fsw.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.dispatch(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// Fatal read errors propagate as log lines; there is no
			// synchronous caller left to return them to.
			w.log.Error("fswatch read error", "error", err)
		}
	}
}

func (w *Watcher) dispatch(ev fsnotify.Event) {
	dir, name := filepath.Dir(ev.Name), filepath.Base(ev.Name)

	w.mu.Lock()
	// A registration may watch ev.Name directly (a single file, e.g. the
	// alias store's backing db) or watch its parent directory (e.g. the
	// tty directory for device arrival).
	fileRegs := append([]*registration(nil), w.regs[ev.Name]...)
	dirRegs := append([]*registration(nil), w.regs[dir]...)
	w.mu.Unlock()

	if len(fileRegs) > 0 {
		mask := translateOp(ev.Op)
		if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
			mask = (mask &^ Delete) | DeleteSelf
		}
		for _, r := range fileRegs {
			if r.mask&mask == 0 {
				continue
			}
			w.dispatchMatch(r, mask, "")
		}
	}

	if len(dirRegs) > 0 {
		mask := translateOp(ev.Op)
		for _, r := range dirRegs {
			if r.mask&mask == 0 {
				continue
			}
			w.dispatchMatch(r, mask, name)
		}
	}
}

func (w *Watcher) dispatchMatch(r *registration, mask Mask, name string) {
	r.listener.OnFsEvent(Event{Path: r.path, Mask: r.mask & mask, Name: name})
}

func translateOp(op fsnotify.Op) Mask {
	var m Mask
	if op&fsnotify.Create != 0 {
		m |= Create
	}
	if op&fsnotify.Chmod != 0 {
		m |= Attrib
	}
	if op&fsnotify.Remove != 0 || op&fsnotify.Rename != 0 {
		m |= Delete
	}
	return m
}
