// Package watcher emits debounced file-change notifications for a project
// tree while its dev server is running.
package watcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/atelier-dev/atelier/internal/logger"
)

// quietPeriod is how long the tree must stay silent before one change
// event is broadcast for the whole burst.
const quietPeriod = 300 * time.Millisecond

// skipDirs are subtrees that churn constantly and never matter to a
// preview: dependencies, build output, VCS metadata, caches.
var skipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".netlify":     true,
	".cache":       true,
	"coverage":     true,
	".atelier-tmp": true,
}

// Event is one coalesced change notification.
type Event struct {
	Kind string // "add", "change", "unlink"
	Path string // relative to the watched root
}

// Watcher owns one recursive fsnotify watch plus the debounce state
// machine in front of the change callback.
type Watcher struct {
	root     string
	fw       *fsnotify.Watcher
	onChange func(Event)
	deb      *debouncer

	closeOnce sync.Once
	done      chan struct{}
}

// New starts watching root recursively. onChange fires at most once per
// quiet period, from the watcher's goroutine.
func New(root string, onChange func(Event)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		root:     root,
		fw:       fw,
		onChange: onChange,
		deb:      newDebouncer(quietPeriod, onChange),
		done:     make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

// Close tears the watch down. Safe to call more than once; a pending
// debounce timer is cancelled rather than fired.
func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
		w.fw.Close()
		w.deb.stop()
	})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree: skip, don't fail the watch
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return w.fw.Add(path)
	})
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warn("watcher error", "root", w.root, "err", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil {
		return
	}
	if excluded(rel) {
		return
	}

	// New directories join the watch so the recursion stays complete.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			w.addTree(ev.Name)
		}
	}

	kind := kindOf(ev.Op)
	if kind == "" {
		return
	}
	w.deb.observe(Event{Kind: kind, Path: filepath.ToSlash(rel)})
}

func excluded(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return true
		}
	}
	return strings.HasSuffix(rel, ".log")
}

func kindOf(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "add"
	case op.Has(fsnotify.Write):
		return "change"
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return "unlink"
	default:
		return "" // chmod noise
	}
}
