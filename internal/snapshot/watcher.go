package snapshot

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher observes a working directory and remembers whether any file
// changed since the last Reset. It exists so snapshot comparisons can be
// skipped on quiet trees; losing an event only costs an extra rescan.
type Watcher struct {
	watcher *fsnotify.Watcher
	workDir string
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool

	mu    sync.RWMutex
	dirty bool
}

// NewWatcher creates a watcher over workDir and all its subdirectories.
func NewWatcher(workDir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher: fsw,
		workDir: workDir,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		dirty:   true,
	}
	if err := w.addRecursive(workDir); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Start begins consuming filesystem events.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.mu.Lock()
			w.dirty = true
			w.mu.Unlock()
			// New directories need their own watch.
			if ev.Op&fsnotify.Create != 0 {
				if err := w.addRecursive(ev.Name); err != nil {
					log.Debug().Err(err).Str("path", ev.Name).Msg("watch add failed")
				}
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Debug().Err(err).Msg("snapshot watcher error")
		}
	}
}

// SawChanges reports whether any write happened since the last Reset.
func (w *Watcher) SawChanges() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.dirty
}

// Reset clears the change flag; called right after a snapshot is taken.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.dirty = false
	w.mu.Unlock()
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != root && (skipDirs[name] || strings.HasPrefix(name, ".")) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}
