package assetsync

import (
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Change is one detected mutation under a tracked directory.
type Change struct {
	// Root is the tracked directory the change happened under.
	Root string
	// Rel is the file's path relative to Root, slash-separated.
	Rel string
}

// Watcher monitors the manifest's tracked directories and emits a
// Change for every allowed file that is created or written. New
// subdirectories are added to the watch as they appear.
type Watcher struct {
	manifest *Manifest
	watcher  *fsnotify.Watcher
	roots    map[string]string // watched dir -> tracked root
	changes  chan Change
	logger   *log.Logger

	done chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

// NewWatcher creates a watcher over the manifest's tracked directories
// rooted at dataRoot. Call Start to begin emitting events.
func NewWatcher(dataRoot string, m *Manifest, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[assetsync] ", log.LstdFlags)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		manifest: m,
		watcher:  fsw,
		roots:    make(map[string]string),
		changes:  make(chan Change, 100),
		logger:   logger,
		done:     make(chan struct{}),
	}

	for _, dir := range m.TrackedDirs {
		root := filepath.Join(dataRoot, filepath.FromSlash(dir))
		if err := w.addTree(root, root); err != nil {
			_ = fsw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and every subdirectory beneath it.
func (w *Watcher) addTree(root, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", dir, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.mu.Lock()
		w.roots[path] = root
		w.mu.Unlock()
		return nil
	})
}

// Changes is the stream of detected file changes.
func (w *Watcher) Changes() <-chan Change {
	return w.changes
}

// Start launches the event loop.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop ends the event loop and closes the underlying watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("Watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	w.mu.Lock()
	root, ok := w.roots[filepath.Dir(event.Name)]
	w.mu.Unlock()
	if !ok {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.addTree(root, event.Name); err != nil {
				w.logger.Printf("Failed to watch new directory %s: %v", event.Name, err)
			}
		}
		return
	}

	rel, err := filepath.Rel(root, event.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.manifest.Denied(rel) {
		return
	}

	select {
	case w.changes <- Change{Root: root, Rel: rel}:
	default:
		w.logger.Printf("Change channel full, dropping event for %s", rel)
	}
}
