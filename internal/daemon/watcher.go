package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/cardsync/cardsync/internal/filestore"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new contact file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing contact file was modified.
	OpModify
	// OpDelete indicates a contact file was removed or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// FileEvent represents a change to one contact file.
type FileEvent struct {
	// Path is the path of the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// FileWatcher watches a changing set of contact directories for *.vcf
// events. Hidden files (atomic-write temporaries, collection markers) are
// ignored.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
	dirs    map[string]bool
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
func NewFileWatcher() (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 256),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		dirs:    make(map[string]bool),
	}, nil
}

// Start begins watching dirs. Directories that do not exist yet are skipped
// and picked up by a later Sync.
func (fw *FileWatcher) Start(dirs []string) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	fw.running = true
	fw.mu.Unlock()

	fw.wg.Add(1)
	go fw.processEvents()

	return fw.Sync(dirs)
}

// Sync makes the watched set equal to dirs: new directories are added and
// directories no longer listed are removed. Missing directories are skipped
// without error; other failures are joined and returned after the remaining
// directories have been processed.
func (fw *FileWatcher) Sync(dirs []string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if !fw.running {
		return fmt.Errorf("watcher not running")
	}

	want := make(map[string]bool, len(dirs))
	for _, dir := range dirs {
		want[filepath.Clean(dir)] = true
	}

	var errs []error
	for dir := range fw.dirs {
		if want[dir] {
			continue
		}
		// The kernel drops the watch by itself when a directory is removed.
		if err := fw.watcher.Remove(dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			errs = append(errs, fmt.Errorf("failed to unwatch %s: %w", dir, err))
		}
		delete(fw.dirs, dir)
	}

	for dir := range want {
		if fw.dirs[dir] {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := fw.watcher.Add(dir); err != nil {
			errs = append(errs, fmt.Errorf("failed to watch %s: %w", dir, err))
			continue
		}
		fw.dirs[dir] = true
	}

	return errors.Join(errs...)
}

// Dirs returns the currently watched directories, sorted.
func (fw *FileWatcher) Dirs() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	dirs := make([]string, 0, len(fw.dirs))
	for dir := range fw.dirs {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	return dirs
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	wasRunning := fw.running
	fw.running = false
	fw.mu.Unlock()

	select {
	case <-fw.done:
		return nil
	default:
	}
	close(fw.done)

	// Closing the underlying watcher unblocks the event loop.
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	if wasRunning {
		fw.wg.Wait()
	}

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents converts fsnotify events to FileEvent notifications until
// the watcher is stopped.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if fileEvent, ok := convertEvent(event); ok {
				select {
				case fw.events <- fileEvent:
				case <-fw.done:
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent converts an fsnotify event to a FileEvent.
// Returns (FileEvent{}, false) if the event should be ignored.
func convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !filestore.IsContactFile(event.Name) {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// The new name, if watched, arrives as a separate create.
		op = OpDelete
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: event.Name, Op: op}, true
}
