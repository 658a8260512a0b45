package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/steveyegge/byfrost/internal/syncpath"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
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

// FileEvent represents a file system event under the sync root.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred (create, modify, delete).
	Op EventOp
}

// FileWatcher watches the sync root recursively for changes. fsnotify
// watches single directories, so the watcher registers every directory the
// policy descends into and picks up directories created while running. A
// rename is reported as a delete of the old path; the create of the new
// path arrives as its own event.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	policy  *syncpath.Policy
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFileWatcher creates a watcher for the policy's root. The watcher must
// be started with Start() before it will emit events.
func NewFileWatcher(policy *syncpath.Policy) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		policy:  policy,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching the sync root and every eligible directory under
// it.
func (fw *FileWatcher) Start() error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	if err := fw.watchTree(fw.policy.Root()); err != nil {
		return err
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	// Signal shutdown
	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	// Wait for event processing to finish
	fw.wg.Wait()

	// Close channels
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

// watchTree registers dir and every eligible directory below it.
func (fw *FileWatcher) watchTree(dir string) error {
	root := fw.policy.Root()
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to watch %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return nil
		}
		if !fw.policy.DescendDir(filepath.ToSlash(rel)) {
			return fs.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// processEvents is the main event loop that converts fsnotify events to
// FileEvent notifications and keeps the directory watches current.
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

			for _, fileEvent := range fw.convertEvent(event) {
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

// convertEvent turns one fsnotify event into zero or more FileEvents. A
// created directory is registered for watching and its contents, written
// before the watch landed, are reported as creates.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) []FileEvent {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove):
		op = OpDelete
	case event.Has(fsnotify.Rename):
		// Treat rename as delete (the new name will trigger a create)
		op = OpDelete
	default:
		// Ignore chmod and other events
		return nil
	}

	if op == OpCreate {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			return fw.adoptDirectory(event.Name)
		}
	}

	return []FileEvent{{Path: event.Name, Op: op}}
}

// adoptDirectory starts watching a directory that appeared at runtime and
// reports the files already inside it, since their creation raced the
// watch registration.
func (fw *FileWatcher) adoptDirectory(dir string) []FileEvent {
	root := fw.policy.Root()
	rel, err := filepath.Rel(root, dir)
	if err != nil || !fw.policy.DescendDir(filepath.ToSlash(rel)) {
		return nil
	}
	if err := fw.watchTree(dir); err != nil {
		select {
		case fw.errors <- err:
		default:
		}
		return nil
	}

	var events []FileEvent
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			relDir, relErr := filepath.Rel(root, path)
			if relErr != nil || !fw.policy.DescendDir(filepath.ToSlash(relDir)) {
				return fs.SkipDir
			}
			return nil
		}
		events = append(events, FileEvent{Path: path, Op: OpCreate})
		return nil
	})
	return events
}
