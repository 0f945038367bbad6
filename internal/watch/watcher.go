package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Options configures an FSWatcher
type Options struct {
	// Roots are absolute files or directories, watched recursively.
	Roots []string
	// Exclude lists absolute directories whose subtrees are never reported,
	// typically the destination working tree.
	Exclude []string
	// Ignore filters individual paths (e.g. editor swap files). May be nil.
	Ignore func(path string) bool
	Logger *slog.Logger
}

// FSWatcher watches a set of roots recursively with fsnotify.
// fsnotify does not pair renames, so a move is reported as Removed(old)
// followed by Created(new).
type FSWatcher struct {
	watcher   *fsnotify.Watcher
	events    chan Event
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dirRoots  []string
	fileRoots map[string]bool
	exclude   []string
	ignore    func(path string) bool
	logger    *slog.Logger
}

// NewFSWatcher subscribes to every root and starts delivering events.
// A root that cannot be watched is an ErrWatchSetup.
func NewFSWatcher(opts Options) (*FSWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create fsnotify watcher: %w", ErrWatchSetup, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	fw := &FSWatcher{
		watcher:   watcher,
		events:    make(chan Event, 256),
		errors:    make(chan error, 16),
		done:      make(chan struct{}),
		fileRoots: make(map[string]bool),
		ignore:    opts.Ignore,
		logger:    logger,
	}
	for _, ex := range opts.Exclude {
		fw.exclude = append(fw.exclude, filepath.Clean(ex))
	}

	for _, root := range opts.Roots {
		if err := fw.addRoot(filepath.Clean(root)); err != nil {
			_ = watcher.Close()
			return nil, err
		}
	}

	fw.wg.Add(1)
	go fw.processEvents()

	return fw, nil
}

// addRoot subscribes a single watch root
func (fw *FSWatcher) addRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
	}

	if !info.IsDir() {
		// Watch the parent and filter to the file itself so that
		// atomic-save editors (write temp, rename over) keep working.
		parent := filepath.Dir(root)
		if err := fw.watcher.Add(parent); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
		}
		fw.fileRoots[root] = true
		return nil
	}

	if err := fw.addRecursive(root); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrWatchSetup, root, err)
	}
	fw.dirRoots = append(fw.dirRoots, root)
	return nil
}

// addRecursive adds dir and every subdirectory below it
func (fw *FSWatcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Subdirectories may vanish while we walk
			if errors.Is(err, fs.ErrNotExist) && path != dir {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && fw.excluded(path) {
			return filepath.SkipDir
		}
		if err := fw.watcher.Add(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != dir {
				return filepath.SkipDir
			}
			return err
		}
		return nil
	})
}

// Events returns the channel that emits change events.
// It is closed when the watcher stops.
func (fw *FSWatcher) Events() <-chan Event {
	return fw.events
}

// Errors returns the channel that emits non-fatal watcher errors.
// It is closed when the watcher stops.
func (fw *FSWatcher) Errors() <-chan error {
	return fw.errors
}

// Close stops watching and waits for the event loop to exit.
func (fw *FSWatcher) Close() error {
	var err error
	fw.closeOnce.Do(func() {
		close(fw.done)
		if cerr := fw.watcher.Close(); cerr != nil {
			err = fmt.Errorf("failed to close watcher: %w", cerr)
		}
		fw.wg.Wait()
	})
	return err
}

// processEvents converts fsnotify events until the watcher is closed
func (fw *FSWatcher) processEvents() {
	defer fw.wg.Done()
	defer close(fw.errors)
	defer close(fw.events)

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			ev, ok := fw.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case fw.events <- ev:
			case <-fw.done:
				return
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				err = fmt.Errorf("%w: %w", ErrOverflow, err)
			}
			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to an Event.
// Returns false if the event should be ignored.
func (fw *FSWatcher) convertEvent(event fsnotify.Event) (Event, bool) {
	path := filepath.Clean(event.Name)

	if !fw.inScope(path) || fw.excluded(path) {
		return Event{}, false
	}
	if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
		fw.unwatch(path)
	}
	if fw.ignored(path) {
		return Event{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		if info, err := os.Lstat(path); err == nil && info.IsDir() {
			// Files created before the watch lands are covered by
			// copying the whole new directory.
			if err := fw.addRecursive(path); err != nil {
				fw.logger.Warn("failed to watch new directory", "path", path, "error", err)
			}
		}
		return Created(path), true
	case event.Has(fsnotify.Write):
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return Event{}, false
		}
		return Modified(path), true
	case event.Has(fsnotify.Remove):
		return Removed(path), true
	case event.Has(fsnotify.Rename):
		// The new name, if still watched, arrives as a separate Create.
		return Removed(path), true
	default:
		// Ignore chmod
		return Event{}, false
	}
}

// unwatch drops the watches on dir and every directory below it. A moved
// directory keeps its inotify descriptor, and fsnotify would otherwise hand
// that stale descriptor back when the new name is added, then discard it on
// the trailing IN_MOVE_SELF. This runs before the paired Create is read.
func (fw *FSWatcher) unwatch(dir string) {
	for _, p := range fw.watcher.WatchList() {
		if p != dir && !isUnder(dir, p) {
			continue
		}
		if err := fw.watcher.Remove(p); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			fw.logger.Debug("failed to drop stale watch", "path", p, "error", err)
		}
	}
}

// ignored reports whether path or any directory between it and its watch
// root matches the ignore filter
func (fw *FSWatcher) ignored(path string) bool {
	if fw.ignore == nil {
		return false
	}
	for p := path; ; p = filepath.Dir(p) {
		if fw.ignore(p) {
			return true
		}
		if fw.isRoot(p) || filepath.Dir(p) == p {
			return false
		}
	}
}

func (fw *FSWatcher) isRoot(path string) bool {
	if fw.fileRoots[path] {
		return true
	}
	for _, root := range fw.dirRoots {
		if root == path {
			return true
		}
	}
	return false
}

// inScope reports whether path is a watch root or lies below a directory root
func (fw *FSWatcher) inScope(path string) bool {
	if fw.fileRoots[path] {
		return true
	}
	for _, root := range fw.dirRoots {
		if path == root || isUnder(root, path) {
			return true
		}
	}
	return false
}

// excluded reports whether path is inside an excluded tree or a .git directory
func (fw *FSWatcher) excluded(path string) bool {
	for _, ex := range fw.exclude {
		if path == ex || isUnder(ex, path) {
			return true
		}
	}
	for dir := path; ; {
		if filepath.Base(dir) == ".git" {
			return true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return false
		}
		dir = parent
	}
}
