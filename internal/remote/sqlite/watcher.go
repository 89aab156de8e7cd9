package sqlite

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// fileWatcher signals when the database file or its WAL is written.
// It uses fsnotify for cross-platform file system event monitoring.
type fileWatcher struct {
	watcher *fsnotify.Watcher
	names   map[string]bool
	changed chan struct{}
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

// newFileWatcher watches the directory holding path. SQLite replaces and
// truncates the WAL, so watching the directory survives file recreation.
func newFileWatcher(path string) (*fileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch database directory %s: %w", dir, err)
	}

	base := filepath.Base(path)
	fw := &fileWatcher{
		watcher: watcher,
		names:   map[string]bool{base: true, base + "-wal": true},
		changed: make(chan struct{}, 1),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
	fw.wg.Add(1)
	go fw.processEvents()
	return fw, nil
}

// Changed receives a value after one or more writes. Bursts coalesce.
func (fw *fileWatcher) Changed() <-chan struct{} {
	return fw.changed
}

// Errors returns the channel that emits watcher errors.
func (fw *fileWatcher) Errors() <-chan error {
	return fw.errors
}

// Stop stops watching and blocks until the event goroutine has exited.
func (fw *fileWatcher) Stop() error {
	close(fw.done)
	err := fw.watcher.Close()
	fw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (fw *fileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !fw.names[filepath.Base(event.Name)] {
				continue
			}
			select {
			case fw.changed <- struct{}{}:
			default:
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case fw.errors <- err:
			default:
			}
		}
	}
}
