package identityfile

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/weft-project/weft/errors"
)

// ImportWatcher watches a drop directory for identity files and moves them
// into the disk queue. Producers must write-then-rename into the directory
// so the watcher never reads a partial file; a file that fails to parse is
// left in place and retried on its next write event.
type ImportWatcher struct {
	dir     string
	queue   *DiskQueue
	watcher *fsnotify.Watcher
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
}

// NewImportWatcher creates a watcher for dir, creating it if needed.
func NewImportWatcher(dir string, queue *DiskQueue, log *zap.SugaredLogger) (*ImportWatcher, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create import directory")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create fsnotify watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch import directory %s", dir)
	}

	return &ImportWatcher{
		dir:     dir,
		queue:   queue,
		watcher: watcher,
		log:     log.Named("import"),
	}, nil
}

// Start imports files already present in the directory, then begins
// watching for new ones.
func (w *ImportWatcher) Start() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return errors.Wrap(err, "scan import directory")
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.importFile(filepath.Join(w.dir, e.Name()))
		}
	}

	w.wg.Add(1)
	go w.watchLoop()
	w.log.Infow("Import watcher started", "dir", w.dir)
	return nil
}

// Stop stops watching. Pending events may be dropped; files left in the
// directory are picked up by the next Start.
func (w *ImportWatcher) Stop() {
	w.watcher.Close()
	w.wg.Wait()
	w.log.Infow("Import watcher stopped")
}

func (w *ImportWatcher) watchLoop() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			w.importFile(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Import watcher error", "error", err)
		}
	}
}

// importFile reads, enqueues and removes one dropped identity file.
func (w *ImportWatcher) importFile(path string) {
	if !strings.HasSuffix(path, FileExtension) {
		return
	}

	f, err := ReadFile(path)
	if err != nil {
		// Possibly a producer that writes in place; wait for its next
		// write event instead of failing the file.
		w.log.Debugw("Skipping unreadable import file", "file", path, "error", err)
		return
	}

	if err := w.queue.Enqueue(f); err != nil {
		w.log.Errorw("Failed to enqueue imported file", "file", path, "error", err)
		return
	}
	if err := os.Remove(path); err != nil {
		w.log.Warnw("Failed to remove imported file", "file", path, "error", err)
	}
	w.log.Infow("Imported identity file", "source_uri", f.SourceURI)
}
