package identityfile

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/weft-project/weft/errors"
)

// Directory layout under the queue root. Files move queue -> processing,
// then are deleted on success or moved to failed.
const (
	queuedDir     = "queue"
	processingDir = "processing"
	failedDir     = "failed"
)

// tmpPrefix marks enqueue staging files in the queue root. They exist only
// between a write and its rename into queue/.
const tmpPrefix = "tmp-"

// QueueStats are counters for a DiskQueue. Queued, Processing and Failed
// reflect the directories right now; the rest are since-open totals.
type QueueStats struct {
	Queued       int
	Processing   int
	Failed       int
	Enqueued     int
	Deduplicated int
}

// DiskQueue is a directory-backed queue of identity files, deduplicated by
// source URI: enqueueing a file for a URI that already has a pending entry
// replaces the older entry. That is safe because identity files supersede
// each other per URI, so only the newest fetch matters.
//
// The queue is safe for concurrent use. It is not a concurrent-consumer
// queue: one Processor drains it at a time, which is all the single
// background job needs.
type DiskQueue struct {
	root string
	log  *zap.SugaredLogger

	mu           sync.Mutex
	enqueued     int
	deduplicated int
	onEnqueue    func()
}

// OpenDiskQueue opens (or creates) a disk queue rooted at dir. Files left
// in processing/ by a previous crash are moved back into the queue.
func OpenDiskQueue(dir string, log *zap.SugaredLogger) (*DiskQueue, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for _, sub := range []string{queuedDir, processingDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create queue directory %s", sub)
		}
	}

	q := &DiskQueue{root: dir, log: log.Named("diskqueue")}

	// Crash recovery: anything still in processing/ was never finished.
	orphans, err := q.listDir(processingDir)
	if err != nil {
		return nil, err
	}
	for _, name := range orphans {
		from := filepath.Join(dir, processingDir, name)
		to := filepath.Join(dir, queuedDir, name)
		if err := os.Rename(from, to); err != nil {
			return nil, errors.Wrapf(err, "recover orphaned file %s", name)
		}
	}
	if len(orphans) > 0 {
		q.log.Infow("Recovered orphaned files from previous run", "count", len(orphans))
	}

	// Staging files stranded by a crash mid-enqueue were never renamed
	// into the queue; they are partial writes and are discarded.
	rootEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list queue root")
	}
	for _, e := range rootEntries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			q.log.Warnw("Failed to remove stale staging file", "file", e.Name(), "error", err)
		} else {
			q.log.Debugw("Removed stale staging file", "file", e.Name())
		}
	}

	return q, nil
}

// OnEnqueue registers a callback invoked after every successful enqueue,
// outside the queue's lock. A Processor uses this to trigger its job.
func (q *DiskQueue) OnEnqueue(fn func()) {
	q.mu.Lock()
	q.onEnqueue = fn
	q.mu.Unlock()
}

// Enqueue adds an identity file to the queue. The file is written to a
// temporary name and renamed into place so consumers never observe a
// partial file. A pending entry for the same source URI is replaced.
func (q *DiskQueue) Enqueue(f *IdentityFile) error {
	tmp := filepath.Join(q.root, tmpPrefix+uuid.NewString())
	if err := f.WriteFile(tmp); err != nil {
		return err
	}

	final := filepath.Join(q.root, queuedDir, queueFilename(f.SourceURI))

	q.mu.Lock()
	_, statErr := os.Stat(final)
	replaced := statErr == nil
	if err := os.Rename(tmp, final); err != nil {
		q.mu.Unlock()
		os.Remove(tmp)
		return errors.Wrap(err, "enqueue identity file")
	}
	q.enqueued++
	if replaced {
		q.deduplicated++
	}
	notify := q.onEnqueue
	q.mu.Unlock()

	q.log.Debugw("Enqueued identity file",
		"source_uri", f.SourceURI,
		"bytes", len(f.XML),
		"replaced_pending", replaced)

	if notify != nil {
		notify()
	}
	return nil
}

// PolledFile is an identity file checked out of the queue. The caller owns
// it until Done, Fail or Release is called.
type PolledFile struct {
	File *IdentityFile

	q    *DiskQueue
	name string
}

// Poll checks out the oldest pending file, moving it to processing/. It
// returns errors.ErrQueueEmpty when nothing is pending. A file that cannot
// be parsed is moved to failed/ and Poll moves on to the next entry.
func (q *DiskQueue) Poll() (*PolledFile, error) {
	for {
		q.mu.Lock()
		name, err := q.oldestQueued()
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}
		from := filepath.Join(q.root, queuedDir, name)
		to := filepath.Join(q.root, processingDir, name)
		if err := os.Rename(from, to); err != nil {
			q.mu.Unlock()
			return nil, errors.Wrap(err, "check out identity file")
		}
		q.mu.Unlock()

		f, err := ReadFile(to)
		if err != nil {
			// Corrupt on disk; park it in failed/ rather than poisoning
			// the queue.
			q.log.Warnw("Unreadable identity file moved to failed",
				"file", name, "error", err)
			if mvErr := os.Rename(to, filepath.Join(q.root, failedDir, name)); mvErr != nil {
				return nil, errors.Wrap(mvErr, "move unreadable file to failed")
			}
			continue
		}

		return &PolledFile{File: f, q: q, name: name}, nil
	}
}

// Done removes the processed file from disk.
func (p *PolledFile) Done() error {
	path := filepath.Join(p.q.root, processingDir, p.name)
	if err := os.Remove(path); err != nil {
		return errors.Wrap(err, "remove processed identity file")
	}
	return nil
}

// Fail parks the file in failed/ for later inspection.
func (p *PolledFile) Fail() error {
	from := filepath.Join(p.q.root, processingDir, p.name)
	to := filepath.Join(p.q.root, failedDir, p.name)
	if err := os.Rename(from, to); err != nil {
		return errors.Wrap(err, "move identity file to failed")
	}
	return nil
}

// Release puts the file back into the queue unprocessed, e.g. when the
// processor is asked to stop mid-drain.
func (p *PolledFile) Release() error {
	from := filepath.Join(p.q.root, processingDir, p.name)
	to := filepath.Join(p.q.root, queuedDir, p.name)
	if err := os.Rename(from, to); err != nil {
		return errors.Wrap(err, "release identity file back to queue")
	}
	return nil
}

// Len returns the number of pending files.
func (q *DiskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	names, err := q.listDir(queuedDir)
	if err != nil {
		return 0
	}
	return len(names)
}

// Stats returns current queue statistics.
func (q *DiskQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Enqueued:     q.enqueued,
		Deduplicated: q.deduplicated,
	}
	if names, err := q.listDir(queuedDir); err == nil {
		stats.Queued = len(names)
	}
	if names, err := q.listDir(processingDir); err == nil {
		stats.Processing = len(names)
	}
	if names, err := q.listDir(failedDir); err == nil {
		stats.Failed = len(names)
	}
	return stats
}

// oldestQueued returns the name of the oldest pending file. Caller holds
// q.mu.
func (q *DiskQueue) oldestQueued() (string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, queuedDir))
	if err != nil {
		return "", errors.Wrap(err, "list queue directory")
	}

	type candidate struct {
		name string
		mod  int64
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{e.Name(), info.ModTime().UnixNano()})
	}
	if len(candidates) == 0 {
		return "", errors.ErrQueueEmpty
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].mod != candidates[j].mod {
			return candidates[i].mod < candidates[j].mod
		}
		return candidates[i].name < candidates[j].name
	})
	return candidates[0].name, nil
}

func (q *DiskQueue) listDir(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(q.root, sub))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s directory", sub)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// queueFilename derives a stable filename from a source URI so that a
// newer fetch of the same identity replaces the pending older one.
func queueFilename(sourceURI string) string {
	h := fnv.New64a()
	h.Write([]byte(sourceURI))
	return fmt.Sprintf("%016x%s", h.Sum64(), FileExtension)
}
