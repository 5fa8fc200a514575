// Package spool implements the crash-safe, multi-queue on-disk message
// store described in spec.md §4.1: atomic write-then-rename with fsync,
// an exclusive per-entry lock, a bounded open-file throttle, and
// process-exclusivity enforced by a lockfile. It is grounded on elemta's
// internal/queue/storage.go (FileStorageBackend), generalized from a
// single active/deferred/hold/failed JSON-per-message layout to the
// spec's four named queues plus a registry of name reservations.
package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/elemta/relay/internal/record"
)

// maxOpenFiles bounds the number of simultaneous open files across record
// and body I/O, per spec.md §4.1 and §9's "throttled I/O" design note: a
// semaphore obtained at construction, not a package global.
const maxOpenFiles = 400

var allQueues = []record.QueueName{
	record.QueueActive, record.QueueFrozen, record.QueueRemoved, record.QueueQuarantine,
}

// Entry identifies a single on-disk record+body pair.
type Entry struct {
	ID    string
	Queue record.QueueName
}

// Spool is a process-exclusive handle onto a spool root directory.
type Spool struct {
	root     string
	throttle *semaphore.Weighted
	lockFile *os.File
	logger   *slog.Logger

	entryLocks   map[string]*semaphore.Weighted
	entryLocksMu sync.Mutex
}

// Open acquires the spool root's process lockfile, ensures the directory
// layout exists, and rejects roots that span multiple filesystems (cross-
// queue renames must be atomic, which requires a single device).
func Open(root string) (*Spool, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, ioError("mkdir root", err)
	}

	for _, dir := range append(append([]string{}, dirNames(allQueues)...), "registry", ".tmp") {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, ioError("mkdir "+dir, err)
		}
	}

	if err := checkSingleDevice(root); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(root, ".lock")
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, ioError("open lockfile", err)
	}
	if err := tryFlock(lockFile); err != nil {
		_ = lockFile.Close()
		return nil, ErrSpoolBusy
	}

	return &Spool{
		root:       root,
		throttle:   semaphore.NewWeighted(maxOpenFiles),
		lockFile:   lockFile,
		logger:     slog.Default().With("component", "spool"),
		entryLocks: make(map[string]*semaphore.Weighted),
	}, nil
}

// Close releases the process lockfile. It does not touch on-disk entries.
func (s *Spool) Close() error {
	if s.lockFile == nil {
		return nil
	}
	err := s.lockFile.Close()
	s.lockFile = nil
	return err
}

func dirNames(queues []record.QueueName) []string {
	out := make([]string, len(queues))
	for i, q := range queues {
		out[i] = string(q)
	}
	return out
}

func (s *Spool) recordPath(q record.QueueName, id string) string {
	return filepath.Join(s.root, string(q), id)
}

func (s *Spool) bodyPath(q record.QueueName, id string) string {
	return filepath.Join(s.root, string(q), id+".body")
}

func (s *Spool) registryPath(id string) string {
	return filepath.Join(s.root, "registry", id)
}

func (s *Spool) tmpPath() string {
	return filepath.Join(s.root, ".tmp", uuid.NewString())
}

// Reserve atomically claims a fresh, unique message ID by creating an
// empty marker file under registry/. nextID supplies each candidate name;
// on collision it is called again, up to maxAttempts times, before Reserve
// fails with ErrNameCollision.
func (s *Spool) Reserve(ctx context.Context, nextID func() string) (string, error) {
	const maxAttempts = 8
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := s.acquireThrottle(ctx); err != nil {
			return "", err
		}
		id := nextID()
		f, err := os.OpenFile(s.registryPath(id), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		s.throttle.Release(1)
		if err == nil {
			_ = f.Close()
			return id, nil
		}
		if !os.IsExist(err) {
			return "", ioError("reserve", err)
		}
		s.logger.Warn("reservation collided, retrying", "id", id, "attempt", attempt)
	}
	return "", ErrNameCollision
}

// Enqueue writes the record and body for a reserved ID into queue and
// clears the reservation. Both files are written via temp-then-rename
// with fsync on the file and its containing directory; any partial write
// is cleaned up on failure.
func (s *Spool) Enqueue(ctx context.Context, queue record.QueueName, rec record.Message, id string, body []byte) error {
	if err := s.acquireThrottle(ctx); err != nil {
		return err
	}
	defer s.throttle.Release(1)

	if err := s.writeFileAtomic(s.bodyPath(queue, id), body); err != nil {
		return err
	}
	if err := s.writeFileAtomic(s.recordPath(queue, id), []byte(record.Serialize(rec))); err != nil {
		_ = os.Remove(s.bodyPath(queue, id))
		return err
	}

	if err := os.Remove(s.registryPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to clear reservation marker", "id", id, "error", err)
	}
	return nil
}

// List enumerates the queue directory. The result is a point-in-time
// snapshot: it does not reflect concurrent mutations made after the call
// returns, matching spec.md's "finite, not restartable" contract.
func (s *Spool) List(queue record.QueueName) ([]Entry, error) {
	dir := filepath.Join(s.root, string(queue))
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioError("readdir "+string(queue), err)
	}

	entries := make([]Entry, 0, len(files))
	for _, f := range files {
		name := f.Name()
		if filepath.Ext(name) == ".body" {
			continue
		}
		entries = append(entries, Entry{ID: name, Queue: queue})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Stat returns the size and modification time of an entry's record file.
// It does not require the exclusive lock. Every stat failure, including
// ENOENT when the record was concurrently moved to another queue, is
// returned as an *IoError wrapping the OS error; Stat does not look for
// the entry in other queues.
func (s *Spool) Stat(entry Entry) (size int64, mtime time.Time, err error) {
	fi, statErr := os.Stat(s.recordPath(entry.Queue, entry.ID))
	if statErr != nil {
		return 0, time.Time{}, ioError("stat", statErr)
	}
	return fi.Size(), fi.ModTime(), nil
}

// ReadBody loads an entry's raw message bytes. Like Stat, it does not
// require the exclusive lock.
func (s *Spool) ReadBody(ctx context.Context, entry Entry) ([]byte, error) {
	if err := s.acquireThrottle(ctx); err != nil {
		return nil, err
	}
	defer s.throttle.Release(1)

	data, err := os.ReadFile(s.bodyPath(entry.Queue, entry.ID))
	if err != nil {
		return nil, ioError("read body", err)
	}
	return data, nil
}

func (s *Spool) acquireThrottle(ctx context.Context) error {
	if err := s.throttle.Acquire(ctx, 1); err != nil {
		return ioError("throttle", err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in .tmp/, fsyncs it, renames
// it into place, then fsyncs the containing directory so the rename
// itself is durable.
func (s *Spool) writeFileAtomic(finalPath string, data []byte) error {
	tmp := s.tmpPath()
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return ioError("create temp file", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ioError("write temp file", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return ioError("fsync temp file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return ioError("close temp file", err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		_ = os.Remove(tmp)
		return ioError("rename into place", err)
	}
	if err := fsyncDir(filepath.Dir(finalPath)); err != nil {
		return ioError("fsync directory", err)
	}
	return nil
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func checkSingleDevice(root string) error {
	base, err := os.Stat(root)
	if err != nil {
		return ioError("stat root", err)
	}
	for _, q := range allQueues {
		qPath := filepath.Join(root, string(q))
		qInfo, err := os.Stat(qPath)
		if err != nil {
			continue
		}
		if !sameDevice(base, qInfo) {
			return fmt.Errorf("%w: %s", ErrCrossDevice, qPath)
		}
	}
	return nil
}
