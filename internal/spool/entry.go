package spool

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/elemta/relay/internal/record"
)

// Outcome tells WithEntry/WithEntryCAS what to do with the record the
// mutation closure returns.
type Outcome int

const (
	// OutcomeStore persists the returned record to the queue its Status
	// maps to, moving it between queue directories if the status changed.
	OutcomeStore Outcome = iota
	// OutcomeUnlink deletes the entry's record and body files entirely,
	// used when a message reaches the terminal Delivered status.
	OutcomeUnlink
	// OutcomeNoop leaves the on-disk entry untouched.
	OutcomeNoop
)

// entryLock returns the process-local exclusive lock for an entry,
// creating it on first use. Locks are never removed from the map: their
// number is bounded by the number of distinct IDs ever seen, which over
// the life of a process is bounded by spool volume, and a stale entry
// for a long-delivered message costs one pointer.
func (s *Spool) entryLock(id string) *semaphore.Weighted {
	s.entryLocksMu.Lock()
	defer s.entryLocksMu.Unlock()
	l, ok := s.entryLocks[id]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.entryLocks[id] = l
	}
	return l
}

// WithEntry acquires the entry's exclusive lock, re-reads its record fresh
// from disk, and invokes f with that record. It never compares against a
// caller-held copy, so it cannot fail with ErrDiskDivergence: it is the
// entry point delivery uses, where the record is always read immediately
// before being mutated under lock. Fails with ErrLocked if giveUp elapses
// before the lock is acquired.
func (s *Spool) WithEntry(ctx context.Context, entry Entry, giveUp time.Duration, f func(record.Message) (record.Message, Outcome, error)) error {
	return s.withEntryLocked(ctx, entry, giveUp, nil, f)
}

// WithEntryCAS behaves like WithEntry, but first compares the freshly-read
// on-disk record against expected. If they differ, it returns
// ErrDiskDivergence without invoking f and leaves the on-disk record
// untouched. This is the entry point for control-surface operations and
// other callers that fetched a record earlier and now want to mutate it:
// spec.md §4.2 requires detecting that staleness rather than silently
// overwriting a record someone else already changed.
func (s *Spool) WithEntryCAS(ctx context.Context, entry Entry, expected record.Message, giveUp time.Duration, f func(record.Message) (record.Message, Outcome, error)) error {
	return s.withEntryLocked(ctx, entry, giveUp, &expected, f)
}

func (s *Spool) withEntryLocked(ctx context.Context, entry Entry, giveUp time.Duration, expected *record.Message, f func(record.Message) (record.Message, Outcome, error)) error {
	lock := s.entryLock(entry.ID)

	lockCtx, cancel := context.WithTimeout(ctx, giveUp)
	defer cancel()
	if err := lock.Acquire(lockCtx, 1); err != nil {
		return ErrLocked
	}
	defer lock.Release(1)

	current, err := s.readRecord(ctx, entry)
	if err != nil {
		return err
	}

	if expected != nil && !current.Equal(*expected) {
		return ErrDiskDivergence
	}

	next, outcome, err := f(current)
	if err != nil {
		return err
	}

	switch outcome {
	case OutcomeNoop:
		return nil
	case OutcomeUnlink:
		return s.unlink(ctx, entry)
	case OutcomeStore:
		return s.store(ctx, entry, next)
	default:
		return nil
	}
}

func (s *Spool) readRecord(ctx context.Context, entry Entry) (record.Message, error) {
	if err := s.acquireThrottle(ctx); err != nil {
		return record.Message{}, err
	}
	defer s.throttle.Release(1)

	data, err := os.ReadFile(s.recordPath(entry.Queue, entry.ID))
	if err != nil {
		if os.IsNotExist(err) {
			return record.Message{}, ErrNotFound
		}
		return record.Message{}, ioError("read record", err)
	}
	return record.Parse(string(data))
}

// store persists next, relocating the record+body pair to the queue its
// (possibly new) status maps to. next.Status must not be Delivered: callers
// return OutcomeUnlink for that case instead.
func (s *Spool) store(ctx context.Context, entry Entry, next record.Message) error {
	newQueue, ok := next.Status.Queue()
	if !ok {
		return s.unlink(ctx, entry)
	}

	if err := s.acquireThrottle(ctx); err != nil {
		return err
	}
	defer s.throttle.Release(1)

	if err := s.writeFileAtomic(s.recordPath(newQueue, entry.ID), []byte(record.Serialize(next))); err != nil {
		return err
	}

	if newQueue != entry.Queue {
		if err := os.Rename(s.bodyPath(entry.Queue, entry.ID), s.bodyPath(newQueue, entry.ID)); err != nil && !os.IsNotExist(err) {
			return ioError("relocate body", err)
		}
		if err := fsyncDir(s.queueDir(newQueue)); err != nil {
			return err
		}
		if err := os.Remove(s.recordPath(entry.Queue, entry.ID)); err != nil && !os.IsNotExist(err) {
			return ioError("remove old record", err)
		}
	}
	return nil
}

func (s *Spool) unlink(ctx context.Context, entry Entry) error {
	if err := s.acquireThrottle(ctx); err != nil {
		return err
	}
	defer s.throttle.Release(1)

	if err := os.Remove(s.recordPath(entry.Queue, entry.ID)); err != nil && !os.IsNotExist(err) {
		return ioError("unlink record", err)
	}
	if err := os.Remove(s.bodyPath(entry.Queue, entry.ID)); err != nil && !os.IsNotExist(err) {
		return ioError("unlink body", err)
	}
	return nil
}

func (s *Spool) queueDir(q record.QueueName) string {
	return filepath.Join(s.root, string(q))
}
