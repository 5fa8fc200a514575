// Package index keeps a rebuildable SQLite read-through index of queue,
// status, and age over the spool, so the control surface's status queries
// never have to walk the filesystem. The spool's on-disk records remain
// authoritative; this index can always be dropped and rebuilt from
// spool.List. Grounded on elemta's internal/datasource/sqlite.go's use of
// github.com/mattn/go-sqlite3 as an embedded datastore, retargeted here
// from message-content storage to a queue-state index.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/elemta/relay/internal/eventbus"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/spool"
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	status_kind TEXT NOT NULL,
	spool_date TEXT NOT NULL,
	sender TEXT NOT NULL,
	recipient_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_queue ON entries(queue);
CREATE INDEX IF NOT EXISTS idx_entries_status ON entries(status_kind);
`

// Index is a queryable mirror of spool state, kept current by subscribing
// to the event bus.
type Index struct {
	db *sql.DB
}

// Open creates (or reuses) a SQLite database at path and ensures the
// schema exists. path may be ":memory:" for tests.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("index: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error { return i.db.Close() }

// Rebuild clears the index and repopulates it from a full spool scan.
// Called once at startup, after recovery.Reconcile, so the index never
// reflects a Sending record that recovery has already reset.
func (i *Index) Rebuild(ctx context.Context, s *spool.Spool, queues []record.QueueName) error {
	if _, err := i.db.Exec("DELETE FROM entries"); err != nil {
		return fmt.Errorf("index: clear: %w", err)
	}
	for _, q := range queues {
		entries, err := s.List(q)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := i.upsertFromSpool(ctx, s, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (i *Index) upsertFromSpool(ctx context.Context, s *spool.Spool, entry spool.Entry) error {
	var rec record.Message
	err := s.WithEntry(ctx, entry, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		rec = m
		return m, spool.OutcomeNoop, nil
	})
	if err != nil {
		return err
	}
	return i.upsert(entry, rec)
}

func (i *Index) upsert(entry spool.Entry, rec record.Message) error {
	_, err := i.db.Exec(
		`INSERT INTO entries (id, queue, status_kind, spool_date, sender, recipient_count)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET queue=excluded.queue, status_kind=excluded.status_kind,
			spool_date=excluded.spool_date, sender=excluded.sender, recipient_count=excluded.recipient_count`,
		entry.ID, string(entry.Queue), string(rec.Status.Kind), rec.SpoolDate.UTC().Format(time.RFC3339Nano),
		rec.EnvelopeInfo.Sender, len(rec.RemainingRecipients),
	)
	return err
}

func (i *Index) remove(id string) error {
	_, err := i.db.Exec("DELETE FROM entries WHERE id = ?", id)
	return err
}

// Follow consumes bus events and keeps the index current until the
// subscription's Events channel is closed.
func (i *Index) Follow(ctx context.Context, sub eventbus.Subscription, s *spool.Spool) {
	for ev := range sub.Events {
		switch ev.Kind {
		case eventbus.KindDelivered:
			// Delivered entries are unlinked from disk entirely (spool.OutcomeUnlink),
			// so the index drops them rather than re-reading a record that no
			// longer exists.
			_ = i.remove(ev.ID)
		case eventbus.KindSpooled, eventbus.KindFrozen, eventbus.KindRemoved, eventbus.KindRecipientsUpdated, eventbus.KindSendAttemptFailed:
			// Frozen/Removed/re-queued entries are relocated, not unlinked
			// (spool.OutcomeStore), so the index re-reads and re-indexes
			// them under their new queue.
			_ = i.upsertFromSpool(ctx, s, spool.Entry{ID: ev.ID, Queue: ev.Queue})
		}
	}
}

// Stats is a per-queue entry count and the age of its oldest entry, used
// by the control surface's status summary operation. Grounded on elemta's
// queue.Manager.GetStats/UpdateStats.
type Stats struct {
	Queue     record.QueueName
	Count     int
	OldestAge time.Duration
}

// QueueStats returns the current entry count and oldest-entry age per
// queue.
func (i *Index) QueueStats() ([]Stats, error) {
	rows, err := i.db.Query("SELECT queue, COUNT(*), MIN(spool_date) FROM entries GROUP BY queue")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := time.Now()
	var out []Stats
	for rows.Next() {
		var s Stats
		var oldest string
		if err := rows.Scan(&s.Queue, &s.Count, &oldest); err != nil {
			return nil, err
		}
		if t, err := time.Parse(time.RFC3339Nano, oldest); err == nil {
			s.OldestAge = now.Sub(t)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// idsOlderThan returns entry IDs in queue whose spool_date is older than
// cutoff.
func (i *Index) idsOlderThan(queue record.QueueName, cutoff time.Time) ([]string, error) {
	rows, err := i.db.Query("SELECT id FROM entries WHERE queue = ? AND spool_date < ?", string(queue), cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReapQueue unlinks every entry in queue older than maxAge, via the spool
// so both the record and body are removed on disk, then drops them from
// the index. It is an operator-invoked operation, not run automatically:
// spec.md notes a reaper policy is not part of the core, so tombstones in
// the Removed queue otherwise persist until an operator asks for this.
// Grounded on elemta's queue.Manager.CleanupExpiredMessages.
func (i *Index) ReapQueue(ctx context.Context, s *spool.Spool, queue record.QueueName, maxAge time.Duration) (int, error) {
	ids, err := i.idsOlderThan(queue, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, id := range ids {
		entry := spool.Entry{ID: id, Queue: queue}
		err := s.WithEntry(ctx, entry, 5*time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
			return m, spool.OutcomeUnlink, nil
		})
		if err != nil {
			continue
		}
		_ = i.remove(id)
		reaped++
	}
	return reaped, nil
}

// IDsInQueue returns every entry ID currently indexed under queue.
func (i *Index) IDsInQueue(queue record.QueueName) ([]string, error) {
	rows, err := i.db.Query("SELECT id FROM entries WHERE queue = ? ORDER BY spool_date", string(queue))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
