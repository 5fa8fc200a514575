package index

import (
	"context"
	"testing"
	"time"

	"github.com/elemta/relay/internal/ids"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/spool"
)

func setupSpoolAndIndex(t *testing.T) (*spool.Spool, *Index) {
	t.Helper()
	s, err := spool.Open(t.TempDir())
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	idx, err := Open(":memory:")
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	return s, idx
}

func enqueue(t *testing.T, s *spool.Spool, gen *ids.EnvelopeIDGenerator, queue record.QueueName, age time.Duration) string {
	t.Helper()
	ctx := context.Background()
	id, err := s.Reserve(ctx, gen.NextEnvelopeID)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	rec := record.Message{
		ID:                  id,
		SpoolDir:            queue,
		SpoolDate:           time.Now().Add(-age),
		RemainingRecipients: []string{"a@example.com"},
		Status:              record.SendNow(),
		EnvelopeInfo:        record.EnvelopeInfo{Sender: "s@example.com"},
	}
	if err := s.Enqueue(ctx, queue, rec, id, []byte("body")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestRebuildPopulatesFromSpool(t *testing.T) {
	s, idx := setupSpoolAndIndex(t)
	gen := ids.NewEnvelopeIDGenerator()
	id := enqueue(t, s, gen, record.QueueActive, 0)

	if err := idx.Rebuild(context.Background(), s, []record.QueueName{record.QueueActive}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	ids, err := idx.IDsInQueue(record.QueueActive)
	if err != nil {
		t.Fatalf("IDsInQueue: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected exactly the enqueued id, got %v", ids)
	}
}

func TestQueueStatsReportsOldestAge(t *testing.T) {
	s, idx := setupSpoolAndIndex(t)
	gen := ids.NewEnvelopeIDGenerator()
	enqueue(t, s, gen, record.QueueActive, time.Hour)

	if err := idx.Rebuild(context.Background(), s, []record.QueueName{record.QueueActive}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	stats, err := idx.QueueStats()
	if err != nil {
		t.Fatalf("QueueStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Count != 1 {
		t.Fatalf("expected one queue with one entry, got %v", stats)
	}
	if stats[0].OldestAge < 59*time.Minute {
		t.Errorf("expected oldest age near 1h, got %v", stats[0].OldestAge)
	}
}

func TestReapQueueUnlinksOldEntries(t *testing.T) {
	s, idx := setupSpoolAndIndex(t)
	gen := ids.NewEnvelopeIDGenerator()
	oldID := enqueue(t, s, gen, record.QueueRemoved, 48*time.Hour)
	freshID := enqueue(t, s, gen, record.QueueRemoved, time.Minute)

	if err := idx.Rebuild(context.Background(), s, []record.QueueName{record.QueueRemoved}); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	n, err := idx.ReapQueue(context.Background(), s, record.QueueRemoved, 24*time.Hour)
	if err != nil {
		t.Fatalf("ReapQueue: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry reaped, got %d", n)
	}

	remaining, err := idx.IDsInQueue(record.QueueRemoved)
	if err != nil {
		t.Fatalf("IDsInQueue: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != freshID {
		t.Fatalf("expected only the fresh entry to remain, got %v", remaining)
	}

	entries, err := s.List(record.QueueRemoved)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range entries {
		if e.ID == oldID {
			t.Fatal("expected old entry to be unlinked from the spool")
		}
	}
}
