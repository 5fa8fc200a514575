package spool

import (
	"context"
	"testing"
	"time"

	"github.com/elemta/relay/internal/ids"
	"github.com/elemta/relay/internal/record"
)

func setupSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueSample(t *testing.T, s *Spool, gen *ids.EnvelopeIDGenerator) Entry {
	t.Helper()
	ctx := context.Background()
	id, err := s.Reserve(ctx, gen.NextEnvelopeID)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	rec := record.Message{
		ID:                  id,
		SpoolDir:            record.QueueActive,
		SpoolDate:           time.Now(),
		RemainingRecipients: []string{"a@example.com"},
		Status:              record.SendNow(),
		EnvelopeInfo:        record.EnvelopeInfo{Sender: "s@example.com", Recipients: []string{"a@example.com"}},
	}
	if err := s.Enqueue(ctx, record.QueueActive, rec, id, []byte("body")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return Entry{ID: id, Queue: record.QueueActive}
}

func TestEnqueueAndList(t *testing.T) {
	s := setupSpool(t)
	gen := ids.NewEnvelopeIDGenerator()
	entry := enqueueSample(t, s, gen)

	entries, err := s.List(record.QueueActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != entry.ID {
		t.Fatalf("expected exactly the enqueued entry, got %v", entries)
	}
}

func TestWithEntryMovesQueueOnStatusChange(t *testing.T) {
	s := setupSpool(t)
	gen := ids.NewEnvelopeIDGenerator()
	entry := enqueueSample(t, s, gen)

	err := s.WithEntry(context.Background(), entry, time.Second, func(m record.Message) (record.Message, Outcome, error) {
		out := m.Clone()
		out.Status = record.Frozen()
		return out, OutcomeStore, nil
	})
	if err != nil {
		t.Fatalf("WithEntry: %v", err)
	}

	active, _ := s.List(record.QueueActive)
	if len(active) != 0 {
		t.Fatalf("expected active queue empty after freeze, got %v", active)
	}
	frozen, _ := s.List(record.QueueFrozen)
	if len(frozen) != 1 {
		t.Fatalf("expected one frozen entry, got %v", frozen)
	}
}

func TestWithEntryUnlinkOnDelivered(t *testing.T) {
	s := setupSpool(t)
	gen := ids.NewEnvelopeIDGenerator()
	entry := enqueueSample(t, s, gen)

	err := s.WithEntry(context.Background(), entry, time.Second, func(m record.Message) (record.Message, Outcome, error) {
		out := m.Clone()
		out.Status = record.Delivered()
		return out, OutcomeUnlink, nil
	})
	if err != nil {
		t.Fatalf("WithEntry: %v", err)
	}

	entries, _ := s.List(record.QueueActive)
	if len(entries) != 0 {
		t.Fatalf("expected entry removed after delivery, got %v", entries)
	}
}

func TestWithEntryCASDetectsDivergence(t *testing.T) {
	s := setupSpool(t)
	gen := ids.NewEnvelopeIDGenerator()
	entry := enqueueSample(t, s, gen)

	var stale record.Message
	if err := s.WithEntry(context.Background(), entry, time.Second, func(m record.Message) (record.Message, Outcome, error) {
		stale = m
		return m, OutcomeNoop, nil
	}); err != nil {
		t.Fatalf("read: %v", err)
	}

	if err := s.WithEntry(context.Background(), entry, time.Second, func(m record.Message) (record.Message, Outcome, error) {
		out := m.Clone()
		out.Status = record.Frozen()
		return out, OutcomeStore, nil
	}); err != nil {
		t.Fatalf("concurrent mutation: %v", err)
	}

	err := s.WithEntryCAS(context.Background(), Entry{ID: entry.ID, Queue: record.QueueFrozen}, stale, time.Second, func(m record.Message) (record.Message, Outcome, error) {
		return m, OutcomeNoop, nil
	})
	if err != ErrDiskDivergence {
		t.Fatalf("expected ErrDiskDivergence, got %v", err)
	}
}

func TestWithEntryLockedReturnsErrLocked(t *testing.T) {
	s := setupSpool(t)
	gen := ids.NewEnvelopeIDGenerator()
	entry := enqueueSample(t, s, gen)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		s.WithEntry(context.Background(), entry, time.Second, func(m record.Message) (record.Message, Outcome, error) {
			<-release
			return m, OutcomeNoop, nil
		})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	err := s.WithEntry(context.Background(), entry, 100*time.Millisecond, func(m record.Message) (record.Message, Outcome, error) {
		return m, OutcomeNoop, nil
	})
	close(release)
	<-done

	if err != ErrLocked {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestReserveRejectsDuplicateThenSucceeds(t *testing.T) {
	s := setupSpool(t)
	calls := 0
	seeds := []string{"dup", "dup", "unique"}
	nextID := func() string {
		id := seeds[calls]
		calls++
		return id
	}

	first, err := s.Reserve(context.Background(), nextID)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if first != "dup" {
		t.Fatalf("expected first reservation to claim %q, got %q", "dup", first)
	}

	second, err := s.Reserve(context.Background(), nextID)
	if err != nil {
		t.Fatalf("second reserve: %v", err)
	}
	if second != "unique" {
		t.Fatalf("expected retry to claim %q, got %q", "unique", second)
	}
}
