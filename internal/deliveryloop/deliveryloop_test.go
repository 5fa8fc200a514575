package deliveryloop

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/elemta/relay/internal/clientcache"
	"github.com/elemta/relay/internal/eventbus"
	"github.com/elemta/relay/internal/ids"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/retryer"
	"github.com/elemta/relay/internal/smtpclient"
	"github.com/elemta/relay/internal/spool"
)

type fakeConn struct{ net.Conn }

func (fakeConn) Close() error         { return nil }
func (fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "mx.example.com:25" }

type fakeClient struct {
	attempt retryer.Attempt
}

func (f fakeClient) SendEnvelope(net.Conn, string, *tls.Config, smtpclient.Envelope) retryer.Attempt {
	return f.attempt
}

func setupLoop(t *testing.T, attempt retryer.Attempt) (*Loop, *spool.Spool, *eventbus.Bus, string) {
	t.Helper()
	s, err := spool.Open(t.TempDir())
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	cache := clientcache.New(clientcache.Config{
		MaxConnectionsPerHost: 1,
		Dial: func(ctx context.Context, addr record.Address) (net.Conn, error) {
			return fakeConn{}, nil
		},
	})
	t.Cleanup(func() { cache.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Close)

	client := fakeClient{attempt: attempt}

	loop := New(s, cache, client, bus, nil, Config{
		TickInterval:     time.Second,
		EntryLockGiveUp:  time.Second,
		ConnectionGiveUp: time.Second,
		HeloName:         "localhost",
	}, slog.Default())

	gen := ids.NewEnvelopeIDGenerator()
	id, err := s.Reserve(context.Background(), gen.NextEnvelopeID)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	msg := record.Message{
		ID:                  id,
		SpoolDir:            record.QueueActive,
		SpoolDate:           time.Now(),
		RemainingRecipients: []string{"rcpt@example.com"},
		Status:              record.SendNow(),
		NextHopChoices:      []record.Address{{Host: "mx.example.com", Port: 25}},
		EnvelopeInfo:        record.EnvelopeInfo{Sender: "sender@example.com"},
		RetryIntervals:      []time.Duration{time.Minute},
	}
	if err := s.Enqueue(context.Background(), record.QueueActive, msg, id, []byte("body")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	return loop, s, bus, id
}

func TestAttemptEntryDeliveredUnlinksFromActive(t *testing.T) {
	loop, s, _, id := setupLoop(t, retryer.Attempt{})

	entries, err := s.List(record.QueueActive)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one active entry, got %v (%v)", entries, err)
	}
	loop.attemptEntry(context.Background(), entries[0])

	remaining, err := s.List(record.QueueActive)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, e := range remaining {
		if e.ID == id {
			t.Fatal("expected delivered entry to be unlinked from the active queue")
		}
	}
}

func TestAttemptEntryTemporaryFailureReschedules(t *testing.T) {
	loop, s, _, id := setupLoop(t, retryer.Attempt{
		Recipients: []retryer.RecipientResult{{Recipient: "rcpt@example.com", Code: 450, Message: "try later"}},
	})

	entries, err := s.List(record.QueueActive)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one active entry, got %v (%v)", entries, err)
	}
	loop.attemptEntry(context.Background(), entries[0])

	var got record.Message
	err = s.WithEntry(context.Background(), spool.Entry{ID: id, Queue: record.QueueActive}, time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		got = m
		return m, spool.OutcomeNoop, nil
	})
	if err != nil {
		t.Fatalf("WithEntry: %v", err)
	}
	if got.Status.Kind != record.StatusSendAt {
		t.Fatalf("expected Send_at after a temporary failure, got %v", got.Status.Kind)
	}
	if len(got.RetryIntervals) != 0 {
		t.Fatalf("expected the head retry interval to be consumed, got %v", got.RetryIntervals)
	}
}

func TestAttemptEntryPermanentFailureFreezes(t *testing.T) {
	loop, s, _, id := setupLoop(t, retryer.Attempt{
		EnvelopeRejected: true,
		Code:             550,
		Message:          "no such user",
	})

	entries, err := s.List(record.QueueActive)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one active entry, got %v (%v)", entries, err)
	}
	loop.attemptEntry(context.Background(), entries[0])

	var got record.Message
	err = s.WithEntry(context.Background(), spool.Entry{ID: id, Queue: record.QueueFrozen}, time.Second, func(m record.Message) (record.Message, spool.Outcome, error) {
		got = m
		return m, spool.OutcomeNoop, nil
	})
	if err != nil {
		t.Fatalf("expected the entry to have moved to the frozen queue: %v", err)
	}
	if got.Status.Kind != record.StatusFrozen {
		t.Fatalf("expected Frozen, got %v", got.Status.Kind)
	}
}
