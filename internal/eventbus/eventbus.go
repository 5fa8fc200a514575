// Package eventbus broadcasts spool lifecycle events to any number of
// subscribers without blocking producers on a slow consumer. It is
// grounded on the publish/subscribe shape of elemta's metrics reporting
// loop (internal/delivery/manager.go's reportMetrics and the
// msgLogger-driven lifecycle notifications in internal/queue/processor.go),
// generalized from "log the event" into a structured bus so the control
// surface's SSE endpoint and the index package can both observe delivery
// state changes independently.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/elemta/relay/internal/record"
)

// Kind tags the variant of an Event.
type Kind string

const (
	KindSpooled           Kind = "spooled"
	KindDelivered         Kind = "delivered"
	KindFrozen            Kind = "frozen"
	KindRemoved           Kind = "removed"
	KindRecipientsUpdated Kind = "recipients_updated"
	KindSendingStarted    Kind = "sending_started"
	KindSendAttemptFailed Kind = "send_attempt_failed"
	KindHeartbeat         Kind = "heartbeat"
)

// Event is one broadcastable occurrence in the delivery pipeline.
type Event struct {
	Kind    Kind
	ID      string
	Queue   record.QueueName
	Time    time.Time
	FlowIDs []string
	Detail  string
}

const subscriberBuffer = 64

// Subscription is a live handle onto the bus. Events is closed when the
// subscription's context is cancelled or the bus is closed.
type Subscription struct {
	Events  <-chan Event
	Dropped func() uint64
}

type subscriber struct {
	ch      chan Event
	dropped atomic64
}

type atomic64 struct {
	mu sync.Mutex
	n  uint64
}

func (a *atomic64) add(n uint64) {
	a.mu.Lock()
	a.n += n
	a.mu.Unlock()
}

func (a *atomic64) load() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}

// Bus is a multi-producer, multi-subscriber event broadcaster. Slow
// subscribers drop events rather than blocking publishers: each
// subscriber has a bounded channel, and a full channel causes the oldest
// pending event to be discarded in favor of the newest one arriving.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	closed      bool
	cancel      context.CancelFunc
}

// New starts a Bus and its heartbeat loop, which publishes a KindHeartbeat
// event every 10 seconds so subscribers (notably the control surface's SSE
// stream) can distinguish "no activity" from "connection stalled".
func New() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		subscribers: make(map[int]*subscriber),
		cancel:      cancel,
	}
	go b.heartbeatLoop(ctx)
	return b
}

func (b *Bus) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			b.Publish(Event{Kind: KindHeartbeat, Time: t})
		}
	}
}

// Subscribe registers a new subscriber. The subscription is torn down
// when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context) Subscription {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if !b.closed {
		b.subscribers[id] = sub
	} else {
		close(sub.ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return Subscription{Events: sub.ch, Dropped: sub.dropped.load}
}

// Publish broadcasts ev to every current subscriber. A subscriber whose
// channel is full has its oldest buffered event dropped to make room,
// matching spec.md's bounded-with-overflow-drop policy: publishers never
// block on a slow reader.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			select {
			case <-sub.ch:
				sub.dropped.add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.add(1)
			}
		}
	}
}

// Close stops the heartbeat loop and closes every subscriber channel.
func (b *Bus) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
