// Package deliveryloop drives the concurrent delivery engine: every tick
// it lists the Active queue, fans out a bounded number of delivery
// attempts across due entries, and folds each outcome back through the
// retry scheduler. It is grounded on elemta's
// internal/queue/processor.go's processActiveQueue/processQueue/
// processMessage loop, replacing its raw buffered-channel worker
// semaphore with golang.org/x/sync/errgroup.SetLimit as the teacher's own
// internal/smtp/worker_pool.go does for bounded fan-out.
package deliveryloop

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elemta/relay/internal/clientcache"
	"github.com/elemta/relay/internal/eventbus"
	"github.com/elemta/relay/internal/metricsstore"
	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/retryer"
	"github.com/elemta/relay/internal/smtpclient"
	"github.com/elemta/relay/internal/spool"
)

// Config controls concurrency and timing for the delivery loop.
type Config struct {
	TickInterval          time.Duration
	MaxConcurrentSendJobs int
	EntryLockGiveUp       time.Duration
	ConnectionGiveUp      time.Duration
	HeloName              string
}

// DefaultConfig returns the loop's default tuning, matching the teacher's
// DefaultProcessorConfig's 10-second tick and modest concurrency.
func DefaultConfig() Config {
	return Config{
		TickInterval:          10 * time.Second,
		MaxConcurrentSendJobs: 20,
		EntryLockGiveUp:       5 * time.Second,
		ConnectionGiveUp:      60 * time.Second,
		HeloName:              "localhost",
	}
}

// Loop owns the periodic scan-and-deliver cycle against one spool.
type Loop struct {
	spool   *spool.Spool
	cache   *clientcache.Cache
	client  smtpclient.Client
	bus     *eventbus.Bus
	metrics *metricsstore.Store
	logger  *slog.Logger

	mu  sync.Mutex
	cfg Config
}

// New returns a Loop ready to Run. metrics may be nil, in which case
// outcome counters are not recorded externally.
func New(s *spool.Spool, cache *clientcache.Cache, client smtpclient.Client, bus *eventbus.Bus, metrics *metricsstore.Store, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		spool:   s,
		cache:   cache,
		client:  client,
		bus:     bus,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "delivery-loop"),
	}
}

// SetMaxConcurrentSendJobs adjusts the fan-out bound taken effect on the
// next tick, backing the control surface's set_max_concurrent_send_jobs
// operation.
func (l *Loop) SetMaxConcurrentSendJobs(n int) {
	if n <= 0 {
		n = 1
	}
	l.mu.Lock()
	l.cfg.MaxConcurrentSendJobs = n
	l.mu.Unlock()
}

func (l *Loop) maxConcurrentSendJobs() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MaxConcurrentSendJobs
}

// Run blocks, ticking every TickInterval until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.logger.Error("delivery tick failed", "error", err)
			}
		}
	}
}

// tick lists the Active queue once and fans delivery attempts out across
// due entries, starting them in List's order. List sorts by ID string,
// and the byte order of base64url envelope IDs does not follow spool
// date, so entries are not started oldest first.
func (l *Loop) tick(ctx context.Context) error {
	entries, err := l.spool.List(record.QueueActive)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxConcurrentSendJobs())

	for _, entry := range entries {
		entry := entry
		g.Go(func() error {
			l.attemptEntry(gctx, entry)
			return nil
		})
	}
	return g.Wait()
}

// attemptEntry claims one due entry by transitioning it to Sending, then
// releases the entry lock before doing the actual network I/O so a slow
// or hung remote server cannot hold the lock for the whole attempt.
// Completing the attempt uses WithEntryCAS against the Sending record it
// just wrote: if the control surface mutated the entry in the meantime
// (a concurrent freeze or remove), the CAS fails with ErrDiskDivergence
// and this attempt's outcome is discarded rather than overwriting that
// change. Errors are logged, not propagated: one bad entry must never
// stop the tick from covering the rest of the queue.
func (l *Loop) attemptEntry(ctx context.Context, entry spool.Entry) {
	now := time.Now()

	var sending record.Message
	claimed := false
	err := l.spool.WithEntry(ctx, entry, l.cfg.EntryLockGiveUp, func(m record.Message) (record.Message, spool.Outcome, error) {
		if m.Status.Effective(now).Kind != record.StatusSendNow {
			return m, spool.OutcomeNoop, nil
		}
		if len(m.RemainingRecipients) == 0 {
			// Nothing left to send to: freeze without ever entering
			// Sending or contacting a remote server.
			frozen := m.Clone()
			frozen.Status = record.Frozen()
			return frozen, spool.OutcomeStore, nil
		}
		sending = m.Clone()
		sending.Status = record.Sending()
		claimed = true
		return sending, spool.OutcomeStore, nil
	})
	if err != nil {
		l.logger.Debug("skipped entry this tick", "id", entry.ID, "error", err)
		return
	}
	if !claimed {
		return
	}

	l.bus.Publish(eventbus.Event{Kind: eventbus.KindSendingStarted, ID: entry.ID, Queue: record.QueueActive, FlowIDs: sending.Flows.Slice()})

	body, err := l.spool.ReadBody(ctx, spool.Entry{ID: entry.ID, Queue: record.QueueActive})
	if err != nil {
		l.revertToSendNow(ctx, entry.ID, sending, err)
		return
	}

	attempt := l.deliver(ctx, sending, body)
	attemptTime := time.Now()

	decision := retryer.Decide(sending, attempt, attemptTime)
	next := retryer.Apply(sending, decision)
	next = next.PrependAttempt(attemptTime, attempt.Err)

	outcome := spool.OutcomeStore
	if next.Status.Kind == record.StatusDelivered {
		outcome = spool.OutcomeUnlink
	}

	err = l.spool.WithEntryCAS(ctx, spool.Entry{ID: entry.ID, Queue: record.QueueActive}, sending, l.cfg.EntryLockGiveUp, func(record.Message) (record.Message, spool.Outcome, error) {
		return next, outcome, nil
	})
	if err != nil {
		l.logger.Warn("failed to store delivery outcome", "id", entry.ID, "error", err)
		return
	}
	l.publishOutcome(entry.ID, next, attempt)
}

// revertToSendNow undoes a Sending claim when the attempt never reached
// the point of contacting a remote server, so the entry is retried on the
// next tick instead of stuck in Sending forever.
func (l *Loop) revertToSendNow(ctx context.Context, id string, sending record.Message, cause error) {
	err := l.spool.WithEntryCAS(ctx, spool.Entry{ID: id, Queue: record.QueueActive}, sending, l.cfg.EntryLockGiveUp, func(m record.Message) (record.Message, spool.Outcome, error) {
		out := m.Clone()
		out.Status = record.SendNow()
		return out, spool.OutcomeStore, nil
	})
	if err != nil {
		l.logger.Warn("failed to revert Sending claim", "id", id, "error", err)
	}
	l.logger.Warn("delivery attempt aborted before dialing", "id", id, "error", cause)
}

// deliver performs one delivery attempt over a cached connection to one
// of the record's next-hop candidates, translating clientcache's
// connection-level outcomes (gave up waiting, every candidate
// unreachable) into the temporary-failure Attempt the retry scheduler
// expects.
func (l *Loop) deliver(ctx context.Context, m record.Message, body []byte) retryer.Attempt {
	env := smtpclient.Envelope{
		Sender:     m.EnvelopeInfo.Sender,
		SenderArgs: m.EnvelopeInfo.SenderArgs,
		Recipients: m.RemainingRecipients,
		Body:       body,
	}

	var attempt retryer.Attempt
	result, err := l.cache.WithConnection(ctx, m.NextHopChoices, l.cfg.ConnectionGiveUp, func(conn net.Conn) (bool, error) {
		attempt = l.client.SendEnvelope(conn, l.cfg.HeloName, nil, env)
		return attempt.Err == nil && !attempt.GaveUp, nil
	})

	switch result {
	case clientcache.GaveUpWaiting, clientcache.CacheClosed:
		return retryer.Attempt{GaveUp: true, Err: err}
	case clientcache.ErrorOpeningResource:
		return retryer.Attempt{GaveUp: true, Err: err}
	default:
		return attempt
	}
}

func (l *Loop) publishOutcome(id string, next record.Message, attempt retryer.Attempt) {
	newQueue, _ := next.Status.Queue()
	switch next.Status.Kind {
	case record.StatusDelivered:
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindDelivered, ID: id, Queue: newQueue, FlowIDs: next.Flows.Slice()})
		l.countOutcome(l.metrics.IncrDelivered)
	case record.StatusFrozen:
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindFrozen, ID: id, Queue: newQueue, FlowIDs: next.Flows.Slice(), Detail: attempt.Message})
		l.countOutcome(l.metrics.IncrFrozen)
	default:
		l.bus.Publish(eventbus.Event{Kind: eventbus.KindSendAttemptFailed, ID: id, Queue: newQueue, FlowIDs: next.Flows.Slice(), Detail: attempt.Message})
		l.countOutcome(l.metrics.IncrDeferred)
	}
}

// countOutcome records an outcome in the external metrics store, if one
// is configured. Failures are logged, not propagated: a metrics-store
// hiccup must never affect delivery.
func (l *Loop) countOutcome(incr func(context.Context) error) {
	if l.metrics == nil {
		return
	}
	if err := incr(context.Background()); err != nil {
		l.logger.Debug("metrics store increment failed", "error", err)
	}
}
