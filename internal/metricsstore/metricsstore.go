// Package metricsstore records delivered/frozen/deferred counters in an
// external store so they survive a process restart and can be queried
// across a fleet of relays, independent of the single-process Prometheus
// counters the control surface also exposes. Grounded on elemta's
// internal/metrics/valkey_store.go, substituting
// github.com/redis/go-redis/v9 for the teacher's
// github.com/valkey-io/valkey-go client — the two speak the same RESP
// protocol and expose the same INCR/EXPIRE primitives this store needs,
// and go-redis is the client this module's dependency set carries.
package metricsstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const prefix = "relay:metrics:"

// Store records outbound delivery outcome counters in Redis, with hourly
// buckets retained for 24 hours.
type Store struct {
	client *redis.Client
}

// New returns a Store connected to addr. It does not block on
// connectivity; the first command surfaces any connection error.
func New(addr string) *Store {
	return &Store{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) incr(ctx context.Context, counter string) error {
	key := prefix + counter
	hourKey := prefix + "hourly:" + time.Now().UTC().Format("2006-01-02:15") + ":" + counter

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Incr(ctx, hourKey)
	pipe.Expire(ctx, hourKey, 24*time.Hour)
	pipe.Set(ctx, prefix+"last_updated", time.Now().UTC().Format(time.RFC3339), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// IncrDelivered increments the delivered counter.
func (s *Store) IncrDelivered(ctx context.Context) error { return s.incr(ctx, "delivered") }

// IncrFrozen increments the frozen (gave up retrying) counter.
func (s *Store) IncrFrozen(ctx context.Context) error { return s.incr(ctx, "frozen") }

// IncrDeferred increments the deferred (temporary failure, will retry) counter.
func (s *Store) IncrDeferred(ctx context.Context) error { return s.incr(ctx, "deferred") }

// Totals is a point-in-time snapshot of the lifetime counters.
type Totals struct {
	Delivered int64
	Frozen    int64
	Deferred  int64
}

// Snapshot reads the current lifetime totals.
func (s *Store) Snapshot(ctx context.Context) (Totals, error) {
	pipe := s.client.Pipeline()
	delivered := pipe.Get(ctx, prefix+"delivered")
	frozen := pipe.Get(ctx, prefix+"frozen")
	deferred := pipe.Get(ctx, prefix+"deferred")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Totals{}, err
	}
	return Totals{
		Delivered: intOrZero(delivered),
		Frozen:    intOrZero(frozen),
		Deferred:  intOrZero(deferred),
	}, nil
}

func intOrZero(cmd *redis.StringCmd) int64 {
	n, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return n
}
