// Package clientcache keeps a bounded pool of outbound TCP connections
// keyed by next-hop address, with an independent circuit breaker per
// address so a failing host cannot consume every connection slot. It is
// grounded on elemta's internal/delivery/pool.go (ConnectionPool/HostPool)
// for the pooling and health-check shape, and on the
// github.com/sony/gobreaker usage in elemta's internal/smtp/worker_pool.go
// for per-destination circuit breaking, which the teacher scopes to one
// worker pool and this package scopes to one address.
package clientcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/elemta/relay/internal/record"
)

// Result is the outcome of WithConnection's attempt to hand the caller a
// usable connection.
type Result int

const (
	// Ok means f was invoked with a live connection.
	Ok Result = iota
	// ErrorOpeningResource means every candidate address failed to dial
	// or had its circuit breaker open; f was not invoked.
	ErrorOpeningResource
	// GaveUpWaiting means giveUp elapsed before a connection slot freed up.
	GaveUpWaiting
	// CacheClosed means Close had already been called.
	CacheClosed
)

var errCacheClosed = errors.New("clientcache: closed")

// Dialer opens a new connection to an address. Swappable for tests.
type Dialer func(ctx context.Context, addr record.Address) (net.Conn, error)

func defaultDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr record.Address) (net.Conn, error) {
		d := &net.Dialer{Timeout: timeout}
		return d.DialContext(ctx, "tcp", addr.String())
	}
}

type hostPool struct {
	mu      sync.Mutex
	idle    []net.Conn
	inUse   int
	breaker *gobreaker.CircuitBreaker
}

// Cache is a bounded, address-keyed connection pool.
type Cache struct {
	mu            sync.Mutex
	pools         map[string]*hostPool
	maxPerHost    int
	idleTimeout   time.Duration
	dial          Dialer
	logger        *slog.Logger
	closed        bool
	slotAvailable *sync.Cond
}

// Config configures a Cache.
type Config struct {
	MaxConnectionsPerHost int
	ConnectionTimeout     time.Duration
	IdleTimeout           time.Duration
	Dial                  Dialer // nil uses a plain net.Dialer
}

// New returns a Cache ready to serve WithConnection calls.
func New(cfg Config) *Cache {
	if cfg.MaxConnectionsPerHost <= 0 {
		cfg.MaxConnectionsPerHost = 10
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	dial := cfg.Dial
	if dial == nil {
		dial = defaultDialer(cfg.ConnectionTimeout)
	}
	c := &Cache{
		pools:       make(map[string]*hostPool),
		maxPerHost:  cfg.MaxConnectionsPerHost,
		idleTimeout: cfg.IdleTimeout,
		dial:        dial,
		logger:      slog.Default().With("component", "clientcache"),
	}
	c.slotAvailable = sync.NewCond(&c.mu)
	return c
}

func (c *Cache) poolFor(addr record.Address) *hostPool {
	key := addr.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[key]
	if !ok {
		p = &hostPool{
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:        key,
				MaxRequests: 1,
				Interval:    time.Minute,
				Timeout:     30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.Requests >= 3 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					c.logger.Info("circuit breaker state changed", "address", name, "from", from.String(), "to", to.String())
				},
			}),
		}
		c.pools[key] = p
	}
	return p
}

// WithConnection tries each candidate address in order, handing f the
// first live connection obtained and returning the connection to the idle
// pool (or discarding it, if f reports it unusable) when f returns. It
// blocks up to giveUp waiting for a free slot under the per-host
// connection cap before reporting GaveUpWaiting.
func (c *Cache) WithConnection(ctx context.Context, candidates []record.Address, giveUp time.Duration, f func(net.Conn) (healthy bool, err error)) (Result, error) {
	deadline := time.Now().Add(giveUp)

	var lastErr error
	for _, addr := range candidates {
		conn, res, err := c.acquire(ctx, addr, deadline)
		switch res {
		case GaveUpWaiting, CacheClosed:
			return res, err
		case ErrorOpeningResource:
			lastErr = err
			continue
		}

		healthy, callErr := f(conn)
		if healthy {
			c.release(addr, conn)
		} else {
			_ = conn.Close()
			p := c.poolFor(addr)
			c.mu.Lock()
			p.inUse--
			c.slotAvailable.Broadcast()
			c.mu.Unlock()
		}
		return Ok, callErr
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("clientcache: no candidate addresses")
	}
	return ErrorOpeningResource, lastErr
}

func (c *Cache) acquire(ctx context.Context, addr record.Address, deadline time.Time) (net.Conn, Result, error) {
	p := c.poolFor(addr)

	c.mu.Lock()
	for !c.closed && p.inUse >= c.maxPerHost && len(p.idle) == 0 {
		if time.Now().After(deadline) {
			c.mu.Unlock()
			return nil, GaveUpWaiting, nil
		}
		waitCtx, cancel := context.WithDeadline(ctx, deadline)
		c.waitOnCond(waitCtx)
		cancel()
	}
	if c.closed {
		c.mu.Unlock()
		return nil, CacheClosed, errCacheClosed
	}
	if len(p.idle) > 0 {
		conn := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		p.inUse++
		c.mu.Unlock()
		return conn, Ok, nil
	}
	p.inUse++
	c.mu.Unlock()

	result, err := p.breaker.Execute(func() (interface{}, error) {
		return c.dial(ctx, addr)
	})
	if err != nil {
		c.mu.Lock()
		p.inUse--
		c.slotAvailable.Broadcast()
		c.mu.Unlock()
		return nil, ErrorOpeningResource, fmt.Errorf("dial %s: %w", addr, err)
	}
	return result.(net.Conn), Ok, nil
}

// waitOnCond blocks on the cache's condition variable until broadcast or
// waitCtx is done. The mutex must be held on entry and is held again on
// return.
func (c *Cache) waitOnCond(waitCtx context.Context) {
	stop := make(chan struct{})
	go func() {
		select {
		case <-waitCtx.Done():
			c.mu.Lock()
			c.slotAvailable.Broadcast()
			c.mu.Unlock()
		case <-stop:
		}
	}()
	c.slotAvailable.Wait()
	close(stop)
}

func (c *Cache) release(addr record.Address, conn net.Conn) {
	p := c.poolFor(addr)
	c.mu.Lock()
	defer c.mu.Unlock()
	p.inUse--
	if !c.closed {
		p.idle = append(p.idle, conn)
	} else {
		_ = conn.Close()
	}
	c.slotAvailable.Broadcast()
}

// Close closes every idle connection and marks the cache closed; calls to
// WithConnection already blocked waiting for a slot return CacheClosed.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.pools {
		for _, conn := range p.idle {
			_ = conn.Close()
		}
		p.idle = nil
	}
	c.slotAvailable.Broadcast()
	return nil
}
