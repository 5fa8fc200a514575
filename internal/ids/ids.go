// Package ids generates the monotonic, time-derived identifiers the spool
// uses for envelopes and messages, grounded on the timestamp+counter scheme
// in elemta's queue.generateUniqueID but reworked to meet the spec's
// sub-millisecond uniqueness and base64url encoding requirements.
package ids

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"
)

const slot = 500 * time.Microsecond

// EnvelopeIDGenerator produces unique envelope IDs from the wall-clock time
// in nanoseconds and the process ID. Generation pauses until the
// next 0.5ms slot when called twice within the same slot, guaranteeing
// uniqueness without a global counter shared across processes.
type EnvelopeIDGenerator struct {
	mu       sync.Mutex
	lastSlot int64
	pid      uint32
	now      func() time.Time
}

// NewEnvelopeIDGenerator returns a generator seeded with the current process ID.
func NewEnvelopeIDGenerator() *EnvelopeIDGenerator {
	return &EnvelopeIDGenerator{
		pid: uint32(os.Getpid()),
		now: time.Now,
	}
}

// NextEnvelopeID returns a fresh, unique envelope ID.
func (g *EnvelopeIDGenerator) NextEnvelopeID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	s := now.UnixNano() / int64(slot)
	for s <= g.lastSlot {
		time.Sleep(slot)
		now = g.now()
		s = now.UnixNano() / int64(slot)
	}
	g.lastSlot = s

	var buf [12]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(now.UnixNano()))
	binary.BigEndian.PutUint32(buf[8:12], g.pid)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf[:])
}

// MessageIDCounter hands out the process-local monotonic suffix that turns
// an envelope ID into one or more message IDs, one per distinct next-hop
// group the envelope fans out to.
type MessageIDCounter struct {
	mu      sync.Mutex
	next    uint64
	encoded func(uint64) string
}

// NewMessageIDCounter returns a fresh, process-local counter starting at zero.
func NewMessageIDCounter() *MessageIDCounter {
	return &MessageIDCounter{encoded: encodeCounter}
}

// NextMessageID returns "<envelopeID>-<counter>" where counter is a 6-char
// base64url-encoded process-local monotonic integer.
func (c *MessageIDCounter) NextMessageID(envelopeID string) string {
	c.mu.Lock()
	n := c.next
	c.next++
	c.mu.Unlock()
	return fmt.Sprintf("%s-%s", envelopeID, c.encoded(n))
}

func encodeCounter(n uint64) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	enc := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(buf[:])
	// Pad/trim to exactly 6 characters as the spec requires.
	for len(enc) < 6 {
		enc = "A" + enc
	}
	if len(enc) > 6 {
		enc = enc[len(enc)-6:]
	}
	return enc
}
