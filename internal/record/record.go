// Package record defines the per-message metadata the spool persists
// alongside each raw message body: its retry schedule, recipient
// partitioning, lifecycle status, and flow set. It is grounded on the
// Message/Attempt types in elemta's internal/queue/manager.go, generalized
// from elemta's single JSON-blob-per-queue-type model to the spec's
// richer tagged-variant status and recipient-level partial-failure state.
package record

import (
	"fmt"
	"time"

	"github.com/elemta/relay/internal/flow"
)

// QueueName is the name of an on-disk spool sub-directory.
type QueueName string

const (
	QueueActive     QueueName = "active"
	QueueFrozen     QueueName = "frozen"
	QueueRemoved    QueueName = "removed"
	QueueQuarantine QueueName = "quarantine"
)

// StatusKind tags the variant held by a Status value.
type StatusKind string

const (
	StatusSendNow     StatusKind = "send_now"
	StatusSendAt      StatusKind = "send_at"
	StatusSending     StatusKind = "sending"
	StatusFrozen      StatusKind = "frozen"
	StatusRemoved     StatusKind = "removed"
	StatusQuarantined StatusKind = "quarantined"
	StatusDelivered   StatusKind = "delivered"
)

// Status is the tagged-variant lifecycle state of a message record.
type Status struct {
	Kind   StatusKind
	At     time.Time // meaningful for StatusSendAt
	Reason string    // meaningful for StatusQuarantined
}

// SendNow returns the Send_now status.
func SendNow() Status { return Status{Kind: StatusSendNow} }

// SendAt returns the Send_at(t) status.
func SendAt(t time.Time) Status { return Status{Kind: StatusSendAt, At: t} }

// Sending returns the Sending status.
func Sending() Status { return Status{Kind: StatusSending} }

// Frozen returns the Frozen status.
func Frozen() Status { return Status{Kind: StatusFrozen} }

// Removed returns the Removed status.
func Removed() Status { return Status{Kind: StatusRemoved} }

// Quarantined returns the Quarantined(reason) status.
func Quarantined(reason string) Status { return Status{Kind: StatusQuarantined, Reason: reason} }

// Delivered returns the terminal Delivered status.
func Delivered() Status { return Status{Kind: StatusDelivered} }

// Effective downgrades Send_at(t) to Send_now once t has passed. Every read
// of a record's status must go through Effective so the spool never has to
// write a status transition purely because a clock ticked.
func (s Status) Effective(now time.Time) Status {
	if s.Kind == StatusSendAt && !s.At.After(now) {
		return SendNow()
	}
	return s
}

// Queue returns the on-disk queue a record with this status belongs in.
// Delivered has no queue: callers must unlink rather than store.
func (s Status) Queue() (QueueName, bool) {
	switch s.Kind {
	case StatusSendNow, StatusSendAt, StatusSending:
		return QueueActive, true
	case StatusFrozen:
		return QueueFrozen, true
	case StatusRemoved:
		return QueueRemoved, true
	case StatusQuarantined:
		return QueueQuarantine, true
	default:
		return "", false
	}
}

// Address is a next-hop (host, port) pair.
type Address struct {
	Host string
	Port int
}

func (a Address) String() string { return fmt.Sprintf("%s:%d", a.Host, a.Port) }

// Attempt is one recorded delivery attempt, newest first in RelayAttempts.
type Attempt struct {
	Time time.Time
	Err  string
}

// EnvelopeInfo is the portion of the original SMTP transaction a message
// record carries for logging and DSN purposes.
type EnvelopeInfo struct {
	Sender             string
	SenderArgs         []string
	Recipients         []string
	RejectedRecipients []string
}

// Message is the full per-recipient-group metadata record the spool
// persists as the sibling of a message body.
type Message struct {
	ID                  string
	ParentEnvelopeID    string
	SpoolDir            QueueName
	SpoolDate           time.Time
	NextHopChoices      []Address
	RetryIntervals      []time.Duration
	RemainingRecipients []string
	FailedRecipients    []string
	RelayAttempts       []Attempt
	Status              Status
	Flows               flow.Set
	EnvelopeInfo        EnvelopeInfo
	Annotations         map[string]string
}

// Clone returns a deep-enough copy for safe independent mutation; slices
// and the flow set are copied, not aliased.
func (m Message) Clone() Message {
	out := m
	out.NextHopChoices = append([]Address(nil), m.NextHopChoices...)
	out.RetryIntervals = append([]time.Duration(nil), m.RetryIntervals...)
	out.RemainingRecipients = append([]string(nil), m.RemainingRecipients...)
	out.FailedRecipients = append([]string(nil), m.FailedRecipients...)
	out.RelayAttempts = append([]Attempt(nil), m.RelayAttempts...)
	out.EnvelopeInfo.SenderArgs = append([]string(nil), m.EnvelopeInfo.SenderArgs...)
	out.EnvelopeInfo.Recipients = append([]string(nil), m.EnvelopeInfo.Recipients...)
	out.EnvelopeInfo.RejectedRecipients = append([]string(nil), m.EnvelopeInfo.RejectedRecipients...)
	out.Annotations = make(map[string]string, len(m.Annotations))
	for k, v := range m.Annotations {
		out.Annotations[k] = v
	}
	return out
}

// WithAnnotation returns a copy of m with key set to value, grounded on
// elemta's queue.Manager.SetAnnotation: operators can stamp arbitrary
// metadata on a record without it affecting delivery semantics.
func (m Message) WithAnnotation(key, value string) Message {
	out := m.Clone()
	out.Annotations[key] = value
	return out
}

// Equal reports whether two records are identical for the purposes of the
// spool's disk-divergence check (invariant 6 / §4.2). It is a deep
// comparison, not a pointer comparison.
func (m Message) Equal(other Message) bool {
	return Serialize(m) == Serialize(other)
}

// PrependAttempt records the most recent delivery attempt at the front of
// RelayAttempts, keeping the newest-first ordering the spec requires.
func (m Message) PrependAttempt(at time.Time, err error) Message {
	out := m.Clone()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	out.RelayAttempts = append([]Attempt{{Time: at, Err: msg}}, out.RelayAttempts...)
	return out
}
