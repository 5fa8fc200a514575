// Package retryer implements the pure delivery-outcome-to-next-status
// scheduler: given what happened on a delivery attempt and the record's
// remaining retry intervals, it decides the record's next Status and
// recipient partitioning. It is grounded on the temporary/permanent
// classification in elemta's internal/queue/processor.go
// (isTemporaryFailure), generalized from string-matching an error message
// to switching on the numeric SMTP reply code the spec requires, and from
// a single max-retries counter to the spec's per-record RetryIntervals
// list.
package retryer

import (
	"time"

	"github.com/elemta/relay/internal/record"
)

// IsPermanent reports whether an SMTP reply code is a permanent (5xx)
// failure rather than a temporary (4xx) one. Codes outside both ranges
// are not permanent: Decide treats a nonzero code outside 5xx as a
// temporary failure.
func IsPermanent(code int) bool {
	return code >= 500 && code < 600
}

// IsTemporary reports whether an SMTP reply code is a temporary (4xx)
// failure.
func IsTemporary(code int) bool {
	return code >= 400 && code < 500
}

// RecipientResult is one recipient's outcome within an envelope-level
// delivery attempt.
type RecipientResult struct {
	Recipient string
	Code      int // 0 means the recipient was accepted
	Message   string
}

// Attempt describes the outcome of one delivery attempt against a
// record's remaining recipients.
type Attempt struct {
	// EnvelopeRejected is set when the remote server rejected the
	// envelope itself (MAIL FROM/connection/handshake failure) rather
	// than individual recipients. Code and Message describe the
	// rejection; Recipients is ignored.
	EnvelopeRejected bool
	Code             int
	Message          string

	// Recipients carries one RecipientResult per recipient addressed in
	// this attempt, used when the envelope itself was accepted but
	// individual RCPT TO commands were not.
	Recipients []RecipientResult

	// GaveUp is set when the attempt never reached the remote server at
	// all (connection-cache give-up, circuit open, cache closed). Treated
	// as a temporary failure of the whole envelope per spec.md §4.3.
	GaveUp bool
	Err    error
}

// Decision is the pure result of applying an Attempt to a record: the
// next status to store, and the recipient lists to carry forward.
type Decision struct {
	Status              record.Status
	RemainingRecipients []string
	FailedRecipients    []string
}

// Decide computes the next status for msg given the outcome of a delivery
// attempt, per spec.md §4.3's outcome table. now is the time the attempt
// completed; it anchors Send_at(now+head) when intervals remain.
func Decide(msg record.Message, attempt Attempt, now time.Time) Decision {
	if attempt.GaveUp {
		return temporaryFailure(msg, now)
	}

	if attempt.EnvelopeRejected {
		if IsPermanent(attempt.Code) {
			return Decision{
				Status:              record.Frozen(),
				RemainingRecipients: nil,
				FailedRecipients:    append(append([]string(nil), msg.FailedRecipients...), msg.RemainingRecipients...),
			}
		}
		return temporaryFailure(msg, now)
	}

	if len(attempt.Recipients) == 0 {
		// No per-recipient detail and no rejection: every remaining
		// recipient was accepted.
		return Decision{Status: record.Delivered()}
	}

	var remaining, failed []string
	anyTemporary := false
	anyAccepted := false
	for _, r := range attempt.Recipients {
		switch {
		case r.Code == 0:
			anyAccepted = true
		case IsPermanent(r.Code):
			failed = append(failed, r.Recipient)
		default:
			// temporary per-recipient rejection: keep it for retry
			remaining = append(remaining, r.Recipient)
			anyTemporary = true
		}
	}
	failed = append(append([]string(nil), msg.FailedRecipients...), failed...)

	if len(remaining) == 0 {
		if anyTemporary {
			// every remaining recipient was a temporary per-recipient
			// rejection with nothing accepted: treat like a temporary
			// whole-envelope failure so intervals still apply.
			return temporaryFailureWithRecipients(msg, now, msg.RemainingRecipients, failed)
		}
		if !anyAccepted {
			// every recipient was permanently rejected and none accepted:
			// nothing was delivered, so this is not Delivered.
			return Decision{Status: record.Frozen(), FailedRecipients: failed}
		}
		return Decision{Status: record.Delivered(), FailedRecipients: failed}
	}

	d := temporaryFailureWithRecipients(msg, now, remaining, failed)
	return d
}

func temporaryFailure(msg record.Message, now time.Time) Decision {
	return temporaryFailureWithRecipients(msg, now, msg.RemainingRecipients, msg.FailedRecipients)
}

// temporaryFailureWithRecipients applies the retry-intervals rule: Frozen
// if none remain, otherwise Send_at(now+head) with the head interval
// consumed.
func temporaryFailureWithRecipients(msg record.Message, now time.Time, remaining, failed []string) Decision {
	if len(remaining) == 0 {
		return Decision{Status: record.Frozen(), FailedRecipients: failed}
	}
	if len(msg.RetryIntervals) == 0 {
		return Decision{
			Status:              record.Frozen(),
			RemainingRecipients: remaining,
			FailedRecipients:    failed,
		}
	}
	return Decision{
		Status:              record.SendAt(now.Add(msg.RetryIntervals[0])),
		RemainingRecipients: remaining,
		FailedRecipients:    failed,
	}
}

// Apply folds a Decision into a new record value: updates status and
// recipient lists, and consumes the head retry interval when the decision
// moved to Send_at.
func Apply(msg record.Message, d Decision) record.Message {
	out := msg.Clone()
	out.Status = d.Status
	out.RemainingRecipients = d.RemainingRecipients
	if d.FailedRecipients != nil {
		out.FailedRecipients = d.FailedRecipients
	}
	if d.Status.Kind == record.StatusSendAt && len(out.RetryIntervals) > 0 {
		out.RetryIntervals = out.RetryIntervals[1:]
	}
	return out
}
