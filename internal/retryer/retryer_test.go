package retryer

import (
	"testing"
	"time"

	"github.com/elemta/relay/internal/record"
)

func baseMessage() record.Message {
	return record.Message{
		ID:                  "msg-1",
		RemainingRecipients: []string{"a@example.com", "b@example.com"},
		RetryIntervals:      []time.Duration{time.Minute, 5 * time.Minute},
	}
}

func TestDecideEnvelopeAccepted(t *testing.T) {
	msg := baseMessage()
	d := Decide(msg, Attempt{}, time.Now())
	if d.Status.Kind != record.StatusDelivered {
		t.Fatalf("expected Delivered, got %v", d.Status.Kind)
	}
}

func TestDecidePermanentEnvelopeReject(t *testing.T) {
	msg := baseMessage()
	d := Decide(msg, Attempt{EnvelopeRejected: true, Code: 550, Message: "no such user"}, time.Now())
	if d.Status.Kind != record.StatusFrozen {
		t.Fatalf("expected Frozen, got %v", d.Status.Kind)
	}
	if len(d.FailedRecipients) != 2 {
		t.Fatalf("expected both recipients moved to failed, got %v", d.FailedRecipients)
	}
}

func TestDecideTemporaryEnvelopeRejectWithIntervals(t *testing.T) {
	msg := baseMessage()
	now := time.Now()
	d := Decide(msg, Attempt{EnvelopeRejected: true, Code: 450}, now)
	if d.Status.Kind != record.StatusSendAt {
		t.Fatalf("expected Send_at, got %v", d.Status.Kind)
	}
	if !d.Status.At.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected Send_at(now+1m), got %v", d.Status.At)
	}
}

func TestDecideTemporaryEnvelopeRejectIntervalsExhausted(t *testing.T) {
	msg := baseMessage()
	msg.RetryIntervals = nil
	d := Decide(msg, Attempt{EnvelopeRejected: true, Code: 421}, time.Now())
	if d.Status.Kind != record.StatusFrozen {
		t.Fatalf("expected Frozen once intervals exhausted, got %v", d.Status.Kind)
	}
}

func TestDecideGaveUpWaitingIsTemporary(t *testing.T) {
	msg := baseMessage()
	d := Decide(msg, Attempt{GaveUp: true}, time.Now())
	if d.Status.Kind != record.StatusSendAt {
		t.Fatalf("expected Send_at for gave-up-waiting, got %v", d.Status.Kind)
	}
}

func TestDecidePartialRecipientReject(t *testing.T) {
	msg := baseMessage()
	now := time.Now()
	d := Decide(msg, Attempt{
		Recipients: []RecipientResult{
			{Recipient: "a@example.com", Code: 0},
			{Recipient: "b@example.com", Code: 552},
		},
	}, now)
	if d.Status.Kind != record.StatusDelivered {
		t.Fatalf("expected Delivered when only failures are permanent rejects with nothing left, got %v", d.Status.Kind)
	}
	if len(d.FailedRecipients) != 1 || d.FailedRecipients[0] != "b@example.com" {
		t.Fatalf("expected b@example.com in failed recipients, got %v", d.FailedRecipients)
	}
}

func TestDecideAllRecipientsPermanentlyRejected(t *testing.T) {
	msg := baseMessage()
	now := time.Now()
	d := Decide(msg, Attempt{
		Recipients: []RecipientResult{
			{Recipient: "a@example.com", Code: 550},
			{Recipient: "b@example.com", Code: 550},
		},
	}, now)
	if d.Status.Kind != record.StatusFrozen {
		t.Fatalf("expected Frozen when every recipient is permanently rejected and none accepted, got %v", d.Status.Kind)
	}
	if len(d.FailedRecipients) != 2 {
		t.Fatalf("expected both recipients in failed recipients, got %v", d.FailedRecipients)
	}
}

func TestDecidePartialTemporaryRecipientReject(t *testing.T) {
	msg := baseMessage()
	now := time.Now()
	d := Decide(msg, Attempt{
		Recipients: []RecipientResult{
			{Recipient: "a@example.com", Code: 0},
			{Recipient: "b@example.com", Code: 450},
		},
	}, now)
	if d.Status.Kind != record.StatusSendAt {
		t.Fatalf("expected Send_at to retry remaining temporary recipient, got %v", d.Status.Kind)
	}
	if len(d.RemainingRecipients) != 1 || d.RemainingRecipients[0] != "b@example.com" {
		t.Fatalf("expected b@example.com still remaining, got %v", d.RemainingRecipients)
	}
}

func TestApplyConsumesHeadInterval(t *testing.T) {
	msg := baseMessage()
	now := time.Now()
	d := Decide(msg, Attempt{GaveUp: true}, now)
	out := Apply(msg, d)
	if len(out.RetryIntervals) != 1 {
		t.Fatalf("expected head interval consumed, got %v", out.RetryIntervals)
	}
	if out.RetryIntervals[0] != 5*time.Minute {
		t.Fatalf("expected remaining interval 5m, got %v", out.RetryIntervals[0])
	}
}

func TestIsPermanentAndTemporary(t *testing.T) {
	if !IsPermanent(550) {
		t.Error("550 should be permanent")
	}
	if !IsTemporary(450) {
		t.Error("450 should be temporary")
	}
	if IsPermanent(450) || IsTemporary(550) {
		t.Error("code ranges must not overlap")
	}
}
