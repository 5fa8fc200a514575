package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elemta/relay/internal/flow"
)

func sampleMessage() Message {
	return Message{
		ID:               "01hz-abc123",
		ParentEnvelopeID: "01hz-parent",
		SpoolDir:         QueueActive,
		SpoolDate:        time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		NextHopChoices:   []Address{{Host: "mx1.example.com", Port: 25}, {Host: "mx2.example.com", Port: 25}},
		RetryIntervals:   []time.Duration{time.Minute, 5 * time.Minute},
		RemainingRecipients: []string{"a@example.com", "b@example.com"},
		FailedRecipients:    []string{"c@example.com"},
		RelayAttempts: []Attempt{
			{Time: time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC), Err: "connection refused"},
		},
		Status: SendAt(time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC)),
		Flows:  flow.New("session-1", "envelope-1"),
		EnvelopeInfo: EnvelopeInfo{
			Sender:             "sender@example.com",
			SenderArgs:         []string{"SIZE=1024"},
			Recipients:         []string{"a@example.com", "b@example.com", "c@example.com"},
			RejectedRecipients: nil,
		},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	m := sampleMessage()
	parsed, err := Parse(Serialize(m))
	require.NoError(t, err)
	assert.True(t, m.Equal(parsed), "round-tripped record must equal the original")
}

func TestSerializeEscapesBackslashAndNewline(t *testing.T) {
	m := sampleMessage()
	m.Status = Quarantined("reason with\na newline and a \\backslash")

	parsed, err := Parse(Serialize(m))
	require.NoError(t, err)
	assert.Equal(t, m.Status.Reason, parsed.Status.Reason)
}

func TestStatusEffectiveDowngradesDueSendAt(t *testing.T) {
	past := SendAt(time.Now().Add(-time.Minute))
	assert.Equal(t, StatusSendNow, past.Effective(time.Now()).Kind)

	future := SendAt(time.Now().Add(time.Hour))
	assert.Equal(t, StatusSendAt, future.Effective(time.Now()).Kind)
}

func TestStatusQueueMapping(t *testing.T) {
	cases := []struct {
		status Status
		queue  QueueName
		hasQ   bool
	}{
		{SendNow(), QueueActive, true},
		{Sending(), QueueActive, true},
		{Frozen(), QueueFrozen, true},
		{Removed(), QueueRemoved, true},
		{Quarantined("x"), QueueQuarantine, true},
		{Delivered(), "", false},
	}
	for _, c := range cases {
		q, ok := c.status.Queue()
		assert.Equal(t, c.hasQ, ok)
		assert.Equal(t, c.queue, q)
	}
}

func TestPrependAttemptOrdersNewestFirst(t *testing.T) {
	m := sampleMessage()
	next := m.PrependAttempt(time.Date(2026, 1, 2, 5, 0, 0, 0, time.UTC), nil)
	require.Len(t, next.RelayAttempts, 2)
	assert.True(t, next.RelayAttempts[0].Time.After(next.RelayAttempts[1].Time))
}
