package record

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/elemta/relay/internal/flow"
)

// Serialize renders a Message as the human-readable "key: value" record
// format the on-disk spool stores: one key per line, repeated keys for list
// fields, in a stable field order so two serializations of an equal record
// are byte-identical (spec invariant 6).
func Serialize(m Message) string {
	var b strings.Builder
	writeField(&b, "id", m.ID)
	writeField(&b, "parent_envelope_id", m.ParentEnvelopeID)
	writeField(&b, "spool_dir", string(m.SpoolDir))
	writeField(&b, "spool_date", m.SpoolDate.UTC().Format(time.RFC3339Nano))
	writeField(&b, "status_kind", string(m.Status.Kind))
	if m.Status.Kind == StatusSendAt {
		writeField(&b, "status_at", m.Status.At.UTC().Format(time.RFC3339Nano))
	}
	if m.Status.Kind == StatusQuarantined {
		writeField(&b, "status_reason", m.Status.Reason)
	}
	for _, a := range m.NextHopChoices {
		writeField(&b, "next_hop", a.String())
	}
	for _, d := range m.RetryIntervals {
		writeField(&b, "retry_interval_ms", strconv.FormatInt(d.Milliseconds(), 10))
	}
	for _, r := range m.RemainingRecipients {
		writeField(&b, "remaining_recipient", r)
	}
	for _, r := range m.FailedRecipients {
		writeField(&b, "failed_recipient", r)
	}
	for _, a := range m.RelayAttempts {
		writeField(&b, "relay_attempt", a.Time.UTC().Format(time.RFC3339Nano)+"\t"+a.Err)
	}
	for _, id := range m.Flows.Slice() {
		writeField(&b, "flow", id)
	}
	writeField(&b, "envelope_sender", m.EnvelopeInfo.Sender)
	for _, a := range m.EnvelopeInfo.SenderArgs {
		writeField(&b, "envelope_sender_arg", a)
	}
	for _, r := range m.EnvelopeInfo.Recipients {
		writeField(&b, "envelope_recipient", r)
	}
	for _, r := range m.EnvelopeInfo.RejectedRecipients {
		writeField(&b, "envelope_rejected_recipient", r)
	}
	annotationKeys := make([]string, 0, len(m.Annotations))
	for k := range m.Annotations {
		annotationKeys = append(annotationKeys, k)
	}
	sort.Strings(annotationKeys)
	for _, k := range annotationKeys {
		writeField(&b, "annotation", k+"\t"+m.Annotations[k])
	}
	return b.String()
}

func writeField(b *strings.Builder, key, value string) {
	fmt.Fprintf(b, "%s: %s\n", key, escape(value))
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func unescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Parse reconstructs a Message from its serialized form. It is the inverse
// of Serialize: parse(serialize(m)) == m for every reachable record value.
func Parse(data string) (Message, error) {
	var m Message
	var flows []string
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}
		idx := strings.Index(line, ": ")
		if idx < 0 {
			return Message{}, fmt.Errorf("record: malformed line %q", line)
		}
		key := line[:idx]
		value := unescape(line[idx+2:])

		switch key {
		case "id":
			m.ID = value
		case "parent_envelope_id":
			m.ParentEnvelopeID = value
		case "spool_dir":
			m.SpoolDir = QueueName(value)
		case "spool_date":
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return Message{}, fmt.Errorf("record: spool_date: %w", err)
			}
			m.SpoolDate = t
		case "status_kind":
			m.Status.Kind = StatusKind(value)
		case "status_at":
			t, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				return Message{}, fmt.Errorf("record: status_at: %w", err)
			}
			m.Status.At = t
		case "status_reason":
			m.Status.Reason = value
		case "next_hop":
			host, port, err := splitHostPort(value)
			if err != nil {
				return Message{}, err
			}
			m.NextHopChoices = append(m.NextHopChoices, Address{Host: host, Port: port})
		case "retry_interval_ms":
			ms, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Message{}, fmt.Errorf("record: retry_interval_ms: %w", err)
			}
			m.RetryIntervals = append(m.RetryIntervals, time.Duration(ms)*time.Millisecond)
		case "remaining_recipient":
			m.RemainingRecipients = append(m.RemainingRecipients, value)
		case "failed_recipient":
			m.FailedRecipients = append(m.FailedRecipients, value)
		case "relay_attempt":
			parts := strings.SplitN(value, "\t", 2)
			t, err := time.Parse(time.RFC3339Nano, parts[0])
			if err != nil {
				return Message{}, fmt.Errorf("record: relay_attempt: %w", err)
			}
			errStr := ""
			if len(parts) > 1 {
				errStr = parts[1]
			}
			m.RelayAttempts = append(m.RelayAttempts, Attempt{Time: t, Err: errStr})
		case "flow":
			flows = append(flows, value)
		case "envelope_sender":
			m.EnvelopeInfo.Sender = value
		case "envelope_sender_arg":
			m.EnvelopeInfo.SenderArgs = append(m.EnvelopeInfo.SenderArgs, value)
		case "envelope_recipient":
			m.EnvelopeInfo.Recipients = append(m.EnvelopeInfo.Recipients, value)
		case "envelope_rejected_recipient":
			m.EnvelopeInfo.RejectedRecipients = append(m.EnvelopeInfo.RejectedRecipients, value)
		case "annotation":
			parts := strings.SplitN(value, "\t", 2)
			if m.Annotations == nil {
				m.Annotations = make(map[string]string)
			}
			if len(parts) == 2 {
				m.Annotations[parts[0]] = parts[1]
			}
		default:
			// Unknown fields are ignored so the format can grow without
			// breaking readers of older records.
		}
	}
	m.Flows = flow.FromSlice(flows)
	return m, nil
}

func splitHostPort(s string) (string, int, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("record: invalid next_hop %q", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return "", 0, fmt.Errorf("record: invalid next_hop port %q: %w", s, err)
	}
	return s[:idx], port, nil
}
