package ids

import "testing"

func TestNextEnvelopeIDIsUnique(t *testing.T) {
	g := NewEnvelopeIDGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := g.NextEnvelopeID()
		if seen[id] {
			t.Fatalf("duplicate envelope ID %q on iteration %d", id, i)
		}
		seen[id] = true
	}
}

func TestNextMessageIDFormat(t *testing.T) {
	c := NewMessageIDCounter()
	first := c.NextMessageID("env-1")
	second := c.NextMessageID("env-1")

	if first == second {
		t.Fatalf("expected distinct message IDs for the same envelope, got %q twice", first)
	}
	wantPrefix := "env-1-"
	if len(first) != len(wantPrefix)+6 {
		t.Errorf("expected message ID %q to have a 6-char counter suffix", first)
	}
}
