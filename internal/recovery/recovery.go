// Package recovery reconciles spool state after an unclean process exit.
// A record left in the Sending status when the process that set it died
// mid-delivery must be returned to Send_now before the delivery loop will
// touch it again, since nothing else will ever clear Sending. Grounded on
// elemta's queue.Manager startup path, which re-scans its active queue
// directory on NewManager and requeues anything it finds there.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/elemta/relay/internal/record"
	"github.com/elemta/relay/internal/spool"
)

// Reconcile scans the Active queue and resets every Sending entry to
// Send_now. It should run once, before the delivery loop starts, so the
// loop never has to special-case crash recovery itself.
func Reconcile(ctx context.Context, s *spool.Spool, giveUp time.Duration, logger *slog.Logger) (int, error) {
	entries, err := s.List(record.QueueActive)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, entry := range entries {
		wasSending := false
		err := s.WithEntry(ctx, entry, giveUp, func(m record.Message) (record.Message, spool.Outcome, error) {
			if m.Status.Kind != record.StatusSending {
				return m, spool.OutcomeNoop, nil
			}
			wasSending = true
			out := m.Clone()
			out.Status = record.SendNow()
			return out, spool.OutcomeStore, nil
		})
		if err != nil {
			logger.Warn("failed to reconcile entry", "id", entry.ID, "error", err)
			continue
		}
		if wasSending {
			recovered++
		}
	}
	logger.Info("startup recovery complete", "active_entries", len(entries))
	return recovered, nil
}
