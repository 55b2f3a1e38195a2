package pipeline

import (
	"context"
	"log"
	"time"
)

// RecoverStalled resumes non-terminal records untouched for longer than
// olderThan: survivors of a crash or hard stop. Each resumes from its last
// committed status; tools are idempotent, so re-running an acting record is
// safe. Returns the number of records driven to a terminal state.
func (o *Orchestrator) RecoverStalled(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	recs, err := o.store.StalledRecords(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resumed := 0
	for i := range recs {
		rec := &recs[i]
		log.Printf("pipeline: recovering stalled record %s (status %s, idle since %s)",
			rec.MessageID, rec.Status, rec.UpdatedAt.Format(time.RFC3339))
		if _, err := o.run(ctx, rec); err != nil {
			log.Printf("pipeline: recover %s: %v", rec.MessageID, err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		log.Printf("pipeline: recovered %d stalled record(s)", resumed)
	}
	return resumed, nil
}
