package daemon

import (
	"context"
	"time"
)

// journalCleanupEvery is how often old journal entries are pruned.
const journalCleanupEvery = time.Hour

// housekeeping flushes throttled state writes and prunes the journal.
// Blocks until context is cancelled, then flushes one last time.
func (d *Daemon) housekeeping(ctx context.Context) {
	d.logger.Debug().
		Dur("interval", d.config.FlushInterval).
		Msg("Starting housekeeping")

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	lastCleanup := time.Now()
	d.cleanupJournal(ctx)

	for {
		select {
		case <-ctx.Done():
			if err := d.state.Flush(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to flush state file")
			}
			return
		case <-ticker.C:
			if err := d.state.Flush(); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to flush state file")
			}
			if time.Since(lastCleanup) >= journalCleanupEvery {
				lastCleanup = time.Now()
				d.cleanupJournal(ctx)
			}
		}
	}
}

func (d *Daemon) cleanupJournal(ctx context.Context) {
	deleted, err := d.journal.Cleanup(ctx, d.config.JournalRetention)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Failed to cleanup journal")
		return
	}
	if deleted > 0 {
		d.logger.Info().Int64("deleted", deleted).Msg("Pruned journal")
	}
}
