package store

import (
	"context"
	"fmt"
	"time"
)

// PruneActivityLogs deletes activity rows belonging to runs that finished
// before the retention horizon. Returns the number of rows deleted.
func (s *Store) PruneActivityLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	var deleted int64
	err := s.withBusyRetry("prune_activity_logs", func() string { return fmt.Sprintf("cutoff=%d", cutoff) }, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM activity_logs WHERE agent_run_id IN
				(SELECT id FROM agent_runs WHERE finished_at < ? AND finished_at > 0)`, cutoff)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}

// PruneConversationLogs deletes transcripts for runs that finished before
// the retention horizon. Returns the number of rows deleted.
func (s *Store) PruneConversationLogs(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	var deleted int64
	err := s.withBusyRetry("prune_conversation_logs", func() string { return fmt.Sprintf("cutoff=%d", cutoff) }, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM conversation_log WHERE agent_run_id IN
				(SELECT id FROM agent_runs WHERE finished_at < ? AND finished_at > 0)`, cutoff)
		if err != nil {
			return err
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
