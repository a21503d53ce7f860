// Package cleanup provides data retention for the run store.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/autopilot-sh/autopilot/pkg/store"
)

// Config controls what the retention loop prunes and how often.
type Config struct {
	// Retention is how long activity and conversation logs of finished
	// runs are kept. Run rows themselves are never pruned.
	Retention time.Duration
	Interval  time.Duration
}

// Service periodically prunes per-run activity and conversation logs past
// the retention horizon. All operations are idempotent.
type Service struct {
	config Config
	store  *store.Store

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, st *store.Store) *Service {
	return &Service{config: cfg, store: st}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"retention", s.config.Retention,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneActivityLogs(ctx)
	s.pruneConversationLogs(ctx)
}

func (s *Service) pruneActivityLogs(ctx context.Context) {
	count, err := s.store.PruneActivityLogs(ctx, s.config.Retention)
	if err != nil {
		slog.Error("Retention: activity log pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned activity logs", "count", count)
	}
}

func (s *Service) pruneConversationLogs(ctx context.Context) {
	count, err := s.store.PruneConversationLogs(ctx, s.config.Retention)
	if err != nil {
		slog.Error("Retention: conversation log pruning failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: pruned conversation logs", "count", count)
	}
}
