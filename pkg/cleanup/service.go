// Package cleanup enforces retention policy on aged run data.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vespid/vespid/pkg/config"
	"github.com/vespid/vespid/pkg/queue"
	"github.com/vespid/vespid/pkg/store"
)

// Service periodically deletes data past its retention window:
//
//   - terminal runs finished more than RunRetentionDays ago (events go with them)
//   - event rows of terminal runs older than EventTTL
//   - done and dead queue jobs older than JobTTL
//
// Every pass is batch-limited and idempotent, so all replicas may run the
// service concurrently.
type Service struct {
	cfg    *config.RetentionConfig
	runs   *store.RunStore
	events *store.EventStore
	queues []*queue.Queue

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService creates a cleanup service over the given stores and queues.
func NewService(cfg *config.RetentionConfig, runs *store.RunStore, events *store.EventStore, queues ...*queue.Queue) *Service {
	if cfg == nil {
		cfg = config.DefaultRetentionConfig()
	}
	return &Service{
		cfg:    cfg,
		runs:   runs,
		events: events,
		queues: queues,
		stopCh: make(chan struct{}),
	}
}

// Start launches the background cleanup loop. A disabled config logs and
// starts nothing.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		slog.Info("Retention cleanup disabled")
		return
	}
	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("Retention cleanup started",
		"run_retention_days", s.cfg.RunRetentionDays,
		"event_ttl", s.cfg.EventTTL,
		"job_ttl", s.cfg.JobTTL,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the loop to exit and waits for the in-flight pass.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	s.sweep(ctx)

	interval := s.cfg.CleanupInterval
	if interval <= 0 {
		interval = config.DefaultRetentionConfig().CleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one pass over every retention target. Targets whose window is
// unset are skipped.
func (s *Service) sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.deleteExpiredRuns(ctx, now)
	s.deleteExpiredEvents(ctx, now)
	s.deleteFinishedJobs(ctx, now)
}

func (s *Service) deleteExpiredRuns(ctx context.Context, now time.Time) {
	if s.cfg.RunRetentionDays <= 0 || s.runs == nil {
		return
	}
	cutoff := now.AddDate(0, 0, -s.cfg.RunRetentionDays)
	n, err := s.runs.DeleteTerminalOlderThan(ctx, cutoff, s.cfg.CleanupBatch)
	if err != nil {
		slog.Error("Retention: run cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Retention: deleted expired runs", "count", n)
	}
}

func (s *Service) deleteExpiredEvents(ctx context.Context, now time.Time) {
	if s.cfg.EventTTL <= 0 || s.events == nil {
		return
	}
	n, err := s.events.DeleteOlderThan(ctx, now.Add(-s.cfg.EventTTL), s.cfg.CleanupBatch)
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("Retention: deleted expired events", "count", n)
	}
}

func (s *Service) deleteFinishedJobs(ctx context.Context, now time.Time) {
	if s.cfg.JobTTL <= 0 {
		return
	}
	cutoff := now.Add(-s.cfg.JobTTL)
	for _, q := range s.queues {
		if q == nil {
			continue
		}
		n, err := q.DeleteFinishedOlderThan(ctx, cutoff, s.cfg.CleanupBatch)
		if err != nil {
			slog.Error("Retention: job cleanup failed", "queue", q.Name(), "error", err)
			continue
		}
		if n > 0 {
			slog.Info("Retention: deleted finished jobs", "queue", q.Name(), "count", n)
		}
	}
}
