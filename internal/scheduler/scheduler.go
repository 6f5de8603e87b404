package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaochefight/tuwenv2/internal/config"
	"github.com/xiaochefight/tuwenv2/internal/db"

	"github.com/robfig/cron/v3"
)

type Scheduler struct {
	db        db.Service
	c         *cron.Cron
	logger    *slog.Logger
	schedule  string
	retention time.Duration
	now       func() time.Time
}

// NewScheduler creates a scheduler that prunes usage logs older than the configured retention.
// A retention of zero or less disables pruning.
func NewScheduler(dbService db.Service, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		db:        dbService,
		c:         cron.New(),
		logger:    logger.With("component", "scheduler"),
		schedule:  cfg.PruneSchedule,
		retention: time.Duration(cfg.UsageLogRetentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

func (s *Scheduler) Start() error {
	if s.retention <= 0 {
		s.logger.Info("Usage log pruning disabled")
		return nil
	}
	_, err := s.c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		s.RunPrune(ctx)
	})
	if err != nil {
		return fmt.Errorf("error scheduling usage log pruning: %w", err)
	}
	s.c.Start()
	s.logger.Info("Scheduler started", "schedule", s.schedule, "retention", s.retention.String())
	return nil
}

// RunPrune deletes usage logs older than the retention period.
func (s *Scheduler) RunPrune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	s.logger.Info("Running job: pruning usage logs", "before", cutoff)
	removed, err := s.db.PruneUsageLogs(ctx, cutoff)
	if err != nil {
		s.logger.Error("Error pruning usage logs", "error", err)
		return 0, err
	}
	s.logger.Info("Pruned usage logs", "removed", removed)
	return removed, nil
}

func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
