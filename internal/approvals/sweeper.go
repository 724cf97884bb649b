package approvals

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper runs Manager.Sweep on a fixed cron schedule.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewSweeper creates a Sweeper firing every interval (default one minute).
func NewSweeper(m *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{manager: m, interval: interval, logger: logger}
}

// Start runs one sweep immediately, then schedules "@every <interval>".
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("approval sweeper already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	c := cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.tick(sweepCtx) }); err != nil {
		cancel()
		return fmt.Errorf("schedule approval sweep: %w", err)
	}

	s.tick(sweepCtx)
	c.Start()
	s.cron = c
	s.cancel = cancel

	s.logger.Info("approval sweeper started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Sweeper) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.manager.Sweep(ctx)
	if err != nil {
		s.logger.Error("approval sweep failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		s.logger.Info("approvals expired", slog.Int("count", n))
	}
}

// Stop cancels the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron = nil
	s.cancel = nil
	s.logger.Info("approval sweeper stopped")
}
