package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Cycle is one pass of the state machine.
type Cycle interface {
	RunCycle(ctx context.Context)
}

// Scheduler runs a Cycle on a fixed interval. A cycle that is still running
// when the next tick fires causes that tick to be skipped, so two cycles
// never overlap.
type Scheduler struct {
	cron     *cron.Cron
	cycle    Cycle
	interval time.Duration
	log      logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(cycle Cycle, interval time.Duration, log logrus.FieldLogger) *Scheduler {
	logger := cron.PrintfLogger(log)
	return &Scheduler{
		cron:     cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		cycle:    cycle,
		interval: interval,
		log:      log,
	}
}

// Start schedules the cycle and returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
		start := time.Now()
		s.cycle.RunCycle(s.ctx)
		s.log.WithField("duration", time.Since(start).String()).Debug("Bridge cycle done")
	})
	if err != nil {
		s.cancel()
		return fmt.Errorf("schedule bridge cycle: %w", err)
	}
	s.cron.Start()
	s.log.WithField("interval", s.interval.String()).Info("Bridge scheduler started")
	return nil
}

// Stop prevents new cycles, cancels the running one and waits for it.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	<-stopped.Done()
	s.log.Info("Bridge scheduler stopped")
}
