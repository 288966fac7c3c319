package worker

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"reengagement-scheduler/internal/reengagement"
)

// Scheduler runs a scan followed by a dispatch pass on a cron schedule.
type Scheduler struct {
	cron      *cron.Cron
	spec      string
	scanner   *reengagement.Scanner
	processor *Processor
	logger    *zap.Logger
	clock     func() time.Time

	mu sync.Mutex
}

// CycleResult is what one scan+dispatch cycle did.
type CycleResult struct {
	Scan     reengagement.ScanResult `json:"scan"`
	Dispatch BatchResult             `json:"dispatch"`
}

// NewScheduler builds a scheduler for a six-field (with seconds) cron spec.
func NewScheduler(spec string, scanner *reengagement.Scanner, processor *Processor, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:      cron.New(cron.WithSeconds()),
		spec:      spec,
		scanner:   scanner,
		processor: processor,
		logger:    logger,
		clock:     time.Now,
	}
}

// Start registers the cycle and starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		defer s.recoverFromPanic("cycle")
		if _, err := s.Cycle(ctx); err != nil {
			s.logger.Error("cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	s.logger.Info("scheduler started", zap.String("schedule", s.spec))
	s.cron.Start()
	return nil
}

// Stop stops the cron runner; the returned context is done when running cycles finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Cycle runs one scan and one dispatch pass. Overlapping cycles are serialised.
func (s *Scheduler) Cycle(ctx context.Context) (CycleResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res CycleResult
	now := s.clock()
	scan, err := s.scanner.Run(ctx, now)
	res.Scan = scan
	if err != nil {
		// Jobs already queued are still worth dispatching.
		s.logger.Error("scan failed", zap.Error(err))
	}

	batch, derr := s.processor.RunOnce(ctx, s.clock())
	res.Dispatch = batch
	s.logger.Info("cycle finished",
		zap.Int("definitions", scan.Definitions),
		zap.Int("enrolled", scan.Enrolled),
		zap.Int("scan_failures", scan.Failures),
		zap.Int("dispatched", batch.Dispatched),
		zap.Int("retried", batch.Retried),
		zap.Int("dead_letters", batch.DeadLetters),
	)
	if derr != nil {
		return res, derr
	}
	return res, err
}

func (s *Scheduler) recoverFromPanic(job string) {
	if r := recover(); r != nil {
		s.logger.Error("cron job panicked", zap.String("job", job), zap.Any("error", r))
	}
}
