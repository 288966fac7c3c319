package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/queue"
	"reengagement-scheduler/internal/reengagement"
	"reengagement-scheduler/internal/telemetry"
)

// Processor claims due jobs and runs them through the registered handlers.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	handlers map[models.JobKind]Handler
	logger   *zap.Logger
	workerID string
}

// Handler executes a job of one kind.
type Handler func(ctx context.Context, job models.QueuedJob, now time.Time) (reengagement.Outcome, error)

// BatchResult summarises one dispatch pass.
type BatchResult struct {
	Requeued    int `json:"requeued"`
	Dispatched  int `json:"dispatched"`
	Retried     int `json:"retried"`
	DeadLetters int `json:"dead_letters"`
	Failed      int `json:"failed"`
}

func NewProcessor(cfg config.Config, q *queue.RedisQueue, logger *zap.Logger) *Processor {
	return NewProcessorWithID(cfg, q, logger, "")
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, q *queue.RedisQueue, logger *zap.Logger, workerID string) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workerID != "" {
		logger = logger.With(zap.String("worker_id", workerID))
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		handlers: make(map[models.JobKind]Handler),
		logger:   logger,
		workerID: workerID,
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// RegisterEngine binds both job kinds to e.
func (p *Processor) RegisterEngine(e *reengagement.Engine) {
	p.RegisterHandler(models.KindCompletion, e.RunCompletion)
	p.RegisterHandler(models.KindReminder, e.RunReminder)
}

// RunOnce re-delivers expired leases and then dispatches jobs due at now,
// up to the configured batch size. Errors are only returned for queue failures.
func (p *Processor) RunOnce(ctx context.Context, now time.Time) (BatchResult, error) {
	var res BatchResult

	reclaimed, err := p.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		return res, err
	}
	res.Requeued = len(reclaimed)
	if len(reclaimed) > 0 {
		p.logger.Warn("re-delivering jobs with lapsed leases", zap.Strings("job_ids", reclaimed))
	}
	p.updateGauges(ctx, now)

	res.Dispatched, err = p.queue.DispatchDue(ctx, now, p.cfg.DispatchBatchSize, func(ctx context.Context, job models.QueuedJob) error {
		return p.execute(ctx, job, now, &res)
	})
	p.updateGauges(ctx, now)
	return res, err
}

func (p *Processor) updateGauges(ctx context.Context, now time.Time) {
	if n, err := p.queue.DueDepth(ctx, now); err == nil {
		telemetry.DueDepthGauge.Set(float64(n))
	}
	if n, err := p.queue.ScheduledDepth(ctx); err == nil {
		telemetry.ScheduledGauge.Set(float64(n))
	}
	if n, err := p.queue.InFlight(ctx); err == nil {
		telemetry.InFlightGauge.Set(float64(n))
	}
}

// execute runs one claimed job and settles it: ack, reschedule or dead-letter.
func (p *Processor) execute(ctx context.Context, job models.QueuedJob, now time.Time, res *BatchResult) error {
	log := p.logger.With(reengagement.JobFields(job)...)
	kind := string(job.Kind)

	outcome, err := p.runJob(ctx, job, now)
	switch {
	case err == nil:
		telemetry.JobOutcomes.WithLabelValues(kind, string(outcome)).Inc()
		log.Debug("job done", zap.String("outcome", string(outcome)))
		return p.queue.Ack(ctx, job.ID)

	case reengagement.IsTransient(err), errors.Is(err, errNoHandler):
		attempts := job.Attempts + 1
		if attempts >= p.maxAttempts() || errors.Is(err, errNoHandler) {
			res.DeadLetters++
			telemetry.JobDeadLetter.WithLabelValues(kind).Inc()
			log.Error("job dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
			if derr := p.queue.DLQPush(ctx, job, err.Error()); derr != nil {
				return fmt.Errorf("dlq push: %w", derr)
			}
			return p.queue.Ack(ctx, job.ID)
		}
		job.Attempts = attempts
		next := now.Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
		res.Retried++
		telemetry.JobRetries.WithLabelValues(kind).Inc()
		log.Warn("job retry scheduled", zap.Int("attempts", attempts), zap.Time("next_run", next), zap.Error(err))
		return p.queue.Reschedule(ctx, job, next)

	case errors.Is(err, reengagement.ErrStaleReference):
		telemetry.JobOutcomes.WithLabelValues(kind, string(outcome)).Inc()
		log.Info("job aborted, orphaned record removed", zap.Error(err))
		return p.queue.Ack(ctx, job.ID)

	default:
		res.Failed++
		telemetry.JobOutcomes.WithLabelValues(kind, string(outcome)).Inc()
		log.Error("job failed", zap.String("outcome", string(outcome)), zap.Error(err))
		return p.queue.Ack(ctx, job.ID)
	}
}

var errNoHandler = errors.New("no handler registered")

// runJob looks up the handler and converts a panic into an error.
func (p *Processor) runJob(ctx context.Context, job models.QueuedJob, now time.Time) (outcome reengagement.Outcome, err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return reengagement.OutcomeAborted, fmt.Errorf("%w for kind %q", errNoHandler, job.Kind)
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = reengagement.OutcomeAborted
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, job, now)
}

func (p *Processor) maxAttempts() int {
	if p.cfg.MaxAttempts <= 0 {
		return 5
	}
	return p.cfg.MaxAttempts
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
