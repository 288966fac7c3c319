package worker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/queue"
	"reengagement-scheduler/internal/reengagement"
)

var base = time.Unix(1_700_000_000, 0).UTC()

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 < max/2 || b10 > max {
		t.Fatalf("backoff must be capped: %s", b10)
	}
}

func newTestProcessor(t *testing.T, cfg config.Config) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	q := queue.NewRedisQueue(client, cfg)
	return NewProcessor(cfg, q, nil), q
}

func enqueue(t *testing.T, q *queue.RedisQueue, kind models.JobKind, due time.Time) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), kind, due, models.JobPayload{ActivityID: 1, ProgressID: "p1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestRunOnceAcksSuccessfulJobs(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{MaxAttempts: 3})
	var ran []models.JobKind
	h := func(_ context.Context, job models.QueuedJob, _ time.Time) (reengagement.Outcome, error) {
		ran = append(ran, job.Kind)
		return reengagement.OutcomeCompleted, nil
	}
	p.RegisterHandler(models.KindCompletion, h)
	p.RegisterHandler(models.KindReminder, h)

	enqueue(t, q, models.KindCompletion, base)
	enqueue(t, q, models.KindReminder, base)
	enqueue(t, q, models.KindReminder, base.Add(time.Hour))

	res, err := p.RunOnce(ctx, base)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Dispatched != 2 || len(ran) != 2 || ran[0] != models.KindCompletion {
		t.Fatalf("expected the two due jobs in order, got %+v %v", res, ran)
	}
	if n, _ := q.InFlight(ctx); n != 0 {
		t.Fatalf("expected no leases left, got %d", n)
	}
	if n, _ := q.ScheduledDepth(ctx); n != 1 {
		t.Fatalf("expected future job untouched, got %d", n)
	}
}

func TestTransientFailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{MaxAttempts: 2, BackoffInitial: time.Second, BackoffMax: time.Second})
	calls := 0
	p.RegisterHandler(models.KindReminder, func(context.Context, models.QueuedJob, time.Time) (reengagement.Outcome, error) {
		calls++
		return reengagement.OutcomeAborted, &reengagement.JobError{Kind: reengagement.ErrTransient, Err: errors.New("db down")}
	})
	id := enqueue(t, q, models.KindReminder, base)

	res, err := p.RunOnce(ctx, base)
	if err != nil || res.Retried != 1 {
		t.Fatalf("expected a retry, got %+v err=%v", res, err)
	}
	job, err := q.Get(ctx, id)
	if err != nil || job.Attempts != 1 || !job.DueAt.After(base) {
		t.Fatalf("expected rescheduled job with one attempt, got %+v err=%v", job, err)
	}

	res, err = p.RunOnce(ctx, base.Add(time.Minute))
	if err != nil || res.DeadLetters != 1 {
		t.Fatalf("expected dead letter, got %+v err=%v", res, err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
	items, _ := q.DLQPeek(ctx, 10)
	if len(items) != 1 {
		t.Fatalf("expected one DLQ entry, got %d", len(items))
	}
	var entry struct {
		Job    models.QueuedJob `json:"job"`
		Reason string           `json:"reason"`
	}
	if err := json.Unmarshal([]byte(items[0]), &entry); err != nil || entry.Job.ID != id || entry.Reason == "" {
		t.Fatalf("unexpected DLQ entry %q err=%v", items[0], err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("dead-lettered job must leave the queue, got %v", err)
	}
}

func TestNonTransientFailureIsDropped(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{MaxAttempts: 5})
	p.RegisterHandler(models.KindCompletion, func(context.Context, models.QueuedJob, time.Time) (reengagement.Outcome, error) {
		return reengagement.OutcomeAborted, &reengagement.JobError{Kind: reengagement.ErrPersistence, Err: errors.New("write failed")}
	})
	id := enqueue(t, q, models.KindCompletion, base)

	res, err := p.RunOnce(ctx, base)
	if err != nil || res.Failed != 1 || res.Retried != 0 {
		t.Fatalf("expected a dropped failure, got %+v err=%v", res, err)
	}
	if _, err := q.Get(ctx, id); !errors.Is(err, queue.ErrJobNotFound) {
		t.Fatalf("expected job acked, got %v", err)
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{})
	p.RegisterHandler(models.KindReminder, func(context.Context, models.QueuedJob, time.Time) (reengagement.Outcome, error) {
		panic("boom")
	})
	enqueue(t, q, models.KindReminder, base)
	enqueue(t, q, models.KindReminder, base)

	res, err := p.RunOnce(ctx, base)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Dispatched != 2 || res.Failed != 2 {
		t.Fatalf("a panic must not stop the batch, got %+v", res)
	}
}

func TestUnknownKindIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{})
	enqueue(t, q, models.KindCompletion, base)

	res, err := p.RunOnce(ctx, base)
	if err != nil || res.DeadLetters != 1 {
		t.Fatalf("expected dead letter, got %+v err=%v", res, err)
	}
}

func TestRunOnceRequeuesLapsedLeases(t *testing.T) {
	ctx := context.Background()
	p, q := newTestProcessor(t, config.Config{VisibilityTimeout: time.Minute})
	enqueue(t, q, models.KindCompletion, base)
	if job, err := q.ClaimDue(ctx, base); err != nil || job == nil {
		t.Fatalf("claim: %v %v", job, err)
	}
	ran := 0
	p.RegisterHandler(models.KindCompletion, func(context.Context, models.QueuedJob, time.Time) (reengagement.Outcome, error) {
		ran++
		return reengagement.OutcomeCompleted, nil
	})

	res, err := p.RunOnce(ctx, base.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if res.Requeued != 1 || ran != 1 {
		t.Fatalf("expected lapsed job re-delivered, got %+v ran=%d", res, ran)
	}
}

func TestDispatchBatchSizeLimitsPass(t *testing.T) {
	p, q := newTestProcessor(t, config.Config{DispatchBatchSize: 1})
	p.RegisterHandler(models.KindReminder, func(context.Context, models.QueuedJob, time.Time) (reengagement.Outcome, error) {
		return reengagement.OutcomeSentFinal, nil
	})
	enqueue(t, q, models.KindReminder, base)
	enqueue(t, q, models.KindReminder, base)

	res, err := p.RunOnce(context.Background(), base)
	if err != nil || res.Dispatched != 1 {
		t.Fatalf("expected one job per pass, got %+v err=%v", res, err)
	}
}
