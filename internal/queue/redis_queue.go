package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"reengagement-scheduler/internal/config"
	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/telemetry"
)

// ErrJobNotFound is returned when a job id has no stored payload.
var ErrJobNotFound = errors.New("queued job not found")

// RedisQueue is a delayed at-least-once job queue. Jobs wait in a sorted set
// scored by due time and move to an in-flight set with a lease when claimed.
type RedisQueue struct {
	client        *redis.Client
	scheduledKey  string
	inflightKey   string
	seqKey        string
	jobKeyPrefix  string
	dlqKey        string
	visibilityTTL time.Duration
	logger        *zap.Logger
}

// NewRedisQueue builds a queue on an existing client.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 5 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "reengagement:dlq"
	}
	return &RedisQueue{
		client:        client,
		scheduledKey:  "reengagement:queue:scheduled",
		inflightKey:   "reengagement:queue:inflight",
		seqKey:        "reengagement:queue:seq",
		jobKeyPrefix:  "reengagement:queue:job:",
		dlqKey:        dlq,
		visibilityTTL: visibility,
		logger:        zap.NewNop(),
	}
}

// SetLogger sets the logger used for per-job dispatch failures.
func (q *RedisQueue) SetLogger(logger *zap.Logger) {
	if logger != nil {
		q.logger = logger
	}
}

// NewClient opens a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func (q *RedisQueue) jobKey(jobID string) string {
	return q.jobKeyPrefix + jobID
}

// member orders equal due times by insertion: the zero-padded sequence sorts
// lexicographically in the same order it was issued.
func member(seq int64, jobID string) string {
	return fmt.Sprintf("%019d|%s", seq, jobID)
}

// Enqueue stores the job and schedules it for its due time. It returns the job id.
func (q *RedisQueue) Enqueue(ctx context.Context, kind models.JobKind, dueAt time.Time, payload models.JobPayload) (string, error) {
	job := models.QueuedJob{
		ID:         uuid.New().String(),
		Kind:       kind,
		DueAt:      dueAt.UTC(),
		FirstDueAt: dueAt.UTC(),
		Payload:    payload,
		Enqueued:   time.Now().UTC(),
	}
	if err := q.schedule(ctx, job); err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(kind)).Inc()
	return job.ID, nil
}

func (q *RedisQueue) schedule(ctx context.Context, job models.QueuedJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	m := member(seq, job.ID)
	due := job.DueAt.UnixMilli()

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "data", data, "member", m, "due", due)
	pipe.ZRem(ctx, q.inflightKey, job.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(due), Member: m})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule job: %w", err)
	}
	return nil
}

// ClaimDue atomically takes the earliest job whose due time is at or before now
// and leases it. It returns nil when nothing is due.
func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time) (*models.QueuedJob, error) {
	for {
		res, err := claimScript.Run(ctx, q.client,
			[]string{q.scheduledKey, q.inflightKey},
			now.UnixMilli(), now.Add(q.visibilityTTL).UnixMilli(), q.jobKeyPrefix,
		).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		arr, ok := res.([]interface{})
		if !ok || len(arr) == 0 {
			return nil, fmt.Errorf("unexpected type from claim script: %T", res)
		}
		jobID, _ := arr[0].(string)
		var raw string
		if len(arr) > 1 {
			raw, _ = arr[1].(string)
		}
		if raw == "" {
			// Payload vanished between schedule and claim; drop the lease and look again.
			_ = q.client.ZRem(ctx, q.inflightKey, jobID).Err()
			continue
		}
		var job models.QueuedJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			_ = q.Ack(ctx, jobID)
			return nil, fmt.Errorf("decode job %s: %w", jobID, err)
		}
		return &job, nil
	}
}

// DispatchDue claims due jobs one at a time and hands each to fn until
// nothing is due or limit jobs were claimed. fn owns acking the job. A non-positive
// limit means no limit. An fn error is logged and the pass moves on; the job
// stays leased and comes back through RequeueExpired. Only claim failures
// end the pass with an error.
func (q *RedisQueue) DispatchDue(ctx context.Context, now time.Time, limit int, fn func(context.Context, models.QueuedJob) error) (int, error) {
	n := 0
	for limit <= 0 || n < limit {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		job, err := q.ClaimDue(ctx, now)
		if err != nil {
			return n, err
		}
		if job == nil {
			return n, nil
		}
		n++
		if err := fn(ctx, *job); err != nil {
			q.logger.Error("settle job",
				zap.String("job_id", job.ID),
				zap.String("kind", string(job.Kind)),
				zap.Error(err))
		}
	}
	return n, nil
}

// Get returns a stored job by id, whether scheduled or in flight.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.QueuedJob, error) {
	raw, err := q.client.HGet(ctx, q.jobKey(jobID), "data").Result()
	if err == redis.Nil {
		return models.QueuedJob{}, ErrJobNotFound
	}
	if err != nil {
		return models.QueuedJob{}, fmt.Errorf("get job: %w", err)
	}
	var job models.QueuedJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.QueuedJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

// Ack removes a claimed job for good.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule puts a claimed job back with a new due time and attempt count.
// FirstDueAt is kept.
func (q *RedisQueue) Reschedule(ctx context.Context, job models.QueuedJob, dueAt time.Time) error {
	if job.FirstDueAt.IsZero() {
		job.FirstDueAt = job.DueAt
	}
	job.DueAt = dueAt.UTC()
	return q.schedule(ctx, job)
}

// Delete removes a job wherever it currently sits.
func (q *RedisQueue) Delete(ctx context.Context, jobID string) error {
	m, err := q.client.HGet(ctx, q.jobKey(jobID), "member").Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lookup job: %w", err)
	}
	pipe := q.client.TxPipeline()
	if m != "" {
		pipe.ZRem(ctx, q.scheduledKey, m)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.jobKey(jobID))
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired returns jobs whose lease lapsed to the scheduled set under
// their original due time. It returns the reclaimed ids.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := requeueScript.Run(ctx, q.client,
		[]string{q.scheduledKey, q.inflightKey},
		now.UnixMilli(), limit, q.jobKeyPrefix,
	).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return res, nil
}

// DueDepth counts scheduled jobs that are already due.
func (q *RedisQueue) DueDepth(ctx context.Context, now time.Time) (int64, error) {
	return q.client.ZCount(ctx, q.scheduledKey, "-inf", strconv.FormatInt(now.UnixMilli(), 10)).Result()
}

// ScheduledDepth counts every job waiting in the scheduled set.
func (q *RedisQueue) ScheduledDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// InFlight counts leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

type dlqEntry struct {
	Job    models.QueuedJob `json:"job"`
	Reason string           `json:"reason"`
	At     time.Time        `json:"at"`
}

// DLQPush records a job that exhausted its attempts for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, job models.QueuedJob, reason string) error {
	data, err := json.Marshal(dlqEntry{Job: job, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, data).Err()
}

// DLQPeek reads the oldest dead-lettered entries as raw JSON.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

var claimScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then
  return nil
end
local m = items[1]
redis.call('ZREM', KEYS[1], m)
local sep = string.find(m, '|', 1, true)
local id = string.sub(m, sep + 1)
redis.call('ZADD', KEYS[2], ARGV[2], id)
local data = redis.call('HGET', ARGV[3] .. id, 'data')
if not data then
  data = ''
end
return {id, data}
`)

var requeueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[2], id)
  local h = redis.call('HMGET', ARGV[3] .. id, 'member', 'due')
  if h[1] then
    redis.call('ZADD', KEYS[1], h[2], h[1])
  end
end
return ids
`)
