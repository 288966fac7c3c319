package reengagement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/store"
)

// Outcome is the terminal state a job execution reached.
type Outcome string

const (
	OutcomeCompleted              Outcome = "completed"
	OutcomeAborted                Outcome = "aborted"
	OutcomeSentAndRearmed         Outcome = "sent_and_rearmed"
	OutcomeSentFinal              Outcome = "sent_final"
	OutcomeSkippedAlreadyComplete Outcome = "skipped_already_complete"
	OutcomeSkippedDuplicate       Outcome = "skipped_duplicate"
)

// DefaultStaleGrace is how long after its due time a message is still worth sending.
const DefaultStaleGrace = 48 * time.Hour

// Options tunes scanning and delivery.
type Options struct {
	StaleGrace                time.Duration
	ProcessVisibleCoursesOnly bool
	IgnoreCategoryVisibility  bool
}

// Deps are the collaborators the engine and scanner need. Cache and Events
// are optional.
type Deps struct {
	Host     Host
	Queue    Queue
	Notifier Notifier
	Cache    CompletionCache
	Events   Events
}

// Engine executes completion and reminder jobs.
type Engine struct {
	host     Host
	queue    Queue
	notifier Notifier
	cache    CompletionCache
	events   Events
	opts     Options
	logger   *zap.Logger
}

// NewEngine wires an Engine. A nil logger disables logging.
func NewEngine(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StaleGrace == 0 {
		opts.StaleGrace = DefaultStaleGrace
	}
	return &Engine{
		host:     deps.Host,
		queue:    deps.Queue,
		notifier: deps.Notifier,
		cache:    deps.Cache,
		events:   deps.Events,
		opts:     opts,
		logger:   logger,
	}
}

// JobFields are the log fields attached to every line about a job.
func JobFields(job models.QueuedJob) []zap.Field {
	return []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.Int64("activity_id", job.Payload.ActivityID),
		zap.String("progress_id", job.Payload.ProgressID),
		zap.Int64("user_id", job.UserID()),
	}
}

func jobError(kind error, job models.QueuedJob, err error) *JobError {
	return &JobError{
		Kind:       kind,
		ActivityID: job.Payload.ActivityID,
		ProgressID: job.Payload.ProgressID,
		UserID:     job.UserID(),
		Err:        err,
	}
}

// validate re-reads live state in a fixed order. ok is false when the job
// must abort; orphaned records are deleted on the way out and reported as
// ErrStaleReference. A record that is already gone aborts with no error.
func (e *Engine) validate(ctx context.Context, job models.QueuedJob, log *zap.Logger) (models.ProgressRecord, models.ActivityDefinition, bool, error) {
	var (
		rec models.ProgressRecord
		def models.ActivityDefinition
	)
	userID := job.UserID()
	snap := job.Payload.Activity

	enrolled, err := e.host.IsEnrolledWithCapability(ctx, snap.CourseID, userID, models.StartCapability)
	if err != nil {
		return rec, def, false, jobError(ErrTransient, job, err)
	}
	if !enrolled {
		return rec, def, false, e.dropOrphan(ctx, job, errNotEnrolled)
	}

	rec, err = e.host.GetProgress(ctx, job.Payload.ProgressID)
	if errors.Is(err, store.ErrProgressNotFound) {
		log.Info("progress record gone, nothing to do")
		return rec, def, false, nil
	}
	if err != nil {
		return rec, def, false, jobError(ErrTransient, job, err)
	}

	def, err = e.host.GetDefinition(ctx, job.Payload.ActivityID)
	if errors.Is(err, store.ErrDefinitionNotFound) || (err == nil && def.DeletionInProgress) {
		return rec, def, false, e.dropOrphan(ctx, job, errActivityGone)
	}
	if err != nil {
		return rec, def, false, jobError(ErrTransient, job, err)
	}

	deleted, err := e.host.IsUserDeleted(ctx, rec.UserID)
	if err != nil {
		return rec, def, false, jobError(ErrTransient, job, err)
	}
	if deleted {
		return rec, def, false, e.dropOrphan(ctx, job, errUserDeleted)
	}

	if err := def.Validate(); err != nil {
		return rec, def, false, jobError(ErrConfiguration, job, err)
	}
	return rec, def, true, nil
}

var (
	errNotEnrolled  = errors.New("user no longer enrolled with start capability")
	errActivityGone = errors.New("activity no longer exists")
	errUserDeleted  = errors.New("user deleted")
)

// dropOrphan deletes the job's progress record and reports why as a stale reference.
func (e *Engine) dropOrphan(ctx context.Context, job models.QueuedJob, reason error) error {
	if err := e.host.DeleteProgress(ctx, job.Payload.ProgressID); err != nil {
		return jobError(ErrPersistence, job, err)
	}
	return jobError(ErrStaleReference, job, reason)
}
