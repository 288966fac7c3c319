package reengagement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/store"
)

var errRecipientsFailed = errors.New("one or more recipients could not be notified")

// deliver applies the send guards and then notifies. A suppressed, stale or
// overdue message counts as delivered so bookkeeping advances as if sent.
func (e *Engine) deliver(ctx context.Context, job models.QueuedJob, def models.ActivityDefinition, rec models.ProgressRecord, now time.Time, log *zap.Logger) (bool, error) {
	user, err := e.host.GetUser(ctx, rec.UserID)
	if errors.Is(err, store.ErrUserNotFound) || (err == nil && user.Deleted) {
		log.Info("user deleted, not sending")
		return true, nil
	}
	if err != nil {
		return false, jobError(ErrNotification, job, err)
	}

	if def.SuppressTargetModuleID != nil {
		flag, err := e.host.GetFlag(ctx, *def.SuppressTargetModuleID, user.ID)
		if err != nil {
			return false, jobError(ErrNotification, job, err)
		}
		if flag != nil && flag.State.IsComplete() {
			log.Info("target activity complete, suppressing message", zap.Int64("target_module_id", *def.SuppressTargetModuleID))
			return true, nil
		}
	}

	if due := job.OriginalDueAt(); !due.IsZero() && due.Add(e.opts.StaleGrace).Before(now) {
		log.Info("message was due too long ago, not sending", zap.Time("due_at", due))
		return true, nil
	}
	if na := job.Payload.NotAfter; na != nil && na.Before(now) {
		log.Info("past usefulness deadline, not sending", zap.Time("not_after", *na))
		return true, nil
	}

	if e.notifier == nil {
		return false, jobError(ErrConfiguration, job, errors.New("no notifier configured"))
	}
	ok, err := e.notifier.Notify(ctx, def, user)
	if err != nil {
		return false, jobError(ErrNotification, job, err)
	}
	if !ok {
		return false, jobError(ErrNotification, job, errRecipientsFailed)
	}
	log.Info("message sent")
	return true, nil
}
