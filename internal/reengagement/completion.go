package reengagement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
)

// RunCompletion marks the activity complete for the job's user once the
// configured duration has elapsed.
func (e *Engine) RunCompletion(ctx context.Context, job models.QueuedJob, now time.Time) (Outcome, error) {
	log := e.logger.With(JobFields(job)...)

	rec, def, ok, err := e.validate(ctx, job, log)
	if !ok {
		return OutcomeAborted, err
	}

	flag, err := e.host.GetFlag(ctx, def.ModuleID, rec.UserID)
	if err != nil {
		return OutcomeAborted, jobError(ErrTransient, job, err)
	}
	if flag == nil {
		log.Info("completion flag missing, recreating")
		flag = &models.CompletionFlag{
			ModuleID: def.ModuleID,
			UserID:   rec.UserID,
			Viewed:   true,
		}
	}
	flag.State = models.CompletionCompletePass
	flag.ModifiedAt = now
	if err := e.host.UpsertFlag(ctx, flag); err != nil {
		return OutcomeAborted, jobError(ErrPersistence, job, err)
	}

	if e.cache != nil {
		if err := e.cache.Invalidate(ctx, rec.UserID, def.CourseID); err != nil {
			log.Warn("invalidate completion cache", zap.Error(err))
		}
	}
	if e.events != nil {
		ev := models.CompletionEvent{
			FlagID:     flag.ID,
			ModuleID:   def.ModuleID,
			CourseID:   def.CourseID,
			UserID:     rec.UserID,
			State:      flag.State,
			OccurredAt: now,
		}
		if err := e.events.CompletionUpdated(ctx, ev); err != nil {
			log.Warn("publish completion event", zap.Error(err))
		}
	}

	deleted := def.EmailMode != models.EmailOnSchedule || rec.RemindersSent > 0
	if deleted {
		log.Info("activity complete, deleting progress record", zap.String("email_mode", string(def.EmailMode)))
		err = e.host.DeleteProgress(ctx, rec.ID)
	} else {
		log.Info("activity complete, keeping progress record for pending reminders")
		err = e.host.MarkProgressCompleted(ctx, rec.ID)
	}
	if err != nil {
		// No message: a later pass must not double-send.
		return OutcomeAborted, jobError(ErrPersistence, job, err)
	}

	if deleted && def.EmailMode == models.EmailOnCompletion {
		if _, err := e.deliver(ctx, job, def, rec, now, log); err != nil {
			return OutcomeCompleted, err
		}
	}
	return OutcomeCompleted, nil
}
