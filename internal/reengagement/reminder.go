package reengagement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
)

// RunReminder sends one scheduled reminder and re-arms itself while the
// activity still owes the user reminders.
func (e *Engine) RunReminder(ctx context.Context, job models.QueuedJob, now time.Time) (Outcome, error) {
	log := e.logger.With(JobFields(job)...)

	rec, def, ok, err := e.validate(ctx, job, log)
	if !ok {
		return OutcomeAborted, err
	}

	if rec.Completed {
		log.Info("already complete, deleting progress record without sending")
		if err := e.host.DeleteProgress(ctx, rec.ID); err != nil {
			return OutcomeAborted, jobError(ErrPersistence, job, err)
		}
		return OutcomeSkippedAlreadyComplete, nil
	}

	// Each link of the chain snapshots the count it was queued with; a live
	// count ahead of it means this job already ran and was redelivered.
	if rec.RemindersSent > job.Payload.Progress.RemindersSent {
		log.Info("reminder already handled, skipping redelivered job",
			zap.Int("reminders_sent", rec.RemindersSent),
			zap.Int("queued_at_count", job.Payload.Progress.RemindersSent))
		return OutcomeSkippedDuplicate, nil
	}

	before := rec.RemindersSent
	if before >= def.ReminderCount {
		log.Info("reminder count reached, not sending", zap.Int("reminders_sent", before), zap.Int("reminder_count", def.ReminderCount))
		return OutcomeSentFinal, nil
	}
	after := before + 1
	nextAt := now.Add(def.ReminderDelayTime())
	next := &nextAt
	if err := e.host.RecordReminderSent(ctx, rec.ID, after, next); err != nil {
		return OutcomeAborted, jobError(ErrPersistence, job, err)
	}

	sent, err := e.deliver(ctx, job, def, rec, now, log)
	if !sent {
		return OutcomeSentFinal, err
	}

	if after >= def.ReminderCount {
		log.Info("final reminder sent", zap.Int("reminders_sent", after))
		return OutcomeSentFinal, nil
	}

	progress := rec
	progress.RemindersSent = after
	progress.NextReminderAt = next
	payload := models.JobPayload{
		ActivityID: def.ID,
		Activity:   def,
		ProgressID: rec.ID,
		Progress:   progress,
		NotAfter:   def.NotAfter(*next),
	}
	if _, err := e.queue.Enqueue(ctx, models.KindReminder, *next, payload); err != nil {
		return OutcomeSentFinal, jobError(ErrPersistence, job, err)
	}
	if err := e.host.SetNextReminder(ctx, rec.ID, *next); err != nil {
		return OutcomeSentAndRearmed, jobError(ErrPersistence, job, err)
	}
	log.Info("reminder sent, next one queued", zap.Int("reminders_sent", after), zap.Time("next_reminder_at", *next))
	return OutcomeSentAndRearmed, nil
}
