package reengagement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/store"
	"reengagement-scheduler/internal/telemetry"
)

// ScanResult summarises one scanner pass.
type ScanResult struct {
	Definitions int `json:"definitions"`
	Skipped     int `json:"skipped"`
	Enrolled    int `json:"enrolled"`
	Failures    int `json:"failures"`
}

// Scanner finds users eligible to start an activity and schedules their jobs.
type Scanner struct {
	host   Host
	queue  Queue
	opts   Options
	logger *zap.Logger
}

// NewScanner wires a Scanner. A nil logger disables logging.
func NewScanner(deps Deps, opts Options, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{host: deps.Host, queue: deps.Queue, opts: opts, logger: logger}
}

// Run processes every active definition in id order. Failures for a single
// definition or user are logged and counted; only failing to list the
// definitions aborts the pass.
func (s *Scanner) Run(ctx context.Context, now time.Time) (ScanResult, error) {
	var res ScanResult
	telemetry.ScanRuns.Inc()

	defs, err := s.host.ListActiveDefinitions(ctx)
	if err != nil {
		return res, fmt.Errorf("list definitions: %w", err)
	}

	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Definitions++
		log := s.logger.With(zap.Int64("activity_id", def.ID), zap.Int64("course_id", def.CourseID))

		if err := def.Validate(); err != nil {
			log.Warn("skipping misconfigured activity", zap.Error(err))
			res.Skipped++
			continue
		}
		visible, err := s.visible(ctx, def)
		if err != nil {
			log.Error("check course visibility", zap.Error(err))
			res.Failures++
			continue
		}
		if !visible {
			log.Debug("course hidden, skipping activity")
			res.Skipped++
			continue
		}

		users, err := s.host.ListStartCandidates(ctx, def, models.StartCapability)
		if err != nil {
			log.Error("list start candidates", zap.Error(err))
			res.Failures++
			continue
		}
		for _, user := range users {
			if !user.Confirmed || user.Deleted {
				continue
			}
			ulog := log.With(zap.Int64("user_id", user.ID))
			available, reason, err := s.host.Evaluate(ctx, def, user.ID)
			if err != nil {
				ulog.Error("evaluate availability", zap.Error(err))
				res.Failures++
				continue
			}
			if !available {
				ulog.Debug("activity not available to user", zap.String("reason", reason))
				continue
			}

			err = s.start(ctx, def, user, now)
			switch {
			case errors.Is(err, store.ErrDuplicateProgress):
				ulog.Debug("user already tracked")
			case err != nil:
				ulog.Error("start tracking", zap.Error(err))
				res.Failures++
			default:
				ulog.Info("user started activity")
				res.Enrolled++
			}
		}
	}

	telemetry.ScanEnrolled.Add(float64(res.Enrolled))
	telemetry.ScanFailures.Add(float64(res.Failures))
	return res, nil
}

// start creates the user's record and flag and queues its jobs. If queuing
// fails the record is removed so a later pass can try again; jobs that did
// get queued abort on the missing record.
func (s *Scanner) start(ctx context.Context, def models.ActivityDefinition, user models.User, now time.Time) error {
	due := now.Add(def.DurationTime())
	next := due
	rec := &models.ProgressRecord{
		ActivityID:      def.ID,
		UserID:          user.ID,
		CompletionDueAt: due,
		NextReminderAt:  &next,
		CreatedAt:       now,
	}
	flag := &models.CompletionFlag{
		ModuleID:   def.ModuleID,
		UserID:     user.ID,
		State:      models.CompletionIncomplete,
		ModifiedAt: now,
	}
	if err := s.host.CreateProgress(ctx, rec, flag); err != nil {
		return err
	}

	payload := models.JobPayload{
		ActivityID: def.ID,
		Activity:   def,
		ProgressID: rec.ID,
		Progress:   *rec,
		NotAfter:   def.NotAfter(due),
	}
	err := s.enqueue(ctx, models.KindCompletion, due, payload)
	if err == nil && def.SchedulesReminders() {
		err = s.enqueue(ctx, models.KindReminder, next, payload)
	}
	if err != nil {
		if uerr := s.host.UndoProgress(ctx, *rec, def.ModuleID); uerr != nil {
			return fmt.Errorf("%w (undo progress: %v)", err, uerr)
		}
		return err
	}
	return nil
}

func (s *Scanner) enqueue(ctx context.Context, kind models.JobKind, dueAt time.Time, payload models.JobPayload) error {
	if _, err := s.queue.Enqueue(ctx, kind, dueAt, payload); err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// visible reports whether the definition's course may be scanned. The
// category walk stops at the root, at a missing category or on a cycle.
func (s *Scanner) visible(ctx context.Context, def models.ActivityDefinition) (bool, error) {
	if !s.opts.ProcessVisibleCoursesOnly {
		return true, nil
	}
	course, err := s.host.GetCourse(ctx, def.CourseID)
	if errors.Is(err, store.ErrCourseNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !course.Visible {
		return false, nil
	}
	if s.opts.IgnoreCategoryVisibility {
		return true, nil
	}

	seen := make(map[int64]bool)
	for id := course.CategoryID; id != 0 && !seen[id]; {
		seen[id] = true
		cat, err := s.host.GetCategory(ctx, id)
		if errors.Is(err, store.ErrCategoryNotFound) {
			break
		}
		if err != nil {
			return false, err
		}
		if !cat.Visible {
			return false, nil
		}
		id = cat.ParentID
	}
	return true, nil
}
