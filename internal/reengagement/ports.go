package reengagement

import (
	"context"
	"time"

	"reengagement-scheduler/internal/models"
)

// ProgressStore persists ProgressRecords.
type ProgressStore interface {
	// CreateProgress inserts rec and an incomplete completion flag atomically,
	// filling in the generated ids.
	CreateProgress(ctx context.Context, rec *models.ProgressRecord, flag *models.CompletionFlag) error
	// UndoProgress removes what CreateProgress wrote.
	UndoProgress(ctx context.Context, rec models.ProgressRecord, moduleID int64) error
	GetProgress(ctx context.Context, id string) (models.ProgressRecord, error)
	DeleteProgress(ctx context.Context, id string) error
	MarkProgressCompleted(ctx context.Context, id string) error
	RecordReminderSent(ctx context.Context, id string, sent int, next *time.Time) error
	SetNextReminder(ctx context.Context, id string, next time.Time) error
}

// Definitions reads activity definitions.
type Definitions interface {
	ListActiveDefinitions(ctx context.Context) ([]models.ActivityDefinition, error)
	GetDefinition(ctx context.Context, id int64) (models.ActivityDefinition, error)
}

// Enrollments answers enrolment and capability questions.
type Enrollments interface {
	// ListStartCandidates returns users actively enrolled with capability who
	// have neither a progress record for def nor a completion flag for its module.
	ListStartCandidates(ctx context.Context, def models.ActivityDefinition, capability string) ([]models.User, error)
	IsEnrolledWithCapability(ctx context.Context, courseID, userID int64, capability string) (bool, error)
}

// Users reads host user accounts.
type Users interface {
	GetUser(ctx context.Context, id int64) (models.User, error)
	IsUserDeleted(ctx context.Context, id int64) (bool, error)
}

// Availability evaluates access restrictions on the activity's module.
type Availability interface {
	Evaluate(ctx context.Context, def models.ActivityDefinition, userID int64) (available bool, reason string, err error)
}

// Completions reads and writes host completion flags. GetFlag returns nil when
// no flag exists.
type Completions interface {
	GetFlag(ctx context.Context, moduleID, userID int64) (*models.CompletionFlag, error)
	UpsertFlag(ctx context.Context, flag *models.CompletionFlag) error
}

// Courses reads the course tree.
type Courses interface {
	GetCourse(ctx context.Context, id int64) (models.Course, error)
	GetCategory(ctx context.Context, id int64) (models.Category, error)
}

// CompletionCache drops cached completion data after a state change.
type CompletionCache interface {
	Invalidate(ctx context.Context, userID, courseID int64) error
}

// Events publishes domain events.
type Events interface {
	CompletionUpdated(ctx context.Context, ev models.CompletionEvent) error
}

// Notifier delivers an activity's messages for a user to every configured
// recipient. ok is the AND of every individual send.
type Notifier interface {
	Notify(ctx context.Context, def models.ActivityDefinition, user models.User) (ok bool, err error)
}

// Queue accepts deferred jobs.
type Queue interface {
	Enqueue(ctx context.Context, kind models.JobKind, dueAt time.Time, payload models.JobPayload) (string, error)
}

// Host bundles the host-side ports. Both store implementations satisfy it.
type Host interface {
	ProgressStore
	Definitions
	Enrollments
	Users
	Availability
	Completions
	Courses
}
