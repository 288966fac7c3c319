package models

import "time"

// ProgressRecord tracks one user's way through one reengagement activity.
type ProgressRecord struct {
	ID              string     `json:"id"`
	ActivityID      int64      `json:"activity_id"`
	UserID          int64      `json:"user_id"`
	CompletionDueAt time.Time  `json:"completion_due_at"`
	NextReminderAt  *time.Time `json:"next_reminder_at,omitempty"`
	RemindersSent   int        `json:"reminders_sent"`
	Completed       bool       `json:"completed"`
	CreatedAt       time.Time  `json:"created_at"`
}

// CompletionState mirrors the host course's activity completion states.
type CompletionState int

const (
	CompletionIncomplete   CompletionState = 0
	CompletionComplete     CompletionState = 1
	CompletionCompletePass CompletionState = 2
	CompletionCompleteFail CompletionState = 3
)

// IsComplete reports whether the state counts as done for suppression checks.
func (s CompletionState) IsComplete() bool {
	return s == CompletionComplete || s == CompletionCompletePass || s == CompletionCompleteFail
}

// CompletionFlag is the host's per-user completion row for a course module.
type CompletionFlag struct {
	ID         int64           `json:"id"`
	ModuleID   int64           `json:"module_id"`
	UserID     int64           `json:"user_id"`
	State      CompletionState `json:"state"`
	Viewed     bool            `json:"viewed"`
	ModifiedAt time.Time       `json:"modified_at"`
}
