package models

import "time"

// CompletionEvent announces that a user's completion state for a module changed.
type CompletionEvent struct {
	FlagID     int64           `json:"flag_id"`
	ModuleID   int64           `json:"module_id"`
	CourseID   int64           `json:"course_id"`
	UserID     int64           `json:"user_id"`
	State      CompletionState `json:"state"`
	OccurredAt time.Time       `json:"occurred_at"`
}
