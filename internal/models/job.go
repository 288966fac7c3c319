package models

import (
	"time"
)

// JobKind names the two deferred job types the dispatcher knows how to run.
type JobKind string

const (
	KindCompletion JobKind = "completion"
	KindReminder   JobKind = "reminder"
)

// JobPayload carries point-in-time snapshots of the activity and progress rows.
// Handlers re-read live state for every decision and only fall back to the
// snapshots for logging and templating.
type JobPayload struct {
	ActivityID int64              `json:"activity_id"`
	Activity   ActivityDefinition `json:"activity"`
	ProgressID string             `json:"progress_id"`
	Progress   ProgressRecord     `json:"progress"`
	// NotAfter is an optional deadline past which a notification is no longer useful.
	NotAfter *time.Time `json:"not_after,omitempty"`
}

// QueuedJob is a deferred unit of work held by the queue until claimed.
type QueuedJob struct {
	ID    string    `json:"id"`
	Kind  JobKind   `json:"kind"`
	DueAt time.Time `json:"due_at"`
	// FirstDueAt is the due time given at enqueue. Retries move DueAt only.
	FirstDueAt time.Time  `json:"first_due_at"`
	Payload    JobPayload `json:"payload"`
	Attempts   int        `json:"attempts"`
	Enqueued   time.Time  `json:"enqueued_at"`
}

// OriginalDueAt is when the job was first meant to run.
func (j QueuedJob) OriginalDueAt() time.Time {
	if j.FirstDueAt.IsZero() {
		return j.DueAt
	}
	return j.FirstDueAt
}

// UserID is a convenience accessor used in log fields.
func (j QueuedJob) UserID() int64 {
	return j.Payload.Progress.UserID
}
