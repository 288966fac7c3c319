package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EmailMode controls when a reengagement activity notifies.
type EmailMode string

const (
	EmailNever        EmailMode = "never"
	EmailOnCompletion EmailMode = "onCompletion"
	EmailOnSchedule   EmailMode = "onSchedule"
)

// Valid reports whether m is a known mode.
func (m EmailMode) Valid() bool {
	switch m {
	case EmailNever, EmailOnCompletion, EmailOnSchedule:
		return true
	}
	return false
}

// RecipientMode selects who receives reminder and completion notifications.
type RecipientMode string

const (
	RecipientUser    RecipientMode = "user"
	RecipientManager RecipientMode = "manager"
	RecipientBoth    RecipientMode = "both"
)

// Templates holds the raw message templates with %placeholder% variables.
type Templates struct {
	Subject           string `json:"subject"`
	Content           string `json:"content"`
	ManagerSubject    string `json:"manager_subject"`
	ManagerContent    string `json:"manager_content"`
	ThirdPartySubject string `json:"third_party_subject"`
	ThirdPartyContent string `json:"third_party_content"`
}

// ActivityDefinition is the configuration of one reengagement activity instance.
type ActivityDefinition struct {
	ID                     int64         `json:"id"`
	ModuleID               int64         `json:"module_id"`
	CourseID               int64         `json:"course_id"`
	Name                   string        `json:"name"`
	Duration               int64         `json:"duration"`
	EmailMode              EmailMode     `json:"email_mode"`
	ReminderCount          int           `json:"reminder_count"`
	ReminderDelay          int64         `json:"reminder_delay"`
	SuppressTargetModuleID *int64        `json:"suppress_target_module_id,omitempty"`
	RecipientMode          RecipientMode `json:"recipient_mode"`
	ThirdPartyEmails       []string      `json:"third_party_emails,omitempty"`
	Templates              Templates     `json:"templates"`
	// SendDeadline, when positive, is how many seconds after a job's due time a
	// notification is still worth sending.
	SendDeadline       int64 `json:"send_deadline,omitempty"`
	DeletionInProgress bool  `json:"deletion_in_progress"`
}

// DurationTime returns Duration as a time.Duration.
func (a ActivityDefinition) DurationTime() time.Duration {
	return time.Duration(a.Duration) * time.Second
}

// ReminderDelayTime returns ReminderDelay as a time.Duration.
func (a ActivityDefinition) ReminderDelayTime() time.Duration {
	return time.Duration(a.ReminderDelay) * time.Second
}

// SchedulesReminders reports whether users of this activity get reminder jobs.
func (a ActivityDefinition) SchedulesReminders() bool {
	return a.EmailMode == EmailOnSchedule && a.ReminderCount > 0
}

// NotAfter computes the optional send deadline for a job due at dueAt.
func (a ActivityDefinition) NotAfter(dueAt time.Time) *time.Time {
	if a.SendDeadline <= 0 {
		return nil
	}
	t := dueAt.Add(time.Duration(a.SendDeadline) * time.Second)
	return &t
}

// Valid reports whether m is a known recipient mode.
func (m RecipientMode) Valid() bool {
	switch m {
	case RecipientUser, RecipientManager, RecipientBoth:
		return true
	}
	return false
}

// Validate checks that the definition can be scheduled and that every
// template its recipients need is present.
func (a ActivityDefinition) Validate() error {
	if !a.EmailMode.Valid() {
		return fmt.Errorf("unknown email mode %q", a.EmailMode)
	}
	if a.Duration < 0 || a.ReminderDelay < 0 || a.ReminderCount < 0 {
		return errors.New("duration, reminder delay and reminder count must not be negative")
	}
	if a.EmailMode == EmailNever {
		return nil
	}
	if !a.RecipientMode.Valid() {
		return fmt.Errorf("unknown recipient mode %q", a.RecipientMode)
	}
	t := a.Templates
	if a.RecipientMode != RecipientManager && (strings.TrimSpace(t.Subject) == "" || strings.TrimSpace(t.Content) == "") {
		return errors.New("user subject and content templates are required")
	}
	if a.RecipientMode != RecipientUser && (strings.TrimSpace(t.ManagerSubject) == "" || strings.TrimSpace(t.ManagerContent) == "") {
		return errors.New("manager subject and content templates are required")
	}
	if len(a.ThirdPartyEmails) > 0 && (strings.TrimSpace(t.ThirdPartySubject) == "" || strings.TrimSpace(t.ThirdPartyContent) == "") {
		return errors.New("third-party subject and content templates are required")
	}
	return nil
}
