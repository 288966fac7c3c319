package notify

import (
	"context"
	"time"
)

// RecipientKind says why a recipient gets a message.
type RecipientKind string

const (
	RecipientUser       RecipientKind = "user"
	RecipientManager    RecipientKind = "manager"
	RecipientThirdParty RecipientKind = "third_party"
)

// Recipient is one addressee of a message. UserID is zero for third parties.
type Recipient struct {
	Kind   RecipientKind `json:"kind"`
	UserID int64         `json:"user_id,omitempty"`
	Email  string        `json:"email"`
	Name   string        `json:"name"`
}

// Message is a rendered notification ready for a transport.
type Message struct {
	From       string    `json:"from"`
	Recipient  Recipient `json:"recipient"`
	Subject    string    `json:"subject"`
	Plain      string    `json:"plain"`
	HTML       string    `json:"html"`
	ActivityID int64     `json:"activity_id"`
	CourseID   int64     `json:"course_id"`
	// AboutUserID is the learner the message concerns.
	AboutUserID int64     `json:"about_user_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Sender hands a message to a delivery transport.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
