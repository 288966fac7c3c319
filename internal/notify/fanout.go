package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/telemetry"
)

// ErrInvalidDefinition is returned when an activity lacks a template one of
// its recipients needs.
var ErrInvalidDefinition = errors.New("activity cannot be notified")

// Directory reads what templating needs from the host.
type Directory interface {
	GetCourse(ctx context.Context, id int64) (models.Course, error)
	GetUser(ctx context.Context, id int64) (models.User, error)
	UserGroups(ctx context.Context, userID, courseID int64) ([]string, error)
}

// ManagerDirectory lists the managers of a user.
type ManagerDirectory interface {
	ManagerIDs(ctx context.Context, userID int64) ([]int64, error)
}

// FanOut renders an activity's templates and sends them to managers, the
// user and third parties as the activity's recipient mode asks.
type FanOut struct {
	sender   Sender
	dir      Directory
	managers ManagerDirectory
	from     string
	logger   *zap.Logger
	now      func() time.Time
}

// NewFanOut builds a FanOut. managers may be nil, in which case manager
// messages are never sent.
func NewFanOut(sender Sender, dir Directory, managers ManagerDirectory, from string, logger *zap.Logger) *FanOut {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FanOut{
		sender:   sender,
		dir:      dir,
		managers: managers,
		from:     from,
		logger:   logger,
		now:      time.Now,
	}
}

// Notify attempts every target and reports whether all of them succeeded.
// Per-recipient failures are logged; err is only set when nothing could be
// attempted.
func (f *FanOut) Notify(ctx context.Context, def models.ActivityDefinition, user models.User) (bool, error) {
	if err := def.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	course, err := f.dir.GetCourse(ctx, def.CourseID)
	if err != nil {
		return false, fmt.Errorf("load course: %w", err)
	}
	groups, err := f.dir.UserGroups(ctx, user.ID, def.CourseID)
	if err != nil {
		return false, fmt.Errorf("load groups: %w", err)
	}
	user.Groups = groups
	tpl := Render(def.Templates, course, user)
	log := f.logger.With(zap.Int64("activity_id", def.ID), zap.Int64("user_id", user.ID))

	ok := true
	if def.RecipientMode == models.RecipientManager || def.RecipientMode == models.RecipientBoth {
		ok = f.notifyManagers(ctx, def, user, tpl, log) && ok
	}
	if def.RecipientMode == models.RecipientUser || def.RecipientMode == models.RecipientBoth {
		r := Recipient{Kind: RecipientUser, UserID: user.ID, Email: user.Email, Name: fullName(user)}
		ok = f.send(ctx, def, user, r, tpl.Subject, tpl.Content, log) && ok
	}
	for _, addr := range def.ThirdPartyEmails {
		addr = strings.TrimSpace(addr)
		if !ValidEmail(addr) {
			log.Warn("invalid third-party address, skipping", zap.String("email", addr))
			continue
		}
		r := Recipient{Kind: RecipientThirdParty, Email: addr, Name: addr}
		ok = f.send(ctx, def, user, r, tpl.ThirdPartySubject, tpl.ThirdPartyContent, log) && ok
	}
	return ok, nil
}

func (f *FanOut) notifyManagers(ctx context.Context, def models.ActivityDefinition, user models.User, tpl models.Templates, log *zap.Logger) bool {
	if f.managers == nil {
		return true
	}
	ids, err := f.managers.ManagerIDs(ctx, user.ID)
	if err != nil {
		log.Warn("list managers", zap.Error(err))
		return false
	}
	if len(ids) == 0 {
		log.Info("user has no managers, no manager messages")
		return true
	}
	ok := true
	for _, id := range ids {
		mgr, err := f.dir.GetUser(ctx, id)
		if err != nil {
			log.Warn("load manager", zap.Int64("manager_id", id), zap.Error(err))
			ok = false
			continue
		}
		if mgr.Deleted {
			continue
		}
		r := Recipient{Kind: RecipientManager, UserID: mgr.ID, Email: mgr.Email, Name: fullName(mgr)}
		ok = f.send(ctx, def, user, r, tpl.ManagerSubject, tpl.ManagerContent, log) && ok
	}
	return ok
}

func (f *FanOut) send(ctx context.Context, def models.ActivityDefinition, about models.User, r Recipient, subject, body string, log *zap.Logger) bool {
	msg := Message{
		From:        f.from,
		Recipient:   r,
		Subject:     subject,
		Plain:       HTMLToText(body),
		HTML:        body,
		ActivityID:  def.ID,
		CourseID:    def.CourseID,
		AboutUserID: about.ID,
		CreatedAt:   f.now().UTC(),
	}
	if err := f.sender.Send(ctx, msg); err != nil {
		telemetry.NotificationFails.WithLabelValues(string(r.Kind)).Inc()
		log.Warn("send failed", zap.String("recipient_kind", string(r.Kind)), zap.String("email", r.Email), zap.Error(err))
		return false
	}
	telemetry.NotificationsSent.WithLabelValues(string(r.Kind)).Inc()
	return true
}

// ValidEmail reports whether s is a bare address such as "a@example.com".
func ValidEmail(s string) bool {
	if s == "" {
		return false
	}
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s {
		return false
	}
	at := strings.LastIndex(s, "@")
	return at > 0 && strings.Contains(s[at+1:], ".")
}

func fullName(u models.User) string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}
