package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"reengagement-scheduler/internal/models"
	"reengagement-scheduler/internal/store"
)

type enrolment struct {
	active       bool
	capabilities map[string]bool
}

type flagKey struct {
	moduleID int64
	userID   int64
}

// Store is an in-memory implementation of the progress store and host ports.
// Safe for concurrent access. Intended for unit testing and local development.
type Store struct {
	mu sync.RWMutex

	activities   map[int64]models.ActivityDefinition
	progress     map[string]models.ProgressRecord
	users        map[int64]models.User
	courses      map[int64]models.Course
	categories   map[int64]models.Category
	enrolments   map[int64]map[int64]*enrolment // course -> user
	restrictions map[flagKey]string
	managers     map[int64][]int64
	groups       map[int64]map[int64][]string // course -> user -> names
	flags        map[flagKey]*models.CompletionFlag
	nextFlagID   int64

	failures map[string]error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		activities:   make(map[int64]models.ActivityDefinition),
		progress:     make(map[string]models.ProgressRecord),
		users:        make(map[int64]models.User),
		courses:      make(map[int64]models.Course),
		categories:   make(map[int64]models.Category),
		enrolments:   make(map[int64]map[int64]*enrolment),
		restrictions: make(map[flagKey]string),
		managers:     make(map[int64][]int64),
		groups:       make(map[int64]map[int64][]string),
		flags:        make(map[flagKey]*models.CompletionFlag),
		failures:     make(map[string]error),
	}
}

// FailOn makes the named operation return err until cleared with a nil err.
func (m *Store) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *Store) failure(op string) error {
	return m.failures[op]
}

// PutActivity inserts or replaces an activity definition.
func (m *Store) PutActivity(def models.ActivityDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activities[def.ID] = def
}

// PutUser inserts or replaces a user.
func (m *Store) PutUser(u models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutCourse inserts or replaces a course.
func (m *Store) PutCourse(c models.Course) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.courses[c.ID] = c
}

// PutCategory inserts or replaces a category.
func (m *Store) PutCategory(c models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[c.ID] = c
}

// Enrol gives the user an active enrolment in the course with capabilities.
func (m *Store) Enrol(courseID, userID int64, capabilities ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrolments[courseID] == nil {
		m.enrolments[courseID] = make(map[int64]*enrolment)
	}
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	m.enrolments[courseID][userID] = &enrolment{active: true, capabilities: caps}
}

// Unenrol removes the user's enrolment in the course.
func (m *Store) Unenrol(courseID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.enrolments[courseID], userID)
}

// Restrict makes the module unavailable to the user.
func (m *Store) Restrict(moduleID, userID int64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restrictions[flagKey{moduleID, userID}] = reason
}

// AssignManager records managerID as a manager of userID.
func (m *Store) AssignManager(userID, managerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.managers[userID] = append(m.managers[userID], managerID)
}

// AddToGroup puts the user in a named group of the course.
func (m *Store) AddToGroup(courseID, userID int64, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.groups[courseID] == nil {
		m.groups[courseID] = make(map[int64][]string)
	}
	m.groups[courseID][userID] = append(m.groups[courseID][userID], name)
}

// DeleteFlag drops a completion flag out of band, as a completion state reset does.
func (m *Store) DeleteFlag(moduleID, userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, flagKey{moduleID, userID})
}

// CreateProgress stores rec and flag, assigning ids. A second record for the
// same activity and user fails with store.ErrDuplicateProgress.
func (m *Store) CreateProgress(_ context.Context, rec *models.ProgressRecord, flag *models.CompletionFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("CreateProgress"); err != nil {
		return err
	}
	for _, p := range m.progress {
		if p.ActivityID == rec.ActivityID && p.UserID == rec.UserID {
			return store.ErrDuplicateProgress
		}
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.progress[rec.ID] = cloneProgress(*rec)
	if flag != nil {
		k := flagKey{flag.ModuleID, flag.UserID}
		if existing, ok := m.flags[k]; ok {
			flag.ID = existing.ID
		} else {
			m.nextFlagID++
			flag.ID = m.nextFlagID
			f := *flag
			m.flags[k] = &f
		}
	}
	return nil
}

// UndoProgress removes rec and the incomplete flag created with it.
func (m *Store) UndoProgress(_ context.Context, rec models.ProgressRecord, moduleID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UndoProgress"); err != nil {
		return err
	}
	delete(m.progress, rec.ID)
	k := flagKey{moduleID, rec.UserID}
	if f, ok := m.flags[k]; ok && f.State == models.CompletionIncomplete {
		delete(m.flags, k)
	}
	return nil
}

// GetProgress returns a copy of the record with the given id.
func (m *Store) GetProgress(_ context.Context, id string) (models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("GetProgress"); err != nil {
		return models.ProgressRecord{}, err
	}
	rec, ok := m.progress[id]
	if !ok {
		return models.ProgressRecord{}, store.ErrProgressNotFound
	}
	return cloneProgress(rec), nil
}

// ListProgress returns the activity's records ordered by user.
func (m *Store) ListProgress(_ context.Context, activityID int64) ([]models.ProgressRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProgressRecord, 0)
	for _, p := range m.progress {
		if p.ActivityID == activityID {
			out = append(out, cloneProgress(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// DeleteProgress removes a record. Deleting a missing record is not an error.
func (m *Store) DeleteProgress(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("DeleteProgress"); err != nil {
		return err
	}
	delete(m.progress, id)
	return nil
}

// DeleteUserProgress removes one user's record in an activity.
func (m *Store) DeleteUserProgress(_ context.Context, activityID, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.progress {
		if p.ActivityID == activityID && p.UserID == userID {
			delete(m.progress, id)
			n++
		}
	}
	return n, nil
}

// DeleteActivityProgress removes every record of an activity.
func (m *Store) DeleteActivityProgress(_ context.Context, activityID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, p := range m.progress {
		if p.ActivityID == activityID {
			delete(m.progress, id)
			n++
		}
	}
	return n, nil
}

// MarkProgressCompleted sets Completed on the record.
func (m *Store) MarkProgressCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("MarkProgressCompleted"); err != nil {
		return err
	}
	rec, ok := m.progress[id]
	if !ok {
		return store.ErrProgressNotFound
	}
	rec.Completed = true
	m.progress[id] = rec
	return nil
}

// RecordReminderSent stores the reminder count and, when next is set, the next reminder time.
func (m *Store) RecordReminderSent(_ context.Context, id string, sent int, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("RecordReminderSent"); err != nil {
		return err
	}
	rec, ok := m.progress[id]
	if !ok {
		return store.ErrProgressNotFound
	}
	rec.RemindersSent = sent
	if next != nil {
		t := *next
		rec.NextReminderAt = &t
	}
	m.progress[id] = rec
	return nil
}

// SetNextReminder stores the due time of the re-armed reminder.
func (m *Store) SetNextReminder(_ context.Context, id string, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("SetNextReminder"); err != nil {
		return err
	}
	rec, ok := m.progress[id]
	if !ok {
		return store.ErrProgressNotFound
	}
	rec.NextReminderAt = &next
	m.progress[id] = rec
	return nil
}

// ListActiveDefinitions returns activities not being deleted, by id.
func (m *Store) ListActiveDefinitions(_ context.Context) ([]models.ActivityDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListActiveDefinitions"); err != nil {
		return nil, err
	}
	out := make([]models.ActivityDefinition, 0, len(m.activities))
	for _, a := range m.activities {
		if !a.DeletionInProgress {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetDefinition returns one activity.
func (m *Store) GetDefinition(_ context.Context, id int64) (models.ActivityDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.activities[id]
	if !ok {
		return models.ActivityDefinition{}, store.ErrDefinitionNotFound
	}
	return a, nil
}

// DeleteDefinition removes an activity and its records.
func (m *Store) DeleteDefinition(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.activities[id]; !ok {
		return store.ErrDefinitionNotFound
	}
	delete(m.activities, id)
	for pid, p := range m.progress {
		if p.ActivityID == id {
			delete(m.progress, pid)
		}
	}
	return nil
}

// ListStartCandidates returns enrolled users holding capability who are not
// deleted, not yet tracked and have no flag for the module.
func (m *Store) ListStartCandidates(_ context.Context, def models.ActivityDefinition, capability string) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("ListStartCandidates"); err != nil {
		return nil, err
	}
	tracked := make(map[int64]bool)
	for _, p := range m.progress {
		if p.ActivityID == def.ID {
			tracked[p.UserID] = true
		}
	}
	out := make([]models.User, 0)
	for userID, e := range m.enrolments[def.CourseID] {
		if !e.active || !e.capabilities[capability] {
			continue
		}
		u, ok := m.users[userID]
		if !ok || u.Deleted || tracked[userID] {
			continue
		}
		if _, ok := m.flags[flagKey{def.ModuleID, userID}]; ok {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// IsEnrolledWithCapability reports an enrolment granting capability.
func (m *Store) IsEnrolledWithCapability(_ context.Context, courseID, userID int64, capability string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.failure("IsEnrolledWithCapability"); err != nil {
		return false, err
	}
	e, ok := m.enrolments[courseID][userID]
	return ok && e.active && e.capabilities[capability], nil
}

// GetUser returns a user, deleted or not.
func (m *Store) GetUser(_ context.Context, id int64) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return models.User{}, store.ErrUserNotFound
	}
	return u, nil
}

// IsUserDeleted treats a missing user as deleted.
func (m *Store) IsUserDeleted(_ context.Context, id int64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return !ok || u.Deleted, nil
}

// UserGroups lists the user's group names in a course, alphabetically.
func (m *Store) UserGroups(_ context.Context, userID, courseID int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := append([]string(nil), m.groups[courseID][userID]...)
	sort.Strings(names)
	return names, nil
}

// ManagerIDs lists the user's managers.
func (m *Store) ManagerIDs(_ context.Context, userID int64) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]int64(nil), m.managers[userID]...), nil
}

// Evaluate reports a restriction added with Restrict.
func (m *Store) Evaluate(_ context.Context, def models.ActivityDefinition, userID int64) (bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if reason, ok := m.restrictions[flagKey{def.ModuleID, userID}]; ok {
		return false, reason, nil
	}
	return true, "", nil
}

// GetCourse returns a course.
func (m *Store) GetCourse(_ context.Context, id int64) (models.Course, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.courses[id]
	if !ok {
		return models.Course{}, store.ErrCourseNotFound
	}
	return c, nil
}

// GetCategory returns a course category.
func (m *Store) GetCategory(_ context.Context, id int64) (models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok {
		return models.Category{}, store.ErrCategoryNotFound
	}
	return c, nil
}

// GetFlag returns a copy of the flag, or nil when none exists.
func (m *Store) GetFlag(_ context.Context, moduleID, userID int64) (*models.CompletionFlag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flags[flagKey{moduleID, userID}]
	if !ok {
		return nil, nil
	}
	out := *f
	return &out, nil
}

// UpsertFlag creates or replaces the flag for (module, user) and fills in its id.
func (m *Store) UpsertFlag(_ context.Context, flag *models.CompletionFlag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("UpsertFlag"); err != nil {
		return err
	}
	if flag.ModifiedAt.IsZero() {
		flag.ModifiedAt = time.Now().UTC()
	}
	k := flagKey{flag.ModuleID, flag.UserID}
	if existing, ok := m.flags[k]; ok {
		existing.State = flag.State
		existing.ModifiedAt = flag.ModifiedAt
		flag.ID = existing.ID
		return nil
	}
	m.nextFlagID++
	flag.ID = m.nextFlagID
	f := *flag
	m.flags[k] = &f
	return nil
}

func cloneProgress(p models.ProgressRecord) models.ProgressRecord {
	if p.NextReminderAt != nil {
		t := *p.NextReminderAt
		p.NextReminderAt = &t
	}
	return p
}
