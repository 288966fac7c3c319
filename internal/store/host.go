package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"reengagement-scheduler/internal/models"
)

const userColumns = `u.id, u.email, u.first_name, u.last_name, u.city, u.institution, u.department, u.confirmed, u.deleted`

// ListStartCandidates returns users actively enrolled in the activity's course
// with the capability, not deleted, with no completion flag for the module and
// no progress record for the activity. Confirmation and availability are left
// to the caller.
func (s *Store) ListStartCandidates(ctx context.Context, def models.ActivityDefinition, capability string) ([]models.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+`
		FROM users u
		JOIN enrolments e ON e.user_id = u.id
		WHERE e.course_id = $1
		  AND e.active = TRUE
		  AND $2 = ANY(e.capabilities)
		  AND u.deleted = FALSE
		  AND u.id NOT IN (SELECT user_id FROM course_module_completion WHERE module_id = $3)
		  AND u.id NOT IN (SELECT user_id FROM reengagement_progress WHERE activity_id = $4)
		ORDER BY u.id
	`, def.CourseID, capability, def.ModuleID, def.ID)
	if err != nil {
		return nil, fmt.Errorf("query start candidates: %w", err)
	}
	defer rows.Close()

	out := make([]models.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}
	return out, nil
}

// IsEnrolledWithCapability reports an active enrolment granting capability.
func (s *Store) IsEnrolledWithCapability(ctx context.Context, courseID, userID int64, capability string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrolments
			WHERE course_id = $1 AND user_id = $2 AND active = TRUE AND $3 = ANY(capabilities)
		)
	`, courseID, userID, capability).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check enrolment: %w", err)
	}
	return ok, nil
}

// GetUser fetches a user by id, deleted or not.
func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, ErrUserNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	return u, nil
}

// IsUserDeleted treats a missing user row as deleted.
func (s *Store) IsUserDeleted(ctx context.Context, id int64) (bool, error) {
	var deleted bool
	err := s.pool.QueryRow(ctx, `SELECT deleted FROM users WHERE id = $1`, id).Scan(&deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user deleted: %w", err)
	}
	return deleted, nil
}

// UserGroups lists the names of the user's groups in a course, alphabetically.
func (s *Store) UserGroups(ctx context.Context, userID, courseID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT g.name
		FROM course_group_members gm
		JOIN course_groups g ON g.id = gm.group_id
		WHERE gm.user_id = $1 AND g.course_id = $2
		ORDER BY g.name ASC
	`, userID, courseID)
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ManagerIDs lists the managers assigned to a user.
func (s *Store) ManagerIDs(ctx context.Context, userID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT manager_id FROM manager_assignments WHERE user_id = $1 ORDER BY manager_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query managers: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manager: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Evaluate applies the host's availability rules for the activity and user.
// A restriction row makes the activity unavailable with its reason.
func (s *Store) Evaluate(ctx context.Context, def models.ActivityDefinition, userID int64) (bool, string, error) {
	var reason string
	err := s.pool.QueryRow(ctx, `
		SELECT reason FROM availability_restrictions WHERE module_id = $1 AND user_id = $2
	`, def.ModuleID, userID).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("evaluate availability: %w", err)
	}
	return false, reason, nil
}

// GetCourse fetches a course by id.
func (s *Store) GetCourse(ctx context.Context, id int64) (models.Course, error) {
	var c models.Course
	err := s.pool.QueryRow(ctx, `
		SELECT id, short_name, full_name, visible, category_id FROM courses WHERE id = $1
	`, id).Scan(&c.ID, &c.ShortName, &c.FullName, &c.Visible, &c.CategoryID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Course{}, ErrCourseNotFound
	}
	if err != nil {
		return models.Course{}, fmt.Errorf("scan course: %w", err)
	}
	return c, nil
}

// GetCategory fetches a course category by id.
func (s *Store) GetCategory(ctx context.Context, id int64) (models.Category, error) {
	var c models.Category
	err := s.pool.QueryRow(ctx, `SELECT id, visible, parent_id FROM course_categories WHERE id = $1`, id).Scan(&c.ID, &c.Visible, &c.ParentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Category{}, ErrCategoryNotFound
	}
	if err != nil {
		return models.Category{}, fmt.Errorf("scan category: %w", err)
	}
	return c, nil
}

// GetFlag returns the completion flag for a module and user, or nil when none exists.
func (s *Store) GetFlag(ctx context.Context, moduleID, userID int64) (*models.CompletionFlag, error) {
	var f models.CompletionFlag
	err := s.pool.QueryRow(ctx, `
		SELECT id, module_id, user_id, state, viewed, modified_at
		FROM course_module_completion WHERE module_id = $1 AND user_id = $2
	`, moduleID, userID).Scan(&f.ID, &f.ModuleID, &f.UserID, &f.State, &f.Viewed, &f.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan completion flag: %w", err)
	}
	return &f, nil
}

// UpsertFlag creates or updates the flag for (module, user) and fills in its id.
func (s *Store) UpsertFlag(ctx context.Context, flag *models.CompletionFlag) error {
	if flag.ModifiedAt.IsZero() {
		flag.ModifiedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO course_module_completion (module_id, user_id, state, viewed, modified_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (module_id, user_id)
		DO UPDATE SET state = EXCLUDED.state, modified_at = EXCLUDED.modified_at
		RETURNING id
	`, flag.ModuleID, flag.UserID, flag.State, flag.Viewed, flag.ModifiedAt).Scan(&flag.ID)
	if err != nil {
		return fmt.Errorf("upsert completion flag: %w", err)
	}
	return nil
}

func scanUser(row rowScanner) (models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.FirstName, &u.LastName, &u.City, &u.Institution, &u.Department, &u.Confirmed, &u.Deleted)
	return u, err
}
