package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"reengagement-scheduler/internal/models"
)

const activityColumns = `id, module_id, course_id, name, duration, email_mode, reminder_count, reminder_delay,
	suppress_target_module_id, recipient_mode, third_party_emails,
	email_subject, email_content, email_subject_manager, email_content_manager,
	email_subject_third_party, email_content_third_party, send_deadline, deletion_in_progress`

// ListActiveDefinitions returns activities whose module is not being deleted, by id.
func (s *Store) ListActiveDefinitions(ctx context.Context) ([]models.ActivityDefinition, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+activityColumns+` FROM reengagement_activities WHERE deletion_in_progress = FALSE ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	out := make([]models.ActivityDefinition, 0)
	for rows.Next() {
		def, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

// GetDefinition fetches one activity by id.
func (s *Store) GetDefinition(ctx context.Context, id int64) (models.ActivityDefinition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+activityColumns+` FROM reengagement_activities WHERE id = $1`, id)
	def, err := scanActivity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ActivityDefinition{}, ErrDefinitionNotFound
	}
	if err != nil {
		return models.ActivityDefinition{}, fmt.Errorf("scan activity: %w", err)
	}
	return def, nil
}

// DeleteDefinition removes an activity and all of its progress records.
func (s *Store) DeleteDefinition(ctx context.Context, id int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM reengagement_progress WHERE activity_id = $1`, id); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM reengagement_activities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return tx.Commit(ctx)
}

func scanActivity(row rowScanner) (models.ActivityDefinition, error) {
	var def models.ActivityDefinition
	var suppress pgtype.Int8
	var emailMode, recipientMode string
	t := &def.Templates
	if err := row.Scan(&def.ID, &def.ModuleID, &def.CourseID, &def.Name, &def.Duration, &emailMode,
		&def.ReminderCount, &def.ReminderDelay, &suppress, &recipientMode, &def.ThirdPartyEmails,
		&t.Subject, &t.Content, &t.ManagerSubject, &t.ManagerContent,
		&t.ThirdPartySubject, &t.ThirdPartyContent, &def.SendDeadline, &def.DeletionInProgress,
	); err != nil {
		return models.ActivityDefinition{}, err
	}
	def.EmailMode = models.EmailMode(emailMode)
	def.RecipientMode = models.RecipientMode(recipientMode)
	if suppress.Valid && suppress.Int64 != 0 {
		v := suppress.Int64
		def.SuppressTargetModuleID = &v
	}
	return def, nil
}
