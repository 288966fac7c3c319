package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"reengagement-scheduler/internal/models"
)

// Store wraps pgxpool for Postgres persistence of progress records and the
// host course tables the scheduler reads.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const progressColumns = `id, activity_id, user_id, completion_due_at, next_reminder_at, reminders_sent, completed, created_at`

// CreateProgress inserts a progress record together with the host's incomplete
// completion flag in one transaction. The record id is assigned when empty.
func (s *Store) CreateProgress(ctx context.Context, rec *models.ProgressRecord, flag *models.CompletionFlag) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO reengagement_progress (id, activity_id, user_id, completion_due_at, next_reminder_at, reminders_sent, completed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.ActivityID, rec.UserID, rec.CompletionDueAt, rec.NextReminderAt, rec.RemindersSent, rec.Completed, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateProgress
		}
		return fmt.Errorf("insert progress: %w", err)
	}

	if flag != nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO course_module_completion (module_id, user_id, state, viewed, modified_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (module_id, user_id) DO UPDATE SET modified_at = EXCLUDED.modified_at
			RETURNING id
		`, flag.ModuleID, flag.UserID, flag.State, flag.Viewed, flag.ModifiedAt).Scan(&flag.ID)
		if err != nil {
			return fmt.Errorf("insert completion flag: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// UndoProgress removes a freshly created record and its flag after a failed enqueue.
func (s *Store) UndoProgress(ctx context.Context, rec models.ProgressRecord, moduleID int64) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM reengagement_progress WHERE id = $1`, rec.ID); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM course_module_completion WHERE module_id = $1 AND user_id = $2 AND state = $3
	`, moduleID, rec.UserID, models.CompletionIncomplete); err != nil {
		return fmt.Errorf("delete completion flag: %w", err)
	}
	return tx.Commit(ctx)
}

// GetProgress fetches a progress record by id.
func (s *Store) GetProgress(ctx context.Context, id string) (models.ProgressRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+progressColumns+` FROM reengagement_progress WHERE id = $1`, id)
	rec, err := scanProgress(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProgressRecord{}, ErrProgressNotFound
	}
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("scan progress: %w", err)
	}
	return rec, nil
}

// ListProgress returns every record for an activity ordered by user.
func (s *Store) ListProgress(ctx context.Context, activityID int64) ([]models.ProgressRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+progressColumns+` FROM reengagement_progress WHERE activity_id = $1 ORDER BY user_id`, activityID)
	if err != nil {
		return nil, fmt.Errorf("query progress: %w", err)
	}
	defer rows.Close()

	out := make([]models.ProgressRecord, 0)
	for rows.Next() {
		rec, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate progress: %w", err)
	}
	return out, nil
}

// DeleteProgress removes a record. Deleting a missing record is not an error.
func (s *Store) DeleteProgress(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM reengagement_progress WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete progress: %w", err)
	}
	return nil
}

// DeleteUserProgress removes the record of one user in one activity.
func (s *Store) DeleteUserProgress(ctx context.Context, activityID, userID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reengagement_progress WHERE activity_id = $1 AND user_id = $2`, activityID, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user progress: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteActivityProgress removes every record of an activity, as on activity
// deletion or a course reset.
func (s *Store) DeleteActivityProgress(ctx context.Context, activityID int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reengagement_progress WHERE activity_id = $1`, activityID)
	if err != nil {
		return 0, fmt.Errorf("delete activity progress: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkProgressCompleted flags the record so a pending reminder stops the chain.
func (s *Store) MarkProgressCompleted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reengagement_progress SET completed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark progress completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProgressNotFound
	}
	return nil
}

// RecordReminderSent stores the new reminder count and, when next is set, the next reminder time.
func (s *Store) RecordReminderSent(ctx context.Context, id string, sent int, next *time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reengagement_progress
		SET reminders_sent = $2, next_reminder_at = COALESCE($3, next_reminder_at)
		WHERE id = $1
	`, id, sent, next)
	if err != nil {
		return fmt.Errorf("record reminder sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProgressNotFound
	}
	return nil
}

// SetNextReminder persists the due time of the re-armed reminder job.
func (s *Store) SetNextReminder(ctx context.Context, id string, next time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE reengagement_progress SET next_reminder_at = $2 WHERE id = $1`, id, next)
	if err != nil {
		return fmt.Errorf("set next reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProgressNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProgress(row rowScanner) (models.ProgressRecord, error) {
	var rec models.ProgressRecord
	var id pgtype.UUID
	var next pgtype.Timestamptz
	if err := row.Scan(&id, &rec.ActivityID, &rec.UserID, &rec.CompletionDueAt, &next, &rec.RemindersSent, &rec.Completed, &rec.CreatedAt); err != nil {
		return models.ProgressRecord{}, err
	}
	rec.ID = uuid.UUID(id.Bytes).String()
	if next.Valid {
		t := next.Time
		rec.NextReminderAt = &t
	}
	return rec, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
