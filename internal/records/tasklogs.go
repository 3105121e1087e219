package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GlobalOwner is the owner recorded for tasks that concern no app.
const GlobalOwner = "_"

// TaskLog is the history entry for one task.
type TaskLog struct {
	TaskID      string
	Owner       string
	Description string
	Created     time.Time
	// Success is nil until the outcome is known.
	Success *bool
}

// CreateTaskLog inserts a history entry; it fails if one exists.
func (s *Store) CreateTaskLog(ctx context.Context, log TaskLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, owner, description, created_at, success) VALUES (?, ?, ?, ?, ?)`,
		log.TaskID, ownerOrGlobal(log.Owner), log.Description, log.Created.UnixNano(), boolArg(log.Success))
	if err != nil {
		return fmt.Errorf("insert task log %s: %w", log.TaskID, err)
	}
	return nil
}

// GetOrCreateTaskLog returns the entry for log.TaskID, inserting log first
// when there is none. Concurrent callers for the same task all get the one
// row that won; created reports whether this call inserted it.
func (s *Store) GetOrCreateTaskLog(ctx context.Context, log TaskLog) (TaskLog, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskLog{}, false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, owner, description, created_at, success)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO NOTHING
	`, log.TaskID, ownerOrGlobal(log.Owner), log.Description, log.Created.UnixNano(), boolArg(log.Success))
	if err != nil {
		return TaskLog{}, false, fmt.Errorf("insert task log %s: %w", log.TaskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return TaskLog{}, false, err
	}
	got, err := scanTaskLog(tx.QueryRowContext(ctx, selectTaskLog+` WHERE task_id = ?`, log.TaskID))
	if err != nil {
		return TaskLog{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return TaskLog{}, false, fmt.Errorf("commit: %w", err)
	}
	return got, n == 1, nil
}

// GetTaskLog returns one history entry.
func (s *Store) GetTaskLog(ctx context.Context, taskID string) (TaskLog, error) {
	return scanTaskLog(s.db.QueryRowContext(ctx, selectTaskLog+` WHERE task_id = ?`, taskID))
}

// ListTaskLogs returns history newest first. An empty owner lists all.
func (s *Store) ListTaskLogs(ctx context.Context, owner string) ([]TaskLog, error) {
	query := selectTaskLog + ` ORDER BY created_at DESC`
	args := []any{}
	if owner != "" {
		query = selectTaskLog + ` WHERE owner = ? ORDER BY created_at DESC`
		args = append(args, owner)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskLog
	for rows.Next() {
		log, err := scanTaskLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

// SetTaskSuccess records the outcome. Only the first call has an effect;
// updated reports whether it was this one.
func (s *Store) SetTaskSuccess(ctx context.Context, taskID string, success bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_logs SET success = ? WHERE task_id = ? AND success IS NULL`,
		success, taskID)
	if err != nil {
		return false, fmt.Errorf("update task log %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const selectTaskLog = `SELECT task_id, owner, description, created_at, success FROM task_logs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskLog(row rowScanner) (TaskLog, error) {
	var (
		log     TaskLog
		created int64
		success sql.NullBool
	)
	if err := row.Scan(&log.TaskID, &log.Owner, &log.Description, &created, &success); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TaskLog{}, ErrNotFound
		}
		return TaskLog{}, err
	}
	log.Created = time.Unix(0, created)
	if success.Valid {
		v := success.Bool
		log.Success = &v
	}
	return log, nil
}

func ownerOrGlobal(owner string) string {
	if owner == "" {
		return GlobalOwner
	}
	return owner
}

func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}
