package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Task Repository ────────────────────────────────────────────────────────

const taskColumns = `id, account_id, status, progress, current_step, result, error, created_at, updated_at`

// CreateTask inserts a pending task with a fresh random ID.
func (d *DB) CreateTask(ctx context.Context, accountID string) (*domain.Task, error) {
	var task *domain.Task
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		task, err = d.insertTask(ctx, tx, accountID)
		return err
	})
	return task, err
}

// FindOrCreateTask returns the newest live or complete task for accountID
// unless force is set; otherwise it creates a new pending task.
func (d *DB) FindOrCreateTask(ctx context.Context, accountID string, force bool) (*domain.Task, bool, error) {
	var (
		task    *domain.Task
		created bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if !force {
			row := tx.QueryRowContext(ctx,
				`SELECT `+taskColumns+` FROM tasks
				 WHERE account_id = ? AND status IN (?, ?, ?)
				 ORDER BY created_at DESC, rowid DESC LIMIT 1`,
				accountID, string(domain.TaskPending), string(domain.TaskProcessing), string(domain.TaskComplete),
			)
			existing, err := scanTask(row)
			if err == nil {
				task = existing
				return nil
			}
			if !errors.Is(err, domain.ErrTaskNotFound) {
				return err
			}
		}
		t, err := d.insertTask(ctx, tx, accountID)
		if err != nil {
			return err
		}
		task, created = t, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

func (d *DB) insertTask(ctx context.Context, tx *sql.Tx, accountID string) (*domain.Task, error) {
	now := d.now()
	task := &domain.Task{
		ID:        uuid.New().String(),
		AccountID: accountID,
		Status:    domain.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.AccountID, string(task.Status), task.Progress, task.CurrentStep,
		sql.NullString{}, sql.NullString{}, unixMilli(now), unixMilli(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// UpdateTask merges u into the stored task and refreshes updated_at.
// Status moves forward only and progress never decreases.
func (d *DB) UpdateTask(ctx context.Context, id string, u domain.TaskUpdate) (*domain.Task, error) {
	var out *domain.Task
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
		if err != nil {
			return err
		}
		next, err := cur.Apply(u)
		if err != nil {
			return fmt.Errorf("update task %s (%s): %w", id, cur.Status, err)
		}
		next.UpdatedAt = d.now()

		var result sql.NullString
		if len(next.Result) > 0 {
			result = sql.NullString{String: string(next.Result), Valid: true}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, progress = ?, current_step = ?, result = ?, error = ?, updated_at = ?
			 WHERE id = ?`,
			string(next.Status), next.Progress, next.CurrentStep, result, nullStr(next.Error),
			unixMilli(next.UpdatedAt), id,
		)
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		out = &next
		return nil
	})
	return out, err
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks returns recent tasks, newest first.
func (d *DB) ListTasks(ctx context.Context, f domain.TaskFilter) ([]domain.Task, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, f.AccountID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*domain.Task, error) {
	var (
		t                    domain.Task
		status               string
		result, errMsg       sql.NullString
		createdAt, updatedAt int64
	)
	err := s.Scan(&t.ID, &t.AccountID, &status, &t.Progress, &t.CurrentStep,
		&result, &errMsg, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	if result.Valid {
		t.Result = []byte(result.String)
	}
	t.Error = errMsg.String
	t.CreatedAt = fromMilli(createdAt)
	t.UpdatedAt = fromMilli(updatedAt)
	return &t, nil
}
