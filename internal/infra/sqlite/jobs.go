package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Job Queue Storage ──────────────────────────────────────────────────────

const jobColumns = `id, type, payload, status, attempts, max_attempts, unique_key, run_at, locked_until, last_error, created_at, updated_at`

var errJobNotFound = errors.New("job not found")

// InsertJob stores a queued job. A live job with the same unique key wins.
func (d *DB) InsertJob(ctx context.Context, j *domain.Job) (string, bool, error) {
	var (
		id       string
		inserted bool
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		if j.UniqueKey != "" {
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM jobs WHERE unique_key = ? AND status IN (?, ?)`,
				j.UniqueKey, string(domain.JobQueued), string(domain.JobActive),
			).Scan(&id)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup unique job: %w", err)
			}
		}

		now := d.now()
		if j.ID == "" {
			j.ID = uuid.New().String()
		}
		if j.RunAt.IsZero() {
			j.RunAt = now
		}
		j.Status = domain.JobQueued
		j.CreatedAt, j.UpdatedAt = now, now

		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?, ?, NULL, NULL, ?, ?)`,
			j.ID, j.Type, string(j.Payload), string(j.Status), j.MaxAttempts,
			nullStr(j.UniqueKey), unixMilli(j.RunAt), unixMilli(now), unixMilli(now),
		)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		id, inserted = j.ID, true
		return nil
	})
	return id, inserted, err
}

// ClaimJob atomically leases the next due job of the given types.
func (d *DB) ClaimJob(ctx context.Context, types []string, now time.Time, lease time.Duration) (*domain.Job, error) {
	if len(types) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")

	args := []any{string(domain.JobActive), unixMilli(now.Add(lease)), unixMilli(now),
		string(domain.JobQueued), unixMilli(now)}
	for _, t := range types {
		args = append(args, t)
	}

	row := d.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, locked_until = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND run_at <= ? AND type IN (`+placeholders+`)
			ORDER BY run_at, created_at LIMIT 1
		 )
		 RETURNING `+jobColumns,
		args...,
	)
	j, err := scanJob(row)
	if errors.Is(err, errJobNotFound) {
		return nil, nil
	}
	return j, err
}

// ExtendLease pushes an active job's lease forward.
func (d *DB) ExtendLease(ctx context.Context, id string, until time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET locked_until = ?, updated_at = ? WHERE id = ? AND status = ?`,
		unixMilli(until), unixMilli(d.now()), id, string(domain.JobActive),
	)
	return err
}

// CompleteJob marks a job done.
func (d *DB) CompleteJob(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_until = NULL, updated_at = ? WHERE id = ?`,
		string(domain.JobCompleted), unixMilli(d.now()), id,
	)
	return err
}

// RetryJob puts a job back in the queue to run at runAt.
func (d *DB) RetryJob(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, run_at = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(domain.JobQueued), unixMilli(runAt), nullStr(lastErr), unixMilli(d.now()), id,
	)
	return err
}

// FailJob marks a job permanently failed.
func (d *DB) FailJob(ctx context.Context, id string, lastErr string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
		string(domain.JobFailed), nullStr(lastErr), unixMilli(d.now()), id,
	)
	return err
}

// GetJob retrieves a job by ID.
func (d *DB) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return scanJob(d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

// ReapExpired returns jobs with lapsed leases to the queue.
func (d *DB) ReapExpired(ctx context.Context, now time.Time) (int, []domain.Job, error) {
	var (
		requeued  int
		exhausted []domain.Job
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ? AND locked_until < ?`,
			string(domain.JobActive), unixMilli(now),
		)
		if err != nil {
			return fmt.Errorf("select expired: %w", err)
		}
		var expired []domain.Job
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, *j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, j := range expired {
			const msg = "lease expired"
			if j.LastAttempt() {
				j.Status, j.LastError = domain.JobFailed, msg
				if _, err := tx.ExecContext(ctx,
					`UPDATE jobs SET status = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
					string(domain.JobFailed), msg, unixMilli(now), j.ID,
				); err != nil {
					return err
				}
				exhausted = append(exhausted, j)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, run_at = ?, locked_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
				string(domain.JobQueued), unixMilli(now), msg, unixMilli(now), j.ID,
			); err != nil {
				return err
			}
			requeued++
		}
		return nil
	})
	return requeued, exhausted, err
}

// PurgeJobs deletes completed jobs last touched before the cutoff.
func (d *DB) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND updated_at < ?`,
		string(domain.JobCompleted), unixMilli(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// JobCounts returns the number of jobs per status.
func (d *DB) JobCounts(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func scanJob(s scanner) (*domain.Job, error) {
	var (
		j                    domain.Job
		payload, status      string
		uniqueKey, lastError sql.NullString
		runAt                int64
		lockedUntil          sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(&j.ID, &j.Type, &payload, &status, &j.Attempt, &j.MaxAttempts,
		&uniqueKey, &runAt, &lockedUntil, &lastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Payload = []byte(payload)
	j.Status = domain.JobStatus(status)
	j.UniqueKey = uniqueKey.String
	j.LastError = lastError.String
	j.RunAt = fromMilli(runAt)
	j.LockedUntil = fromNullMilli(lockedUntil)
	j.CreatedAt = fromMilli(createdAt)
	j.UpdatedAt = fromMilli(updatedAt)
	return &j, nil
}
