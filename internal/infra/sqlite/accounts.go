package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Account Records ────────────────────────────────────────────────────────

// PutAccountRecord upserts the latest metadata snapshot for an account.
func (d *DB) PutAccountRecord(ctx context.Context, rec domain.AccountRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = d.now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO accounts (account_id, metadata, task_id, webhook_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
			metadata=excluded.metadata,
			task_id=excluded.task_id,
			webhook_id=excluded.webhook_id,
			updated_at=excluded.updated_at`,
		rec.AccountID, string(rec.Metadata), rec.TaskID, rec.WebhookID, unixMilli(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put account %s: %w", rec.AccountID, err)
	}
	return nil
}

// GetAccountRecord retrieves the snapshot for an account.
func (d *DB) GetAccountRecord(ctx context.Context, accountID string) (*domain.AccountRecord, error) {
	var (
		rec       domain.AccountRecord
		meta      string
		updatedAt int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT account_id, metadata, task_id, webhook_id, updated_at FROM accounts WHERE account_id = ?`,
		accountID,
	).Scan(&rec.AccountID, &meta, &rec.TaskID, &rec.WebhookID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	rec.Metadata = []byte(meta)
	rec.UpdatedAt = fromMilli(updatedAt)
	return &rec, nil
}
