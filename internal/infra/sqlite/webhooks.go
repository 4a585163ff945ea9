package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chain-sleuth/sleuth/internal/domain"
)

// ─── Webhook Deliveries ─────────────────────────────────────────────────────

const deliveryColumns = `id, task_id, account_id, type, status, attempts, max_attempts, last_attempt_at, error, metadata, created_at, updated_at`

// CreateDelivery inserts a new delivery record.
func (d *DB) CreateDelivery(ctx context.Context, dl *domain.WebhookDelivery) error {
	now := d.now()
	dl.CreatedAt, dl.UpdatedAt = now, now
	meta, err := json.Marshal(dl.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+deliveryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.TaskID, dl.AccountID, string(dl.Type), string(dl.Status), dl.Attempts, dl.MaxAttempts,
		nullableMilli(dl.LastAttemptAt), dl.Error, string(meta), unixMilli(now), unixMilli(now),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// UpdateDelivery writes status, attempt bookkeeping and error.
// A delivery already in a final state is left untouched.
func (d *DB) UpdateDelivery(ctx context.Context, dl *domain.WebhookDelivery) error {
	dl.UpdatedAt = d.now()
	res, err := d.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, last_attempt_at = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(dl.Status), dl.Attempts, nullableMilli(dl.LastAttemptAt), dl.Error, unixMilli(dl.UpdatedAt),
		dl.ID, string(domain.DeliveryDelivered), string(domain.DeliveryFailed),
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := d.GetDelivery(ctx, dl.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetDelivery retrieves a delivery by webhook ID.
func (d *DB) GetDelivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)

	var (
		dl                   domain.WebhookDelivery
		typ, status, meta    string
		lastAttempt          sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&dl.ID, &dl.TaskID, &dl.AccountID, &typ, &status, &dl.Attempts, &dl.MaxAttempts,
		&lastAttempt, &dl.Error, &meta, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &dl.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	dl.Type = domain.WebhookType(typ)
	dl.Status = domain.DeliveryStatus(status)
	dl.LastAttemptAt = fromNullMilli(lastAttempt)
	dl.CreatedAt = fromMilli(createdAt)
	dl.UpdatedAt = fromMilli(updatedAt)
	return &dl, nil
}
