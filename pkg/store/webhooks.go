// Copyright 2025 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Webhook delivery statuses.
const (
	DeliveryReceived  = "received"
	DeliveryProcessed = "processed"
	DeliveryFailed    = "failed"
)

// Webhook queue item statuses.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueProcessed  = "processed"
	QueueDeadLetter = "dead_letter"
)

// Delivery is one received webhook delivery, retained for replay suppression.
type Delivery struct {
	DeliveryID  string
	Event       string
	Status      string
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	Error       string
}

// QueueItem is one durable webhook work item.
type QueueItem struct {
	ID          string
	DeliveryID  string
	Event       string
	Action      string
	Payload     []byte
	Status      string
	Attempts    int
	MaxAttempts int
	NextRetryAt time.Time
	LeaseWorker string
	LeasedAt    *time.Time
	LastError   string
	CreatedAt   time.Time
	ProcessedAt *time.Time
	FailedAt    *time.Time
}

// QueueStats is the observability snapshot for the queue.
type QueueStats struct {
	Pending         int64
	Processing      int64
	Failed          int64
	DeadLetter      int64
	OldestPending   *time.Time
	LastProcessedAt *time.Time
}

// EnqueueDelivery records the delivery and its queue item in one transaction.
// Returns duplicate=true (and writes nothing) when a delivery with the same ID
// already exists.
func (d *DB) EnqueueDelivery(ctx context.Context, del *Delivery, item *QueueItem) (bool, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO webhook_deliveries (delivery_id, event, status, received_at)
		VALUES (?, ?, ?, ?)`,
		del.DeliveryID, del.Event, DeliveryReceived, del.ReceivedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to insert delivery %s: %w", del.DeliveryID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return true, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_queue (id, delivery_id, event, action, payload, status,
			attempts, max_attempts, next_retry_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		item.ID, item.DeliveryID, item.Event, item.Action, string(item.Payload),
		QueuePending, item.MaxAttempts, item.NextRetryAt.UTC(), item.CreatedAt.UTC()); err != nil {
		return false, fmt.Errorf("failed to enqueue delivery %s: %w", del.DeliveryID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return false, nil
}

// GetDelivery returns the delivery record, or nil if none exists.
func (d *DB) GetDelivery(ctx context.Context, deliveryID string) (*Delivery, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT delivery_id, event, status, received_at, processed_at, error
		FROM webhook_deliveries WHERE delivery_id = ?`, deliveryID)

	var del Delivery
	var processedAt sql.NullTime
	err := row.Scan(&del.DeliveryID, &del.Event, &del.Status, &del.ReceivedAt, &processedAt, &del.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery %s: %w", deliveryID, err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		del.ProcessedAt = &t
	}
	return &del, nil
}

// SetDeliveryStatus records the terminal status of a delivery.
func (d *DB) SetDeliveryStatus(ctx context.Context, deliveryID, status, errMsg string, processedAt time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, error = ?, processed_at = ?
		WHERE delivery_id = ?`,
		status, errMsg, processedAt.UTC(), deliveryID); err != nil {
		return fmt.Errorf("failed to set delivery status %s: %w", deliveryID, err)
	}
	return nil
}

// ListDeliveries returns deliveries with the given status, most recent first.
func (d *DB) ListDeliveries(ctx context.Context, status string, limit int) ([]*Delivery, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT delivery_id, event, status, received_at, processed_at, error
		FROM webhook_deliveries WHERE status = ?
		ORDER BY received_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var del Delivery
		var processedAt sql.NullTime
		if err := rows.Scan(&del.DeliveryID, &del.Event, &del.Status, &del.ReceivedAt, &processedAt, &del.Error); err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		if processedAt.Valid {
			t := processedAt.Time
			del.ProcessedAt = &t
		}
		out = append(out, &del)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate deliveries: %w", err)
	}
	return out, nil
}

const queueItemColumns = `id, delivery_id, event, action, payload, status, attempts,
	max_attempts, next_retry_at, lease_worker, leased_at, last_error, created_at,
	processed_at, failed_at`

func scanQueueItem(row interface{ Scan(...any) error }) (*QueueItem, error) {
	var item QueueItem
	var payload sql.NullString
	var leasedAt, processedAt, failedAt sql.NullTime
	if err := row.Scan(&item.ID, &item.DeliveryID, &item.Event, &item.Action, &payload,
		&item.Status, &item.Attempts, &item.MaxAttempts, &item.NextRetryAt,
		&item.LeaseWorker, &leasedAt, &item.LastError, &item.CreatedAt,
		&processedAt, &failedAt); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with query context
	}
	if payload.Valid {
		item.Payload = []byte(payload.String)
	}
	if leasedAt.Valid {
		t := leasedAt.Time
		item.LeasedAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		item.ProcessedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		item.FailedAt = &t
	}
	return &item, nil
}

// GetQueueItem returns the queue item, or nil if none exists.
func (d *DB) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+queueItemColumns+` FROM webhook_queue WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// ClaimQueueItems marks up to limit due pending items as processing under the
// given worker lease and returns them, oldest first. The select and the lease
// update happen in one transaction so two workers never claim the same item.
func (d *DB) ClaimQueueItems(ctx context.Context, workerID string, limit int, now time.Time) ([]*QueueItem, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	rows, err := tx.QueryContext(ctx, `
		SELECT `+queueItemColumns+` FROM webhook_queue
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY created_at LIMIT ?`,
		QueuePending, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due items: %w", err)
	}

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	rows.Close()

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, `
			UPDATE webhook_queue SET status = ?, lease_worker = ?, leased_at = ?
			WHERE id = ?`,
			QueueProcessing, workerID, now.UTC(), item.ID); err != nil {
			return nil, fmt.Errorf("failed to lease queue item %s: %w", item.ID, err)
		}
		item.Status = QueueProcessing
		item.LeaseWorker = workerID
		leased := now.UTC()
		item.LeasedAt = &leased
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return items, nil
}

// CompleteQueueItem marks the item processed and drops its payload. The
// delivery record is stamped processed in the same transaction.
func (d *DB) CompleteQueueItem(ctx context.Context, id, deliveryID string, now time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, payload = NULL, processed_at = ?,
			lease_worker = '', leased_at = NULL
		WHERE id = ?`,
		QueueProcessed, now.UTC(), id); err != nil {
		return fmt.Errorf("failed to complete queue item %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, processed_at = ? WHERE delivery_id = ?`,
		DeliveryProcessed, now.UTC(), deliveryID); err != nil {
		return fmt.Errorf("failed to mark delivery processed %s: %w", deliveryID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit completion: %w", err)
	}
	return nil
}

// RetryQueueItem returns a failed item to pending with an incremented attempt
// counter and a future retry time.
func (d *DB) RetryQueueItem(ctx context.Context, id, lastError string, nextRetryAt time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = attempts + 1,
			next_retry_at = ?, last_error = ?, lease_worker = '', leased_at = NULL
		WHERE id = ?`,
		QueuePending, nextRetryAt.UTC(), lastError, id); err != nil {
		return fmt.Errorf("failed to retry queue item %s: %w", id, err)
	}
	return nil
}

// DeadLetterQueueItem parks an exhausted item for operator inspection, and
// marks its delivery failed in the same transaction.
func (d *DB) DeadLetterQueueItem(ctx context.Context, id, deliveryID, lastError string, now time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = attempts + 1, failed_at = ?,
			last_error = ?, lease_worker = '', leased_at = NULL
		WHERE id = ?`,
		QueueDeadLetter, now.UTC(), lastError, id); err != nil {
		return fmt.Errorf("failed to dead-letter queue item %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE webhook_deliveries SET status = ?, error = ?, processed_at = ? WHERE delivery_id = ?`,
		DeliveryFailed, lastError, now.UTC(), deliveryID); err != nil {
		return fmt.Errorf("failed to mark delivery failed %s: %w", deliveryID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dead-letter: %w", err)
	}
	return nil
}

// ReclaimExpiredLeases returns processing items leased before the horizon to
// pending so a crashed worker's claims become runnable again.
func (d *DB) ReclaimExpiredLeases(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, lease_worker = '', leased_at = NULL
		WHERE status = ? AND leased_at < ?`,
		QueuePending, QueueProcessing, horizon.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// RequeueQueueItem resets an item for an operator-requested retry.
func (d *DB) RequeueQueueItem(ctx context.Context, id string, now time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = 0, next_retry_at = ?,
			failed_at = NULL, lease_worker = '', leased_at = NULL
		WHERE id = ?`,
		QueuePending, now.UTC(), id); err != nil {
		return fmt.Errorf("failed to requeue item %s: %w", id, err)
	}
	return nil
}

// RequeueDeadLetters resets every dead-letter item for retry.
func (d *DB) RequeueDeadLetters(ctx context.Context, now time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE webhook_queue SET status = ?, attempts = 0, next_retry_at = ?,
			failed_at = NULL, lease_worker = '', leased_at = NULL
		WHERE status = ?`,
		QueuePending, now.UTC(), QueueDeadLetter)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// DeleteQueueItem discards a single item.
func (d *DB) DeleteQueueItem(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM webhook_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

// DeleteDeadLetters discards every dead-letter item.
func (d *DB) DeleteDeadLetters(ctx context.Context) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM webhook_queue WHERE status = ?`, QueueDeadLetter)
	if err != nil {
		return 0, fmt.Errorf("failed to delete dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// CleanupQueue deletes processed items older than processedBefore and
// dead-letter items older than deadBefore, up to limit rows per call.
func (d *DB) CleanupQueue(ctx context.Context, processedBefore, deadBefore time.Time, limit int) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM webhook_queue WHERE id IN (
			SELECT id FROM webhook_queue
			WHERE (status = ? AND processed_at < ?)
			   OR (status = ? AND failed_at < ?)
			ORDER BY created_at LIMIT ?)`,
		QueueProcessed, processedBefore.UTC(), QueueDeadLetter, deadBefore.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

// ListQueueItems returns items in any of the given statuses, oldest first.
func (d *DB) ListQueueItems(ctx context.Context, statuses []string, limit int) ([]*QueueItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, s := range statuses {
		args = append(args, s)
	}
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx,
		`SELECT `+queueItemColumns+` FROM webhook_queue
		 WHERE status IN (?`+strings.Repeat(",?", len(statuses)-1)+`)
		 ORDER BY created_at LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate queue items: %w", err)
	}
	return out, nil
}

// QueueStats computes the observability snapshot. Failed counts pending items
// that have already burned at least one attempt.
func (d *DB) QueueStats(ctx context.Context) (*QueueStats, error) {
	var stats QueueStats
	row := d.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = ?),
			COUNT(*) FILTER (WHERE status = ?),
			COUNT(*) FILTER (WHERE status = ? AND attempts > 0),
			COUNT(*) FILTER (WHERE status = ?)
		FROM webhook_queue`,
		QueuePending, QueueProcessing, QueuePending, QueueDeadLetter)
	if err := row.Scan(&stats.Pending, &stats.Processing, &stats.Failed, &stats.DeadLetter); err != nil {
		return nil, fmt.Errorf("failed to compute queue stats: %w", err)
	}

	// Boundary rows are read directly so the driver keeps the column's
	// declared timestamp type.
	var oldestPending time.Time
	err := d.db.QueryRowContext(ctx, `
		SELECT created_at FROM webhook_queue WHERE status = ?
		ORDER BY created_at LIMIT 1`, QueuePending).Scan(&oldestPending)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read oldest pending: %w", err)
	}
	if err == nil {
		stats.OldestPending = &oldestPending
	}

	var lastProcessed time.Time
	err = d.db.QueryRowContext(ctx, `
		SELECT processed_at FROM webhook_queue
		WHERE status = ? AND processed_at IS NOT NULL
		ORDER BY processed_at DESC LIMIT 1`, QueueProcessed).Scan(&lastProcessed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last processed: %w", err)
	}
	if err == nil {
		stats.LastProcessedAt = &lastProcessed
	}
	return &stats, nil
}
