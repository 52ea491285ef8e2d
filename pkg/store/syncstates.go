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
	"time"
)

// Sync statuses. A given (user, resourceType, resourceID) has exactly one row.
const (
	SyncIdle        = "idle"
	SyncSyncing     = "syncing"
	SyncError       = "error"
	SyncAuthInvalid = "auth_invalid"
	SyncCompleted   = "completed"
)

// SyncState is the per-resource bookkeeping row used for idempotent
// resumption. LastETag is opaque; for the github:token resource type it holds
// the user's access token instead of an ETag.
type SyncState struct {
	UserID             string
	ResourceType       string
	ResourceID         string
	SyncStatus         string
	LastETag           string
	LastSyncedAt       *time.Time
	SyncError          string
	Progress           string
	RateLimitRemaining *int64
	RateLimitReset     *time.Time
}

const syncStateColumns = `user_id, resource_type, resource_id, sync_status,
	last_etag, last_synced_at, sync_error, progress, rate_limit_remaining, rate_limit_reset`

func scanSyncState(row interface{ Scan(...any) error }) (*SyncState, error) {
	var s SyncState
	var lastSyncedAt, rlReset sql.NullTime
	var rlRemaining sql.NullInt64
	if err := row.Scan(&s.UserID, &s.ResourceType, &s.ResourceID, &s.SyncStatus,
		&s.LastETag, &lastSyncedAt, &s.SyncError, &s.Progress, &rlRemaining, &rlReset); err != nil {
		return nil, err //nolint:wrapcheck // callers wrap with query context
	}
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		s.LastSyncedAt = &t
	}
	if rlRemaining.Valid {
		v := rlRemaining.Int64
		s.RateLimitRemaining = &v
	}
	if rlReset.Valid {
		t := rlReset.Time
		s.RateLimitReset = &t
	}
	return &s, nil
}

// GetSyncState returns the sync state for the key, or nil if none exists.
func (d *DB) GetSyncState(ctx context.Context, userID, resourceType, resourceID string) (*SyncState, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states
		 WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		userID, resourceType, resourceID)
	s, err := scanSyncState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state %s/%s: %w", resourceType, resourceID, err)
	}
	return s, nil
}

// ListSyncStates returns all sync states for a user.
func (d *DB) ListSyncStates(ctx context.Context, userID string) ([]*SyncState, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states
		 WHERE user_id = ? ORDER BY resource_type, resource_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	defer rows.Close()

	var out []*SyncState
	for rows.Next() {
		s, err := scanSyncState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync states: %w", err)
	}
	return out, nil
}

// UpsertSyncState writes the full row, creating it if absent.
func (d *DB) UpsertSyncState(ctx context.Context, s *SyncState) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_states (user_id, resource_type, resource_id, sync_status,
			last_etag, last_synced_at, sync_error, progress, rate_limit_remaining, rate_limit_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			sync_status = excluded.sync_status,
			last_etag = excluded.last_etag,
			last_synced_at = excluded.last_synced_at,
			sync_error = excluded.sync_error,
			progress = excluded.progress,
			rate_limit_remaining = excluded.rate_limit_remaining,
			rate_limit_reset = excluded.rate_limit_reset`,
		s.UserID, s.ResourceType, s.ResourceID, s.SyncStatus,
		s.LastETag, nullTime(s.LastSyncedAt), s.SyncError, s.Progress,
		nullInt(s.RateLimitRemaining), nullTime(s.RateLimitReset)); err != nil {
		return fmt.Errorf("failed to upsert sync state %s/%s: %w", s.ResourceType, s.ResourceID, err)
	}
	return nil
}

// BeginSync transitions the row to syncing, creating it if absent. Returns
// false without modifying anything when the row is already syncing or is
// marked auth_invalid, which makes re-entry a no-op.
func (d *DB) BeginSync(ctx context.Context, userID, resourceType, resourceID string, now time.Time) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_states (user_id, resource_type, resource_id, sync_status, last_synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			sync_status = excluded.sync_status,
			last_synced_at = excluded.last_synced_at,
			sync_error = ''
		WHERE sync_states.sync_status NOT IN (?, ?)`,
		userID, resourceType, resourceID, SyncSyncing, now.UTC(),
		SyncSyncing, SyncAuthInvalid)
	if err != nil {
		return false, fmt.Errorf("failed to begin sync %s/%s: %w", resourceType, resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// FinishSync transitions a syncing row back to idle and persists the new ETag
// and rate-limit observations.
func (d *DB) FinishSync(ctx context.Context, userID, resourceType, resourceID, etag string, rlRemaining *int64, rlReset *time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET sync_status = ?, last_etag = ?, sync_error = '',
			rate_limit_remaining = ?, rate_limit_reset = ?
		WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		SyncIdle, etag, nullInt(rlRemaining), nullTime(rlReset),
		userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to finish sync %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// CompleteSync settles a syncing row in completed instead of idle. Used by
// the initial sync so a finished bootstrap reads differently from a resource
// that has merely gone quiet.
func (d *DB) CompleteSync(ctx context.Context, userID, resourceType, resourceID string, rlRemaining *int64, rlReset *time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET sync_status = ?, sync_error = '',
			rate_limit_remaining = ?, rate_limit_reset = ?
		WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		SyncCompleted, nullInt(rlRemaining), nullTime(rlReset),
		userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to complete sync %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// FailSync transitions a row to the given failure status (error or
// auth_invalid) with a short human-readable message.
func (d *DB) FailSync(ctx context.Context, userID, resourceType, resourceID, status, message string, rlRemaining *int64, rlReset *time.Time) error {
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO sync_states (user_id, resource_type, resource_id, sync_status, sync_error,
			rate_limit_remaining, rate_limit_reset)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, resource_type, resource_id) DO UPDATE SET
			sync_status = excluded.sync_status,
			sync_error = excluded.sync_error,
			rate_limit_remaining = excluded.rate_limit_remaining,
			rate_limit_reset = excluded.rate_limit_reset`,
		userID, resourceType, resourceID, status, message,
		nullInt(rlRemaining), nullTime(rlReset)); err != nil {
		return fmt.Errorf("failed to fail sync %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// SetSyncStatus force-sets the status, used by explicit retry transitions.
func (d *DB) SetSyncStatus(ctx context.Context, userID, resourceType, resourceID, status string) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET sync_status = ?
		WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		status, userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to set sync status %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// SetSyncProgress stores the serialized progress record for the row.
func (d *DB) SetSyncProgress(ctx context.Context, userID, resourceType, resourceID, progress string) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET progress = ?
		WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		progress, userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to set sync progress %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// ResetSyncState clears the ETag, error and last-synced timestamp and returns
// the row to idle.
func (d *DB) ResetSyncState(ctx context.Context, userID, resourceType, resourceID string) error {
	if _, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET sync_status = ?, last_etag = '', sync_error = '',
			last_synced_at = NULL, progress = ''
		WHERE user_id = ? AND resource_type = ? AND resource_id = ?`,
		SyncIdle, userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to reset sync state %s/%s: %w", resourceType, resourceID, err)
	}
	return nil
}

// DeleteSyncStates removes every sync state for the user (disconnect).
func (d *DB) DeleteSyncStates(ctx context.Context, userID string) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM sync_states WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to delete sync states: %w", err)
	}
	return nil
}

// RecoverStaleSyncing flips rows stuck in syncing since before the threshold
// back to error. Run once on startup; a crashed orchestrator must not park a
// resource in syncing forever.
func (d *DB) RecoverStaleSyncing(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE sync_states SET sync_status = ?, sync_error = 'stale'
		WHERE sync_status = ? AND (last_synced_at IS NULL OR last_synced_at < ?)`,
		SyncError, SyncSyncing, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale sync states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
