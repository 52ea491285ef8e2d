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

// Package syncstate drives the per-resource sync-state machine. Transitions
// are explicit; at most one orchestrator holds a resource in syncing, and
// re-entry is an idempotent no-op.
package syncstate

import (
	"context"
	"fmt"
	"time"

	"github.com/offsync/github-mirror/pkg/ratelimit"
	"github.com/offsync/github-mirror/pkg/store"
)

// Resource types tracked by the machine. Resource IDs scope a type to one
// resource, e.g. "owner/repo" for pulls or "owner/repo@ref" for trees.
const (
	ResourceInitialSync = "github:initialSync"
	ResourceOrgs        = "github:orgs"
	ResourceRepos       = "github:repos"
	ResourcePulls       = "github:pulls"
	ResourcePullDetail  = "github:pullDetail"
	ResourceIssues      = "github:issues"
	ResourceTree        = "github:tree"
	ResourceCommits     = "github:commits"
	ResourceWebhooks    = "github:webhooks"
)

// staleThreshold is how long a resource may sit in syncing before the startup
// recovery pass declares its orchestrator dead.
const staleThreshold = 5 * time.Minute

// Manager mediates all transitions.
type Manager struct {
	db      *store.DB
	nowFunc func() time.Time
}

// New creates a manager over the given database.
func New(db *store.DB) *Manager {
	return &Manager{db: db, nowFunc: time.Now}
}

// Begin moves the resource from idle (or error/completed) to syncing,
// stamping lastSyncedAt and clearing the error. Returns false when the
// resource is already syncing or is auth_invalid; callers treat that as
// "already running" and do nothing.
func (m *Manager) Begin(ctx context.Context, userID, resourceType, resourceID string) (bool, error) {
	ok, err := m.db.BeginSync(ctx, userID, resourceType, resourceID, m.nowFunc())
	if err != nil {
		return false, fmt.Errorf("failed to enter syncing: %w", err)
	}
	return ok, nil
}

// Finish moves a syncing resource back to idle, persisting the new ETag and
// the rate-limit observations for display.
func (m *Manager) Finish(ctx context.Context, userID, resourceType, resourceID, etag string, rl ratelimit.Snapshot) error {
	remaining, reset := rateLimitColumns(rl)
	if err := m.db.FinishSync(ctx, userID, resourceType, resourceID, etag, remaining, reset); err != nil {
		return fmt.Errorf("failed to finish sync: %w", err)
	}
	return nil
}

// Complete settles a syncing resource in completed rather than idle. The
// initial sync uses it; Begin treats completed like idle, so a later re-run
// is not blocked.
func (m *Manager) Complete(ctx context.Context, userID, resourceType, resourceID string, rl ratelimit.Snapshot) error {
	remaining, reset := rateLimitColumns(rl)
	if err := m.db.CompleteSync(ctx, userID, resourceType, resourceID, remaining, reset); err != nil {
		return fmt.Errorf("failed to complete sync: %w", err)
	}
	return nil
}

// Fail moves the resource to error with a short human-readable message.
func (m *Manager) Fail(ctx context.Context, userID, resourceType, resourceID, message string, rl ratelimit.Snapshot) error {
	remaining, reset := rateLimitColumns(rl)
	if err := m.db.FailSync(ctx, userID, resourceType, resourceID, store.SyncError, message, remaining, reset); err != nil {
		return fmt.Errorf("failed to record sync error: %w", err)
	}
	return nil
}

// FailAuth moves the resource to auth_invalid. The token row itself is
// stamped separately by the API client's auth reporter; this records the
// state on the resource whose sync tripped over the bad token.
func (m *Manager) FailAuth(ctx context.Context, userID, resourceType, resourceID, message string) error {
	if err := m.db.FailSync(ctx, userID, resourceType, resourceID, store.SyncAuthInvalid, message, nil, nil); err != nil {
		return fmt.Errorf("failed to record auth failure: %w", err)
	}
	return nil
}

// Retry moves an errored resource back to idle. Only the error state is
// retryable; anything else is left alone.
func (m *Manager) Retry(ctx context.Context, userID, resourceType, resourceID string) error {
	s, err := m.Get(ctx, userID, resourceType, resourceID)
	if err != nil {
		return err
	}
	if s == nil || s.SyncStatus != store.SyncError {
		return nil
	}
	if err := m.db.SetSyncStatus(ctx, userID, resourceType, resourceID, store.SyncIdle); err != nil {
		return fmt.Errorf("failed to retry: %w", err)
	}
	return nil
}

// Reset clears the ETag, error and lastSyncedAt and returns the row to idle,
// forcing the next sync to start from scratch.
func (m *Manager) Reset(ctx context.Context, userID, resourceType, resourceID string) error {
	if err := m.db.ResetSyncState(ctx, userID, resourceType, resourceID); err != nil {
		return fmt.Errorf("failed to reset: %w", err)
	}
	return nil
}

// SetProgress stores the serialized progress record (initial sync only).
func (m *Manager) SetProgress(ctx context.Context, userID, resourceType, resourceID, progress string) error {
	if err := m.db.SetSyncProgress(ctx, userID, resourceType, resourceID, progress); err != nil {
		return fmt.Errorf("failed to store progress: %w", err)
	}
	return nil
}

// Get returns the state row, or nil when the resource has never synced.
func (m *Manager) Get(ctx context.Context, userID, resourceType, resourceID string) (*store.SyncState, error) {
	s, err := m.db.GetSyncState(ctx, userID, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync state: %w", err)
	}
	return s, nil
}

// List returns every state row for the user.
func (m *Manager) List(ctx context.Context, userID string) ([]*store.SyncState, error) {
	out, err := m.db.ListSyncStates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync states: %w", err)
	}
	return out, nil
}

// RecoverStale flips resources stuck in syncing longer than the stale
// threshold back to error. Run once at startup.
func (m *Manager) RecoverStale(ctx context.Context) (int64, error) {
	n, err := m.db.RecoverStaleSyncing(ctx, m.nowFunc().Add(-staleThreshold))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale states: %w", err)
	}
	return n, nil
}

func rateLimitColumns(rl ratelimit.Snapshot) (*int64, *time.Time) {
	if !rl.Observed {
		return nil, nil
	}
	remaining := int64(rl.Remaining)
	return &remaining, rl.ResetAt
}
