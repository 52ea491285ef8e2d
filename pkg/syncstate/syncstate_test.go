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

package syncstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/offsync/github-mirror/pkg/ratelimit"
	"github.com/offsync/github-mirror/pkg/store"
)

func testManager(ctx context.Context, t *testing.T) (*Manager, *store.DB) {
	t.Helper()

	db, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return New(db), db
}

func TestManager_BeginIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	started, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if !started {
		t.Fatal("first Begin() = false, want true")
	}

	// Re-entry while syncing is a no-op.
	started, err = m.Begin(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if started {
		t.Error("second Begin() = true, want false while syncing")
	}

	// A different resource ID is independent.
	started, err = m.Begin(ctx, "u1", ResourcePulls, "octo/other")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if !started {
		t.Error("Begin() for other resource = false, want true")
	}
}

func TestManager_FinishPersistsETag(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello"); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	reset := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rl := ratelimit.Snapshot{Limit: 5000, Remaining: 4321, ResetAt: &reset, Observed: true}
	if err := m.Finish(ctx, "u1", ResourcePulls, "octo/hello", `W/"abc"`, rl); err != nil {
		t.Fatalf("Finish() returned %v", err)
	}

	got, err := m.Get(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.SyncStatus != store.SyncIdle {
		t.Errorf("status = %q, want %q", got.SyncStatus, store.SyncIdle)
	}
	if got.LastETag != `W/"abc"` {
		t.Errorf("etag = %q, want W/\"abc\"", got.LastETag)
	}
	if got.RateLimitRemaining == nil || *got.RateLimitRemaining != 4321 {
		t.Errorf("rate limit remaining = %v, want 4321", got.RateLimitRemaining)
	}

	// Finished resources can begin again.
	started, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if !started {
		t.Error("Begin() after Finish() = false, want true")
	}
}

func TestManager_FailAndRetry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if err := m.Fail(ctx, "u1", ResourceRepos, "", "github responded 500", ratelimit.Snapshot{}); err != nil {
		t.Fatalf("Fail() returned %v", err)
	}

	got, err := m.Get(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.SyncStatus != store.SyncError || got.SyncError != "github responded 500" {
		t.Errorf("after Fail(): %+v, want error state", got)
	}

	if err := m.Retry(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatalf("Retry() returned %v", err)
	}
	got, err = m.Get(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.SyncStatus != store.SyncIdle {
		t.Errorf("after Retry(): status = %q, want %q", got.SyncStatus, store.SyncIdle)
	}
}

func TestManager_RetryOnlyFromError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}

	// Retrying a syncing resource leaves it alone.
	if err := m.Retry(ctx, "u1", ResourceRepos, ""); err != nil {
		t.Fatalf("Retry() returned %v", err)
	}
	got, err := m.Get(ctx, "u1", ResourceRepos, "")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.SyncStatus != store.SyncSyncing {
		t.Errorf("Retry() changed a syncing resource to %q", got.SyncStatus)
	}
}

func TestManager_FailAuthBlocksBegin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourceOrgs, ""); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if err := m.FailAuth(ctx, "u1", ResourceOrgs, "", "bad credentials"); err != nil {
		t.Fatalf("FailAuth() returned %v", err)
	}

	// No orchestrator may pick the resource up until the user reconnects.
	started, err := m.Begin(ctx, "u1", ResourceOrgs, "")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if started {
		t.Error("Begin() = true on auth_invalid resource, want false")
	}
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello"); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if err := m.Finish(ctx, "u1", ResourcePulls, "octo/hello", `W/"abc"`, ratelimit.Snapshot{}); err != nil {
		t.Fatalf("Finish() returned %v", err)
	}
	if err := m.Reset(ctx, "u1", ResourcePulls, "octo/hello"); err != nil {
		t.Fatalf("Reset() returned %v", err)
	}

	got, err := m.Get(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.LastETag != "" || got.LastSyncedAt != nil || got.SyncStatus != store.SyncIdle {
		t.Errorf("after Reset(): %+v, want cleared idle row", got)
	}
}

func TestManager_RecoverStale(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello"); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}

	// Simulate a restart long after the orchestrator died.
	m.nowFunc = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := m.RecoverStale(ctx)
	if err != nil {
		t.Fatalf("RecoverStale() returned %v", err)
	}
	if n != 1 {
		t.Fatalf("RecoverStale() = %d, want 1", n)
	}

	got, err := m.Get(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.SyncStatus != store.SyncError {
		t.Errorf("after RecoverStale(): status = %q, want %q", got.SyncStatus, store.SyncError)
	}

	// Recovered resources can be restarted immediately.
	started, err := m.Begin(ctx, "u1", ResourcePulls, "octo/hello")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if !started {
		t.Error("Begin() after recovery = false, want true")
	}
}

func TestManager_CompleteAllowsReBegin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m, _ := testManager(ctx, t)

	if _, err := m.Begin(ctx, "u1", ResourceInitialSync, ""); err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if err := m.Complete(ctx, "u1", ResourceInitialSync, "", ratelimit.Snapshot{}); err != nil {
		t.Fatalf("Complete() returned %v", err)
	}

	s, err := m.Get(ctx, "u1", ResourceInitialSync, "")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if s == nil || s.SyncStatus != store.SyncCompleted {
		t.Fatalf("state = %+v, want status %q", s, store.SyncCompleted)
	}

	// Completed does not block a later re-run.
	started, err := m.Begin(ctx, "u1", ResourceInitialSync, "")
	if err != nil {
		t.Fatalf("Begin() returned %v", err)
	}
	if !started {
		t.Error("Begin() after Complete() = false, want true")
	}
}
