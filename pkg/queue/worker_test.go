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

package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/store"
)

// fakeHandler records dispatches and fails while failWith is set.
type fakeHandler struct {
	mu       sync.Mutex
	failWith error
	calls    []string
}

func (h *fakeHandler) Dispatch(ctx context.Context, eventType string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, eventType)
	return h.failWith
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func testQueueDB(ctx context.Context, t *testing.T) *store.DB {
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
	return db
}

func enqueueItem(ctx context.Context, t *testing.T, db *store.DB, deliveryID string, maxAttempts int, now time.Time) *store.QueueItem {
	t.Helper()

	item := &store.QueueItem{
		ID:          "item-" + deliveryID,
		DeliveryID:  deliveryID,
		Event:       "pull_request",
		Action:      "opened",
		Payload:     []byte(`{"action":"opened"}`),
		MaxAttempts: maxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	duplicate, err := db.EnqueueDelivery(ctx, &store.Delivery{
		DeliveryID: deliveryID,
		Event:      "pull_request",
		ReceivedAt: now,
	}, item)
	if err != nil {
		t.Fatalf("EnqueueDelivery() returned %v", err)
	}
	if duplicate {
		t.Fatalf("EnqueueDelivery() reported duplicate for fresh delivery %s", deliveryID)
	}
	return item
}

func TestWorker_TickCompletesOnSuccess(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	handler := &fakeHandler{}
	w := NewWorker(db, handler)
	w.nowFunc = func() time.Time { return now }

	item := enqueueItem(ctx, t, db, "d1", 5, now)
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick() returned %v", err)
	}
	if handler.callCount() != 1 {
		t.Fatalf("handler called %d times, want 1", handler.callCount())
	}

	got, err := db.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() returned %v", err)
	}
	if got.Status != store.QueueProcessed {
		t.Errorf("item status = %q, want %q", got.Status, store.QueueProcessed)
	}
	del, err := db.GetDelivery(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDelivery() returned %v", err)
	}
	if del.Status != store.DeliveryProcessed {
		t.Errorf("delivery status = %q, want %q", del.Status, store.DeliveryProcessed)
	}
}

func TestWorker_TickRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	handler := &fakeHandler{failWith: fmt.Errorf("github responded 502")}
	w := NewWorker(db, handler, WithBackoff(time.Second, time.Minute))
	w.nowFunc = func() time.Time { return now }
	w.randFunc = func() float64 { return 0 }

	item := enqueueItem(ctx, t, db, "d1", 2, now)

	// First failure burns one attempt and schedules a retry.
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick() returned %v", err)
	}
	got, err := db.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() returned %v", err)
	}
	if got.Status != store.QueuePending || got.Attempts != 1 {
		t.Fatalf("after first failure: status %q attempts %d, want pending/1", got.Status, got.Attempts)
	}
	if !got.NextRetryAt.After(now) {
		t.Errorf("next retry %v not in the future", got.NextRetryAt)
	}

	// Not due yet: an immediate tick claims nothing.
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick() returned %v", err)
	}
	if handler.callCount() != 1 {
		t.Fatalf("handler called %d times before backoff elapsed, want 1", handler.callCount())
	}

	// The final attempt dead-letters the item and fails the delivery.
	now = now.Add(2 * time.Second)
	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick() returned %v", err)
	}
	got, err = db.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() returned %v", err)
	}
	if got.Status != store.QueueDeadLetter || got.Attempts != 2 {
		t.Errorf("after final failure: status %q attempts %d, want dead_letter/2", got.Status, got.Attempts)
	}
	if got.LastError != "github responded 502" {
		t.Errorf("last error = %q", got.LastError)
	}
	del, err := db.GetDelivery(ctx, "d1")
	if err != nil {
		t.Fatalf("GetDelivery() returned %v", err)
	}
	if del.Status != store.DeliveryFailed {
		t.Errorf("delivery status = %q, want %q", del.Status, store.DeliveryFailed)
	}
}

func TestWorker_TickReclaimsExpiredLeases(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	item := enqueueItem(ctx, t, db, "d1", 5, now)

	// Another worker claimed the item and died holding the lease.
	claimed, err := db.ClaimQueueItems(ctx, "dead-worker", 10, now)
	if err != nil {
		t.Fatalf("ClaimQueueItems() returned %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed %d items, want 1", len(claimed))
	}

	handler := &fakeHandler{}
	w := NewWorker(db, handler)
	w.nowFunc = func() time.Time { return now.Add(3 * time.Minute) }

	if err := w.Tick(ctx); err != nil {
		t.Fatalf("Tick() returned %v", err)
	}
	got, err := db.GetQueueItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetQueueItem() returned %v", err)
	}
	if got.Status != store.QueueProcessed {
		t.Errorf("item status = %q, want %q after reclaim", got.Status, store.QueueProcessed)
	}
}

func TestWorker_Backoff(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		attempts int
		rand     float64
		want     time.Duration
	}{
		{name: "first_retry", attempts: 0, rand: 0, want: 5 * time.Second},
		{name: "second_retry", attempts: 1, rand: 0, want: 10 * time.Second},
		{name: "fourth_retry", attempts: 3, rand: 0, want: 40 * time.Second},
		{name: "capped", attempts: 20, rand: 0, want: 10 * time.Minute},
		{name: "full_jitter", attempts: 0, rand: 1, want: 5*time.Second + 500*time.Millisecond},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := NewWorker(nil, nil)
			w.randFunc = func() float64 { return tc.rand }
			if got := w.backoff(tc.attempts); got != tc.want {
				t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
			}
		})
	}
}
