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
	"testing"
	"time"
)

func TestHealth_EmptyQueueIsOK(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testQueueDB(ctx, t)

	report, err := Health(ctx, db, time.Now().UTC())
	if err != nil {
		t.Fatalf("Health() returned %v", err)
	}
	if report.Status != HealthOK {
		t.Errorf("status = %q, want %q", report.Status, HealthOK)
	}
	if report.Health != "healthy" {
		t.Errorf("health = %q, want healthy", report.Health)
	}
	if report.Alerts == nil || len(report.Alerts) != 0 {
		t.Errorf("alerts = %v, want empty list", report.Alerts)
	}
	if report.Queue.OldestPendingAgeMs != nil {
		t.Errorf("oldest pending age = %v, want nil", *report.Queue.OldestPendingAgeMs)
	}
}

func TestHealth_DeadLetterIsCritical(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	item := enqueueItem(ctx, t, db, "d1", 1, now)
	if err := db.DeadLetterQueueItem(ctx, item.ID, item.DeliveryID, "handler exploded", now); err != nil {
		t.Fatalf("DeadLetterQueueItem() returned %v", err)
	}

	report, err := Health(ctx, db, now)
	if err != nil {
		t.Fatalf("Health() returned %v", err)
	}
	if report.Status != HealthCritical {
		t.Errorf("status = %q, want %q", report.Status, HealthCritical)
	}
	if report.Health != "unhealthy" {
		t.Errorf("health = %q, want unhealthy", report.Health)
	}
	if report.Queue.DeadLetter != 1 {
		t.Errorf("dead letter count = %d, want 1", report.Queue.DeadLetter)
	}
	if len(report.Alerts) == 0 {
		t.Error("expected a dead-letter alert")
	}
}

func TestHealth_RetriesInFlightWarn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	item := enqueueItem(ctx, t, db, "d1", 5, now)
	if err := db.RetryQueueItem(ctx, item.ID, "transient", now.Add(time.Minute)); err != nil {
		t.Fatalf("RetryQueueItem() returned %v", err)
	}

	report, err := Health(ctx, db, now)
	if err != nil {
		t.Fatalf("Health() returned %v", err)
	}
	if report.Status != HealthWarning {
		t.Errorf("status = %q, want %q", report.Status, HealthWarning)
	}
	if report.Health != "degraded" {
		t.Errorf("health = %q, want degraded", report.Health)
	}
	if report.Queue.Failed != 1 {
		t.Errorf("failed count = %d, want 1", report.Queue.Failed)
	}
}

func TestHealth_AgingBacklog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testQueueDB(ctx, t)
	now := time.Now().UTC()

	enqueueItem(ctx, t, db, "d1", 5, now.Add(-10*time.Minute))

	report, err := Health(ctx, db, now)
	if err != nil {
		t.Fatalf("Health() returned %v", err)
	}
	if report.Status != HealthWarning {
		t.Errorf("status = %q, want %q for 10m-old pending item", report.Status, HealthWarning)
	}
	wantAge := (10 * time.Minute).Milliseconds()
	if report.Queue.OldestPendingAgeMs == nil || *report.Queue.OldestPendingAgeMs != wantAge {
		t.Errorf("oldest pending age = %v, want %d", report.Queue.OldestPendingAgeMs, wantAge)
	}

	// Past the critical threshold the same backlog escalates.
	report, err = Health(ctx, db, now.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Health() returned %v", err)
	}
	if report.Status != HealthCritical {
		t.Errorf("status = %q, want %q for 40m-old pending item", report.Status, HealthCritical)
	}
}
