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
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/store"
)

const (
	defaultCleanupInterval    = time.Hour
	defaultProcessedRetention = 24 * time.Hour
	defaultDeadRetention      = 7 * 24 * time.Hour

	// cleanupBatchLimit caps rows deleted per pass so a large backlog never
	// holds the write lock for long.
	cleanupBatchLimit = 500
)

// Cleaner prunes settled queue items past their retention window.
type Cleaner struct {
	db *store.DB

	interval           time.Duration
	processedRetention time.Duration
	deadRetention      time.Duration

	nowFunc func() time.Time
}

// NewCleaner creates a cleaner. Zero retention values fall back to the
// defaults (24h processed, 7d dead-lettered).
func NewCleaner(db *store.DB, processedRetention, deadRetention time.Duration) *Cleaner {
	if processedRetention <= 0 {
		processedRetention = defaultProcessedRetention
	}
	if deadRetention <= 0 {
		deadRetention = defaultDeadRetention
	}
	return &Cleaner{
		db:                 db,
		interval:           defaultCleanupInterval,
		processedRetention: processedRetention,
		deadRetention:      deadRetention,
		nowFunc:            time.Now,
	}
}

// Run prunes once immediately, then on every interval until the context is
// canceled.
func (c *Cleaner) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.Prune(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Prune deletes one bounded batch of expired items.
func (c *Cleaner) Prune(ctx context.Context) {
	logger := logging.FromContext(ctx)
	now := c.nowFunc().UTC()

	deleted, err := c.db.CleanupQueue(ctx,
		now.Add(-c.processedRetention),
		now.Add(-c.deadRetention),
		cleanupBatchLimit)
	if err != nil {
		logger.ErrorContext(ctx, "queue cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		logger.InfoContext(ctx, "pruned settled queue items", "count", deleted)
	}
}
