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

// Package queue drains the durable webhook queue. Workers claim due items
// under a lease, hand the payload to a handler and settle the outcome:
// success completes the item, failure schedules a retry with exponential
// backoff, and the final failed attempt dead-letters it.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/uuid"

	"github.com/offsync/github-mirror/pkg/store"
)

// Handler consumes one verified delivery payload.
type Handler interface {
	Dispatch(ctx context.Context, eventType string, payload []byte) error
}

const (
	defaultPollInterval = 2 * time.Second
	defaultBatchSize    = 10
	defaultBackoffBase  = 5 * time.Second
	defaultBackoffCap   = 10 * time.Minute
	defaultLeaseTimeout = 2 * time.Minute
)

// Worker drains the webhook queue.
type Worker struct {
	db      *store.DB
	handler Handler

	id           string
	pollInterval time.Duration
	batchSize    int
	backoffBase  time.Duration
	backoffCap   time.Duration
	leaseTimeout time.Duration

	nowFunc  func() time.Time
	randFunc func() float64
}

// Option customizes a worker.
type Option func(*Worker)

// WithPollInterval sets how often an idle worker checks for due items.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithBatchSize sets how many items one poll claims.
func WithBatchSize(n int) Option {
	return func(w *Worker) { w.batchSize = n }
}

// WithBackoff sets the retry backoff base and cap.
func WithBackoff(base, cap time.Duration) Option {
	return func(w *Worker) {
		w.backoffBase = base
		w.backoffCap = cap
	}
}

// NewWorker creates a queue worker with a unique worker ID.
func NewWorker(db *store.DB, handler Handler, opts ...Option) *Worker {
	w := &Worker{
		db:           db,
		handler:      handler,
		id:           uuid.NewString(),
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		backoffBase:  defaultBackoffBase,
		backoffCap:   defaultBackoffCap,
		leaseTimeout: defaultLeaseTimeout,
		nowFunc:      time.Now,
		randFunc:     rand.Float64,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until the context is canceled. It returns nil on cancellation;
// storage errors are logged and retried on the next tick rather than killing
// the worker.
func (w *Worker) Run(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	logger.InfoContext(ctx, "webhook queue worker started",
		"worker_id", w.id,
		"poll_interval", w.pollInterval.String())

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if err := w.Tick(ctx); err != nil {
			logger.ErrorContext(ctx, "queue tick failed",
				"worker_id", w.id,
				"error", err)
		}

		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "webhook queue worker stopping", "worker_id", w.id)
			return nil
		case <-ticker.C:
		}
	}
}

// Tick reclaims expired leases, claims one batch of due items and processes
// them in order.
func (w *Worker) Tick(ctx context.Context) error {
	logger := logging.FromContext(ctx)
	now := w.nowFunc().UTC()

	reclaimed, err := w.db.ReclaimExpiredLeases(ctx, now.Add(-w.leaseTimeout))
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if reclaimed > 0 {
		logger.WarnContext(ctx, "reclaimed expired queue leases", "count", reclaimed)
	}

	items, err := w.db.ClaimQueueItems(ctx, w.id, w.batchSize, now)
	if err != nil {
		return fmt.Errorf("failed to claim queue items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return err //nolint:wrapcheck // context cancellation
		}
		w.processItem(ctx, item)
	}
	return nil
}

// processItem runs the handler and settles the item. Settlement failures are
// logged only; the lease reclaim picks the item up again.
func (w *Worker) processItem(ctx context.Context, item *store.QueueItem) {
	logger := logging.FromContext(ctx)

	handlerErr := w.handler.Dispatch(ctx, item.Event, item.Payload)
	now := w.nowFunc().UTC()

	if handlerErr == nil {
		if err := w.db.CompleteQueueItem(ctx, item.ID, item.DeliveryID, now); err != nil {
			logger.ErrorContext(ctx, "failed to complete queue item",
				"queue_item_id", item.ID,
				"error", err)
		}
		logger.InfoContext(ctx, "webhook delivery processed",
			"delivery_id", item.DeliveryID,
			"event_type", item.Event,
			"attempts", item.Attempts+1)
		return
	}

	attempts := item.Attempts + 1
	if attempts >= item.MaxAttempts {
		logger.ErrorContext(ctx, "webhook delivery dead-lettered",
			"delivery_id", item.DeliveryID,
			"event_type", item.Event,
			"attempts", attempts,
			"error", handlerErr)
		if err := w.db.DeadLetterQueueItem(ctx, item.ID, item.DeliveryID, handlerErr.Error(), now); err != nil {
			logger.ErrorContext(ctx, "failed to dead-letter queue item",
				"queue_item_id", item.ID,
				"error", err)
		}
		return
	}

	delay := w.backoff(item.Attempts)
	logger.WarnContext(ctx, "webhook delivery failed, scheduling retry",
		"delivery_id", item.DeliveryID,
		"event_type", item.Event,
		"attempts", attempts,
		"retry_in", delay.String(),
		"error", handlerErr)
	if err := w.db.RetryQueueItem(ctx, item.ID, handlerErr.Error(), now.Add(delay)); err != nil {
		logger.ErrorContext(ctx, "failed to schedule queue item retry",
			"queue_item_id", item.ID,
			"error", err)
	}
}

// backoff returns the capped exponential delay before the next attempt, with
// up to 10% jitter so retries from one burst spread out.
func (w *Worker) backoff(attempts int) time.Duration {
	d := w.backoffBase
	for i := 0; i < attempts && d < w.backoffCap; i++ {
		d *= 2
	}
	if d > w.backoffCap {
		d = w.backoffCap
	}
	jitter := time.Duration(w.randFunc() * 0.1 * float64(d))
	return d + jitter
}
