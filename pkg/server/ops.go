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

package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/queue"
	"github.com/offsync/github-mirror/pkg/store"
)

const queueListLimit = 200

// queueItemView is the operator-facing projection of a queue item. The raw
// payload stays out of the response.
type queueItemView struct {
	ID          string     `json:"id"`
	DeliveryID  string     `json:"deliveryId"`
	Event       string     `json:"event"`
	Action      string     `json:"action,omitempty"`
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   string     `json:"lastError,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

func toQueueItemView(item *store.QueueItem) *queueItemView {
	v := &queueItemView{
		ID:          item.ID,
		DeliveryID:  item.DeliveryID,
		Event:       item.Event,
		Action:      item.Action,
		Status:      item.Status,
		Attempts:    item.Attempts,
		MaxAttempts: item.MaxAttempts,
		LastError:   item.LastError,
		CreatedAt:   item.CreatedAt,
		FailedAt:    item.FailedAt,
	}
	if item.Status == store.QueuePending {
		t := item.NextRetryAt
		v.NextRetryAt = &t
	}
	// Pending items that have been attempted surface as failed so operators
	// can tell retries from fresh arrivals.
	if item.Status == store.QueuePending && item.Attempts > 0 {
		v.Status = "failed"
	}
	return v
}

// handleWebhookHealth reports queue depth and derived health status.
func (s *Server) handleWebhookHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		report, err := queue.Health(ctx, s.db, time.Now().UTC())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, report)
	})
}

// handleWebhookQueueList lists deliveries awaiting work: fresh, retrying and
// dead-lettered.
func (s *Server) handleWebhookQueueList() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		items, err := s.db.ListQueueItems(ctx,
			[]string{store.QueuePending, store.QueueProcessing, store.QueueDeadLetter},
			queueListLimit)
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}

		views := make([]*queueItemView, 0, len(items))
		for _, item := range items {
			views = append(views, toQueueItemView(item))
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"items": views})
	})
}

// handleWebhookQueueAction applies an operator action to the queue: retry or
// discard a single item, or all dead letters at once.
func (s *Server) handleWebhookQueueAction() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		var body struct {
			Action string `json:"action"`
			ItemID string `json:"itemId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "invalid JSON body")
			return
		}

		now := time.Now().UTC()
		switch body.Action {
		case "retry":
			if body.ItemID == "" {
				s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "itemId is required for retry")
				return
			}
			if err := s.db.RequeueQueueItem(ctx, body.ItemID, now); err != nil {
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
				return
			}
			logger.InfoContext(ctx, "requeued webhook delivery", "queue_item_id", body.ItemID)
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"retried": 1})
		case "discard":
			if body.ItemID == "" {
				s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "itemId is required for discard")
				return
			}
			if err := s.db.DeleteQueueItem(ctx, body.ItemID); err != nil {
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
				return
			}
			logger.InfoContext(ctx, "discarded webhook delivery", "queue_item_id", body.ItemID)
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"discarded": 1})
		case "retry-all":
			n, err := s.db.RequeueDeadLetters(ctx, now)
			if err != nil {
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
				return
			}
			logger.InfoContext(ctx, "requeued dead-lettered deliveries", "count", n)
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"retried": n})
		case "discard-all":
			n, err := s.db.DeleteDeadLetters(ctx)
			if err != nil {
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
				return
			}
			logger.InfoContext(ctx, "discarded dead-lettered deliveries", "count", n)
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"discarded": n})
		default:
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable,
				"action must be one of retry, discard, retry-all, discard-all")
		}
	})
}
