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

// Package webhook receives GitHub webhook deliveries, verifies their
// HMAC-SHA256 signature and enqueues them for asynchronous processing. The
// handler never applies payloads inline: its only job is to get the delivery
// durably on the queue and answer fast.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/google/uuid"

	"github.com/offsync/github-mirror/pkg/store"
)

const (
	// SHA256SignatureHeader is the GitHub header carrying the HMAC-SHA256 hexdigest.
	SHA256SignatureHeader = "X-Hub-Signature-256"

	// EventTypeHeader is the GitHub header carrying the event type.
	EventTypeHeader = "X-Github-Event"

	// DeliveryIDHeader is the GitHub header carrying the unique delivery ID.
	DeliveryIDHeader = "X-Github-Delivery"

	// maxPayloadBytes caps the request body. GitHub caps payloads at 25MB.
	maxPayloadBytes = 25 * 1000000
)

var (
	errReadingPayload   = fmt.Errorf("failed to read webhook payload")
	errMissingHeaders   = fmt.Errorf("missing required webhook headers")
	errInvalidSignature = fmt.Errorf("failed to validate webhook signature")
	errMalformedPayload = fmt.Errorf("webhook payload is not valid JSON")
	errEnqueueFailed    = fmt.Errorf("failed to enqueue webhook delivery")
)

// defaultMaxAttempts is how many processing attempts a delivery gets before
// it dead-letters.
const defaultMaxAttempts = 5

// Receiver is the webhook ingress handler.
type Receiver struct {
	db          *store.DB
	h           *renderer.Renderer
	secret      string
	maxAttempts int

	nowFunc func() time.Time
}

// NewReceiver creates a receiver that enqueues into db and signs expectations
// with secret.
func NewReceiver(db *store.DB, h *renderer.Renderer, secret string) *Receiver {
	return &Receiver{
		db:          db,
		h:           h,
		secret:      secret,
		maxAttempts: defaultMaxAttempts,
		nowFunc:     time.Now,
	}
}

// receiptResponse is the body returned for accepted deliveries.
type receiptResponse struct {
	Received    bool   `json:"received"`
	Duplicate   bool   `json:"duplicate,omitempty"`
	Queued      bool   `json:"queued,omitempty"`
	QueueItemID string `json:"queueItemId,omitempty"`
	DeliveryID  string `json:"deliveryId"`
}

// HandleReceive verifies and enqueues one delivery.
func (rc *Receiver) HandleReceive() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)
		now := rc.nowFunc().UTC()

		deliveryID := r.Header.Get(DeliveryIDHeader)
		eventType := r.Header.Get(EventTypeHeader)
		signature := r.Header.Get(SHA256SignatureHeader)

		// All three headers are mandatory before any crypto work; a request
		// without them is not from GitHub.
		if deliveryID == "" || eventType == "" || signature == "" {
			logger.ErrorContext(ctx, "webhook request missing required headers",
				"code", http.StatusBadRequest,
				"has_delivery_id", deliveryID != "",
				"has_event_type", eventType != "",
				"has_signature", signature != "")
			rc.h.RenderJSON(w, http.StatusBadRequest, errMissingHeaders)
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			logger.ErrorContext(ctx, "failed to read webhook request body",
				"code", http.StatusInternalServerError,
				"error", err)
			rc.h.RenderJSON(w, http.StatusInternalServerError, errReadingPayload)
			return
		}

		if !rc.isValidSignature(signature, payload) {
			logger.ErrorContext(ctx, "failed to validate webhook signature",
				"code", http.StatusUnauthorized,
				"delivery_id", deliveryID,
				"event_type", eventType)
			rc.h.RenderJSON(w, http.StatusUnauthorized, errInvalidSignature)
			return
		}

		if !json.Valid(payload) {
			logger.ErrorContext(ctx, "webhook payload is not valid JSON",
				"code", http.StatusBadRequest,
				"delivery_id", deliveryID,
				"event_type", eventType)
			rc.h.RenderJSON(w, http.StatusBadRequest, errMalformedPayload)
			return
		}

		action := extractAction(payload)
		item := &store.QueueItem{
			ID:          uuid.NewString(),
			DeliveryID:  deliveryID,
			Event:       eventType,
			Action:      action,
			Payload:     payload,
			MaxAttempts: rc.maxAttempts,
			NextRetryAt: now,
			CreatedAt:   now,
		}
		duplicate, err := rc.db.EnqueueDelivery(ctx, &store.Delivery{
			DeliveryID: deliveryID,
			Event:      eventType,
			ReceivedAt: now,
		}, item)
		if err != nil {
			logger.ErrorContext(ctx, "failed to enqueue webhook delivery",
				"code", http.StatusInternalServerError,
				"delivery_id", deliveryID,
				"error", err)
			rc.h.RenderJSON(w, http.StatusInternalServerError, errEnqueueFailed)
			return
		}
		if duplicate {
			logger.InfoContext(ctx, "duplicate webhook delivery",
				"delivery_id", deliveryID,
				"event_type", eventType)
			rc.h.RenderJSON(w, http.StatusOK, &receiptResponse{
				Received:   true,
				Duplicate:  true,
				DeliveryID: deliveryID,
			})
			return
		}

		logger.InfoContext(ctx, "webhook delivery enqueued",
			"delivery_id", deliveryID,
			"event_type", eventType,
			"action", action,
			"queue_item_id", item.ID)
		rc.h.RenderJSON(w, http.StatusOK, &receiptResponse{
			Received:    true,
			Queued:      true,
			QueueItemID: item.ID,
			DeliveryID:  deliveryID,
		})
	})
}

// isValidSignature compares the request signature against the HMAC of the
// payload in constant time.
func (rc *Receiver) isValidSignature(signature string, payload []byte) bool {
	mac := hmac.New(sha256.New, []byte(rc.secret))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(want), []byte(signature)) == 1
}

// extractAction pulls the top-level action field, empty when the event type
// has none (e.g. push).
func extractAction(payload []byte) string {
	var peek struct {
		Action string `json:"action"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.Action
}
