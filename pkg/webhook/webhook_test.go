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

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/abcxyz/pkg/renderer"

	"github.com/offsync/github-mirror/pkg/store"
)

//nolint:gosec // test fixture, not a credential
const testWebhookSecret = "test-github-webhook-secret"

func testReceiver(ctx context.Context, t *testing.T) (*Receiver, *store.DB) {
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

	h, err := renderer.New(ctx, nil,
		renderer.WithDebug(true),
		renderer.WithOnError(func(err error) {
			t.Error(err)
		}))
	if err != nil {
		t.Fatal(err)
	}
	return NewReceiver(db, h, testWebhookSecret), db
}

func TestHandleReceive_Rejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	cases := []struct {
		name          string
		payload       string
		secret        string
		skipHeaders   bool
		expStatusCode int
		expRespBody   string
	}{
		{
			name:          "missing_headers",
			payload:       `{"action":"opened"}`,
			secret:        testWebhookSecret,
			skipHeaders:   true,
			expStatusCode: http.StatusBadRequest,
			expRespBody:   `{"errors":["missing required webhook headers"]}`,
		},
		{
			name:          "invalid_signature",
			payload:       `{"action":"opened"}`,
			secret:        "not-valid",
			expStatusCode: http.StatusUnauthorized,
			expRespBody:   `{"errors":["failed to validate webhook signature"]}`,
		},
		{
			name:          "malformed_payload",
			payload:       `{not json`,
			secret:        testWebhookSecret,
			expStatusCode: http.StatusBadRequest,
			expRespBody:   `{"errors":["webhook payload is not valid JSON"]}`,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rc, _ := testReceiver(ctx, t)

			req := httptest.NewRequest(http.MethodPost, "/api/github/webhook", bytes.NewReader([]byte(tc.payload)))
			if !tc.skipHeaders {
				req.Header.Set(DeliveryIDHeader, "delivery-id")
				req.Header.Set(EventTypeHeader, "pull_request")
				req.Header.Set(SHA256SignatureHeader, signPayload(tc.secret, []byte(tc.payload)))
			}

			resp := httptest.NewRecorder()
			rc.HandleReceive().ServeHTTP(resp, req)

			if got, want := resp.Code, tc.expStatusCode; got != want {
				t.Errorf("expected %d to be %d", got, want)
			}
			if got, want := strings.TrimSpace(resp.Body.String()), tc.expRespBody; got != want {
				t.Errorf("expected %q to be %q", got, want)
			}
		})
	}
}

func TestHandleReceive_EnqueuesAndDeduplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rc, db := testReceiver(ctx, t)

	payload := []byte(`{"action":"opened","number":7}`)
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/github/webhook", bytes.NewReader(payload))
		req.Header.Set(DeliveryIDHeader, "delivery-1")
		req.Header.Set(EventTypeHeader, "pull_request")
		req.Header.Set(SHA256SignatureHeader, signPayload(testWebhookSecret, payload))
		resp := httptest.NewRecorder()
		rc.HandleReceive().ServeHTTP(resp, req)
		return resp
	}

	resp := send()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected %d to be %d: %s", resp.Code, http.StatusOK, resp.Body.String())
	}
	var receipt receiptResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !receipt.Received || !receipt.Queued || receipt.QueueItemID == "" {
		t.Errorf("first delivery receipt = %+v, want queued", receipt)
	}

	item, err := db.GetQueueItem(ctx, receipt.QueueItemID)
	if err != nil {
		t.Fatalf("GetQueueItem() returned %v", err)
	}
	if item == nil || item.Event != "pull_request" || item.Action != "opened" {
		t.Fatalf("queue item = %+v, want pull_request/opened", item)
	}
	if item.MaxAttempts != defaultMaxAttempts {
		t.Errorf("max attempts = %d, want %d", item.MaxAttempts, defaultMaxAttempts)
	}

	// GitHub redelivers with the same delivery ID; the queue must not grow.
	resp = send()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected %d to be %d: %s", resp.Code, http.StatusOK, resp.Body.String())
	}
	receipt = receiptResponse{}
	if err := json.Unmarshal(resp.Body.Bytes(), &receipt); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if !receipt.Received || !receipt.Duplicate || receipt.Queued {
		t.Errorf("redelivery receipt = %+v, want duplicate", receipt)
	}

	items, err := db.ListQueueItems(ctx, []string{store.QueuePending}, 10)
	if err != nil {
		t.Fatalf("ListQueueItems() returned %v", err)
	}
	if len(items) != 1 {
		t.Errorf("queue has %d pending items, want 1", len(items))
	}
}

// signPayload creates the HMAC-SHA256 header value for the test payload.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(mac.Sum(nil)))
}
