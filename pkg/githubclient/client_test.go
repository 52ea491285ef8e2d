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

package githubclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/go-cmp/cmp"

	"github.com/offsync/github-mirror/pkg/ratelimit"
)

// fakeAuthReporter records auth invalidations.
type fakeAuthReporter struct {
	mu      sync.Mutex
	userID  string
	reason  string
	invalid bool
}

func (f *fakeAuthReporter) MarkAuthInvalid(ctx context.Context, userID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userID = userID
	f.reason = reason
	f.invalid = true
	return nil
}

func setRateLimitHeaders(w http.ResponseWriter, remaining int) {
	w.Header().Set(ratelimit.LimitHeader, "5000")
	w.Header().Set(ratelimit.RemainingHeader, strconv.Itoa(remaining))
	w.Header().Set(ratelimit.ResetHeader, strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10))
}

func testClient(t *testing.T, handler http.Handler) (*Client, *fakeAuthReporter) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	auth := &fakeAuthReporter{}
	return New("u1", "test-token", ratelimit.New(), auth, WithBaseURL(srv.URL)), auth
}

func TestClient_ConditionalRequests(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	const etag = `W/"abc"`
	var requests int
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		setRateLimitHeaders(w, 4999)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		fmt.Fprint(w, `{"login":"octocat"}`)
	}))

	var out struct {
		Login string `json:"login"`
	}
	meta, err := c.do(ctx, http.MethodGet, "/user", nil, "", nil, &out)
	if err != nil {
		t.Fatalf("do() returned %v", err)
	}
	if meta.Unchanged {
		t.Error("first request reported unchanged")
	}
	if meta.ETag != etag {
		t.Errorf("etag = %q, want %q", meta.ETag, etag)
	}
	if out.Login != "octocat" {
		t.Errorf("login = %q, want octocat", out.Login)
	}

	// Replaying the ETag yields a 304 that carries the same ETag forward.
	meta, err = c.do(ctx, http.MethodGet, "/user", nil, etag, nil, &out)
	if err != nil {
		t.Fatalf("do() returned %v", err)
	}
	if !meta.Unchanged {
		t.Error("second request did not report unchanged")
	}
	if meta.ETag != etag {
		t.Errorf("304 etag = %q, want %q carried forward", meta.ETag, etag)
	}
	if requests != 2 {
		t.Errorf("server saw %d requests, want 2", requests)
	}
}

func TestClient_AuthFailureStampsToken(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	c, auth := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRateLimitHeaders(w, 4999)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"Bad credentials"}`)
	}))

	_, err := c.do(ctx, http.MethodGet, "/user", nil, "", nil, nil)
	if !IsAuthError(err) {
		t.Fatalf("do() returned %v, want auth error", err)
	}
	if !auth.invalid || auth.userID != "u1" {
		t.Errorf("auth reporter = %+v, want u1 marked invalid", auth)
	}
}

func TestClient_ExhaustedQuotaIsRateLimit(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	c, auth := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRateLimitHeaders(w, 0)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"API rate limit exceeded"}`)
	}))

	_, err := c.do(ctx, http.MethodGet, "/user", nil, "", nil, nil)
	rlErr, ok := AsRateLimit(err)
	if !ok {
		t.Fatalf("do() returned %v, want rate-limit error", err)
	}
	if rlErr.RetryAfter <= 0 {
		t.Errorf("retry after = %v, want positive", rlErr.RetryAfter)
	}
	if auth.invalid {
		t.Error("a quota 403 must not invalidate the token")
	}

	// The tracker now rejects before the wire.
	_, err = c.do(ctx, http.MethodGet, "/user", nil, "", nil, nil)
	if _, ok := AsRateLimit(err); !ok {
		t.Errorf("second do() returned %v, want local rate-limit rejection", err)
	}
}

func TestCollect_PaginatesAndSkipsMalformed(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	type item struct {
		N int `json:"n"`
	}

	var requests int
	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		setRateLimitHeaders(w, 4999)
		if got := r.URL.Query().Get("per_page"); got != "100" {
			t.Errorf("per_page = %q, want 100", got)
		}

		switch r.URL.Query().Get("page") {
		case "1":
			items := make([]json.RawMessage, 0, perPage)
			for i := 0; i < perPage-1; i++ {
				items = append(items, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)))
			}
			// One malformed element must not abort the page.
			items = append(items, json.RawMessage(`"not an object"`))
			if err := json.NewEncoder(w).Encode(items); err != nil {
				t.Errorf("failed to encode page: %v", err)
			}
		case "2":
			fmt.Fprint(w, `[{"n":1000},{"n":1001}]`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page"))
		}
	}))

	out, meta, err := collect[item](ctx, c, "/repos/octo/hello/pulls", nil, "")
	if err != nil {
		t.Fatalf("collect() returned %v", err)
	}
	if requests != 2 {
		t.Errorf("server saw %d requests, want 2", requests)
	}
	if len(out) != perPage+1 {
		t.Fatalf("collected %d items, want %d", len(out), perPage+1)
	}
	if diff := cmp.Diff(&item{N: 1001}, out[len(out)-1]); diff != "" {
		t.Errorf("last item mismatch (-want, +got):\n%s", diff)
	}
	if meta == nil || meta.RateLimit.Remaining != 4999 {
		t.Errorf("meta = %+v, want rate limit snapshot", meta)
	}
}

func TestClient_GetFileContentsDecodesBase64(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRateLimitHeaders(w, 4999)
		if r.URL.Path != "/repos/octo/hello/contents/docs/README.md" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if r.URL.Query().Get("ref") != "main" {
			t.Errorf("ref = %q, want main", r.URL.Query().Get("ref"))
		}
		// "hello world" in the API's base64 envelope.
		fmt.Fprint(w, `{"type":"file","encoding":"base64","name":"README.md","content":"aGVsbG8gd29ybGQ="}`)
	}))

	got, _, err := c.GetFileContents(ctx, "octo", "hello", "docs/README.md", "main")
	if err != nil {
		t.Fatalf("GetFileContents() returned %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("contents = %q, want %q", got, "hello world")
	}
}

func TestClient_GetFileContentsWithoutContentFails(t *testing.T) {
	t.Parallel()

	ctx := logging.WithLogger(context.Background(), logging.TestLogger(t))

	c, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setRateLimitHeaders(w, 4999)
		fmt.Fprint(w, `{"type":"dir","name":"docs"}`)
	}))

	if _, _, err := c.GetFileContents(ctx, "octo", "hello", "docs", ""); err == nil {
		t.Error("GetFileContents() = nil, want error for response without content")
	}
}
