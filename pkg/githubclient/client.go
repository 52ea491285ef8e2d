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

// Package githubclient implements the typed REST operations the mirror needs:
// conditional requests with ETags, page-at-a-time iteration with per_page=100,
// element-wise lenient decoding of array responses, and classification of
// auth and rate-limit failures. One Client serves one (user, access token)
// pair.
package githubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/ratelimit"
	"github.com/offsync/github-mirror/pkg/version"
)

const (
	defaultBaseURL = "https://api.github.com"
	defaultTimeout = 30 * time.Second
	perPage        = 100
	apiVersion     = "2022-11-28"
)

// AuthReporter is called when GitHub rejects the user's credentials; it flips
// the token's sync state to auth_invalid.
type AuthReporter interface {
	MarkAuthInvalid(ctx context.Context, userID, reason string) error
}

// Client talks to the GitHub REST (and, for review threads, GraphQL) API on
// behalf of one user.
type Client struct {
	userID  string
	token   string
	baseURL string
	http    *http.Client
	limits  *ratelimit.Tracker
	auth    AuthReporter
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (tests, GHES).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the transport.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the given user and token.
func New(userID, token string, limits *ratelimit.Tracker, auth AuthReporter, opts ...Option) *Client {
	c := &Client{
		userID:  userID,
		token:   token,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		limits:  limits,
		auth:    auth,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RateLimit exposes the tracker snapshot for display.
func (c *Client) RateLimit() ratelimit.Snapshot {
	return c.limits.Snapshot()
}

// Meta carries per-response metadata alongside decoded data.
type Meta struct {
	ETag        string
	Unchanged   bool
	OAuthScopes string
	RateLimit   ratelimit.Snapshot
}

// do performs one request. A non-empty etag is sent as If-None-Match; a 304
// returns Meta.Unchanged without touching out. out may be nil for requests
// whose body is irrelevant.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, etag string, body, out any) (*Meta, error) {
	if err := c.limits.Check(); err != nil {
		return nil, fmt.Errorf("request rejected: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("User-Agent", version.HumanVersion)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github request failed: %w", err)
	}
	defer resp.Body.Close()

	c.limits.Update(resp.Header)

	meta := &Meta{
		ETag:        resp.Header.Get("ETag"),
		OAuthScopes: resp.Header.Get("X-Oauth-Scopes"),
		RateLimit:   c.limits.Snapshot(),
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		meta.Unchanged = true
		meta.ETag = etag
		return meta, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return meta, nil

	default:
		return meta, c.classifyError(ctx, resp)
	}
}

// classifyError turns a non-2xx response into a typed failure and, for auth
// failures, stamps the user's token state.
func (c *Client) classifyError(ctx context.Context, resp *http.Response) error {
	var ghErr struct {
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(raw, &ghErr)

	// 403 with an exhausted quota is a rate limit, not a permissions problem.
	if (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) &&
		resp.Header.Get(ratelimit.RemainingHeader) == "0" {
		if rlErr := c.limits.Check(); rlErr != nil {
			return rlErr
		}
		if reset, err := strconv.ParseInt(resp.Header.Get(ratelimit.ResetHeader), 10, 64); err == nil {
			resetAt := time.Unix(reset, 0).UTC()
			return &ratelimit.Error{RetryAfter: time.Until(resetAt), ResetAt: resetAt}
		}
	}

	apiErr := &APIError{StatusCode: resp.StatusCode, Message: ghErr.Message}
	if IsAuthError(apiErr) {
		if err := c.auth.MarkAuthInvalid(ctx, c.userID, apiErr.Message); err != nil {
			logging.FromContext(ctx).ErrorContext(ctx, "failed to stamp auth_invalid",
				"userId", c.userID, "error", err)
		}
	}
	return apiErr
}

// listPages iterates array-response pages with per_page=100, decoding each
// page into raw elements and handing them to each. each returns false to cut
// the listing short. The ETag conditionally covers the first page; a 304
// short-circuits the whole listing.
func (c *Client) listPages(ctx context.Context, path string, query url.Values, etag string, each func(items []json.RawMessage) (bool, error)) (*Meta, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("per_page", strconv.Itoa(perPage))

	var firstMeta *Meta
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))

		pageETag := ""
		if page == 1 {
			pageETag = etag
		}

		var items []json.RawMessage
		meta, err := c.do(ctx, http.MethodGet, path, query, pageETag, nil, &items)
		if err != nil {
			return meta, err
		}
		if page == 1 {
			firstMeta = meta
			if meta.Unchanged {
				return firstMeta, nil
			}
		}

		keepGoing, err := each(items)
		if err != nil {
			return firstMeta, err
		}
		if !keepGoing || len(items) < perPage {
			return firstMeta, nil
		}
	}
}

// decodeEach decodes array elements one at a time. Elements that fail to
// decode are skipped and logged with their index and reason so one malformed
// element never aborts a page.
func decodeEach[T any](ctx context.Context, items []json.RawMessage, out *[]*T) {
	logger := logging.FromContext(ctx)
	for i, raw := range items {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			logger.WarnContext(ctx, "skipping malformed list element",
				"index", i, "error", err)
			continue
		}
		*out = append(*out, &v)
	}
}

// collect is the common shape for a leniently-decoded full listing.
func collect[T any](ctx context.Context, c *Client, path string, query url.Values, etag string) ([]*T, *Meta, error) {
	var out []*T
	meta, err := c.listPages(ctx, path, query, etag, func(items []json.RawMessage) (bool, error) {
		decodeEach(ctx, items, &out)
		return true, nil
	})
	if err != nil {
		return nil, meta, err
	}
	return out, meta, nil
}
