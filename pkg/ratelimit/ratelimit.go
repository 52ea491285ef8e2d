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

// Package ratelimit tracks GitHub's per-token request quota from response
// headers and gates outbound requests when the quota is exhausted. Policy is
// reject-not-wait: [Tracker.Check] returns a typed error with the retry delay
// and the caller decides whether to wait.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// GitHub rate-limit response headers.
const (
	LimitHeader     = "X-Ratelimit-Limit"
	RemainingHeader = "X-Ratelimit-Remaining"
	ResetHeader     = "X-Ratelimit-Reset"
)

// Error reports an exhausted rate limit.
type Error struct {
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("github rate limit exhausted, resets in %s", e.RetryAfter.Round(time.Second))
}

// Snapshot is the most recently observed quota state.
type Snapshot struct {
	Limit     int        `json:"limit"`
	Remaining int        `json:"remaining"`
	ResetAt   *time.Time `json:"resetAt,omitempty"`
	Observed  bool       `json:"observed"`
}

// Tracker is a concurrency-safe monitor fed from every GitHub response.
type Tracker struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	observed  bool

	nowFunc func() time.Time // for tests
}

// New creates an empty tracker.
func New() *Tracker {
	return &Tracker{nowFunc: time.Now}
}

// Update records the quota headers from a GitHub response. Responses without
// rate-limit headers (e.g. from a proxy error page) are ignored.
func (t *Tracker) Update(h http.Header) {
	remaining, err := strconv.Atoi(h.Get(RemainingHeader))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(h.Get(ResetHeader), 10, 64)
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.remaining = remaining
	t.resetAt = time.Unix(reset, 0).UTC()
	if limit, err := strconv.Atoi(h.Get(LimitHeader)); err == nil {
		t.limit = limit
	}
	t.observed = true
}

// Snapshot returns the current quota state for display.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{Limit: t.limit, Remaining: t.remaining, Observed: t.observed}
	if !t.resetAt.IsZero() {
		reset := t.resetAt
		s.ResetAt = &reset
	}
	return s
}

// Check returns a *Error when the quota is known to be exhausted and has not
// reset yet, and nil otherwise.
func (t *Tracker) Check() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.observed || t.remaining > 0 {
		return nil
	}
	now := t.nowFunc()
	if !now.Before(t.resetAt) {
		// The window has rolled over; let the next request refresh state.
		return nil
	}
	return &Error{
		RetryAfter: t.resetAt.Sub(now),
		Remaining:  t.remaining,
		ResetAt:    t.resetAt,
	}
}
