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

package ratelimit

import (
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"
)

func headers(limit, remaining string, resetAt time.Time) http.Header {
	h := http.Header{}
	if limit != "" {
		h.Set(LimitHeader, limit)
	}
	if remaining != "" {
		h.Set(RemainingHeader, remaining)
	}
	if !resetAt.IsZero() {
		h.Set(ResetHeader, strconv.FormatInt(resetAt.Unix(), 10))
	}
	return h
}

func TestTracker_UpdateAndSnapshot(t *testing.T) {
	t.Parallel()

	tr := New()

	snap := tr.Snapshot()
	if snap.Observed {
		t.Error("fresh tracker reports observed")
	}

	reset := time.Now().Add(time.Hour).Truncate(time.Second)
	tr.Update(headers("5000", "4321", reset))

	snap = tr.Snapshot()
	if !snap.Observed || snap.Limit != 5000 || snap.Remaining != 4321 {
		t.Errorf("snapshot = %+v, want 5000/4321 observed", snap)
	}
	if snap.ResetAt == nil || !snap.ResetAt.Equal(reset) {
		t.Errorf("reset at = %v, want %v", snap.ResetAt, reset)
	}
}

func TestTracker_IgnoresResponsesWithoutQuotaHeaders(t *testing.T) {
	t.Parallel()

	tr := New()
	tr.Update(http.Header{})
	tr.Update(headers("5000", "", time.Now()))

	if snap := tr.Snapshot(); snap.Observed {
		t.Errorf("snapshot = %+v, want unobserved", snap)
	}
}

func TestTracker_Check(t *testing.T) {
	t.Parallel()

	now := time.Now()

	cases := []struct {
		name      string
		remaining string
		resetAt   time.Time
		checkAt   time.Time
		wantErr   bool
	}{
		{
			name:      "quota_available",
			remaining: "100",
			resetAt:   now.Add(time.Hour),
			checkAt:   now,
		},
		{
			name:      "exhausted",
			remaining: "0",
			resetAt:   now.Add(time.Hour),
			checkAt:   now,
			wantErr:   true,
		},
		{
			name:      "window_rolled_over",
			remaining: "0",
			resetAt:   now.Add(time.Hour),
			checkAt:   now.Add(2 * time.Hour),
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tr := New()
			tr.nowFunc = func() time.Time { return tc.checkAt }
			tr.Update(headers("5000", tc.remaining, tc.resetAt))

			err := tr.Check()
			if tc.wantErr {
				var rlErr *Error
				if !errors.As(err, &rlErr) {
					t.Fatalf("Check() returned %v, want *Error", err)
				}
				if rlErr.RetryAfter <= 0 {
					t.Errorf("retry after = %v, want positive", rlErr.RetryAfter)
				}
				return
			}
			if err != nil {
				t.Errorf("Check() returned %v, want nil", err)
			}
		})
	}
}

func TestTracker_UnobservedNeverRejects(t *testing.T) {
	t.Parallel()

	if err := New().Check(); err != nil {
		t.Errorf("Check() on fresh tracker returned %v, want nil", err)
	}
}
