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

package syncer

import (
	"testing"

	"github.com/abcxyz/pkg/testutil"
)

func TestParseRepoURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		wantOwner string
		wantName  string
		wantErr   string
	}{
		{
			name:      "owner_slash_name",
			input:     "octo/hello",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:      "https_url",
			input:     "https://github.com/octo/hello",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:      "schemeless_host",
			input:     "github.com/octo/hello",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:      "git_suffix",
			input:     "https://github.com/octo/hello.git",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:      "trailing_slash",
			input:     "octo/hello/",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:      "surrounding_whitespace",
			input:     "  octo/hello  ",
			wantOwner: "octo",
			wantName:  "hello",
		},
		{
			name:    "bare_name",
			input:   "hello",
			wantErr: "unrecognized repository reference",
		},
		{
			name:    "empty",
			input:   "",
			wantErr: "unrecognized repository reference",
		},
		{
			name:    "deep_path",
			input:   "https://github.com/octo/hello/pulls/7",
			wantErr: "unrecognized repository reference",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			owner, name, err := ParseRepoURL(tc.input)
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Fatal(diff)
			}
			if owner != tc.wantOwner || name != tc.wantName {
				t.Errorf("ParseRepoURL(%q) = %q/%q, want %q/%q",
					tc.input, owner, name, tc.wantOwner, tc.wantName)
			}
		})
	}
}

func TestWebhookRegistrationBlocked(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		baseURL    string
		allowLocal bool
		wantBlock  bool
	}{
		{
			name:      "no_base_url",
			baseURL:   "",
			wantBlock: true,
		},
		{
			name:      "localhost",
			baseURL:   "http://localhost:8080",
			wantBlock: true,
		},
		{
			name:      "local_domain",
			baseURL:   "http://mirror.local",
			wantBlock: true,
		},
		{
			name:      "loopback_ip",
			baseURL:   "http://127.0.0.1:8080",
			wantBlock: true,
		},
		{
			name:      "private_ip",
			baseURL:   "http://10.1.2.3",
			wantBlock: true,
		},
		{
			name:       "local_allowed_for_tunnels",
			baseURL:    "http://localhost:8080",
			allowLocal: true,
			wantBlock:  false,
		},
		{
			name:      "public_url",
			baseURL:   "https://mirror.example.com",
			wantBlock: false,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := New(nil, nil, nil, nil, nil, &Options{
				WebhookBaseURL:     tc.baseURL,
				AllowLocalWebhooks: tc.allowLocal,
			})
			blocked, reason := s.webhookRegistrationBlocked()
			if blocked != tc.wantBlock {
				t.Errorf("webhookRegistrationBlocked() = %t (%q), want %t", blocked, reason, tc.wantBlock)
			}
			if blocked && reason == "" {
				t.Error("blocked registration must carry a reason")
			}
		})
	}
}
