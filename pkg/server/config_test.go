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
	"testing"

	"github.com/abcxyz/pkg/testutil"
)

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	validConfig := func() *Config {
		return &Config{
			Port:                "8080",
			DatabasePath:        "mirror.db",
			BaseURL:             "https://mirror.example.com",
			GitHubClientID:      "client-id",
			GitHubClientSecret:  "client-secret",
			GitHubWebhookSecret: "webhook-secret",
			QueueWorkers:        1,
		}
	}

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "missing_database_path",
			mutate:  func(cfg *Config) { cfg.DatabasePath = "" },
			wantErr: "DATABASE_PATH is required",
		},
		{
			name:    "missing_base_url",
			mutate:  func(cfg *Config) { cfg.BaseURL = "" },
			wantErr: "BASE_URL is required",
		},
		{
			name:    "missing_client_id",
			mutate:  func(cfg *Config) { cfg.GitHubClientID = "" },
			wantErr: "GITHUB_CLIENT_ID is required",
		},
		{
			name:    "missing_client_secret",
			mutate:  func(cfg *Config) { cfg.GitHubClientSecret = "" },
			wantErr: "GITHUB_CLIENT_SECRET is required",
		},
		{
			name:    "missing_webhook_secret",
			mutate:  func(cfg *Config) { cfg.GitHubWebhookSecret = "" },
			wantErr: "GITHUB_WEBHOOK_SECRET is required",
		},
		{
			name:    "zero_queue_workers",
			mutate:  func(cfg *Config) { cfg.QueueWorkers = 0 },
			wantErr: "QUEUE_WORKERS must be greater than 0",
		},
		{
			name: "multiple_missing",
			mutate: func(cfg *Config) {
				cfg.BaseURL = ""
				cfg.GitHubWebhookSecret = ""
			},
			wantErr: "BASE_URL is required",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := validConfig()
			tc.mutate(cfg)

			err := cfg.Validate()
			if diff := testutil.DiffErrString(err, tc.wantErr); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}
