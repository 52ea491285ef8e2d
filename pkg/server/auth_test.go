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
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/abcxyz/pkg/renderer"
	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/githubauth"
)

func testServer(ctx context.Context, t *testing.T, mutate func(cfg *Config)) *Server {
	t.Helper()

	cfg := &Config{
		Port:                    "0",
		DatabasePath:            filepath.Join(t.TempDir(), "test.db"),
		BaseURL:                 "https://mirror.example.com",
		GitHubClientID:          "test-client-id",
		GitHubClientSecret:      "test-client-secret",
		GitHubWebhookSecret:     "test-webhook-secret",
		QueueWorkers:            1,
		QueueProcessedRetention: 24 * time.Hour,
		QueueDeadRetention:      7 * 24 * time.Hour,
	}
	if mutate != nil {
		mutate(cfg)
	}

	h, err := renderer.New(ctx, nil,
		renderer.WithDebug(true),
		renderer.WithOnError(func(err error) {
			t.Error(err)
		}))
	if err != nil {
		t.Fatal(err)
	}

	s, err := NewServer(ctx, cfg, h)
	if err != nil {
		t.Fatalf("NewServer() returned %v", err)
	}
	t.Cleanup(func() {
		if err := s.db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return s
}

func TestRecordMissingScopes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := testServer(ctx, t, nil)
	now := time.Now().UTC()

	ghUser := &github.User{
		ID:    github.Int64(583231),
		Login: github.String("octocat"),
	}
	s.recordMissingScopes(ctx, ghUser, "gho_partialgrant", []string{"read:org", "admin:repo_hook"}, now)

	id, err := s.applier.ApplyUser(ctx, ghUser, now)
	if err != nil {
		t.Fatalf("ApplyUser() returned %v", err)
	}

	if _, err := s.tokens.AccessToken(ctx, id); !errors.Is(err, githubauth.ErrAuthInvalid) {
		t.Fatalf("AccessToken() returned %v, want ErrAuthInvalid", err)
	}

	row, err := s.db.GetSyncState(ctx, id, githubauth.TokenResourceType, "")
	if err != nil {
		t.Fatalf("GetSyncState() returned %v", err)
	}
	if row == nil {
		t.Fatal("token row was not written")
	}
	want := "missing required scopes: read:org, admin:repo_hook"
	if row.SyncError != want {
		t.Errorf("SyncError = %q, want %q", row.SyncError, want)
	}
}

func TestNewServer_BuildsAppMinter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	keyPEM := string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))

	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/67890/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token": "ghs_minted", "expires_at": "2030-01-01T00:00:00Z"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s := testServer(ctx, t, func(cfg *Config) {
		cfg.GitHubAppID = "12345"
		cfg.GitHubAppPrivateKey = keyPEM
		cfg.GitHubAPIBaseURL = srv.URL
	})
	now := time.Now().UTC()

	// With an installation recorded, token resolution reaches the minter
	// instead of reporting a missing token.
	if err := s.tokens.SaveInstallationID(ctx, "u1", "67890", now); err != nil {
		t.Fatalf("SaveInstallationID() returned %v", err)
	}
	token, err := s.tokens.AccessToken(ctx, "u1")
	if err != nil {
		t.Fatalf("AccessToken() returned %v", err)
	}
	if token != "ghs_minted" {
		t.Errorf("token = %q, want ghs_minted", token)
	}
}
