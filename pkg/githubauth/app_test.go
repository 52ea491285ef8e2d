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

package githubauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func TestNewAppTokenMinter(t *testing.T) {
	t.Parallel()

	keyPEM := testPrivateKeyPEM(t)

	cases := []struct {
		name    string
		appID   string
		keyPEM  string
		wantErr string
	}{
		{
			name:   "plain_pem",
			appID:  "12345",
			keyPEM: keyPEM,
		},
		{
			name:  "escaped_newlines",
			appID: "12345",
			// The key as it arrives through an env var.
			keyPEM: strings.ReplaceAll(keyPEM, "\n", `\n`),
		},
		{
			name:    "missing_app_id",
			keyPEM:  keyPEM,
			wantErr: "missing app id",
		},
		{
			name:    "garbage_key",
			appID:   "12345",
			keyPEM:  "not a key",
			wantErr: "failed to read app private key",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m, err := NewAppTokenMinter(tc.appID, tc.keyPEM)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("NewAppTokenMinter() returned %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewAppTokenMinter() returned %v", err)
			}
			if m.appID != tc.appID {
				t.Errorf("appID = %q, want %q", m.appID, tc.appID)
			}
			if m.privateKey == nil {
				t.Error("privateKey is nil")
			}
		})
	}
}

func TestParseTokenResponse(t *testing.T) {
	t.Parallel()

	expiry := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name      string
		data      string
		wantToken string
		wantExp   time.Time
		wantErr   string
	}{
		{
			name:      "token_with_expiry",
			data:      `{"token": "ghs_abc", "expires_at": "2024-04-01T12:00:00Z"}`,
			wantToken: "ghs_abc",
			wantExp:   expiry,
		},
		{
			name:      "missing_expiry_defaults",
			data:      `{"token": "ghs_abc"}`,
			wantToken: "ghs_abc",
		},
		{
			name:    "no_token",
			data:    `{"expires_at": "2024-04-01T12:00:00Z"}`,
			wantErr: "no token in response",
		},
		{
			name:    "malformed",
			data:    `{`,
			wantErr: "malformed token response",
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			token, exp, err := parseTokenResponse(tc.data)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("parseTokenResponse() returned %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseTokenResponse() returned %v", err)
			}
			if token != tc.wantToken {
				t.Errorf("token = %q, want %q", token, tc.wantToken)
			}
			if !tc.wantExp.IsZero() && !exp.Equal(tc.wantExp) {
				t.Errorf("expiry = %v, want %v", exp, tc.wantExp)
			}
			if tc.wantExp.IsZero() && time.Until(exp) < 30*time.Minute {
				t.Errorf("default expiry %v is too close", exp)
			}
		})
	}
}

func TestAppTokenMinter_InstallationToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var mints int32
	mux := http.NewServeMux()
	mux.HandleFunc("/app/installations/42/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&mints, 1)
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("Authorization = %q, want app JWT bearer", got)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"token": "ghs_first", "expires_at": "2030-01-01T00:00:00Z"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	m, err := NewAppTokenMinter("12345", testPrivateKeyPEM(t), WithAPIBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewAppTokenMinter() returned %v", err)
	}
	now := time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	token, err := m.InstallationToken(ctx, "42")
	if err != nil {
		t.Fatalf("InstallationToken() returned %v", err)
	}
	if token != "ghs_first" {
		t.Errorf("token = %q, want ghs_first", token)
	}

	// A second request inside the expiry window is served from cache.
	if _, err := m.InstallationToken(ctx, "42"); err != nil {
		t.Fatalf("InstallationToken() returned %v", err)
	}
	if got := atomic.LoadInt32(&mints); got != 1 {
		t.Errorf("exchange called %d times, want 1", got)
	}

	// Within the margin of expiry the cache no longer serves.
	now = time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Minute)
	if _, err := m.InstallationToken(ctx, "42"); err != nil {
		t.Fatalf("InstallationToken() returned %v", err)
	}
	if got := atomic.LoadInt32(&mints); got != 2 {
		t.Errorf("exchange called %d times, want 2", got)
	}
}
