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
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abcxyz/pkg/githubapp"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// expiryMargin is how long before an installation token's expiry we stop
// serving it from cache.
const expiryMargin = 5 * time.Minute

// AppTokenMinter exchanges short-lived RS256 app JWTs for installation-scoped
// access tokens and caches them per installation ID until shortly before
// expiry.
type AppTokenMinter struct {
	appID      string
	privateKey *rsa.PrivateKey
	apiBaseURL string

	mu    sync.Mutex
	apps  map[string]*githubapp.GitHubApp
	cache map[string]cachedToken

	nowFunc func() time.Time // for tests
}

// MinterOption mutates the minter during construction.
type MinterOption func(m *AppTokenMinter)

// WithAPIBaseURL points the token exchange at a GitHub API base URL other
// than api.github.com (GitHub Enterprise, or a test server).
func WithAPIBaseURL(baseURL string) MinterOption {
	return func(m *AppTokenMinter) {
		m.apiBaseURL = strings.TrimSuffix(baseURL, "/")
	}
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// NewAppTokenMinter parses the app private key and returns a minter. The PEM
// may carry literal \n escapes (common when the key travels through an env
// var).
func NewAppTokenMinter(appID, privateKeyPEM string, opts ...MinterOption) (*AppTokenMinter, error) {
	if appID == "" {
		return nil, fmt.Errorf("missing app id")
	}
	key, err := readPrivateKey(strings.ReplaceAll(privateKeyPEM, `\n`, "\n"))
	if err != nil {
		return nil, fmt.Errorf("failed to read app private key: %w", err)
	}
	m := &AppTokenMinter{
		appID:      appID,
		privateKey: key,
		apps:       make(map[string]*githubapp.GitHubApp),
		cache:      make(map[string]cachedToken),
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// InstallationToken returns an access token scoped to the installation,
// minting a new one when the cached token is absent or within the expiry
// margin.
func (m *AppTokenMinter) InstallationToken(ctx context.Context, installationID string) (string, error) {
	m.mu.Lock()
	if cached, ok := m.cache[installationID]; ok && m.nowFunc().Before(cached.expiresAt.Add(-expiryMargin)) {
		m.mu.Unlock()
		return cached.token, nil
	}
	app, ok := m.apps[installationID]
	if !ok {
		cfgOpts := []githubapp.ConfigOption{githubapp.WithJWTTokenCaching(8 * time.Minute)}
		if m.apiBaseURL != "" {
			cfgOpts = append(cfgOpts,
				githubapp.WithAccessTokenURLPattern(m.apiBaseURL+"/app/installations/%s/access_tokens"))
		}
		app = githubapp.New(githubapp.NewConfig(m.appID, installationID, m.privateKey, cfgOpts...))
		m.apps[installationID] = app
	}
	m.mu.Unlock()

	resp, err := app.AccessTokenAllRepos(ctx, &githubapp.TokenRequestAllRepos{
		Permissions: map[string]string{
			"contents":      "read",
			"metadata":      "read",
			"pull_requests": "read",
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}

	token, expiresAt, err := parseTokenResponse(resp)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.cache[installationID] = cachedToken{token: token, expiresAt: expiresAt}
	m.mu.Unlock()
	return token, nil
}

// readPrivateKey reads an RSA private key in PEM encoding.
func readPrivateKey(rsaPrivateKeyPEM string) (*rsa.PrivateKey, error) {
	parsedKey, _, err := jwk.DecodePEM([]byte(rsaPrivateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("failed to decode PEM formatted key: %w", err)
	}
	privateKey, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected an RSA private key, got %T", parsedKey)
	}
	return privateKey, nil
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// parseTokenResponse extracts the token and its expiry from the exchange
// response.
func parseTokenResponse(data string) (string, time.Time, error) {
	var resp tokenResponse
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		return "", time.Time{}, fmt.Errorf("malformed token response: %w", err)
	}
	if resp.Token == "" {
		return "", time.Time{}, fmt.Errorf("no token in response")
	}
	if resp.ExpiresAt.IsZero() {
		// GitHub installation tokens live one hour; assume that when the
		// response omits the expiry.
		resp.ExpiresAt = time.Now().UTC().Add(time.Hour)
	}
	return resp.Token, resp.ExpiresAt, nil
}
