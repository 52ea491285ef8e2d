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

// Package githubauth holds the per-user OAuth access token and mints GitHub
// App installation tokens. The OAuth token lives in the lastETag field of the
// sync-state row with resource type github:token, which keeps token lookup and
// invalidation atomic with the token's sync status.
package githubauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/offsync/github-mirror/pkg/store"
)

// TokenResourceType is the sync-state resource type whose row carries the
// user's OAuth access token.
const TokenResourceType = "github:token"

// InstallationResourceType is the sync-state resource type whose row carries
// the GitHub App installation ID the user connected through, when they
// installed the App instead of (or before) granting plain OAuth.
const InstallationResourceType = "github:installation"

// OAuthScopes are the scopes requested at login. admin:repo_hook is needed to
// register webhooks on the user's repositories.
var OAuthScopes = []string{"repo", "read:org", "read:user", "user:email", "admin:repo_hook"}

var (
	// ErrNoToken indicates the user has not connected GitHub.
	ErrNoToken = errors.New("no github token for user")

	// ErrAuthInvalid indicates the stored token was revoked or rejected and the
	// user must re-authenticate.
	ErrAuthInvalid = errors.New("github token is invalid")
)

// InstallationMinter mints installation-scoped access tokens. Satisfied by
// AppTokenMinter; nil when the mirror runs without a GitHub App.
type InstallationMinter interface {
	InstallationToken(ctx context.Context, installationID string) (string, error)
}

// TokenStore reads and writes the user's token row.
type TokenStore struct {
	db     *store.DB
	minter InstallationMinter
}

// NewTokenStore creates a token store over the given database.
func NewTokenStore(db *store.DB) *TokenStore {
	return &TokenStore{db: db}
}

// UseAppMinter enables the installation-token fallback for users who
// connected through a GitHub App install instead of plain OAuth.
func (s *TokenStore) UseAppMinter(m InstallationMinter) {
	s.minter = m
}

// SaveToken persists the access token and returns the row to idle.
func (s *TokenStore) SaveToken(ctx context.Context, userID, token string, now time.Time) error {
	syncedAt := now.UTC()
	if err := s.db.UpsertSyncState(ctx, &store.SyncState{
		UserID:       userID,
		ResourceType: TokenResourceType,
		SyncStatus:   store.SyncIdle,
		LastETag:     token,
		LastSyncedAt: &syncedAt,
	}); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// SaveInstallationID records which GitHub App installation the user connected
// through, so AccessToken can mint installation tokens for them.
func (s *TokenStore) SaveInstallationID(ctx context.Context, userID, installationID string, now time.Time) error {
	syncedAt := now.UTC()
	if err := s.db.UpsertSyncState(ctx, &store.SyncState{
		UserID:       userID,
		ResourceType: InstallationResourceType,
		SyncStatus:   store.SyncIdle,
		LastETag:     installationID,
		LastSyncedAt: &syncedAt,
	}); err != nil {
		return fmt.Errorf("failed to save installation id: %w", err)
	}
	return nil
}

// InstallationID returns the user's recorded installation ID, or "" when the
// user never installed the App.
func (s *TokenStore) InstallationID(ctx context.Context, userID string) (string, error) {
	row, err := s.db.GetSyncState(ctx, userID, InstallationResourceType, "")
	if err != nil {
		return "", fmt.Errorf("failed to read installation row: %w", err)
	}
	if row == nil {
		return "", nil
	}
	return row.LastETag, nil
}

// AccessToken returns the user's token. Returns ErrAuthInvalid when the token
// row is stamped auth_invalid, and ErrNoToken when no token is stored. Users
// without an OAuth token fall back to an installation token when a minter is
// configured and they installed the App.
func (s *TokenStore) AccessToken(ctx context.Context, userID string) (string, error) {
	row, err := s.db.GetSyncState(ctx, userID, TokenResourceType, "")
	if err != nil {
		return "", fmt.Errorf("failed to read token row: %w", err)
	}
	if row == nil || row.LastETag == "" {
		return s.installationToken(ctx, userID)
	}
	if row.SyncStatus == store.SyncAuthInvalid {
		return "", ErrAuthInvalid
	}
	return row.LastETag, nil
}

func (s *TokenStore) installationToken(ctx context.Context, userID string) (string, error) {
	if s.minter == nil {
		return "", ErrNoToken
	}
	installationID, err := s.InstallationID(ctx, userID)
	if err != nil {
		return "", err
	}
	if installationID == "" {
		return "", ErrNoToken
	}
	token, err := s.minter.InstallationToken(ctx, installationID)
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}
	return token, nil
}

// MarkAuthInvalid stamps the token row so no orchestrator schedules work for
// the user until they reconnect.
func (s *TokenStore) MarkAuthInvalid(ctx context.Context, userID, reason string) error {
	if err := s.db.FailSync(ctx, userID, TokenResourceType, "",
		store.SyncAuthInvalid, reason, nil, nil); err != nil {
		return fmt.Errorf("failed to mark token invalid: %w", err)
	}
	return nil
}

// DeleteToken removes the user's token row along with every other sync state
// (disconnect).
func (s *TokenStore) DeleteToken(ctx context.Context, userID string) error {
	if err := s.db.DeleteSyncStates(ctx, userID); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// scopeCovers maps each grantable scope to the requirements it satisfies.
// GitHub's scopes are hierarchical: repo implies its sub-scopes, user implies
// read:user and user:email, and the org/hook scopes nest admin > write > read.
var scopeCovers = map[string][]string{
	"repo":            {"repo"},
	"admin:org":       {"read:org"},
	"write:org":       {"read:org"},
	"read:org":        {"read:org"},
	"user":            {"read:user", "user:email"},
	"read:user":       {"read:user"},
	"user:email":      {"user:email"},
	"admin:repo_hook": {"admin:repo_hook"},
}

// MissingScopes compares the x-oauth-scopes header (the authoritative record
// of what was granted) against OAuthScopes and returns the requirements not
// covered. An empty result means the grant is sufficient.
func MissingScopes(grantedHeader string) []string {
	covered := make(map[string]bool)
	for _, raw := range strings.Split(grantedHeader, ",") {
		scope := strings.TrimSpace(raw)
		for _, c := range scopeCovers[scope] {
			covered[c] = true
		}
	}

	var missing []string
	for _, required := range OAuthScopes {
		if !covered[required] {
			missing = append(missing, required)
		}
	}
	return missing
}
