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

// Package syncer orchestrates pull-based synchronization: it fetches from
// the GitHub API with conditional requests, applies the results through the
// applier and tracks each unit of work in the sync-state table. All
// operations converge with the webhook path because both funnel through the
// same keyed upserts.
package syncer

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/githubauth"
	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/ratelimit"
	"github.com/offsync/github-mirror/pkg/store"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// Syncer runs pull-based sync operations for one mirror.
type Syncer struct {
	db      *store.DB
	applier *applier.Applier
	states  *syncstate.Manager
	tokens  *githubauth.TokenStore
	limits  *ratelimit.Tracker

	webhookBaseURL     string
	webhookSecret      string
	allowLocalWebhooks bool

	clientOpts []githubclient.Option
	nowFunc    func() time.Time
}

// Options configures a syncer.
type Options struct {
	// WebhookBaseURL is the public base URL webhooks should deliver to.
	WebhookBaseURL string

	// WebhookSecret signs registered webhooks.
	WebhookSecret string

	// AllowLocalWebhooks permits registering loopback delivery URLs, for
	// development against a tunnel.
	AllowLocalWebhooks bool

	// ClientOpts are passed to every GitHub client the syncer builds.
	ClientOpts []githubclient.Option
}

// New creates a syncer.
func New(db *store.DB, ap *applier.Applier, states *syncstate.Manager, tokens *githubauth.TokenStore, limits *ratelimit.Tracker, opts *Options) *Syncer {
	if opts == nil {
		opts = &Options{}
	}
	return &Syncer{
		db:                 db,
		applier:            ap,
		states:             states,
		tokens:             tokens,
		limits:             limits,
		webhookBaseURL:     opts.WebhookBaseURL,
		webhookSecret:      opts.WebhookSecret,
		allowLocalWebhooks: opts.AllowLocalWebhooks,
		clientOpts:         opts.ClientOpts,
		nowFunc:            time.Now,
	}
}

// client builds a GitHub client for the user's stored token. Returns
// githubauth.ErrNoToken / ErrAuthInvalid when the user cannot call the API.
func (s *Syncer) client(ctx context.Context, userID string) (*githubclient.Client, error) {
	token, err := s.tokens.AccessToken(ctx, userID)
	if err != nil {
		return nil, err //nolint:wrapcheck // sentinel errors pass through
	}
	return githubclient.New(userID, token, s.limits, s.tokens, s.clientOpts...), nil
}

// fetchBackoff bounds transient-fetch retries: two extra attempts, starting
// at one second.
func fetchBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewExponential(time.Second))
}

// withRetry runs fn, retrying transient GitHub failures. Rate-limit rejects
// are not retried inline; the caller surfaces them so the sync state records
// the reset time.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, fetchBackoff(), func(ctx context.Context) error { //nolint:wrapcheck // passthrough
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if _, rateLimited := githubclient.AsRateLimit(err); !rateLimited && githubclient.IsRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// finishState settles a sync-state row from an operation outcome.
func (s *Syncer) finishState(ctx context.Context, userID, resourceType, resourceID, etag string, rl ratelimit.Snapshot, opErr error) error {
	if opErr == nil {
		return s.states.Finish(ctx, userID, resourceType, resourceID, etag, rl)
	}
	if githubclient.IsAuthError(opErr) {
		if err := s.states.FailAuth(ctx, userID, resourceType, resourceID, opErr.Error()); err != nil {
			return err //nolint:wrapcheck // state write already annotates
		}
		return opErr
	}
	if err := s.states.Fail(ctx, userID, resourceType, resourceID, opErr.Error(), rl); err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	return opErr
}

var repoURLPattern = regexp.MustCompile(`^(?:(?:https?://)?github\.com/)?([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`)

// ParseRepoURL extracts owner and name from any of the accepted forms:
// "owner/name", "https://github.com/owner/name", scheme-less
// "github.com/owner/name" and a trailing ".git" or slash on any of them.
func ParseRepoURL(raw string) (owner, name string, err error) {
	m := repoURLPattern.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return "", "", fmt.Errorf("unrecognized repository reference %q", raw)
	}
	return m[1], m[2], nil
}
