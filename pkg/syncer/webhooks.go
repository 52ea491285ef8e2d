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
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/abcxyz/pkg/logging"
	"golang.org/x/sync/errgroup"

	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// webhookRegistrationConcurrency bounds the parallel registration calls.
const webhookRegistrationConcurrency = 4

// RegisterAllWebhooks registers the mirror's delivery endpoint on every
// given repository. Per-repo failures are recorded on the repository entity
// and do not fail the pass; only a missing configuration or an unusable
// delivery URL does.
func (s *Syncer) RegisterAllWebhooks(ctx context.Context, userID string, repoEntityIDs []string) error {
	logger := logging.FromContext(ctx)

	started, err := s.states.Begin(ctx, userID, syncstate.ResourceWebhooks, "")
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	if skip, reason := s.webhookRegistrationBlocked(); skip {
		logger.WarnContext(ctx, "skipping webhook registration", "reason", reason)
		return s.finishState(ctx, userID, syncstate.ResourceWebhooks, "", "", s.limits.Snapshot(), nil)
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceWebhooks, "", "", s.limits.Snapshot(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(webhookRegistrationConcurrency)
	for _, repoID := range repoEntityIDs {
		repoID := repoID
		g.Go(func() error {
			repo, _, _, err := s.repoByID(gctx, repoID)
			if err != nil {
				return err
			}
			fullName, _ := repo.Data["fullName"].(string)
			if err := s.registerRepoWebhook(gctx, client, repoID, fullName); err != nil {
				// Recorded on the entity; auth failures are the only thing
				// worth aborting the whole pass for.
				if githubclient.IsAuthError(err) {
					return err
				}
			}
			return nil
		})
	}
	err = g.Wait()
	return s.finishState(ctx, userID, syncstate.ResourceWebhooks, "", "", s.limits.Snapshot(), err)
}

// registerRepoWebhook registers (or confirms) the delivery hook on one
// repository and stamps the outcome onto the repository entity.
func (s *Syncer) registerRepoWebhook(ctx context.Context, client *githubclient.Client, repoEntityID, fullName string) error {
	logger := logging.FromContext(ctx)
	now := s.nowFunc().UTC()

	owner, name, err := repoCoordinates(fullName)
	if err != nil {
		return err
	}

	hookURL := strings.TrimSuffix(s.webhookBaseURL, "/") + "/api/github/webhook"
	created, err := client.RegisterRepoWebhook(ctx, owner, name, hookURL, s.webhookSecret)
	if err != nil {
		logger.WarnContext(ctx, "failed to register repository webhook",
			"repo", fullName,
			"error", err)
		if serr := s.applier.SetRepoWebhookStatus(ctx, repoEntityID, false, err.Error(), now); serr != nil {
			logger.ErrorContext(ctx, "failed to record webhook status",
				"repo", fullName,
				"error", serr)
		}
		return err
	}

	if created {
		logger.InfoContext(ctx, "registered repository webhook", "repo", fullName)
	}
	return s.applier.SetRepoWebhookStatus(ctx, repoEntityID, true, "", now)
}

// webhookRegistrationBlocked reports whether the configured delivery URL
// cannot receive GitHub deliveries. Loopback hosts are suppressed unless
// explicitly allowed for tunnel-based development.
func (s *Syncer) webhookRegistrationBlocked() (bool, string) {
	if s.webhookBaseURL == "" {
		return true, "no webhook base URL configured"
	}
	if s.allowLocalWebhooks {
		return false, ""
	}
	u, err := url.Parse(s.webhookBaseURL)
	if err != nil {
		return true, fmt.Sprintf("invalid webhook base URL: %v", err)
	}
	host := u.Hostname()
	if host == "localhost" || strings.HasSuffix(host, ".local") {
		return true, "webhook base URL is local"
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true, "webhook base URL is not publicly reachable"
	}
	return false, ""
}
