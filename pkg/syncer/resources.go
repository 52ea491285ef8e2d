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

	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// The user ID handed to the syncer doubles as the user's entity ID: the
// OAuth callback applies the authenticated user first and keys everything
// else off the resulting entity.

// SyncOrganizations refreshes the user's organization memberships.
func (s *Syncer) SyncOrganizations(ctx context.Context, userID string) error {
	started, err := s.states.Begin(ctx, userID, syncstate.ResourceOrgs, "")
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceOrgs, "", "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourceOrgs, "")
	var orgs []*github.Organization
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		orgs, meta, ferr = client.FetchOrganizations(ctx, etag)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceOrgs, "", etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		return s.finishState(ctx, userID, syncstate.ResourceOrgs, "", etag, meta.RateLimit, nil)
	}

	now := s.nowFunc().UTC()
	for _, org := range orgs {
		if _, err := s.applier.ApplyOrganization(ctx, org, userID, now); err != nil {
			return s.finishState(ctx, userID, syncstate.ResourceOrgs, "", etag, meta.RateLimit, err)
		}
	}
	return s.finishState(ctx, userID, syncstate.ResourceOrgs, "", meta.ETag, meta.RateLimit, nil)
}

// SyncRepositories refreshes every repository the user can access and
// returns the entity IDs of all mirrored repositories.
func (s *Syncer) SyncRepositories(ctx context.Context, userID string) ([]string, error) {
	started, err := s.states.Begin(ctx, userID, syncstate.ResourceRepos, "")
	if err != nil {
		return nil, err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return s.knownRepoIDs(ctx)
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return nil, s.finishState(ctx, userID, syncstate.ResourceRepos, "", "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourceRepos, "")
	var repos []*github.Repository
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		repos, meta, ferr = client.FetchRepositories(ctx, etag)
		return ferr
	})
	if err != nil {
		return nil, s.finishState(ctx, userID, syncstate.ResourceRepos, "", etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		if err := s.finishState(ctx, userID, syncstate.ResourceRepos, "", etag, meta.RateLimit, nil); err != nil {
			return nil, err
		}
		return s.knownRepoIDs(ctx)
	}

	now := s.nowFunc().UTC()
	ids := make([]string, 0, len(repos))
	for _, repo := range repos {
		orgEntityID, err := s.orgEntityID(ctx, repo)
		if err != nil {
			return nil, s.finishState(ctx, userID, syncstate.ResourceRepos, "", etag, meta.RateLimit, err)
		}
		id, err := s.applier.ApplyRepository(ctx, repo, userID, orgEntityID, now)
		if err != nil {
			return nil, s.finishState(ctx, userID, syncstate.ResourceRepos, "", etag, meta.RateLimit, err)
		}
		ids = append(ids, id)
	}
	if err := s.finishState(ctx, userID, syncstate.ResourceRepos, "", meta.ETag, meta.RateLimit, nil); err != nil {
		return nil, err
	}
	return ids, nil
}

// AddRepo mirrors a single repository the list sync has not picked up, named
// by URL or owner/name shorthand. Returns the repository entity ID.
func (s *Syncer) AddRepo(ctx context.Context, userID, reference string) (string, error) {
	owner, name, err := ParseRepoURL(reference)
	if err != nil {
		return "", err
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return "", err
	}

	var repo *github.Repository
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		repo, _, ferr = client.FetchRepository(ctx, owner, name)
		return ferr
	})
	if err != nil {
		return "", err
	}

	orgEntityID, err := s.orgEntityID(ctx, repo)
	if err != nil {
		return "", err
	}
	id, err := s.applier.ApplyRepository(ctx, repo, userID, orgEntityID, s.nowFunc().UTC())
	if err != nil {
		return "", err
	}

	if err := s.registerRepoWebhook(ctx, client, id, repo.GetFullName()); err != nil {
		// Mirroring succeeded; webhook registration is recorded on the repo
		// entity and retried on the next registration pass.
		return id, nil
	}
	return id, nil
}

// orgEntityID resolves the mirrored organization owning the repository, or
// empty when the repository is user-owned or the org is not mirrored.
func (s *Syncer) orgEntityID(ctx context.Context, repo *github.Repository) (string, error) {
	owner := repo.GetOwner()
	if owner.GetType() != "Organization" {
		return "", nil
	}
	org, err := s.db.LookupByGitHubID(ctx, applier.KindOrganization, owner.GetID())
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if org == nil {
		return "", nil
	}
	return org.ID, nil
}

func (s *Syncer) knownRepoIDs(ctx context.Context) ([]string, error) {
	repos, err := s.db.ListKind(ctx, applier.KindRepository)
	if err != nil {
		return nil, err //nolint:wrapcheck // lookup already annotates
	}
	ids := make([]string, 0, len(repos))
	for _, r := range repos {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// storedETag returns the ETag from the last completed sync of a resource.
func (s *Syncer) storedETag(ctx context.Context, userID, resourceType, resourceID string) string {
	state, err := s.states.Get(ctx, userID, resourceType, resourceID)
	if err != nil || state == nil {
		return ""
	}
	return state.LastETag
}

// repoCoordinates splits a mirrored repository's fullName for API calls.
func repoCoordinates(fullName string) (owner, name string, err error) {
	owner, name, ok := splitFullName(fullName)
	if !ok {
		return "", "", fmt.Errorf("repository has malformed full name %q", fullName)
	}
	return owner, name, nil
}

func splitFullName(fullName string) (owner, name string, ok bool) {
	for i := 0; i < len(fullName); i++ {
		if fullName[i] == '/' {
			return fullName[:i], fullName[i+1:], i > 0 && i < len(fullName)-1
		}
	}
	return "", "", false
}
