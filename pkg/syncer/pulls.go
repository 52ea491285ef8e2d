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
	"github.com/offsync/github-mirror/pkg/store"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// SyncRepoPulls refreshes the pull request list of one repository. state is
// open, closed or all.
func (s *Syncer) SyncRepoPulls(ctx context.Context, userID, repoEntityID, state string) error {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return err
	}

	started, err := s.states.Begin(ctx, userID, syncstate.ResourcePulls, repoEntityID)
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourcePulls, repoEntityID, "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourcePulls, repoEntityID)
	var pulls []*github.PullRequest
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		pulls, meta, ferr = client.FetchPullRequests(ctx, owner, name, state, etag)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourcePulls, repoEntityID, etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		return s.finishState(ctx, userID, syncstate.ResourcePulls, repoEntityID, etag, meta.RateLimit, nil)
	}

	now := s.nowFunc().UTC()
	for _, pr := range pulls {
		if _, err := s.applier.ApplyPullRequest(ctx, pr, repo.ID, now); err != nil {
			return s.finishState(ctx, userID, syncstate.ResourcePulls, repoEntityID, etag, meta.RateLimit, err)
		}
	}
	return s.finishState(ctx, userID, syncstate.ResourcePulls, repoEntityID, meta.ETag, meta.RateLimit, nil)
}

// SyncPullDetail fetches the full detail of one pull request: head, files,
// reviews, both comment threads, check runs, timeline events and commits.
// The child fetches fan out concurrently inside the client; everything lands
// through keyed upserts so a concurrent webhook delivery cannot corrupt it.
func (s *Syncer) SyncPullDetail(ctx context.Context, userID, prEntityID string) error {
	pr, err := s.db.Get(ctx, prEntityID)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	if pr == nil || pr.Kind != applier.KindPullRequest {
		return fmt.Errorf("pull request %s not found", prEntityID)
	}
	repo, owner, name, err := s.pullRepo(ctx, prEntityID)
	if err != nil {
		return err
	}
	number := entityNumber(pr)
	if number == 0 {
		return fmt.Errorf("pull request %s has no number", prEntityID)
	}

	started, err := s.states.Begin(ctx, userID, syncstate.ResourcePullDetail, prEntityID)
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourcePullDetail, prEntityID, "", s.limits.Snapshot(), err)
	}

	var detail *githubclient.PullDetail
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		detail, ferr = client.FetchPullRequestDetail(ctx, owner, name, number)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourcePullDetail, prEntityID, "", s.limits.Snapshot(), err)
	}

	// The whole detail commits atomically: a reader never sees the new head
	// with the previous head's files.
	applyErr := s.applier.ApplyPullDetail(ctx, repo.ID, prEntityID, &applier.PullDetail{
		PullRequest:    detail.PullRequest,
		Files:          detail.Files,
		Reviews:        detail.Reviews,
		ReviewComments: detail.ReviewComments,
		IssueComments:  detail.IssueComments,
		CheckRuns:      detail.CheckRuns,
		Events:         detail.Events,
		Commits:        detail.Commits,
	}, s.nowFunc().UTC())

	return s.finishState(ctx, userID, syncstate.ResourcePullDetail, prEntityID, "", s.limits.Snapshot(), applyErr)
}

// SyncPullByNumber syncs the full detail of a pull request addressed by
// repository and number, mirroring the head first when the list sync has not
// seen it. force resets a stuck or errored detail state before syncing.
func (s *Syncer) SyncPullByNumber(ctx context.Context, userID, repoEntityID string, number int, force bool) (string, error) {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s#%d", repoEntityID, number)
	pr, err := s.db.LookupByNaturalKey(ctx, applier.KindPullRequest, key)
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if pr == nil {
		client, err := s.client(ctx, userID)
		if err != nil {
			return "", err
		}
		var head *github.PullRequest
		err = withRetry(ctx, func(ctx context.Context) error {
			var ferr error
			head, _, ferr = client.FetchPullRequest(ctx, owner, name, number)
			return ferr
		})
		if err != nil {
			return "", err
		}
		id, err := s.applier.ApplyPullRequest(ctx, head, repo.ID, s.nowFunc().UTC())
		if err != nil {
			return "", err
		}
		pr = &store.Entity{ID: id}
	}

	if force {
		if err := s.states.Reset(ctx, userID, syncstate.ResourcePullDetail, pr.ID); err != nil {
			return "", err //nolint:wrapcheck // state write already annotates
		}
	}
	return pr.ID, s.SyncPullDetail(ctx, userID, pr.ID)
}

// repoByID loads a mirrored repository and splits its coordinates.
func (s *Syncer) repoByID(ctx context.Context, repoEntityID string) (*store.Entity, string, string, error) {
	repo, err := s.db.Get(ctx, repoEntityID)
	if err != nil {
		return nil, "", "", err //nolint:wrapcheck // lookup already annotates
	}
	if repo == nil || repo.Kind != applier.KindRepository {
		return nil, "", "", fmt.Errorf("repository %s not found", repoEntityID)
	}
	fullName, _ := repo.Data["fullName"].(string)
	owner, name, err := repoCoordinates(fullName)
	if err != nil {
		return nil, "", "", err
	}
	return repo, owner, name, nil
}

// pullRepo resolves the repository a pull request links to.
func (s *Syncer) pullRepo(ctx context.Context, prEntityID string) (*store.Entity, string, string, error) {
	linked, err := s.db.ListLinked(ctx, prEntityID, applier.RelRepo)
	if err != nil {
		return nil, "", "", err //nolint:wrapcheck // lookup already annotates
	}
	for _, e := range linked {
		if e.Kind == applier.KindRepository {
			return s.repoByID(ctx, e.ID)
		}
	}
	return nil, "", "", fmt.Errorf("pull request %s has no repository link", prEntityID)
}

// entityNumber reads the numeric "number" field of an entity.
func entityNumber(e *store.Entity) int {
	if n, ok := e.Data["number"].(float64); ok {
		return int(n)
	}
	return 0
}
