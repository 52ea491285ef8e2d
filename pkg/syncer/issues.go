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

// SyncRepoIssues refreshes the issue list of one repository. Pull requests
// surfaced by the issues API are skipped by the applier.
func (s *Syncer) SyncRepoIssues(ctx context.Context, userID, repoEntityID string) error {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return err
	}

	started, err := s.states.Begin(ctx, userID, syncstate.ResourceIssues, repoEntityID)
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceIssues, repoEntityID, "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourceIssues, repoEntityID)
	var issues []*github.Issue
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		issues, meta, ferr = client.FetchIssues(ctx, owner, name, etag)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceIssues, repoEntityID, etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		return s.finishState(ctx, userID, syncstate.ResourceIssues, repoEntityID, etag, meta.RateLimit, nil)
	}

	now := s.nowFunc().UTC()
	for _, issue := range issues {
		if _, err := s.applier.ApplyIssue(ctx, issue, repo.ID, now); err != nil {
			return s.finishState(ctx, userID, syncstate.ResourceIssues, repoEntityID, etag, meta.RateLimit, err)
		}
	}
	return s.finishState(ctx, userID, syncstate.ResourceIssues, repoEntityID, meta.ETag, meta.RateLimit, nil)
}

// SyncIssueByNumber syncs one issue addressed by repository and number,
// mirroring it first when the list sync has not seen it.
func (s *Syncer) SyncIssueByNumber(ctx context.Context, userID, repoEntityID string, number int) (string, error) {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return "", err
	}

	key := fmt.Sprintf("%s#%d", repoEntityID, number)
	issue, err := s.db.LookupByNaturalKey(ctx, applier.KindIssue, key)
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if issue == nil {
		client, err := s.client(ctx, userID)
		if err != nil {
			return "", err
		}
		var fresh *github.Issue
		err = withRetry(ctx, func(ctx context.Context) error {
			var ferr error
			fresh, _, ferr = client.FetchIssue(ctx, owner, name, number)
			return ferr
		})
		if err != nil {
			return "", err
		}
		id, err := s.applier.ApplyIssue(ctx, fresh, repo.ID, s.nowFunc().UTC())
		if err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("%s#%d is a pull request, not an issue", repo.Data["fullName"], number)
		}
		issue = &store.Entity{ID: id}
	}
	return issue.ID, s.SyncIssue(ctx, userID, issue.ID)
}

// SyncIssue refreshes one issue and its comments.
func (s *Syncer) SyncIssue(ctx context.Context, userID, issueEntityID string) error {
	issue, err := s.db.Get(ctx, issueEntityID)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	if issue == nil || issue.Kind != applier.KindIssue {
		return fmt.Errorf("issue %s not found", issueEntityID)
	}

	linked, err := s.db.ListLinked(ctx, issueEntityID, applier.RelRepo)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	var repoID, owner, name string
	for _, e := range linked {
		if e.Kind == applier.KindRepository {
			repo, o, n, rerr := s.repoByID(ctx, e.ID)
			if rerr != nil {
				return rerr
			}
			repoID, owner, name = repo.ID, o, n
			break
		}
	}
	if repoID == "" {
		return fmt.Errorf("issue %s has no repository link", issueEntityID)
	}
	number := entityNumber(issue)
	if number == 0 {
		return fmt.Errorf("issue %s has no number", issueEntityID)
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return err
	}

	var fresh *github.Issue
	var comments []*github.IssueComment
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		fresh, _, ferr = client.FetchIssue(ctx, owner, name, number)
		if ferr != nil {
			return ferr
		}
		comments, _, ferr = client.FetchIssueComments(ctx, owner, name, number)
		return ferr
	})
	if err != nil {
		return err
	}

	now := s.nowFunc().UTC()
	if _, err := s.applier.ApplyIssue(ctx, fresh, repoID, now); err != nil {
		return err
	}
	return s.applier.ApplyIssueComments(ctx, issueEntityID, comments, now)
}
