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

	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// commitPageBound caps how much history one commit sync pulls.
const commitPageBound = 3

// SyncTree snapshots the file tree of a repository at a ref (default branch
// when ref is empty). Replacement is atomic: stale paths are reaped in the
// same transaction that writes the fresh entries.
func (s *Syncer) SyncTree(ctx context.Context, userID, repoEntityID, ref string) error {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return err
	}
	if ref == "" {
		ref, _ = repo.Data["defaultBranch"].(string)
		if ref == "" {
			ref = "HEAD"
		}
	}

	started, err := s.states.Begin(ctx, userID, syncstate.ResourceTree, repoEntityID+":"+ref)
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}
	stateID := repoEntityID + ":" + ref

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceTree, stateID, "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourceTree, stateID)
	var tree *github.Tree
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		tree, meta, ferr = client.FetchRepoTree(ctx, owner, name, ref, etag)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceTree, stateID, etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		return s.finishState(ctx, userID, syncstate.ResourceTree, stateID, etag, meta.RateLimit, nil)
	}

	applyErr := s.applier.ApplyTree(ctx, repo.ID, ref, tree.Entries, s.nowFunc().UTC())
	return s.finishState(ctx, userID, syncstate.ResourceTree, stateID, meta.ETag, meta.RateLimit, applyErr)
}

// SyncCommits refreshes recent commit history of a repository at a ref.
func (s *Syncer) SyncCommits(ctx context.Context, userID, repoEntityID, ref string) error {
	repo, owner, name, err := s.repoByID(ctx, repoEntityID)
	if err != nil {
		return err
	}
	if ref == "" {
		ref, _ = repo.Data["defaultBranch"].(string)
	}

	stateID := repoEntityID + ":" + ref
	started, err := s.states.Begin(ctx, userID, syncstate.ResourceCommits, stateID)
	if err != nil {
		return err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		return nil
	}

	client, err := s.client(ctx, userID)
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceCommits, stateID, "", s.limits.Snapshot(), err)
	}

	etag := s.storedETag(ctx, userID, syncstate.ResourceCommits, stateID)
	var commits []*github.RepositoryCommit
	var meta *githubclient.Meta
	err = withRetry(ctx, func(ctx context.Context) error {
		var ferr error
		commits, meta, ferr = client.FetchRepoCommits(ctx, owner, name, ref, etag, commitPageBound)
		return ferr
	})
	if err != nil {
		return s.finishState(ctx, userID, syncstate.ResourceCommits, stateID, etag, s.limits.Snapshot(), err)
	}
	if meta.Unchanged {
		return s.finishState(ctx, userID, syncstate.ResourceCommits, stateID, etag, meta.RateLimit, nil)
	}

	applyErr := s.applier.ApplyCommits(ctx, repo.ID, commits, s.nowFunc().UTC())
	return s.finishState(ctx, userID, syncstate.ResourceCommits, stateID, meta.ETag, meta.RateLimit, applyErr)
}
