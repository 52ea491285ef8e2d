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

package applier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/store"
)

// TreeEntryID is the deterministic entity ID for a path at a ref. Two syncs
// of the same tree always address the same rows.
func TreeEntryID(repoEntityID, ref, path string) string {
	return repoEntityID + ":" + ref + ":" + path
}

// ApplyTree replaces the file tree snapshot of a repository at a ref. Stale
// entries (present locally, absent upstream) are deleted in the same
// transaction as the upserts, so a reader never observes a half-replaced
// tree.
func (a *Applier) ApplyTree(ctx context.Context, repoEntityID, ref string, entries []*github.TreeEntry, now time.Time) error {
	prefix := TreeEntryID(repoEntityID, ref, "")
	existing, err := a.db.ListByNaturalKeyPrefix(ctx, KindTreeEntry, prefix)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}

	incoming := make(map[string]bool, len(entries))
	ops := make([]store.Op, 0, len(entries)+len(existing))
	for _, e := range entries {
		id := TreeEntryID(repoEntityID, ref, e.GetPath())
		incoming[id] = true

		entryType := "file"
		if e.GetType() == "tree" {
			entryType = "dir"
		}
		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:         id,
				Kind:       KindTreeEntry,
				NaturalKey: id,
				Data: map[string]any{
					"path": e.GetPath(),
					"type": entryType,
					"sha":  e.GetSHA(),
					"size": e.GetSize(),
					"mode": e.GetMode(),
					"ref":  ref,
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelRepo, ToID: repoEntityID}},
		})
	}
	for _, id := range ComputeStale(existing, incoming) {
		ops = append(ops, store.DeleteOp{ID: id})
	}

	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply tree for ref %s: %w", ref, err)
	}
	return nil
}

// ApplyCommits upserts repository commits, keyed repoEntityID:sha. The same
// commit reached from two branches lands on one row.
func (a *Applier) ApplyCommits(ctx context.Context, repoEntityID string, commits []*github.RepositoryCommit, now time.Time) error {
	ops := make([]store.Op, 0, len(commits))
	for _, c := range commits {
		key := repoEntityID + ":" + c.GetSHA()
		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:         key,
				Kind:       KindCommit,
				NaturalKey: key,
				Data: map[string]any{
					"sha":         c.GetSHA(),
					"message":     c.GetCommit().GetMessage(),
					"authorLogin": c.GetAuthor().GetLogin(),
					"authorName":  c.GetCommit().GetAuthor().GetName(),
					"authoredAt":  timeField(c.GetCommit().GetAuthor().Date),
					"htmlUrl":     c.GetHTMLURL(),
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelRepo, ToID: repoEntityID}},
		})
	}
	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply commits: %w", err)
	}
	return nil
}

// ComputeStale returns the IDs of existing entities whose key is absent from
// the incoming set.
func ComputeStale(existing []*store.Entity, incoming map[string]bool) []string {
	var stale []string
	for _, e := range existing {
		if !incoming[e.NaturalKey] {
			stale = append(stale, e.ID)
		}
	}
	return stale
}
