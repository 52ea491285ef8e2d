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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/store"
)

func TestApplyTree_ReplacesSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, db := testApplier(ctx, t)
	now := time.Now().UTC()

	first := []*github.TreeEntry{
		{Path: github.String("main.go"), Type: github.String("blob"), SHA: github.String("s1")},
		{Path: github.String("pkg"), Type: github.String("tree"), SHA: github.String("s2")},
		{Path: github.String("pkg/old.go"), Type: github.String("blob"), SHA: github.String("s3")},
	}
	if err := a.ApplyTree(ctx, "repo-1", "main", first, now); err != nil {
		t.Fatalf("ApplyTree() returned %v", err)
	}

	second := []*github.TreeEntry{
		{Path: github.String("main.go"), Type: github.String("blob"), SHA: github.String("s4")},
		{Path: github.String("pkg"), Type: github.String("tree"), SHA: github.String("s2")},
		{Path: github.String("pkg/new.go"), Type: github.String("blob"), SHA: github.String("s5")},
	}
	if err := a.ApplyTree(ctx, "repo-1", "main", second, now.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyTree() returned %v", err)
	}

	rows, err := db.ListByNaturalKeyPrefix(ctx, KindTreeEntry, "repo-1:main:")
	if err != nil {
		t.Fatalf("ListByNaturalKeyPrefix() returned %v", err)
	}

	got := map[string]string{}
	for _, r := range rows {
		got[r.Data["path"].(string)] = r.Data["type"].(string)
	}
	want := map[string]string{
		"main.go":    "file",
		"pkg":        "dir",
		"pkg/new.go": "file",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("tree snapshot mismatch (-want, +got):\n%s", diff)
	}

	// The same path at another ref is untouched.
	if err := a.ApplyTree(ctx, "repo-1", "dev", first, now); err != nil {
		t.Fatalf("ApplyTree() returned %v", err)
	}
	if err := a.ApplyTree(ctx, "repo-1", "main", second, now); err != nil {
		t.Fatalf("ApplyTree() returned %v", err)
	}
	devRows, err := db.ListByNaturalKeyPrefix(ctx, KindTreeEntry, "repo-1:dev:")
	if err != nil {
		t.Fatalf("ListByNaturalKeyPrefix() returned %v", err)
	}
	if len(devRows) != 3 {
		t.Errorf("dev ref has %d entries, want 3", len(devRows))
	}
}

func TestComputeStale(t *testing.T) {
	t.Parallel()

	existing := []*store.Entity{
		{ID: "id-a", NaturalKey: "k-a"},
		{ID: "id-b", NaturalKey: "k-b"},
		{ID: "id-c", NaturalKey: "k-c"},
	}
	incoming := map[string]bool{"k-a": true, "k-c": true}

	got := ComputeStale(existing, incoming)
	if diff := cmp.Diff([]string{"id-b"}, got); diff != "" {
		t.Errorf("ComputeStale() mismatch (-want, +got):\n%s", diff)
	}

	if got := ComputeStale(nil, incoming); got != nil {
		t.Errorf("ComputeStale(nil) = %v, want nil", got)
	}
}

func TestApplyCommits_KeyedBySHA(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, db := testApplier(ctx, t)
	now := time.Now().UTC()

	commits := []*github.RepositoryCommit{
		{
			SHA: github.String("abc123"),
			Commit: &github.Commit{
				Message: github.String("first"),
				Author:  &github.CommitAuthor{Name: github.String("Dev One")},
			},
		},
	}
	if err := a.ApplyCommits(ctx, "repo-1", commits, now); err != nil {
		t.Fatalf("ApplyCommits() returned %v", err)
	}

	// The same commit reached from another branch sync lands on one row.
	if err := a.ApplyCommits(ctx, "repo-1", commits, now.Add(time.Minute)); err != nil {
		t.Fatalf("ApplyCommits() returned %v", err)
	}

	rows, err := db.ListKind(ctx, KindCommit)
	if err != nil {
		t.Fatalf("ListKind() returned %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d commit rows, want 1", len(rows))
	}
	if rows[0].ID != "repo-1:abc123" {
		t.Errorf("commit ID = %q, want repo-1:abc123", rows[0].ID)
	}
}
