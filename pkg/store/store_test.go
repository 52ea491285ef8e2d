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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func testDB(ctx context.Context, t *testing.T) *DB {
	t.Helper()

	db, err := Open(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})
	return db
}

func TestDB_UpsertAndGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	want := &Entity{
		ID:         "repo-1",
		Kind:       "repository",
		GitHubID:   42,
		NaturalKey: "octo/hello",
		Data:       map[string]any{"fullName": "octo/hello", "private": false},
		UpdatedAt:  now,
	}
	if err := db.Transact(ctx, []Op{UpsertOp{Entity: want}}); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}

	got, err := db.Get(ctx, "repo-1")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("entity mismatch (-want, +got):\n%s", diff)
	}

	// Second upsert replaces data in place.
	want.Data["private"] = true
	if err := db.Transact(ctx, []Op{UpsertOp{Entity: want}}); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}
	got, err = db.Get(ctx, "repo-1")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got.Data["private"] != true {
		t.Errorf("expected private=true after re-upsert, got %v", got.Data["private"])
	}
}

func TestDB_GetMissing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)

	got, err := db.Get(ctx, "nope")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing entity, got %+v", got)
	}
}

func TestDB_Lookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := db.Transact(ctx, []Op{UpsertOp{Entity: &Entity{
		ID:         "pr-1",
		Kind:       "pullRequest",
		GitHubID:   777,
		NaturalKey: "repo-1#12",
		Data:       map[string]any{"number": 12},
		UpdatedAt:  now,
	}}}); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}

	byID, err := db.LookupByGitHubID(ctx, "pullRequest", 777)
	if err != nil {
		t.Fatalf("LookupByGitHubID() returned %v", err)
	}
	if byID == nil || byID.ID != "pr-1" {
		t.Errorf("LookupByGitHubID() = %+v, want pr-1", byID)
	}

	// Kind is part of the key.
	wrongKind, err := db.LookupByGitHubID(ctx, "repository", 777)
	if err != nil {
		t.Fatalf("LookupByGitHubID() returned %v", err)
	}
	if wrongKind != nil {
		t.Errorf("expected nil for wrong kind, got %+v", wrongKind)
	}

	byKey, err := db.LookupByNaturalKey(ctx, "pullRequest", "repo-1#12")
	if err != nil {
		t.Fatalf("LookupByNaturalKey() returned %v", err)
	}
	if byKey == nil || byKey.ID != "pr-1" {
		t.Errorf("LookupByNaturalKey() = %+v, want pr-1", byKey)
	}
}

func TestDB_ListByNaturalKeyPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Now().UTC()

	var ops []Op
	for _, key := range []string{"pr-1:a.go", "pr-1:b.go", "pr-2:a.go"} {
		ops = append(ops, UpsertOp{Entity: &Entity{
			ID:         key,
			Kind:       "prFile",
			NaturalKey: key,
			Data:       map[string]any{},
			UpdatedAt:  now,
		}})
	}
	if err := db.Transact(ctx, ops); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}

	got, err := db.ListByNaturalKeyPrefix(ctx, "prFile", "pr-1:")
	if err != nil {
		t.Fatalf("ListByNaturalKeyPrefix() returned %v", err)
	}
	var keys []string
	for _, e := range got {
		keys = append(keys, e.NaturalKey)
	}
	want := []string{"pr-1:a.go", "pr-1:b.go"}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("prefix listing mismatch (-want, +got):\n%s", diff)
	}
}

func TestDB_Links(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Now().UTC()

	ops := []Op{
		UpsertOp{Entity: &Entity{ID: "repo-1", Kind: "repository", Data: map[string]any{}, UpdatedAt: now}},
		UpsertOp{
			Entity: &Entity{ID: "pr-1", Kind: "pullRequest", Data: map[string]any{}, UpdatedAt: now},
			Links:  []Link{{Rel: "repository", ToID: "repo-1"}},
		},
		UpsertOp{
			Entity: &Entity{ID: "pr-2", Kind: "pullRequest", Data: map[string]any{}, UpdatedAt: now},
			Links:  []Link{{Rel: "repository", ToID: "repo-1"}},
		},
	}
	if err := db.Transact(ctx, ops); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}

	parents, err := db.ListLinked(ctx, "pr-1", "repository")
	if err != nil {
		t.Fatalf("ListLinked() returned %v", err)
	}
	if len(parents) != 1 || parents[0].ID != "repo-1" {
		t.Errorf("ListLinked() = %+v, want [repo-1]", parents)
	}

	children, err := db.ListLinkedFrom(ctx, "repo-1", "repository")
	if err != nil {
		t.Fatalf("ListLinkedFrom() returned %v", err)
	}
	if len(children) != 2 {
		t.Errorf("ListLinkedFrom() returned %d entities, want 2", len(children))
	}

	// Deleting an entity removes its links in both directions.
	if err := db.Transact(ctx, []Op{DeleteOp{ID: "pr-1"}}); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}
	children, err = db.ListLinkedFrom(ctx, "repo-1", "repository")
	if err != nil {
		t.Fatalf("ListLinkedFrom() returned %v", err)
	}
	if len(children) != 1 || children[0].ID != "pr-2" {
		t.Errorf("ListLinkedFrom() after delete = %+v, want [pr-2]", children)
	}
}

func TestDB_TransactAtomic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Now().UTC()

	// The second op is invalid; the first must not land.
	err := db.Transact(ctx, []Op{
		UpsertOp{Entity: &Entity{ID: "ok", Kind: "repository", Data: map[string]any{}, UpdatedAt: now}},
		UpsertOp{Entity: &Entity{Kind: "repository", Data: map[string]any{}, UpdatedAt: now}},
	})
	if err == nil {
		t.Fatal("expected error for entity without id")
	}

	got, err := db.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("Get() returned %v", err)
	}
	if got != nil {
		t.Errorf("expected rollback to discard first op, got %+v", got)
	}
}

func TestDB_ListKind(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := testDB(ctx, t)
	now := time.Now().UTC()

	ops := []Op{
		UpsertOp{Entity: &Entity{ID: "b", Kind: "repository", Data: map[string]any{}, UpdatedAt: now}},
		UpsertOp{Entity: &Entity{ID: "a", Kind: "repository", Data: map[string]any{}, UpdatedAt: now}},
		UpsertOp{Entity: &Entity{ID: "c", Kind: "user", Data: map[string]any{}, UpdatedAt: now}},
	}
	if err := db.Transact(ctx, ops); err != nil {
		t.Fatalf("Transact() returned %v", err)
	}

	got, err := db.ListKind(ctx, "repository")
	if err != nil {
		t.Fatalf("ListKind() returned %v", err)
	}
	var ids []string
	for _, e := range got {
		ids = append(ids, e.ID)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("ListKind() mismatch (-want, +got):\n%s", diff)
	}
}
