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

// Package applier maps GitHub JSON shapes to local entities. It is the only
// place remote shapes become rows; both the pull orchestrators and the
// webhook dispatcher call into it. Every apply is a keyed upsert: applying
// the same payload twice yields the same store state.
package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-github/v56/github"
	"github.com/google/uuid"

	"github.com/offsync/github-mirror/pkg/store"
)

// Entity kinds.
const (
	KindUser         = "user"
	KindOrganization = "organization"
	KindRepository   = "repository"
	KindPullRequest  = "pullRequest"
	KindPRFile       = "prFile"
	KindPRReview     = "prReview"
	KindPRComment    = "prComment"
	KindPRCheck      = "prCheck"
	KindPREvent      = "prEvent"
	KindPRCommit     = "prCommit"
	KindIssue        = "issue"
	KindIssueComment = "issueComment"
	KindTreeEntry    = "treeEntry"
	KindCommit       = "commit"
	KindBranchRef    = "branchRef"
)

// Link relations.
const (
	RelOwner = "owner"
	RelOrg   = "organization"
	RelRepo  = "repository"
	RelPull  = "pullRequest"
	RelIssue = "issue"
)

// Applier writes entities through the store adapter.
type Applier struct {
	db *store.DB
}

// New creates an applier over the given store.
func New(db *store.DB) *Applier {
	return &Applier{db: db}
}

// resolveID returns the existing entity ID for (kind, githubID), or a fresh
// opaque ID when the entity has never been seen. Entities with a natural
// composite key skip this and use the key itself as their ID.
func (a *Applier) resolveID(ctx context.Context, kind string, githubID int64) (string, error) {
	if githubID != 0 {
		existing, err := a.db.LookupByGitHubID(ctx, kind, githubID)
		if err != nil {
			return "", err //nolint:wrapcheck // lookup already annotates
		}
		if existing != nil {
			return existing.ID, nil
		}
	}
	return uuid.NewString(), nil
}

// jsonList serializes a list field (labels, assignees) to the opaque string
// the local schema stores.
func jsonList(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func timeField(ts *github.Timestamp) string {
	if ts == nil || ts.Time.IsZero() {
		return ""
	}
	return ts.Time.UTC().Format(time.RFC3339)
}

// ApplyUser upserts the process owner.
func (a *Applier) ApplyUser(ctx context.Context, user *github.User, now time.Time) (string, error) {
	id, err := a.resolveID(ctx, KindUser, user.GetID())
	if err != nil {
		return "", err
	}
	op := store.UpsertOp{Entity: &store.Entity{
		ID:         id,
		Kind:       KindUser,
		GitHubID:   user.GetID(),
		NaturalKey: user.GetLogin(),
		Data: map[string]any{
			"login":     user.GetLogin(),
			"name":      user.GetName(),
			"email":     user.GetEmail(),
			"avatarUrl": user.GetAvatarURL(),
		},
		UpdatedAt: now,
	}}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply user: %w", err)
	}
	return id, nil
}

// ApplyOrganization upserts one organization, linked to its owning user.
func (a *Applier) ApplyOrganization(ctx context.Context, org *github.Organization, userEntityID string, now time.Time) (string, error) {
	id, err := a.resolveID(ctx, KindOrganization, org.GetID())
	if err != nil {
		return "", err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         id,
			Kind:       KindOrganization,
			GitHubID:   org.GetID(),
			NaturalKey: org.GetLogin(),
			Data: map[string]any{
				"login":       org.GetLogin(),
				"name":        org.GetName(),
				"description": org.GetDescription(),
				"avatarUrl":   org.GetAvatarURL(),
			},
			UpdatedAt: now,
		},
	}
	if userEntityID != "" {
		op.Links = []store.Link{{Rel: RelOwner, ToID: userEntityID}}
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply organization %s: %w", org.GetLogin(), err)
	}
	return id, nil
}

// ApplyRepository upserts one repository, linked to the owning user and,
// when orgEntityID is non-empty, its organization.
func (a *Applier) ApplyRepository(ctx context.Context, repo *github.Repository, userEntityID, orgEntityID string, now time.Time) (string, error) {
	id, err := a.resolveID(ctx, KindRepository, repo.GetID())
	if err != nil {
		return "", err
	}

	// Webhook-status fields are managed by SetRepoWebhookStatus; carry the
	// current values forward so a repo re-apply does not reset them.
	var webhookInstalled any
	var webhookError any
	if existing, err := a.db.Get(ctx, id); err == nil && existing != nil {
		webhookInstalled = existing.Data["webhookInstalled"]
		webhookError = existing.Data["webhookError"]
	}

	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         id,
			Kind:       KindRepository,
			GitHubID:   repo.GetID(),
			NaturalKey: repo.GetFullName(),
			Data: map[string]any{
				"name":             repo.GetName(),
				"fullName":         repo.GetFullName(),
				"ownerLogin":       repo.GetOwner().GetLogin(),
				"private":          repo.GetPrivate(),
				"fork":             repo.GetFork(),
				"archived":         repo.GetArchived(),
				"description":      repo.GetDescription(),
				"defaultBranch":    repo.GetDefaultBranch(),
				"stargazersCount":  repo.GetStargazersCount(),
				"forksCount":       repo.GetForksCount(),
				"openIssuesCount":  repo.GetOpenIssuesCount(),
				"htmlUrl":          repo.GetHTMLURL(),
				"pushedAt":         timeField(repo.PushedAt),
				"webhookInstalled": webhookInstalled,
				"webhookError":     webhookError,
			},
			UpdatedAt: now,
		},
	}
	if userEntityID != "" {
		op.Links = append(op.Links, store.Link{Rel: RelOwner, ToID: userEntityID})
	}
	if orgEntityID != "" {
		op.Links = append(op.Links, store.Link{Rel: RelOrg, ToID: orgEntityID})
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply repository %s: %w", repo.GetFullName(), err)
	}
	return id, nil
}

// EnsureRepository returns the entity ID for a repository known only by its
// numeric ID and full name (webhook payloads that carry a slim repo shape),
// creating a minimal row when the mirror has never seen it.
func (a *Applier) EnsureRepository(ctx context.Context, githubID int64, fullName string, now time.Time) (string, error) {
	existing, err := a.db.LookupByGitHubID(ctx, KindRepository, githubID)
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if existing != nil {
		return existing.ID, nil
	}

	id := uuid.NewString()
	op := store.UpsertOp{Entity: &store.Entity{
		ID:         id,
		Kind:       KindRepository,
		GitHubID:   githubID,
		NaturalKey: fullName,
		Data: map[string]any{
			"fullName": fullName,
		},
		UpdatedAt: now,
	}}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to ensure repository %s: %w", fullName, err)
	}
	return id, nil
}

// SetRepoWebhookStatus records whether webhook registration succeeded for the
// repository.
func (a *Applier) SetRepoWebhookStatus(ctx context.Context, repoEntityID string, installed bool, errMsg string, now time.Time) error {
	existing, err := a.db.Get(ctx, repoEntityID)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	if existing == nil {
		return fmt.Errorf("repository %s not found", repoEntityID)
	}
	existing.Data["webhookInstalled"] = installed
	existing.Data["webhookError"] = errMsg
	existing.UpdatedAt = now
	if err := a.db.Transact(ctx, []store.Op{store.UpsertOp{Entity: existing}}); err != nil {
		return fmt.Errorf("failed to set webhook status: %w", err)
	}
	return nil
}

// UpdateRepoCounters patches the counter fields on a repository (star and
// fork webhook events carry fresh counts but not a full repo shape worth
// re-applying).
func (a *Applier) UpdateRepoCounters(ctx context.Context, repoEntityID string, fields map[string]any, now time.Time) error {
	existing, err := a.db.Get(ctx, repoEntityID)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	if existing == nil {
		return fmt.Errorf("repository %s not found", repoEntityID)
	}
	for k, v := range fields {
		existing.Data[k] = v
	}
	existing.UpdatedAt = now
	if err := a.db.Transact(ctx, []store.Op{store.UpsertOp{Entity: existing}}); err != nil {
		return fmt.Errorf("failed to update repository counters: %w", err)
	}
	return nil
}

// ApplyBranchRef records a branch or tag ref on a repository. Deleted refs
// are removed.
func (a *Applier) ApplyBranchRef(ctx context.Context, repoEntityID, refType, refName string, deleted bool, now time.Time) error {
	id := repoEntityID + ":" + refType + ":" + refName
	if deleted {
		if err := a.db.Transact(ctx, []store.Op{store.DeleteOp{ID: id}}); err != nil {
			return fmt.Errorf("failed to delete ref %s: %w", id, err)
		}
		return nil
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         id,
			Kind:       KindBranchRef,
			NaturalKey: id,
			Data: map[string]any{
				"refType": refType,
				"refName": refName,
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelRepo, ToID: repoEntityID}},
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return fmt.Errorf("failed to apply ref %s: %w", id, err)
	}
	return nil
}
