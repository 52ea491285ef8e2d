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

// ApplyIssue upserts one issue. Pull requests surfaced through the issues
// API are skipped; they are mirrored through the pull request path.
func (a *Applier) ApplyIssue(ctx context.Context, issue *github.Issue, repoEntityID string, now time.Time) (string, error) {
	if issue.IsPullRequest() {
		return "", nil
	}
	id, err := a.resolveID(ctx, KindIssue, issue.GetID())
	if err != nil {
		return "", err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         id,
			Kind:       KindIssue,
			GitHubID:   issue.GetID(),
			NaturalKey: fmt.Sprintf("%s#%d", repoEntityID, issue.GetNumber()),
			Data: map[string]any{
				"number":      issue.GetNumber(),
				"title":       issue.GetTitle(),
				"state":       issue.GetState(),
				"body":        issue.GetBody(),
				"authorLogin": issue.GetUser().GetLogin(),
				"labels":      jsonList(labelNames(issue.Labels)),
				"assignees":   jsonList(userLogins(issue.Assignees)),
				"comments":    issue.GetComments(),
				"htmlUrl":     issue.GetHTMLURL(),
				"createdAt":   timeField(issue.CreatedAt),
				"updatedAt":   timeField(issue.UpdatedAt),
				"closedAt":    timeField(issue.ClosedAt),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelRepo, ToID: repoEntityID}},
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply issue #%d: %w", issue.GetNumber(), err)
	}
	return id, nil
}

// ApplyIssueComment upserts a single comment on an issue.
func (a *Applier) ApplyIssueComment(ctx context.Context, issueEntityID string, c *github.IssueComment, now time.Time) (string, error) {
	id, err := a.resolveID(ctx, KindIssueComment, c.GetID())
	if err != nil {
		return "", err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:       id,
			Kind:     KindIssueComment,
			GitHubID: c.GetID(),
			Data: map[string]any{
				"body":        c.GetBody(),
				"authorLogin": c.GetUser().GetLogin(),
				"createdAt":   timeField(c.CreatedAt),
				"updatedAt":   timeField(c.UpdatedAt),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelIssue, ToID: issueEntityID}},
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply issue comment %d: %w", c.GetID(), err)
	}
	return id, nil
}

// ApplyIssueComments upserts each comment in turn.
func (a *Applier) ApplyIssueComments(ctx context.Context, issueEntityID string, comments []*github.IssueComment, now time.Time) error {
	for _, c := range comments {
		if _, err := a.ApplyIssueComment(ctx, issueEntityID, c, now); err != nil {
			return err
		}
	}
	return nil
}
