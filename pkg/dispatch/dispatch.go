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

// Package dispatch routes a verified webhook payload to the applier. One
// delivery maps to one handler by (event type, action); event types the
// mirror does not track are logged and counted as processed, never failed.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/go-github/v56/github"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/store"
)

// Dispatcher applies webhook payloads to the local store.
type Dispatcher struct {
	db      *store.DB
	applier *applier.Applier

	nowFunc func() time.Time
}

// New creates a dispatcher.
func New(db *store.DB, ap *applier.Applier) *Dispatcher {
	return &Dispatcher{
		db:      db,
		applier: ap,
		nowFunc: time.Now,
	}
}

// Dispatch parses and applies one delivery. A nil return means the delivery
// is fully absorbed; an error means the queue should retry it.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload []byte) error {
	logger := logging.FromContext(ctx)
	now := d.nowFunc().UTC()

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		// Event types the library has no shape for are absorbed, not retried;
		// GitHub adds event types faster than anyone tracks them.
		if strings.Contains(err.Error(), "unknown X-Github-Event") {
			logger.InfoContext(ctx, "unhandled webhook event type",
				"event_type", eventType)
			return nil
		}
		return fmt.Errorf("failed to parse %s payload: %w", eventType, err)
	}

	switch ev := event.(type) {
	case *github.PullRequestEvent:
		return d.handlePullRequest(ctx, ev, now)
	case *github.PullRequestReviewEvent:
		return d.handleReview(ctx, ev, now)
	case *github.PullRequestReviewCommentEvent:
		return d.handleReviewComment(ctx, ev, now)
	case *github.IssueCommentEvent:
		return d.handleIssueComment(ctx, ev, now)
	case *github.IssuesEvent:
		return d.handleIssues(ctx, ev, now)
	case *github.CheckRunEvent:
		return d.handleCheckRun(ctx, ev, now)
	case *github.PushEvent:
		return d.handlePush(ctx, ev, now)
	case *github.CreateEvent:
		repoID, err := d.applier.EnsureRepository(ctx, ev.GetRepo().GetID(), ev.GetRepo().GetFullName(), now)
		if err != nil {
			return err
		}
		return d.applier.ApplyBranchRef(ctx, repoID, ev.GetRefType(), ev.GetRef(), false, now)
	case *github.DeleteEvent:
		repoID, err := d.applier.EnsureRepository(ctx, ev.GetRepo().GetID(), ev.GetRepo().GetFullName(), now)
		if err != nil {
			return err
		}
		return d.applier.ApplyBranchRef(ctx, repoID, ev.GetRefType(), ev.GetRef(), true, now)
	case *github.RepositoryEvent:
		return d.handleRepository(ctx, ev, now)
	case *github.StarEvent:
		return d.updateRepoCounter(ctx, ev.GetRepo(), "stargazersCount", ev.GetRepo().GetStargazersCount(), now)
	case *github.ForkEvent:
		return d.updateRepoCounter(ctx, ev.GetRepo(), "forksCount", ev.GetRepo().GetForksCount(), now)
	case *github.OrganizationEvent:
		_, err := d.applier.ApplyOrganization(ctx, ev.GetOrganization(), "", now)
		return err
	case *github.PingEvent:
		return nil
	default:
		logger.InfoContext(ctx, "unhandled webhook event type",
			"event_type", eventType)
		return nil
	}
}

func (d *Dispatcher) handlePullRequest(ctx context.Context, ev *github.PullRequestEvent, now time.Time) error {
	repoID, err := d.applier.ApplyRepository(ctx, ev.GetRepo(), "", "", now)
	if err != nil {
		return err
	}
	prID, err := d.applier.ApplyPullRequest(ctx, ev.GetPullRequest(), repoID, now)
	if err != nil {
		return err
	}
	// The payload's action lands as a timeline event alongside the PR row.
	return d.applier.ApplyPREventAction(ctx, prID, ev.GetAction(),
		ev.GetSender().GetLogin(), ev.GetPullRequest().GetUpdatedAt().Time, now)
}

func (d *Dispatcher) handleReview(ctx context.Context, ev *github.PullRequestReviewEvent, now time.Time) error {
	prID, err := d.resolvePull(ctx, ev.GetRepo(), ev.GetPullRequest(), now)
	if err != nil {
		return err
	}
	_, err = d.applier.ApplyPRReview(ctx, prID, ev.GetReview(), now)
	return err
}

func (d *Dispatcher) handleReviewComment(ctx context.Context, ev *github.PullRequestReviewCommentEvent, now time.Time) error {
	if ev.GetAction() == "deleted" {
		return d.applier.DeleteComment(ctx, applier.KindPRComment, ev.GetComment().GetID())
	}
	prID, err := d.resolvePull(ctx, ev.GetRepo(), ev.GetPullRequest(), now)
	if err != nil {
		return err
	}
	_, err = d.applier.ApplyReviewComment(ctx, prID, ev.GetComment(), now)
	return err
}

// handleIssueComment covers both conversation-tab comments on pull requests
// and regular issue comments; the payload shape is identical and the target
// is decided by whether the issue is backed by a pull request.
func (d *Dispatcher) handleIssueComment(ctx context.Context, ev *github.IssueCommentEvent, now time.Time) error {
	logger := logging.FromContext(ctx)

	if ev.GetIssue().IsPullRequest() {
		if ev.GetAction() == "deleted" {
			return d.applier.DeleteComment(ctx, applier.KindPRComment, ev.GetComment().GetID())
		}
		prID, err := d.findPullByNumber(ctx, ev.GetRepo(), ev.GetIssue().GetNumber(), now)
		if err != nil {
			return err
		}
		if prID == "" {
			// PR not mirrored yet; the next pull sync will pick the comment up.
			logger.InfoContext(ctx, "comment on unmirrored pull request, skipping",
				"repo", ev.GetRepo().GetFullName(),
				"number", ev.GetIssue().GetNumber())
			return nil
		}
		_, err = d.applier.ApplyPRIssueComment(ctx, prID, ev.GetComment(), now)
		return err
	}

	if ev.GetAction() == "deleted" {
		return d.applier.DeleteComment(ctx, applier.KindIssueComment, ev.GetComment().GetID())
	}
	repoID, err := d.applier.EnsureRepository(ctx, ev.GetRepo().GetID(), ev.GetRepo().GetFullName(), now)
	if err != nil {
		return err
	}
	issueID, err := d.applier.ApplyIssue(ctx, ev.GetIssue(), repoID, now)
	if err != nil {
		return err
	}
	_, err = d.applier.ApplyIssueComment(ctx, issueID, ev.GetComment(), now)
	return err
}

func (d *Dispatcher) handleIssues(ctx context.Context, ev *github.IssuesEvent, now time.Time) error {
	repoID, err := d.applier.EnsureRepository(ctx, ev.GetRepo().GetID(), ev.GetRepo().GetFullName(), now)
	if err != nil {
		return err
	}
	_, err = d.applier.ApplyIssue(ctx, ev.GetIssue(), repoID, now)
	return err
}

func (d *Dispatcher) handleCheckRun(ctx context.Context, ev *github.CheckRunEvent, now time.Time) error {
	run := ev.GetCheckRun()
	for _, pr := range run.PullRequests {
		existing, err := d.db.LookupByGitHubID(ctx, applier.KindPullRequest, pr.GetID())
		if err != nil {
			return err //nolint:wrapcheck // lookup already annotates
		}
		if existing == nil {
			continue
		}
		if err := d.applier.ApplyPRChecks(ctx, existing.ID, []*github.CheckRun{run}, now); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handlePush(ctx context.Context, ev *github.PushEvent, now time.Time) error {
	repoID, err := d.applier.EnsureRepository(ctx, ev.GetRepo().GetID(), ev.GetRepo().GetFullName(), now)
	if err != nil {
		return err
	}

	commits := make([]*github.RepositoryCommit, 0, len(ev.Commits))
	for _, c := range ev.Commits {
		commits = append(commits, &github.RepositoryCommit{
			SHA: c.ID,
			Author: &github.User{
				Login: c.GetAuthor().Login,
			},
			Commit: &github.Commit{
				Message: c.Message,
				Author: &github.CommitAuthor{
					Name: c.GetAuthor().Name,
					Date: c.Timestamp,
				},
			},
			HTMLURL: c.URL,
		})
	}
	if err := d.applier.ApplyCommits(ctx, repoID, commits, now); err != nil {
		return err
	}
	return d.applier.UpdateRepoCounters(ctx, repoID, map[string]any{
		"pushedAt": now.Format(time.RFC3339),
	}, now)
}

func (d *Dispatcher) handleRepository(ctx context.Context, ev *github.RepositoryEvent, now time.Time) error {
	if ev.GetAction() == "deleted" {
		existing, err := d.db.LookupByGitHubID(ctx, applier.KindRepository, ev.GetRepo().GetID())
		if err != nil {
			return err //nolint:wrapcheck // lookup already annotates
		}
		if existing == nil {
			return nil
		}
		if err := d.db.Transact(ctx, []store.Op{store.DeleteOp{ID: existing.ID}}); err != nil {
			return fmt.Errorf("failed to delete repository: %w", err)
		}
		return nil
	}
	_, err := d.applier.ApplyRepository(ctx, ev.GetRepo(), "", "", now)
	return err
}

func (d *Dispatcher) updateRepoCounter(ctx context.Context, repo *github.Repository, field string, value int, now time.Time) error {
	repoID, err := d.applier.EnsureRepository(ctx, repo.GetID(), repo.GetFullName(), now)
	if err != nil {
		return err
	}
	return d.applier.UpdateRepoCounters(ctx, repoID, map[string]any{field: value}, now)
}

// resolvePull returns the entity ID of the delivery's pull request, applying
// the payload's PR shape when the mirror has not seen it before.
func (d *Dispatcher) resolvePull(ctx context.Context, repo *github.Repository, pr *github.PullRequest, now time.Time) (string, error) {
	existing, err := d.db.LookupByGitHubID(ctx, applier.KindPullRequest, pr.GetID())
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if existing != nil {
		return existing.ID, nil
	}
	repoID, err := d.applier.ApplyRepository(ctx, repo, "", "", now)
	if err != nil {
		return "", err
	}
	return d.applier.ApplyPullRequest(ctx, pr, repoID, now)
}

// findPullByNumber locates a mirrored pull request by repository and number.
// issue_comment payloads identify the PR only that way.
func (d *Dispatcher) findPullByNumber(ctx context.Context, repo *github.Repository, number int, now time.Time) (string, error) {
	repoEntity, err := d.db.LookupByGitHubID(ctx, applier.KindRepository, repo.GetID())
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	if repoEntity == nil {
		return "", nil
	}
	pulls, err := d.db.ListLinkedFrom(ctx, repoEntity.ID, applier.RelRepo)
	if err != nil {
		return "", err //nolint:wrapcheck // lookup already annotates
	}
	for _, p := range pulls {
		if p.Kind != applier.KindPullRequest {
			continue
		}
		if n, ok := p.Data["number"].(float64); ok && int(n) == number {
			return p.ID, nil
		}
	}
	return "", nil
}
