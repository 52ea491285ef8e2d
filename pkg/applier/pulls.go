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

// pullRequestOps builds the upsert for a pull request from either the pull
// list shape or the full detail shape. Counter fields (additions,
// changedFiles, ...) are only present on the detail shape; a list-shape apply
// carries the stored values forward instead of zeroing them.
func (a *Applier) pullRequestOps(ctx context.Context, pr *github.PullRequest, repoEntityID string, now time.Time) (string, []store.Op, error) {
	id, err := a.resolveID(ctx, KindPullRequest, pr.GetID())
	if err != nil {
		return "", nil, err
	}

	data := map[string]any{
		"number":             pr.GetNumber(),
		"title":              pr.GetTitle(),
		"state":              pr.GetState(),
		"body":               pr.GetBody(),
		"draft":              pr.GetDraft(),
		"merged":             pr.GetMerged(),
		"mergedAt":           timeField(pr.MergedAt),
		"baseRef":            pr.GetBase().GetRef(),
		"headRef":            pr.GetHead().GetRef(),
		"headSha":            pr.GetHead().GetSHA(),
		"authorLogin":        pr.GetUser().GetLogin(),
		"authorAvatarUrl":    pr.GetUser().GetAvatarURL(),
		"labels":             jsonList(labelNames(pr.Labels)),
		"assignees":          jsonList(userLogins(pr.Assignees)),
		"requestedReviewers": jsonList(userLogins(pr.RequestedReviewers)),
		"htmlUrl":            pr.GetHTMLURL(),
		"createdAt":          timeField(pr.CreatedAt),
		"updatedAt":          timeField(pr.UpdatedAt),
		"closedAt":           timeField(pr.ClosedAt),
	}

	counters := map[string]any{
		"additions":      pr.GetAdditions(),
		"deletions":      pr.GetDeletions(),
		"changedFiles":   pr.GetChangedFiles(),
		"comments":       pr.GetComments(),
		"reviewComments": pr.GetReviewComments(),
		"commits":        pr.GetCommits(),
		"mergeableState": pr.GetMergeableState(),
	}
	detail := pr.Additions != nil || pr.ChangedFiles != nil || pr.Commits != nil
	if !detail {
		if existing, err := a.db.Get(ctx, id); err == nil && existing != nil {
			for k := range counters {
				if v, ok := existing.Data[k]; ok {
					counters[k] = v
				}
			}
		}
	}
	for k, v := range counters {
		data[k] = v
	}

	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         id,
			Kind:       KindPullRequest,
			GitHubID:   pr.GetID(),
			NaturalKey: fmt.Sprintf("%s#%d", repoEntityID, pr.GetNumber()),
			Data:       data,
			UpdatedAt:  now,
		},
		Links: []store.Link{{Rel: RelRepo, ToID: repoEntityID}},
	}
	return id, []store.Op{op}, nil
}

// ApplyPullRequest upserts a single pull request row.
func (a *Applier) ApplyPullRequest(ctx context.Context, pr *github.PullRequest, repoEntityID string, now time.Time) (string, error) {
	id, ops, err := a.pullRequestOps(ctx, pr, repoEntityID, now)
	if err != nil {
		return "", err
	}
	if err := a.db.Transact(ctx, ops); err != nil {
		return "", fmt.Errorf("failed to apply pull request #%d: %w", pr.GetNumber(), err)
	}
	return id, nil
}

// prFileOps builds the replacement of a pull request's file list. Files use
// the deterministic ID prEntityID:filename; files present locally but absent
// from the incoming list are reaped in the same op set, so a force-push that
// drops a file never leaves a stale row.
func (a *Applier) prFileOps(ctx context.Context, prEntityID string, files []*github.CommitFile, now time.Time) ([]store.Op, error) {
	prefix := prEntityID + ":"
	existing, err := a.db.ListByNaturalKeyPrefix(ctx, KindPRFile, prefix)
	if err != nil {
		return nil, err //nolint:wrapcheck // lookup already annotates
	}

	incoming := make(map[string]bool, len(files))
	ops := make([]store.Op, 0, len(files)+len(existing))
	for _, f := range files {
		key := prefix + f.GetFilename()
		incoming[key] = true

		additions, deletions := f.GetAdditions(), f.GetDeletions()
		if additions == 0 && deletions == 0 && f.GetPatch() != "" {
			additions, deletions = PatchStats(f.GetPatch())
		}

		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:         key,
				Kind:       KindPRFile,
				NaturalKey: key,
				Data: map[string]any{
					"filename":         f.GetFilename(),
					"status":           f.GetStatus(),
					"additions":        additions,
					"deletions":        deletions,
					"changes":          f.GetChanges(),
					"patch":            f.GetPatch(),
					"previousFilename": f.GetPreviousFilename(),
					"sha":              f.GetSHA(),
					"blobUrl":          f.GetBlobURL(),
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
		})
	}
	for _, id := range ComputeStale(existing, incoming) {
		ops = append(ops, store.DeleteOp{ID: id})
	}
	return ops, nil
}

// ApplyPRFiles replaces the file list of a pull request in one transaction.
func (a *Applier) ApplyPRFiles(ctx context.Context, prEntityID string, files []*github.CommitFile, now time.Time) error {
	ops, err := a.prFileOps(ctx, prEntityID, files, now)
	if err != nil {
		return err
	}
	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply pull request files: %w", err)
	}
	return nil
}

func (a *Applier) prReviewOp(ctx context.Context, prEntityID string, review *github.PullRequestReview, now time.Time) (string, store.Op, error) {
	id, err := a.resolveID(ctx, KindPRReview, review.GetID())
	if err != nil {
		return "", nil, err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:       id,
			Kind:     KindPRReview,
			GitHubID: review.GetID(),
			Data: map[string]any{
				"state":       review.GetState(),
				"body":        review.GetBody(),
				"authorLogin": review.GetUser().GetLogin(),
				"commitId":    review.GetCommitID(),
				"submittedAt": timeField(review.SubmittedAt),
				"htmlUrl":     review.GetHTMLURL(),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
	}
	return id, op, nil
}

// ApplyPRReview upserts a single review.
func (a *Applier) ApplyPRReview(ctx context.Context, prEntityID string, review *github.PullRequestReview, now time.Time) (string, error) {
	id, op, err := a.prReviewOp(ctx, prEntityID, review, now)
	if err != nil {
		return "", err
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply review %d: %w", review.GetID(), err)
	}
	return id, nil
}

// ApplyPRReviews upserts each review in turn.
func (a *Applier) ApplyPRReviews(ctx context.Context, prEntityID string, reviews []*github.PullRequestReview, now time.Time) error {
	for _, r := range reviews {
		if _, err := a.ApplyPRReview(ctx, prEntityID, r, now); err != nil {
			return err
		}
	}
	return nil
}

// Comment types stored in the prComment "type" field.
const (
	CommentTypeReview = "review"
	CommentTypeIssue  = "issue"
)

func (a *Applier) reviewCommentOp(ctx context.Context, prEntityID string, c *github.PullRequestComment, now time.Time) (string, store.Op, error) {
	id, err := a.resolveID(ctx, KindPRComment, c.GetID())
	if err != nil {
		return "", nil, err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:       id,
			Kind:     KindPRComment,
			GitHubID: c.GetID(),
			Data: map[string]any{
				"type":        CommentTypeReview,
				"body":        c.GetBody(),
				"authorLogin": c.GetUser().GetLogin(),
				"path":        c.GetPath(),
				"line":        c.GetLine(),
				"startLine":   c.GetStartLine(),
				"side":        c.GetSide(),
				"diffHunk":    c.GetDiffHunk(),
				"commitId":    c.GetCommitID(),
				"inReplyTo":   c.GetInReplyTo(),
				"reviewId":    c.GetPullRequestReviewID(),
				"nodeId":      c.GetNodeID(),
				"createdAt":   timeField(c.CreatedAt),
				"updatedAt":   timeField(c.UpdatedAt),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
	}
	return id, op, nil
}

// ApplyReviewComment upserts an inline (diff-anchored) comment.
func (a *Applier) ApplyReviewComment(ctx context.Context, prEntityID string, c *github.PullRequestComment, now time.Time) (string, error) {
	id, op, err := a.reviewCommentOp(ctx, prEntityID, c, now)
	if err != nil {
		return "", err
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply review comment %d: %w", c.GetID(), err)
	}
	return id, nil
}

func (a *Applier) prIssueCommentOp(ctx context.Context, prEntityID string, c *github.IssueComment, now time.Time) (string, store.Op, error) {
	id, err := a.resolveID(ctx, KindPRComment, c.GetID())
	if err != nil {
		return "", nil, err
	}
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:       id,
			Kind:     KindPRComment,
			GitHubID: c.GetID(),
			Data: map[string]any{
				"type":        CommentTypeIssue,
				"body":        c.GetBody(),
				"authorLogin": c.GetUser().GetLogin(),
				"nodeId":      c.GetNodeID(),
				"createdAt":   timeField(c.CreatedAt),
				"updatedAt":   timeField(c.UpdatedAt),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
	}
	return id, op, nil
}

// ApplyPRIssueComment upserts a conversation-tab comment on a pull request,
// stored as a prComment so a single child listing covers both comment types.
func (a *Applier) ApplyPRIssueComment(ctx context.Context, prEntityID string, c *github.IssueComment, now time.Time) (string, error) {
	id, op, err := a.prIssueCommentOp(ctx, prEntityID, c, now)
	if err != nil {
		return "", err
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return "", fmt.Errorf("failed to apply issue comment %d: %w", c.GetID(), err)
	}
	return id, nil
}

// DeleteComment removes a comment of either type by its GitHub ID. Missing
// comments are a no-op so deletion events replay cleanly.
func (a *Applier) DeleteComment(ctx context.Context, kind string, githubID int64) error {
	existing, err := a.db.LookupByGitHubID(ctx, kind, githubID)
	if err != nil {
		return err //nolint:wrapcheck // lookup already annotates
	}
	if existing == nil {
		return nil
	}
	if err := a.db.Transact(ctx, []store.Op{store.DeleteOp{ID: existing.ID}}); err != nil {
		return fmt.Errorf("failed to delete comment %d: %w", githubID, err)
	}
	return nil
}

func (a *Applier) prCheckOps(ctx context.Context, prEntityID string, runs []*github.CheckRun, now time.Time) ([]store.Op, error) {
	ops := make([]store.Op, 0, len(runs))
	for _, run := range runs {
		id, err := a.resolveID(ctx, KindPRCheck, run.GetID())
		if err != nil {
			return nil, err
		}
		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:       id,
				Kind:     KindPRCheck,
				GitHubID: run.GetID(),
				Data: map[string]any{
					"name":        run.GetName(),
					"status":      run.GetStatus(),
					"conclusion":  run.GetConclusion(),
					"headSha":     run.GetHeadSHA(),
					"detailsUrl":  run.GetDetailsURL(),
					"startedAt":   timeField(run.StartedAt),
					"completedAt": timeField(run.CompletedAt),
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
		})
	}
	return ops, nil
}

// ApplyPRChecks upserts the check runs for the head commit of a pull request.
func (a *Applier) ApplyPRChecks(ctx context.Context, prEntityID string, runs []*github.CheckRun, now time.Time) error {
	ops, err := a.prCheckOps(ctx, prEntityID, runs, now)
	if err != nil {
		return err
	}
	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply check runs: %w", err)
	}
	return nil
}

func (a *Applier) prEventOps(ctx context.Context, prEntityID string, events []*github.IssueEvent, now time.Time) ([]store.Op, error) {
	ops := make([]store.Op, 0, len(events))
	for _, ev := range events {
		id, err := a.resolveID(ctx, KindPREvent, ev.GetID())
		if err != nil {
			return nil, err
		}
		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:       id,
				Kind:     KindPREvent,
				GitHubID: ev.GetID(),
				Data: map[string]any{
					"event":      ev.GetEvent(),
					"actorLogin": ev.GetActor().GetLogin(),
					"label":      ev.GetLabel().GetName(),
					"createdAt":  timeField(ev.CreatedAt),
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
		})
	}
	return ops, nil
}

// ApplyPREvents upserts timeline events (labeled, assigned, closed, ...).
func (a *Applier) ApplyPREvents(ctx context.Context, prEntityID string, events []*github.IssueEvent, now time.Time) error {
	ops, err := a.prEventOps(ctx, prEntityID, events, now)
	if err != nil {
		return err
	}
	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply issue events: %w", err)
	}
	return nil
}

// ApplyPREventAction records a timeline event synthesized from a webhook
// action. Webhook payloads carry no timeline event ID, so the row is keyed by
// action and payload timestamp; a redelivered payload lands on the same row.
func (a *Applier) ApplyPREventAction(ctx context.Context, prEntityID, action, actorLogin string, at, now time.Time) error {
	if at.IsZero() {
		at = now
	}
	key := fmt.Sprintf("%s:event:%s:%d", prEntityID, action, at.Unix())
	op := store.UpsertOp{
		Entity: &store.Entity{
			ID:         key,
			Kind:       KindPREvent,
			NaturalKey: key,
			Data: map[string]any{
				"event":      action,
				"actorLogin": actorLogin,
				"createdAt":  at.UTC().Format(time.RFC3339),
			},
			UpdatedAt: now,
		},
		Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
	}
	if err := a.db.Transact(ctx, []store.Op{op}); err != nil {
		return fmt.Errorf("failed to apply %s event: %w", action, err)
	}
	return nil
}

// prCommitOps builds the upserts for a pull request's commits, keyed
// prEntityID:sha.
func (a *Applier) prCommitOps(prEntityID string, commits []*github.RepositoryCommit, now time.Time) []store.Op {
	ops := make([]store.Op, 0, len(commits))
	for _, c := range commits {
		key := prEntityID + ":" + c.GetSHA()
		authoredAt := c.GetCommit().GetAuthor().GetDate()
		ops = append(ops, store.UpsertOp{
			Entity: &store.Entity{
				ID:         key,
				Kind:       KindPRCommit,
				NaturalKey: key,
				Data: map[string]any{
					"sha":         c.GetSHA(),
					"message":     c.GetCommit().GetMessage(),
					"authorLogin": c.GetAuthor().GetLogin(),
					"authorName":  c.GetCommit().GetAuthor().GetName(),
					"authoredAt":  timeField(&authoredAt),
					"htmlUrl":     c.GetHTMLURL(),
				},
				UpdatedAt: now,
			},
			Links: []store.Link{{Rel: RelPull, ToID: prEntityID}},
		})
	}
	return ops
}

// ApplyPRCommits upserts the commits of a pull request.
func (a *Applier) ApplyPRCommits(ctx context.Context, prEntityID string, commits []*github.RepositoryCommit, now time.Time) error {
	if err := a.db.Transact(ctx, a.prCommitOps(prEntityID, commits, now)); err != nil {
		return fmt.Errorf("failed to apply pull request commits: %w", err)
	}
	return nil
}

// PullDetail bundles everything a full pull request refresh fetches.
type PullDetail struct {
	PullRequest    *github.PullRequest
	Files          []*github.CommitFile
	Reviews        []*github.PullRequestReview
	ReviewComments []*github.PullRequestComment
	IssueComments  []*github.IssueComment
	CheckRuns      []*github.CheckRun
	Events         []*github.IssueEvent
	Commits        []*github.RepositoryCommit
}

// ApplyPullDetail writes the pull request and all of its children in a single
// transaction. A reader never sees the new head paired with the previous
// head's file list, and a mid-apply failure leaves the previous snapshot
// intact.
func (a *Applier) ApplyPullDetail(ctx context.Context, repoEntityID, prEntityID string, d *PullDetail, now time.Time) error {
	_, ops, err := a.pullRequestOps(ctx, d.PullRequest, repoEntityID, now)
	if err != nil {
		return err
	}

	fileOps, err := a.prFileOps(ctx, prEntityID, d.Files, now)
	if err != nil {
		return err
	}
	ops = append(ops, fileOps...)

	for _, r := range d.Reviews {
		_, op, err := a.prReviewOp(ctx, prEntityID, r, now)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	for _, c := range d.ReviewComments {
		_, op, err := a.reviewCommentOp(ctx, prEntityID, c, now)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	for _, c := range d.IssueComments {
		_, op, err := a.prIssueCommentOp(ctx, prEntityID, c, now)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}

	checkOps, err := a.prCheckOps(ctx, prEntityID, d.CheckRuns, now)
	if err != nil {
		return err
	}
	ops = append(ops, checkOps...)

	eventOps, err := a.prEventOps(ctx, prEntityID, d.Events, now)
	if err != nil {
		return err
	}
	ops = append(ops, eventOps...)
	ops = append(ops, a.prCommitOps(prEntityID, d.Commits, now)...)

	if err := a.db.Transact(ctx, ops); err != nil {
		return fmt.Errorf("failed to apply pull request detail: %w", err)
	}
	return nil
}

func labelNames(labels []*github.Label) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		out = append(out, l.GetName())
	}
	return out
}

func userLogins(users []*github.User) []string {
	out := make([]string, 0, len(users))
	for _, u := range users {
		out = append(out, u.GetLogin())
	}
	return out
}
