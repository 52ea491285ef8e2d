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

package githubclient

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/go-github/v56/github"
)

// MergePullRequest merges the pull request with the given method (merge,
// squash, rebase). A 409 from GitHub surfaces as IsConflict.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, number int, method, commitTitle, commitMessage string) (*github.PullRequestMergeResult, error) {
	req := map[string]any{}
	if method != "" {
		req["merge_method"] = method
	}
	if commitTitle != "" {
		req["commit_title"] = commitTitle
	}
	if commitMessage != "" {
		req["commit_message"] = commitMessage
	}

	var result github.PullRequestMergeResult
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPut, path, nil, "", req, &result); err != nil {
		return nil, fmt.Errorf("failed to merge %s/%s#%d: %w", owner, repo, number, err)
	}
	return &result, nil
}

// UpdatePullRequest patches the state, title and/or body. Nil fields are left
// untouched.
func (c *Client) UpdatePullRequest(ctx context.Context, owner, repo string, number int, state, title, body *string) (*github.PullRequest, error) {
	req := map[string]any{}
	if state != nil {
		req["state"] = *state
	}
	if title != nil {
		req["title"] = *title
	}
	if body != nil {
		req["body"] = *body
	}

	var pr github.PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPatch, path, nil, "", req, &pr); err != nil {
		return nil, fmt.Errorf("failed to update %s/%s#%d: %w", owner, repo, number, err)
	}
	return &pr, nil
}

// CreateIssueComment posts a conversation comment on an issue or pull
// request.
func (c *Client) CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) (*github.IssueComment, error) {
	var comment github.IssueComment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", map[string]any{"body": body}, &comment); err != nil {
		return nil, fmt.Errorf("failed to create comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return &comment, nil
}

// UpdateIssueComment edits an existing conversation comment.
func (c *Client) UpdateIssueComment(ctx context.Context, owner, repo string, commentID int64, body string) (*github.IssueComment, error) {
	var comment github.IssueComment
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	if _, err := c.do(ctx, http.MethodPatch, path, nil, "", map[string]any{"body": body}, &comment); err != nil {
		return nil, fmt.Errorf("failed to update comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return &comment, nil
}

// DeleteIssueComment removes a conversation comment.
func (c *Client) DeleteIssueComment(ctx context.Context, owner, repo string, commentID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, "", nil, nil); err != nil {
		return fmt.Errorf("failed to delete comment %d on %s/%s: %w", commentID, owner, repo, err)
	}
	return nil
}

// ReviewCommentInput is one inline comment attached to a new review.
type ReviewCommentInput struct {
	Path      string `json:"path"`
	Body      string `json:"body"`
	Line      int    `json:"line,omitempty"`
	Side      string `json:"side,omitempty"`
	StartLine int    `json:"start_line,omitempty"`
	StartSide string `json:"start_side,omitempty"`
}

// CreateReview opens a review. An empty event creates a pending (draft)
// review; APPROVE, REQUEST_CHANGES or COMMENT submits it immediately.
func (c *Client) CreateReview(ctx context.Context, owner, repo string, number int, event, body string, comments []ReviewCommentInput) (*github.PullRequestReview, error) {
	req := map[string]any{}
	if event != "" {
		req["event"] = event
	}
	if body != "" {
		req["body"] = body
	}
	if len(comments) > 0 {
		req["comments"] = comments
	}

	var review github.PullRequestReview
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", req, &review); err != nil {
		return nil, fmt.Errorf("failed to create review on %s/%s#%d: %w", owner, repo, number, err)
	}
	return &review, nil
}

// SubmitReview submits a pending review with the given event.
func (c *Client) SubmitReview(ctx context.Context, owner, repo string, number int, reviewID int64, event, body string) (*github.PullRequestReview, error) {
	req := map[string]any{"event": event}
	if body != "" {
		req["body"] = body
	}

	var review github.PullRequestReview
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews/%d/events", owner, repo, number, reviewID)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", req, &review); err != nil {
		return nil, fmt.Errorf("failed to submit review %d on %s/%s#%d: %w", reviewID, owner, repo, number, err)
	}
	return &review, nil
}

// DeletePendingReview discards a draft review.
func (c *Client) DeletePendingReview(ctx context.Context, owner, repo string, number int, reviewID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews/%d", owner, repo, number, reviewID)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, "", nil, nil); err != nil {
		return fmt.Errorf("failed to discard review %d on %s/%s#%d: %w", reviewID, owner, repo, number, err)
	}
	return nil
}

// CreateReviewComment posts a standalone inline comment on a pull request
// diff. For a suggestion, wrap the replacement in a suggestion fence via
// SuggestionBody.
func (c *Client) CreateReviewComment(ctx context.Context, owner, repo string, number int, commitID string, input ReviewCommentInput) (*github.PullRequestComment, error) {
	req := map[string]any{
		"body":      input.Body,
		"commit_id": commitID,
		"path":      input.Path,
	}
	if input.Line > 0 {
		req["line"] = input.Line
	}
	if input.Side != "" {
		req["side"] = input.Side
	}
	if input.StartLine > 0 {
		req["start_line"] = input.StartLine
	}
	if input.StartSide != "" {
		req["start_side"] = input.StartSide
	}

	var comment github.PullRequestComment
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", req, &comment); err != nil {
		return nil, fmt.Errorf("failed to create review comment on %s/%s#%d: %w", owner, repo, number, err)
	}
	return &comment, nil
}

// SuggestionBody formats a review comment body carrying a code suggestion.
func SuggestionBody(comment, replacement string) string {
	if comment != "" {
		comment += "\n\n"
	}
	return comment + "```suggestion\n" + replacement + "\n```"
}

// RequestReviewers asks the given users and/or teams for review.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, number int, reviewers, teamReviewers []string) error {
	req := map[string]any{}
	if len(reviewers) > 0 {
		req["reviewers"] = reviewers
	}
	if len(teamReviewers) > 0 {
		req["team_reviewers"] = teamReviewers
	}

	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/requested_reviewers", owner, repo, number)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", req, nil); err != nil {
		return fmt.Errorf("failed to request reviewers on %s/%s#%d: %w", owner, repo, number, err)
	}
	return nil
}

// DeleteBranch deletes a branch ref.
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, branch)
	if _, err := c.do(ctx, http.MethodDelete, path, nil, "", nil, nil); err != nil {
		return fmt.Errorf("failed to delete branch %s on %s/%s: %w", branch, owner, repo, err)
	}
	return nil
}

// RestoreBranch recreates a branch ref at the given SHA.
func (c *Client) RestoreBranch(ctx context.Context, owner, repo, branch, sha string) error {
	req := map[string]any{
		"ref": "refs/heads/" + branch,
		"sha": sha,
	}
	path := fmt.Sprintf("/repos/%s/%s/git/refs", owner, repo)
	if _, err := c.do(ctx, http.MethodPost, path, nil, "", req, nil); err != nil {
		return fmt.Errorf("failed to restore branch %s on %s/%s: %w", branch, owner, repo, err)
	}
	return nil
}
