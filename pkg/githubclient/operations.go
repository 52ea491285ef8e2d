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
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/go-github/v56/github"

	"golang.org/x/sync/errgroup"
)

// AuthenticatedUser fetches the token's user. The returned Meta carries the
// x-oauth-scopes header, the authoritative record of granted scopes.
func (c *Client) AuthenticatedUser(ctx context.Context) (*github.User, *Meta, error) {
	var user github.User
	meta, err := c.do(ctx, http.MethodGet, "/user", nil, "", nil, &user)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch user: %w", err)
	}
	return &user, meta, nil
}

// FetchOrganizations lists the user's organizations.
func (c *Client) FetchOrganizations(ctx context.Context, etag string) ([]*github.Organization, *Meta, error) {
	orgs, meta, err := collect[github.Organization](ctx, c, "/user/orgs", nil, etag)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch organizations: %w", err)
	}
	return orgs, meta, nil
}

// FetchRepositories lists every repository the user can access.
func (c *Client) FetchRepositories(ctx context.Context, etag string) ([]*github.Repository, *Meta, error) {
	q := url.Values{}
	q.Set("affiliation", "owner,collaborator,organization_member")
	q.Set("sort", "updated")
	repos, meta, err := collect[github.Repository](ctx, c, "/user/repos", q, etag)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch repositories: %w", err)
	}
	return repos, meta, nil
}

// FetchRepository fetches one repository by owner and name.
func (c *Client) FetchRepository(ctx context.Context, owner, repo string) (*github.Repository, *Meta, error) {
	var r github.Repository
	path := fmt.Sprintf("/repos/%s/%s", owner, repo)
	meta, err := c.do(ctx, http.MethodGet, path, nil, "", nil, &r)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch repository %s/%s: %w", owner, repo, err)
	}
	return &r, meta, nil
}

// FetchPullRequests lists a repository's pull requests in the given state
// (open, closed, all).
func (c *Client) FetchPullRequests(ctx context.Context, owner, repo, state, etag string) ([]*github.PullRequest, *Meta, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls", owner, repo)
	prs, meta, err := collect[github.PullRequest](ctx, c, path, q, etag)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch pull requests for %s/%s: %w", owner, repo, err)
	}
	return prs, meta, nil
}

// FetchPullRequest fetches one pull request head.
func (c *Client) FetchPullRequest(ctx context.Context, owner, repo string, number int) (*github.PullRequest, *Meta, error) {
	var pr github.PullRequest
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	meta, err := c.do(ctx, http.MethodGet, path, nil, "", nil, &pr)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch pull request %s/%s#%d: %w", owner, repo, number, err)
	}
	return &pr, meta, nil
}

// FetchPullRequestFiles lists the changed files of a pull request.
func (c *Client) FetchPullRequestFiles(ctx context.Context, owner, repo string, number int) ([]*github.CommitFile, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/files", owner, repo, number)
	files, meta, err := collect[github.CommitFile](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch files for %s/%s#%d: %w", owner, repo, number, err)
	}
	return files, meta, nil
}

// FetchPullRequestReviews lists the reviews of a pull request.
func (c *Client) FetchPullRequestReviews(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestReview, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	reviews, meta, err := collect[github.PullRequestReview](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch reviews for %s/%s#%d: %w", owner, repo, number, err)
	}
	return reviews, meta, nil
}

// FetchPullRequestComments lists the review (inline) comments of a pull
// request.
func (c *Client) FetchPullRequestComments(ctx context.Context, owner, repo string, number int) ([]*github.PullRequestComment, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/comments", owner, repo, number)
	comments, meta, err := collect[github.PullRequestComment](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch review comments for %s/%s#%d: %w", owner, repo, number, err)
	}
	return comments, meta, nil
}

// FetchIssueComments lists the conversation (issue) comments of an issue or
// pull request.
func (c *Client) FetchIssueComments(ctx context.Context, owner, repo string, number int) ([]*github.IssueComment, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	comments, meta, err := collect[github.IssueComment](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch issue comments for %s/%s#%d: %w", owner, repo, number, err)
	}
	return comments, meta, nil
}

// FetchIssueEvents lists the timeline events of an issue or pull request.
func (c *Client) FetchIssueEvents(ctx context.Context, owner, repo string, number int) ([]*github.IssueEvent, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/events", owner, repo, number)
	events, meta, err := collect[github.IssueEvent](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch events for %s/%s#%d: %w", owner, repo, number, err)
	}
	return events, meta, nil
}

// FetchPullRequestCommits lists the commits of a pull request.
func (c *Client) FetchPullRequestCommits(ctx context.Context, owner, repo string, number int) ([]*github.RepositoryCommit, *Meta, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/commits", owner, repo, number)
	commits, meta, err := collect[github.RepositoryCommit](ctx, c, path, nil, "")
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch commits for %s/%s#%d: %w", owner, repo, number, err)
	}
	return commits, meta, nil
}

// ListCheckRuns lists the check runs for a commit SHA.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, sha string) ([]*github.CheckRun, *Meta, error) {
	var envelope struct {
		CheckRuns []*github.CheckRun `json:"check_runs"`
	}
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs", owner, repo, sha)
	q := url.Values{}
	q.Set("per_page", "100")
	meta, err := c.do(ctx, http.MethodGet, path, q, "", nil, &envelope)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to list check runs for %s/%s@%s: %w", owner, repo, sha, err)
	}
	return envelope.CheckRuns, meta, nil
}

// PullDetail is the composed full state of one pull request.
type PullDetail struct {
	PullRequest    *github.PullRequest
	Files          []*github.CommitFile
	Reviews        []*github.PullRequestReview
	ReviewComments []*github.PullRequestComment
	IssueComments  []*github.IssueComment
	Events         []*github.IssueEvent
	Commits        []*github.RepositoryCommit
	CheckRuns      []*github.CheckRun
}

// FetchPullRequestDetail composes the PR head with its files, reviews, both
// comment kinds, events, commits and check runs. The child fetches run
// concurrently once the head (and with it the head SHA) is known.
func (c *Client) FetchPullRequestDetail(ctx context.Context, owner, repo string, number int) (*PullDetail, error) {
	pr, _, err := c.FetchPullRequest(ctx, owner, repo, number)
	if err != nil {
		return nil, err
	}

	detail := &PullDetail{PullRequest: pr}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		detail.Files, _, err = c.FetchPullRequestFiles(gctx, owner, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Reviews, _, err = c.FetchPullRequestReviews(gctx, owner, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		detail.ReviewComments, _, err = c.FetchPullRequestComments(gctx, owner, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		detail.IssueComments, _, err = c.FetchIssueComments(gctx, owner, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Events, _, err = c.FetchIssueEvents(gctx, owner, repo, number)
		return err
	})
	g.Go(func() error {
		var err error
		detail.Commits, _, err = c.FetchPullRequestCommits(gctx, owner, repo, number)
		return err
	})
	if sha := pr.GetHead().GetSHA(); sha != "" {
		g.Go(func() error {
			var err error
			detail.CheckRuns, _, err = c.ListCheckRuns(gctx, owner, repo, sha)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err //nolint:wrapcheck // child fetches already annotate
	}
	return detail, nil
}

// FetchIssues lists a repository's issues. The issues API also returns pull
// requests; the applier filters those out via the pull_request marker.
func (c *Client) FetchIssues(ctx context.Context, owner, repo, etag string) ([]*github.Issue, *Meta, error) {
	q := url.Values{}
	q.Set("state", "all")
	path := fmt.Sprintf("/repos/%s/%s/issues", owner, repo)
	issues, meta, err := collect[github.Issue](ctx, c, path, q, etag)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch issues for %s/%s: %w", owner, repo, err)
	}
	return issues, meta, nil
}

// FetchIssue fetches one issue.
func (c *Client) FetchIssue(ctx context.Context, owner, repo string, number int) (*github.Issue, *Meta, error) {
	var issue github.Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	meta, err := c.do(ctx, http.MethodGet, path, nil, "", nil, &issue)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch issue %s/%s#%d: %w", owner, repo, number, err)
	}
	return &issue, meta, nil
}

// FetchRepoTree fetches the recursive tree listing at the given ref.
func (c *Client) FetchRepoTree(ctx context.Context, owner, repo, ref, etag string) (*github.Tree, *Meta, error) {
	var tree github.Tree
	path := fmt.Sprintf("/repos/%s/%s/git/trees/%s", owner, repo, url.PathEscape(ref))
	q := url.Values{}
	q.Set("recursive", "1")
	meta, err := c.do(ctx, http.MethodGet, path, q, etag, nil, &tree)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch tree for %s/%s@%s: %w", owner, repo, ref, err)
	}
	return &tree, meta, nil
}

// FetchRepoCommits lists the commit history at the given ref. maxPages bounds
// the listing; zero means a single page.
func (c *Client) FetchRepoCommits(ctx context.Context, owner, repo, ref, etag string, maxPages int) ([]*github.RepositoryCommit, *Meta, error) {
	if maxPages <= 0 {
		maxPages = 1
	}
	q := url.Values{}
	if ref != "" {
		q.Set("sha", ref)
	}

	var out []*github.RepositoryCommit
	pages := 0
	path := fmt.Sprintf("/repos/%s/%s/commits", owner, repo)
	meta, err := c.listPages(ctx, path, q, etag, func(items []json.RawMessage) (bool, error) {
		decodeEach(ctx, items, &out)
		pages++
		return pages < maxPages, nil
	})
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch commits for %s/%s@%s: %w", owner, repo, ref, err)
	}
	return out, meta, nil
}

// GetFileContents fetches one file's decoded contents at the given ref.
func (c *Client) GetFileContents(ctx context.Context, owner, repo, filePath, ref string) ([]byte, *Meta, error) {
	var content github.RepositoryContent
	path := fmt.Sprintf("/repos/%s/%s/contents/%s", owner, repo, filePath)
	q := url.Values{}
	if ref != "" {
		q.Set("ref", ref)
	}
	meta, err := c.do(ctx, http.MethodGet, path, q, "", nil, &content)
	if err != nil {
		return nil, meta, fmt.Errorf("failed to fetch contents of %s/%s:%s: %w", owner, repo, filePath, err)
	}

	// GetContent already reverses the response's base64 encoding.
	raw, err := content.GetContent()
	if err != nil {
		return nil, meta, fmt.Errorf("failed to decode contents of %s: %w", filePath, err)
	}
	if content.Content == nil {
		return nil, meta, fmt.Errorf("no content returned for %s", filePath)
	}
	return []byte(raw), meta, nil
}

// RegisterRepoWebhook ensures a push/PR/issue webhook pointing at hookURL
// exists on the repository. Returns created=false when an identical hook is
// already installed.
func (c *Client) RegisterRepoWebhook(ctx context.Context, owner, repo, hookURL, secret string) (created bool, err error) {
	hooksPath := fmt.Sprintf("/repos/%s/%s/hooks", owner, repo)

	hooks, _, err := collect[github.Hook](ctx, c, hooksPath, nil, "")
	if err != nil {
		return false, fmt.Errorf("failed to list hooks for %s/%s: %w", owner, repo, err)
	}
	for _, h := range hooks {
		if h.Config != nil && h.Config["url"] == hookURL {
			return false, nil
		}
	}

	req := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{
			"push", "create", "delete", "fork", "repository", "star",
			"pull_request", "pull_request_review", "pull_request_review_comment",
			"issues", "issue_comment", "organization",
		},
		"config": map[string]any{
			"url":          hookURL,
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}
	if _, err := c.do(ctx, http.MethodPost, hooksPath, nil, "", req, nil); err != nil {
		return false, fmt.Errorf("failed to create hook for %s/%s: %w", owner, repo, err)
	}
	return true, nil
}
