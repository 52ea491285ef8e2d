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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/gorilla/mux"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/store"
)

// pullFromVars resolves {owner}/{repo}/{number} to a mirrored pull request.
// A nil return means the error response was already rendered.
func (s *Server) pullFromVars(ctx context.Context, w http.ResponseWriter, r *http.Request) (*store.Entity, *store.Entity) {
	repo := s.repoFromVars(ctx, w, r)
	if repo == nil {
		return nil, nil
	}
	key := fmt.Sprintf("%s#%d", repo.ID, numberVar(r, "number"))
	pr, err := s.db.LookupByNaturalKey(ctx, applier.KindPullRequest, key)
	if err != nil {
		s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
		return nil, nil
	}
	if pr == nil {
		s.renderError(ctx, w, http.StatusNotFound, codeNotFound,
			fmt.Sprintf("pull request #%d is not mirrored", numberVar(r, "number")))
		return nil, nil
	}
	return repo, pr
}

// mutationContext bundles what every mutation handler resolves first.
type mutationContext struct {
	client *githubclient.Client
	repo   *store.Entity
	pr     *store.Entity
	owner  string
	name   string
	number int
}

func (s *Server) mutationFromVars(ctx context.Context, w http.ResponseWriter, r *http.Request) *mutationContext {
	repo, pr := s.pullFromVars(ctx, w, r)
	if repo == nil {
		return nil
	}
	client, err := s.userClient(ctx)
	if err != nil {
		s.renderGitHubError(ctx, w, err)
		return nil
	}
	vars := mux.Vars(r)
	return &mutationContext{
		client: client,
		repo:   repo,
		pr:     pr,
		owner:  vars["owner"],
		name:   vars["repo"],
		number: numberVar(r, "number"),
	}
}

// resyncPull refreshes the mirrored detail after a mutation, best effort.
func (s *Server) resyncPull(ctx context.Context, prID string) {
	if err := s.syncer.SyncPullDetail(ctx, userID(ctx), prID); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "post-mutation resync failed",
			"pull_request_id", prID,
			"error", err)
	}
}

// handleMergePull merges the pull request.
func (s *Server) handleMergePull() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			Method        string `json:"method"`
			CommitTitle   string `json:"commitTitle"`
			CommitMessage string `json:"commitMessage"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		result, err := m.client.MergePullRequest(ctx, m.owner, m.name, m.number, body.Method, body.CommitTitle, body.CommitMessage)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.resyncPull(ctx, m.pr.ID)
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"merged": result.GetMerged(),
			"sha":    result.GetSHA(),
		})
	})
}

// handleUpdatePull patches state, title or body.
func (s *Server) handleUpdatePull() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			State *string `json:"state"`
			Title *string `json:"title"`
			Body  *string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "invalid JSON body")
			return
		}

		updated, err := m.client.UpdatePullRequest(ctx, m.owner, m.name, m.number, body.State, body.Title, body.Body)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if _, err := s.applier.ApplyPullRequest(ctx, updated, m.repo.ID, time.Now().UTC()); err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"updated": true})
	})
}

// handleCreateComment posts a conversation-tab comment.
func (s *Server) handleCreateComment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"body\": ...}")
			return
		}

		comment, err := m.client.CreateIssueComment(ctx, m.owner, m.name, m.number, body.Body)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		id, err := s.applier.ApplyPRIssueComment(ctx, m.pr.ID, comment, time.Now().UTC())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"commentId": id, "githubId": comment.GetID()})
	})
}

// handleUpdateComment edits a conversation comment by its GitHub ID.
func (s *Server) handleUpdateComment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		client, err := s.userClient(ctx)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		vars := mux.Vars(r)
		commentID, _ := strconv.ParseInt(vars["commentId"], 10, 64)
		var body struct {
			Body string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Body == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"body\": ...}")
			return
		}

		updated, err := client.UpdateIssueComment(ctx, vars["owner"], vars["repo"], commentID, body.Body)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}

		// The comment may be mirrored as either comment kind.
		now := time.Now().UTC()
		if existing, err := s.db.LookupByGitHubID(ctx, applier.KindPRComment, commentID); err == nil && existing != nil {
			existing.Data["body"] = updated.GetBody()
			existing.UpdatedAt = now
			_ = s.db.Transact(ctx, []store.Op{store.UpsertOp{Entity: existing}})
		} else if existing, err := s.db.LookupByGitHubID(ctx, applier.KindIssueComment, commentID); err == nil && existing != nil {
			existing.Data["body"] = updated.GetBody()
			existing.UpdatedAt = now
			_ = s.db.Transact(ctx, []store.Op{store.UpsertOp{Entity: existing}})
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"updated": true})
	})
}

// handleDeleteComment deletes a conversation comment by its GitHub ID.
func (s *Server) handleDeleteComment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		client, err := s.userClient(ctx)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		vars := mux.Vars(r)
		commentID, _ := strconv.ParseInt(vars["commentId"], 10, 64)

		if err := client.DeleteIssueComment(ctx, vars["owner"], vars["repo"], commentID); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		_ = s.applier.DeleteComment(ctx, applier.KindPRComment, commentID)
		_ = s.applier.DeleteComment(ctx, applier.KindIssueComment, commentID)
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"deleted": true})
	})
}

// handleCreateReview creates a review, optionally with inline comments, and
// submits it when an event is given.
func (s *Server) handleCreateReview() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			Event    string                           `json:"event"`
			Body     string                           `json:"body"`
			Comments []githubclient.ReviewCommentInput `json:"comments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "invalid JSON body")
			return
		}

		review, err := m.client.CreateReview(ctx, m.owner, m.name, m.number, body.Event, body.Body, body.Comments)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		id, err := s.applier.ApplyPRReview(ctx, m.pr.ID, review, time.Now().UTC())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"reviewId": id, "githubId": review.GetID()})
	})
}

// handleSubmitReview submits a pending review.
func (s *Server) handleSubmitReview() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		reviewID, _ := strconv.ParseInt(mux.Vars(r)["reviewId"], 10, 64)
		var body struct {
			Event string `json:"event"`
			Body  string `json:"body"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Event == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"event\": ..., \"body\"?: ...}")
			return
		}

		review, err := m.client.SubmitReview(ctx, m.owner, m.name, m.number, reviewID, body.Event, body.Body)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if _, err := s.applier.ApplyPRReview(ctx, m.pr.ID, review, time.Now().UTC()); err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"submitted": true})
	})
}

// handleDeletePendingReview discards a pending review.
func (s *Server) handleDeletePendingReview() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		reviewID, _ := strconv.ParseInt(mux.Vars(r)["reviewId"], 10, 64)

		if err := m.client.DeletePendingReview(ctx, m.owner, m.name, m.number, reviewID); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if existing, err := s.db.LookupByGitHubID(ctx, applier.KindPRReview, reviewID); err == nil && existing != nil {
			_ = s.db.Transact(ctx, []store.Op{store.DeleteOp{ID: existing.ID}})
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"deleted": true})
	})
}

// handleCreateReviewComment posts an inline comment, optionally as a
// suggested change.
func (s *Server) handleCreateReviewComment() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			CommitID   string `json:"commitId"`
			Path       string `json:"path"`
			Line       int    `json:"line"`
			StartLine  int    `json:"startLine"`
			Side       string `json:"side"`
			Body       string `json:"body"`
			Suggestion string `json:"suggestion"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "invalid review comment body")
			return
		}

		text := body.Body
		if body.Suggestion != "" {
			text = githubclient.SuggestionBody(body.Body, body.Suggestion)
		}
		commitID := body.CommitID
		if commitID == "" {
			commitID = entityString(m.pr, "headSha")
		}

		comment, err := m.client.CreateReviewComment(ctx, m.owner, m.name, m.number, commitID, githubclient.ReviewCommentInput{
			Path:      body.Path,
			Line:      body.Line,
			StartLine: body.StartLine,
			Side:      body.Side,
			Body:      text,
		})
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		id, err := s.applier.ApplyReviewComment(ctx, m.pr.ID, comment, time.Now().UTC())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"commentId": id, "githubId": comment.GetID()})
	})
}

// handleRequestReviewers re-requests reviews.
func (s *Server) handleRequestReviewers() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		m := s.mutationFromVars(ctx, w, r)
		if m == nil {
			return
		}
		var body struct {
			Reviewers     []string `json:"reviewers"`
			TeamReviewers []string `json:"teamReviewers"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "invalid JSON body")
			return
		}

		if err := m.client.RequestReviewers(ctx, m.owner, m.name, m.number, body.Reviewers, body.TeamReviewers); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.resyncPull(ctx, m.pr.ID)
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"requested": true})
	})
}

// handleSetFileViewed toggles the local viewed mark on a PR file.
func (s *Server) handleSetFileViewed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		_, pr := s.pullFromVars(ctx, w, r)
		if pr == nil {
			return
		}
		var body struct {
			Filename string `json:"filename"`
			Viewed   bool   `json:"viewed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Filename == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"filename\": ..., \"viewed\": ...}")
			return
		}

		viewed, err := s.applier.SetFileViewed(ctx, pr.ID, body.Filename, body.Viewed, time.Now().UTC())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"viewedFiles": viewed})
	})
}

// handleResolveThread resolves or unresolves a review thread by node ID.
func (s *Server) handleResolveThread(resolve bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		client, err := s.userClient(ctx)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		threadID := mux.Vars(r)["threadId"]

		if resolve {
			err = client.ResolveReviewThread(ctx, threadID)
		} else {
			err = client.UnresolveReviewThread(ctx, threadID)
		}
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"resolved": resolve})
	})
}

// handleDeleteBranch deletes a branch ref.
func (s *Server) handleDeleteBranch() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		client, err := s.userClient(ctx)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		vars := mux.Vars(r)

		if err := client.DeleteBranch(ctx, vars["owner"], vars["repo"], vars["branch"]); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if repo, err := s.db.LookupByNaturalKey(ctx, applier.KindRepository, vars["owner"]+"/"+vars["repo"]); err == nil && repo != nil {
			_ = s.applier.ApplyBranchRef(ctx, repo.ID, "branch", vars["branch"], true, time.Now().UTC())
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"deleted": true})
	})
}

// handleRestoreBranch recreates a branch ref at a commit.
func (s *Server) handleRestoreBranch() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		client, err := s.userClient(ctx)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		vars := mux.Vars(r)
		var body struct {
			SHA string `json:"sha"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SHA == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"sha\": ...}")
			return
		}

		if err := client.RestoreBranch(ctx, vars["owner"], vars["repo"], vars["branch"], body.SHA); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if repo, err := s.db.LookupByNaturalKey(ctx, applier.KindRepository, vars["owner"]+"/"+vars["repo"]); err == nil && repo != nil {
			_ = s.applier.ApplyBranchRef(ctx, repo.ID, "branch", vars["branch"], false, time.Now().UTC())
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"restored": true})
	})
}
