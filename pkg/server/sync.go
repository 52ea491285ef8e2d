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
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/store"
)

// repoFromVars resolves the {owner}/{repo} path variables to a mirrored
// repository entity. A nil return means the error response was already
// rendered.
func (s *Server) repoFromVars(ctx context.Context, w http.ResponseWriter, r *http.Request) *store.Entity {
	vars := mux.Vars(r)
	fullName := vars["owner"] + "/" + vars["repo"]
	repo, err := s.db.LookupByNaturalKey(ctx, applier.KindRepository, fullName)
	if err != nil {
		s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
		return nil
	}
	if repo == nil {
		s.renderError(ctx, w, http.StatusNotFound, codeNotFound, "repository "+fullName+" is not mirrored")
		return nil
	}
	return repo
}

func numberVar(r *http.Request, name string) int {
	n, _ := strconv.Atoi(mux.Vars(r)[name])
	return n
}

// handleSyncOverview runs the full initial sync synchronously.
func (s *Server) handleSyncOverview() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		started, err := s.syncer.InitialSync(ctx, userID(ctx))
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		states, err := s.states.List(ctx, userID(ctx))
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"started":    started,
			"syncStates": states,
		})
	})
}

// handleSyncRepoPulls syncs one repository's pull request list.
func (s *Server) handleSyncRepoPulls() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		repo := s.repoFromVars(ctx, w, r)
		if repo == nil {
			return
		}
		state := r.URL.Query().Get("state")
		if state == "" {
			state = "open"
		}
		if err := s.syncer.SyncRepoPulls(ctx, userID(ctx), repo.ID, state); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"synced": true, "repoId": repo.ID})
	})
}

// handleSyncPullDetail syncs one pull request's full detail.
func (s *Server) handleSyncPullDetail() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		repo := s.repoFromVars(ctx, w, r)
		if repo == nil {
			return
		}
		force := r.URL.Query().Get("force") == "true"
		prID, err := s.syncer.SyncPullByNumber(ctx, userID(ctx), repo.ID, numberVar(r, "number"), force)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"synced": true, "pullRequestId": prID})
	})
}

// handleSyncIssue syncs one issue with its comments.
func (s *Server) handleSyncIssue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		repo := s.repoFromVars(ctx, w, r)
		if repo == nil {
			return
		}
		issueID, err := s.syncer.SyncIssueByNumber(ctx, userID(ctx), repo.ID, numberVar(r, "number"))
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"synced": true, "issueId": issueID})
	})
}

// handleSyncTree snapshots the repository file tree at a ref.
func (s *Server) handleSyncTree() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		repo := s.repoFromVars(ctx, w, r)
		if repo == nil {
			return
		}
		if err := s.syncer.SyncTree(ctx, userID(ctx), repo.ID, r.URL.Query().Get("ref")); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"synced": true})
	})
}

// handleSyncCommits refreshes recent commit history at a ref.
func (s *Server) handleSyncCommits() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		repo := s.repoFromVars(ctx, w, r)
		if repo == nil {
			return
		}
		if err := s.syncer.SyncCommits(ctx, userID(ctx), repo.ID, r.URL.Query().Get("ref")); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"synced": true})
	})
}

// webhookResult is the per-repo entry of the registration summary.
type webhookResult struct {
	Repo      string `json:"repo"`
	Installed bool   `json:"installed"`
	Error     string `json:"error,omitempty"`
}

// handleSyncWebhooks registers webhooks on every mirrored repository and
// summarizes the recorded per-repo outcomes.
func (s *Server) handleSyncWebhooks() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		repos, err := s.db.ListKind(ctx, applier.KindRepository)
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		ids := make([]string, 0, len(repos))
		for _, repo := range repos {
			ids = append(ids, repo.ID)
		}
		if err := s.syncer.RegisterAllWebhooks(ctx, userID(ctx), ids); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}

		// Outcomes live on the repository entities; re-read for the summary.
		repos, err = s.db.ListKind(ctx, applier.KindRepository)
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		var installed, noAccess, failures int
		results := make([]webhookResult, 0, len(repos))
		for _, repo := range repos {
			res := webhookResult{Repo: entityString(repo, "fullName")}
			res.Installed, _ = repo.Data["webhookInstalled"].(bool)
			res.Error = entityString(repo, "webhookError")
			switch {
			case res.Installed:
				installed++
			case containsAccessDenied(res.Error):
				noAccess++
			case res.Error != "":
				failures++
			}
			results = append(results, res)
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{
			"total":     len(repos),
			"installed": installed,
			"noAccess":  noAccess,
			"errors":    failures,
			"results":   results,
		})
	})
}

// handleAddRepo mirrors a repository by URL and pulls its open PRs.
func (s *Server) handleAddRepo() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body struct {
			URL string `json:"url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"url\": ...}")
			return
		}

		repoID, err := s.syncer.AddRepo(ctx, userID(ctx), body.URL)
		if err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		if err := s.syncer.SyncRepoPulls(ctx, userID(ctx), repoID, "open"); err != nil {
			s.renderGitHubError(ctx, w, err)
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"added": true, "repoId": repoID})
	})
}

// handleSyncReset resets one sync-state row.
func (s *Server) handleSyncReset() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body struct {
			ResourceType string `json:"resourceType"`
			ResourceID   string `json:"resourceId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ResourceType == "" {
			s.renderError(ctx, w, http.StatusBadRequest, codeUnprocessable, "body must be {\"resourceType\": ..., \"resourceId\"?: ...}")
			return
		}
		if err := s.states.Reset(ctx, userID(ctx), body.ResourceType, body.ResourceID); err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"reset": true})
	})
}

// handleSyncDisconnect deletes the stored token and every sync state.
func (s *Server) handleSyncDisconnect() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.tokens.DeleteToken(ctx, userID(ctx)); err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"disconnected": true})
	})
}

// handleSyncRetry retries a named errored resource, or replays every failed
// and dead-lettered webhook delivery when no resource is named.
func (s *Server) handleSyncRetry() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var body struct {
			ResourceType string `json:"resourceType"`
			ResourceID   string `json:"resourceId"`
		}
		// An empty body means replay the webhook queue.
		_ = json.NewDecoder(r.Body).Decode(&body)

		if body.ResourceType != "" {
			if err := s.states.Retry(ctx, userID(ctx), body.ResourceType, body.ResourceID); err != nil {
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
				return
			}
			s.h.RenderJSON(w, http.StatusOK, map[string]any{"retried": body.ResourceType})
			return
		}

		requeued, err := s.db.RequeueDeadLetters(ctx, timeNow())
		if err != nil {
			s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			return
		}
		s.h.RenderJSON(w, http.StatusOK, map[string]any{"requeued": requeued})
	})
}

// handleRateLimit returns the current quota snapshot.
func (s *Server) handleRateLimit() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, s.limits.Snapshot())
	})
}

func entityString(e *store.Entity, field string) string {
	v, _ := e.Data[field].(string)
	return v
}

func containsAccessDenied(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "404") || strings.Contains(lower, "403") || strings.Contains(lower, "not accessible")
}

func timeNow() time.Time {
	return time.Now().UTC()
}
