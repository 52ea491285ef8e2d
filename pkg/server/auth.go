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
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/abcxyz/pkg/logging"
	"github.com/google/go-github/v56/github"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/offsync/github-mirror/pkg/githubauth"
	"github.com/offsync/github-mirror/pkg/githubclient"
)

type contextKey string

const userIDKey = contextKey("userID")

// userCookie carries the user entity ID back to the browser after OAuth.
const userCookie = "github_mirror_user"

// userID returns the authenticated user's entity ID from the request context.
func userID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// requireUser authenticates the opaque bearer user ID and verifies the user
// still holds a usable GitHub token. Token-less requests get auth_missing,
// revoked tokens auth_invalid, without calling GitHub.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id := bearerToken(r)
		if id == "" {
			if c, err := r.Cookie(userCookie); err == nil {
				id = c.Value
			}
		}
		if id == "" {
			s.renderError(ctx, w, http.StatusUnauthorized, codeAuthMissing, "missing bearer token")
			return
		}

		if _, err := s.tokens.AccessToken(ctx, id); err != nil {
			switch {
			case errors.Is(err, githubauth.ErrNoToken):
				s.renderError(ctx, w, http.StatusUnauthorized, codeAuthMissing, "github account is not connected")
			case errors.Is(err, githubauth.ErrAuthInvalid):
				s.renderError(ctx, w, http.StatusUnauthorized, codeAuthInvalid, "github credentials are no longer valid")
			default:
				s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
			}
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, userIDKey, id)))
	})
}

// requireOpsAuth gates the queue operator endpoints behind the ops token.
// With no token configured the endpoints are open, for local development.
func (s *Server) requireOpsAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.WebhookOpsToken != "" && bearerToken(r) != s.cfg.WebhookOpsToken {
			s.renderError(r.Context(), w, http.StatusUnauthorized, codeAuthMissing, "missing or invalid operator token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if v, ok := strings.CutPrefix(h, "Bearer "); ok {
		return v
	}
	return ""
}

// oauthConfig builds the OAuth2 exchange config.
func (s *Server) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     s.cfg.GitHubClientID,
		ClientSecret: s.cfg.GitHubClientSecret,
		Scopes:       githubauth.OAuthScopes,
		Endpoint:     oauthgithub.Endpoint,
		RedirectURL:  strings.TrimSuffix(s.cfg.BaseURL, "/") + "/api/github/oauth/callback",
	}
}

// handleOAuthStart redirects to GitHub's consent page with a fresh state
// nonce.
func (s *Server) handleOAuthStart() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := s.oauthStates.issue()
		http.Redirect(w, r, s.oauthConfig().AuthCodeURL(state), http.StatusFound)
	})
}

// handleOAuthCallback exchanges the code, validates granted scopes, persists
// the token and kicks off the initial sync in the background.
func (s *Server) handleOAuthCallback() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logging.FromContext(ctx)

		if errParam := r.URL.Query().Get("error"); errParam != "" {
			s.redirectApp(w, r, url.Values{"error": {errParam}})
			return
		}
		if !s.oauthStates.consume(r.URL.Query().Get("state")) {
			s.redirectApp(w, r, url.Values{"error": {"invalid_state"}})
			return
		}

		token, err := s.oauthConfig().Exchange(ctx, r.URL.Query().Get("code"))
		if err != nil {
			logger.ErrorContext(ctx, "failed to exchange oauth code", "error", err)
			s.redirectApp(w, r, url.Values{"error": {"exchange_failed"}})
			return
		}

		// Identify the user before persisting anything; the scope header on
		// this response tells us whether the grant is usable.
		client := s.githubClient("", token.AccessToken)
		ghUser, meta, err := client.AuthenticatedUser(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "failed to fetch authenticated user", "error", err)
			s.redirectApp(w, r, url.Values{"error": {"user_fetch_failed"}})
			return
		}
		now := time.Now().UTC()
		if missing := githubauth.MissingScopes(meta.OAuthScopes); len(missing) > 0 {
			logger.ErrorContext(ctx, "oauth grant is missing scopes", "missing", missing)
			s.recordMissingScopes(ctx, ghUser, token.AccessToken, missing, now)
			s.redirectApp(w, r, url.Values{"error": {"missing_scopes: " + strings.Join(missing, ",")}})
			return
		}

		id, err := s.applier.ApplyUser(ctx, ghUser, now)
		if err != nil {
			logger.ErrorContext(ctx, "failed to store user", "error", err)
			s.redirectApp(w, r, url.Values{"error": {"store_failed"}})
			return
		}
		if err := s.tokens.SaveToken(ctx, id, token.AccessToken, now); err != nil {
			logger.ErrorContext(ctx, "failed to store token", "error", err)
			s.redirectApp(w, r, url.Values{"error": {"store_failed"}})
			return
		}

		// GitHub appends installation_id when the user came through an App
		// install; remember it so installation tokens can back the user once
		// the OAuth token expires or is revoked.
		result := "connected"
		if installationID := r.URL.Query().Get("installation_id"); installationID != "" {
			if err := s.tokens.SaveInstallationID(ctx, id, installationID, now); err != nil {
				logger.ErrorContext(ctx, "failed to store installation id", "error", err)
			} else {
				result = "installed"
			}
		}

		// The initial sync runs detached from the request; progress is
		// visible through the sync-state rows.
		go func() {
			bgCtx := logging.WithLogger(context.Background(), logger)
			if _, err := s.syncer.InitialSync(bgCtx, id); err != nil {
				logger.ErrorContext(bgCtx, "initial sync failed", "user_id", id, "error", err)
			}
		}()

		http.SetCookie(w, &http.Cookie{
			Name:     userCookie,
			Value:    id,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
		s.redirectApp(w, r, url.Values{"github": {result}})
	})
}

// recordMissingScopes stamps the user's token row auth_invalid with the
// missing-scopes message, so later requests fail fast with the reason instead
// of calling GitHub. Initial sync is skipped entirely for such a grant.
func (s *Server) recordMissingScopes(ctx context.Context, ghUser *github.User, accessToken string, missing []string, now time.Time) {
	logger := logging.FromContext(ctx)

	id, err := s.applier.ApplyUser(ctx, ghUser, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to store user for scope failure", "error", err)
		return
	}
	if err := s.tokens.SaveToken(ctx, id, accessToken, now); err != nil {
		logger.ErrorContext(ctx, "failed to store token for scope failure", "error", err)
		return
	}
	msg := "missing required scopes: " + strings.Join(missing, ", ")
	if err := s.tokens.MarkAuthInvalid(ctx, id, msg); err != nil {
		logger.ErrorContext(ctx, "failed to mark token invalid", "error", err)
	}
}

func (s *Server) redirectApp(w http.ResponseWriter, r *http.Request, q url.Values) {
	http.Redirect(w, r, strings.TrimSuffix(s.cfg.BaseURL, "/")+"/?"+q.Encode(), http.StatusFound)
}

// githubClient builds a client bound to an explicit token (OAuth callback)
// or to the stored token owner.
func (s *Server) githubClient(userID, token string) *githubclient.Client {
	var opts []githubclient.Option
	if s.cfg.GitHubAPIBaseURL != "" {
		opts = append(opts, githubclient.WithBaseURL(s.cfg.GitHubAPIBaseURL))
	}
	return githubclient.New(userID, token, s.limits, s.tokens, opts...)
}

// userClient builds a client for the authenticated request user.
func (s *Server) userClient(ctx context.Context) (*githubclient.Client, error) {
	id := userID(ctx)
	token, err := s.tokens.AccessToken(ctx, id)
	if err != nil {
		return nil, err //nolint:wrapcheck // sentinel errors pass through
	}
	return s.githubClient(id, token), nil
}

// oauthStateStore holds in-flight OAuth state nonces.
type oauthStateStore struct {
	mu     sync.Mutex
	states map[string]time.Time
}

const oauthStateTTL = 10 * time.Minute

func newOAuthStateStore() *oauthStateStore {
	return &oauthStateStore{states: make(map[string]time.Time)}
}

func (o *oauthStateStore) issue() string {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	for s, exp := range o.states {
		if now.After(exp) {
			delete(o.states, s)
		}
	}
	state := uuid.NewString()
	o.states[state] = now.Add(oauthStateTTL)
	return state
}

func (o *oauthStateStore) consume(state string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	exp, ok := o.states[state]
	if !ok {
		return false
	}
	delete(o.states, state)
	return time.Now().Before(exp)
}
