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

// Package server wires the mirror together and exposes its HTTP surface:
// webhook ingress, OAuth connection, sync triggers, GitHub mutations and the
// operator endpoints for the webhook queue.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/abcxyz/pkg/healthcheck"
	"github.com/abcxyz/pkg/logging"
	"github.com/abcxyz/pkg/renderer"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/offsync/github-mirror/pkg/applier"
	"github.com/offsync/github-mirror/pkg/dispatch"
	"github.com/offsync/github-mirror/pkg/githubauth"
	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/queue"
	"github.com/offsync/github-mirror/pkg/ratelimit"
	"github.com/offsync/github-mirror/pkg/store"
	"github.com/offsync/github-mirror/pkg/syncer"
	"github.com/offsync/github-mirror/pkg/syncstate"
	"github.com/offsync/github-mirror/pkg/version"
	"github.com/offsync/github-mirror/pkg/webhook"
)

// Server provides the mirror server implementation.
type Server struct {
	cfg *Config
	h   *renderer.Renderer

	db       *store.DB
	applier  *applier.Applier
	states   *syncstate.Manager
	tokens   *githubauth.TokenStore
	limits   *ratelimit.Tracker
	syncer   *syncer.Syncer
	receiver *webhook.Receiver
	worker   *queue.Worker
	cleaner  *queue.Cleaner

	oauthStates *oauthStateStore
}

// NewServer opens the store and builds every component of the mirror.
func NewServer(ctx context.Context, cfg *Config, h *renderer.Renderer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	ap := applier.New(db)
	states := syncstate.New(db)
	tokens := githubauth.NewTokenStore(db)
	if cfg.GitHubAppID != "" && cfg.GitHubAppPrivateKey != "" {
		var minterOpts []githubauth.MinterOption
		if cfg.GitHubAPIBaseURL != "" {
			minterOpts = append(minterOpts, githubauth.WithAPIBaseURL(cfg.GitHubAPIBaseURL))
		}
		minter, err := githubauth.NewAppTokenMinter(cfg.GitHubAppID, cfg.GitHubAppPrivateKey, minterOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to configure github app: %w", err)
		}
		tokens.UseAppMinter(minter)
	}
	limits := ratelimit.New()

	var clientOpts []githubclient.Option
	if cfg.GitHubAPIBaseURL != "" {
		clientOpts = append(clientOpts, githubclient.WithBaseURL(cfg.GitHubAPIBaseURL))
	}

	sync := syncer.New(db, ap, states, tokens, limits, &syncer.Options{
		WebhookBaseURL:     cfg.BaseURL,
		WebhookSecret:      cfg.GitHubWebhookSecret,
		AllowLocalWebhooks: cfg.AllowLocalWebhookRegistration,
		ClientOpts:         clientOpts,
	})

	dispatcher := dispatch.New(db, ap)

	return &Server{
		cfg:         cfg,
		h:           h,
		db:          db,
		applier:     ap,
		states:      states,
		tokens:      tokens,
		limits:      limits,
		syncer:      sync,
		receiver:    webhook.NewReceiver(db, h, cfg.GitHubWebhookSecret),
		worker:      queue.NewWorker(db, dispatcher),
		cleaner:     queue.NewCleaner(db, cfg.QueueProcessedRetention, cfg.QueueDeadRetention),
		oauthStates: newOAuthStateStore(),
	}, nil
}

// Routes builds the route table. Literal paths register before the
// owner/repo patterns so "webhooks" or "reset" never match as a repo name.
func (s *Server) Routes(ctx context.Context) http.Handler {
	logger := logging.FromContext(ctx)
	r := mux.NewRouter()

	r.Handle("/healthz", healthcheck.HandleHTTPHealthCheck())
	r.Handle("/version", s.handleVersion()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/github").Subrouter()

	api.Handle("/webhook", s.receiver.HandleReceive()).Methods(http.MethodPost)

	api.Handle("/oauth/", s.handleOAuthStart()).Methods(http.MethodGet)
	api.Handle("/oauth/callback", s.handleOAuthCallback()).Methods(http.MethodGet)

	api.Handle("/rate-limit", s.requireUser(s.handleRateLimit())).Methods(http.MethodGet)
	api.Handle("/webhook-health", s.requireOpsAuth(s.handleWebhookHealth())).Methods(http.MethodGet)
	api.Handle("/webhook-queue", s.requireOpsAuth(s.handleWebhookQueueList())).Methods(http.MethodGet)
	api.Handle("/webhook-queue", s.requireOpsAuth(s.handleWebhookQueueAction())).Methods(http.MethodPost)

	sync := api.PathPrefix("/sync").Subrouter()
	sync.Handle("/overview", s.requireUser(s.handleSyncOverview())).Methods(http.MethodPost)
	sync.Handle("/webhooks", s.requireUser(s.handleSyncWebhooks())).Methods(http.MethodPost)
	sync.Handle("/add-repo", s.requireUser(s.handleAddRepo())).Methods(http.MethodPost)
	sync.Handle("/reset", s.requireUser(s.handleSyncReset())).Methods(http.MethodPost)
	sync.Handle("/reset", s.requireUser(s.handleSyncDisconnect())).Methods(http.MethodDelete)
	sync.Handle("/retry", s.requireUser(s.handleSyncRetry())).Methods(http.MethodPost)
	sync.Handle("/{owner}/{repo}", s.requireUser(s.handleSyncRepoPulls())).Methods(http.MethodPost)
	sync.Handle("/{owner}/{repo}/pull/{number:[0-9]+}", s.requireUser(s.handleSyncPullDetail())).Methods(http.MethodPost)
	sync.Handle("/{owner}/{repo}/issue/{number:[0-9]+}", s.requireUser(s.handleSyncIssue())).Methods(http.MethodPost)
	sync.Handle("/{owner}/{repo}/tree", s.requireUser(s.handleSyncTree())).Methods(http.MethodPost)
	sync.Handle("/{owner}/{repo}/commits", s.requireUser(s.handleSyncCommits())).Methods(http.MethodPost)

	pulls := api.PathPrefix("/pulls/{owner}/{repo}/{number:[0-9]+}").Subrouter()
	pulls.Handle("/merge", s.requireUser(s.handleMergePull())).Methods(http.MethodPost)
	pulls.Handle("", s.requireUser(s.handleUpdatePull())).Methods(http.MethodPatch)
	pulls.Handle("/comments", s.requireUser(s.handleCreateComment())).Methods(http.MethodPost)
	pulls.Handle("/reviews", s.requireUser(s.handleCreateReview())).Methods(http.MethodPost)
	pulls.Handle("/reviews/{reviewId:[0-9]+}/submit", s.requireUser(s.handleSubmitReview())).Methods(http.MethodPost)
	pulls.Handle("/reviews/{reviewId:[0-9]+}", s.requireUser(s.handleDeletePendingReview())).Methods(http.MethodDelete)
	pulls.Handle("/review-comments", s.requireUser(s.handleCreateReviewComment())).Methods(http.MethodPost)
	pulls.Handle("/request-reviewers", s.requireUser(s.handleRequestReviewers())).Methods(http.MethodPost)
	pulls.Handle("/viewed-files", s.requireUser(s.handleSetFileViewed())).Methods(http.MethodPost)

	api.Handle("/comments/{owner}/{repo}/{commentId:[0-9]+}", s.requireUser(s.handleUpdateComment())).Methods(http.MethodPatch)
	api.Handle("/comments/{owner}/{repo}/{commentId:[0-9]+}", s.requireUser(s.handleDeleteComment())).Methods(http.MethodDelete)
	api.Handle("/threads/{threadId}/resolve", s.requireUser(s.handleResolveThread(true))).Methods(http.MethodPost)
	api.Handle("/threads/{threadId}/unresolve", s.requireUser(s.handleResolveThread(false))).Methods(http.MethodPost)
	api.Handle("/branches/{owner}/{repo}/{branch}", s.requireUser(s.handleDeleteBranch())).Methods(http.MethodDelete)
	api.Handle("/branches/{owner}/{repo}/{branch}/restore", s.requireUser(s.handleRestoreBranch())).Methods(http.MethodPost)

	return logging.HTTPInterceptor(logger, "")(r)
}

// RunBackground starts the queue workers, the cleanup task and the stale
// sync-state recovery pass, returning when the context is canceled.
func (s *Server) RunBackground(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	recovered, err := s.states.RecoverStale(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to recover stale sync states", "error", err)
	} else if recovered > 0 {
		logger.WarnContext(ctx, "recovered stale sync states", "count", recovered)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.QueueWorkers; i++ {
		worker := s.worker
		if i > 0 {
			worker = queue.NewWorker(s.db, dispatch.New(s.db, s.applier))
		}
		g.Go(func() error { return worker.Run(gctx) })
	}
	g.Go(func() error { return s.cleaner.Run(gctx) })
	return g.Wait() //nolint:wrapcheck // workers return nil on cancellation
}

// Close releases the store.
func (s *Server) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (s *Server) handleVersion() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.h.RenderJSON(w, http.StatusOK, map[string]string{
			"version": version.HumanVersion,
		})
	})
}
