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

package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/githubclient"
	"github.com/offsync/github-mirror/pkg/syncstate"
)

// Initial sync phase names, in execution order.
const (
	PhaseOrganizations = "organizations"
	PhaseRepositories  = "repositories"
	PhaseWebhooks      = "webhooks"
	PhaseOpenPulls     = "openPullRequests"
	PhaseCompleted     = "completed"
)

// InitialProgress is the JSON progress record kept on the initial-sync state
// row while the sync runs.
type InitialProgress struct {
	Phase           string   `json:"phase"`
	CompletedPhases []string `json:"completedPhases"`
	ReposTotal      int      `json:"reposTotal,omitempty"`
	ReposSynced     int      `json:"reposSynced,omitempty"`
	Error           string   `json:"error,omitempty"`
}

// InitialSync walks the four bootstrap phases in order: organizations,
// repositories, webhook registration, then open pull requests per
// repository. A phase failure is recorded on that phase's own sync-state and
// the run continues with the later phases; only an auth failure aborts,
// since it poisons everything downstream. A run whose phases all succeed
// settles the initial-sync row in completed; re-running resumes cheaply
// because every list fetch carries its stored ETag. Returns false when an
// initial sync is already running.
func (s *Syncer) InitialSync(ctx context.Context, userID string) (bool, error) {
	logger := logging.FromContext(ctx)

	started, err := s.states.Begin(ctx, userID, syncstate.ResourceInitialSync, "")
	if err != nil {
		return false, err //nolint:wrapcheck // state write already annotates
	}
	if !started {
		logger.InfoContext(ctx, "initial sync already running", "user_id", userID)
		return false, nil
	}

	err = s.runInitialPhases(ctx, userID)
	if err != nil {
		if githubclient.IsAuthError(err) {
			_ = s.states.FailAuth(ctx, userID, syncstate.ResourceInitialSync, "", err.Error())
		} else {
			_ = s.states.Fail(ctx, userID, syncstate.ResourceInitialSync, "", err.Error(), s.limits.Snapshot())
		}
		return true, err
	}

	if err := s.states.Complete(ctx, userID, syncstate.ResourceInitialSync, "", s.limits.Snapshot()); err != nil {
		return true, err //nolint:wrapcheck // state write already annotates
	}
	logger.InfoContext(ctx, "initial sync completed", "user_id", userID)
	return true, nil
}

func (s *Syncer) runInitialPhases(ctx context.Context, userID string) error {
	logger := logging.FromContext(ctx)
	progress := &InitialProgress{}
	var merr error

	setPhase := func(phase string) {
		if progress.Phase != "" {
			progress.CompletedPhases = append(progress.CompletedPhases, progress.Phase)
		}
		progress.Phase = phase
		s.saveInitialProgress(ctx, userID, progress)
	}

	// A failing phase has already recorded the error on its own sync-state;
	// the run keeps going so one broken resource does not hold the rest of
	// the bootstrap hostage. Auth failures abort: every later call would
	// fail the same way.
	phaseFailed := func(phase string, err error) error {
		if githubclient.IsAuthError(err) {
			return fmt.Errorf("%s phase: %w", phase, err)
		}
		logger.WarnContext(ctx, "initial sync phase failed",
			"phase", phase,
			"error", err)
		progress.Error = err.Error()
		merr = errors.Join(merr, fmt.Errorf("%s phase: %w", phase, err))
		return nil
	}

	setPhase(PhaseOrganizations)
	if err := s.SyncOrganizations(ctx, userID); err != nil {
		if aerr := phaseFailed(PhaseOrganizations, err); aerr != nil {
			return aerr
		}
	}

	setPhase(PhaseRepositories)
	repoIDs, err := s.SyncRepositories(ctx, userID)
	if err != nil {
		if aerr := phaseFailed(PhaseRepositories, err); aerr != nil {
			return aerr
		}
	}
	progress.ReposTotal = len(repoIDs)
	s.saveInitialProgress(ctx, userID, progress)

	// Webhook registration is best-effort per repository; per-repo outcomes
	// land on the repository entities and never abort the sync.
	setPhase(PhaseWebhooks)
	if err := s.RegisterAllWebhooks(ctx, userID, repoIDs); err != nil {
		if aerr := phaseFailed(PhaseWebhooks, err); aerr != nil {
			return aerr
		}
	}

	setPhase(PhaseOpenPulls)
	for _, repoID := range repoIDs {
		if err := s.SyncRepoPulls(ctx, userID, repoID, "open"); err != nil {
			if aerr := phaseFailed(PhaseOpenPulls, err); aerr != nil {
				return aerr
			}
			continue
		}
		progress.ReposSynced++
		s.saveInitialProgress(ctx, userID, progress)
	}

	setPhase(PhaseCompleted)
	return merr
}

// saveInitialProgress is advisory; a failed write never fails the sync.
func (s *Syncer) saveInitialProgress(ctx context.Context, userID string, p *InitialProgress) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.states.SetProgress(ctx, userID, syncstate.ResourceInitialSync, "", string(b)); err != nil {
		logging.FromContext(ctx).WarnContext(ctx, "failed to save initial sync progress",
			"user_id", userID,
			"error", err)
	}
}
