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

	"github.com/abcxyz/pkg/logging"

	"github.com/offsync/github-mirror/pkg/githubauth"
	"github.com/offsync/github-mirror/pkg/githubclient"
)

// Error codes of the JSON error envelope.
const (
	codeAuthMissing   = "auth_missing"
	codeAuthInvalid   = "auth_invalid"
	codeNotFound      = "not_found"
	codeMergeConflict = "merge_conflict"
	codeUnprocessable = "unprocessable"
	codeGitHubError   = "github_error"
	codeInternalError = "internal_error"
)

// errorEnvelope is the JSON error body of every endpoint.
type errorEnvelope struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// renderError writes the envelope for an explicit code.
func (s *Server) renderError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	logging.FromContext(ctx).ErrorContext(ctx, "request failed",
		"code", code,
		"status", status,
		"error", message)
	s.h.RenderJSON(w, status, &errorEnvelope{Error: message, Code: code})
}

// renderGitHubError classifies an error from the sync or mutation path into
// the envelope: auth errors map to 401 auth_invalid, 404 to not_found, 409
// to merge_conflict, 422 to unprocessable, rate limits and remaining GitHub
// responses to github_error, anything else to internal_error.
func (s *Server) renderGitHubError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, githubauth.ErrNoToken):
		s.renderError(ctx, w, http.StatusUnauthorized, codeAuthMissing, "github account is not connected")
	case errors.Is(err, githubauth.ErrAuthInvalid), githubclient.IsAuthError(err):
		s.renderError(ctx, w, http.StatusUnauthorized, codeAuthInvalid, "github credentials are no longer valid")
	case githubclient.IsNotFound(err):
		s.renderError(ctx, w, http.StatusNotFound, codeNotFound, err.Error())
	case githubclient.IsConflict(err):
		s.renderError(ctx, w, http.StatusConflict, codeMergeConflict, err.Error())
	case githubclient.IsUnprocessable(err):
		s.renderError(ctx, w, http.StatusUnprocessableEntity, codeUnprocessable, err.Error())
	default:
		if rl, ok := githubclient.AsRateLimit(err); ok {
			logging.FromContext(ctx).WarnContext(ctx, "request rate limited",
				"retry_after", rl.RetryAfter.String())
			s.h.RenderJSON(w, http.StatusTooManyRequests, &errorEnvelope{
				Error: "github rate limit exhausted",
				Code:  codeGitHubError,
				Details: map[string]any{
					"retryAfterMs": rl.RetryAfter.Milliseconds(),
				},
			})
			return
		}
		var apiErr *githubclient.APIError
		if errors.As(err, &apiErr) {
			s.renderError(ctx, w, http.StatusBadGateway, codeGitHubError, err.Error())
			return
		}
		s.renderError(ctx, w, http.StatusInternalServerError, codeInternalError, err.Error())
	}
}
