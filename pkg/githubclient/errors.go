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
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/offsync/github-mirror/pkg/ratelimit"
)

// APIError is a non-2xx GitHub response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github responded %d: %s", e.StatusCode, e.Message)
}

// IsAuthError reports whether the error is a 401 or a 403 carrying a
// bad-credentials message. Callers treat these as fatal for the user's token.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	if apiErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return apiErr.StatusCode == http.StatusForbidden &&
		strings.Contains(strings.ToLower(apiErr.Message), "bad credentials")
}

// IsNotFound reports whether the error is a 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether the error is a 409 (e.g. merge conflict).
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsUnprocessable reports whether the error is a 422.
func IsUnprocessable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity
}

// AsRateLimit extracts the rate-limit failure, if any.
func AsRateLimit(err error) (*ratelimit.Error, bool) {
	var rlErr *ratelimit.Error
	if errors.As(err, &rlErr) {
		return rlErr, true
	}
	return nil, false
}

// IsRetryable reports whether the failure is worth another attempt: transport
// errors, GitHub 5xx, and rate limits. Auth failures and other 4xx are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := AsRateLimit(err); ok {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	// Anything that never produced a GitHub response is a transport failure.
	return true
}
