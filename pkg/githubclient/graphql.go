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

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"
)

// Review thread resolution has no REST endpoint; these two mutations are the
// client's only GraphQL surface.

func (c *Client) graphql(ctx context.Context) *githubv4.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.token})
	return githubv4.NewClient(oauth2.NewClient(ctx, src))
}

// ResolveReviewThread marks a review thread resolved.
func (c *Client) ResolveReviewThread(ctx context.Context, threadID string) error {
	var m struct {
		ResolveReviewThread struct {
			Thread struct {
				ID githubv4.ID
			}
		} `graphql:"resolveReviewThread(input: $input)"`
	}
	input := githubv4.ResolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	if err := c.graphql(ctx).Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("failed to resolve review thread %s: %w", threadID, err)
	}
	return nil
}

// UnresolveReviewThread reopens a resolved review thread.
func (c *Client) UnresolveReviewThread(ctx context.Context, threadID string) error {
	var m struct {
		UnresolveReviewThread struct {
			Thread struct {
				ID githubv4.ID
			}
		} `graphql:"unresolveReviewThread(input: $input)"`
	}
	input := githubv4.UnresolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	if err := c.graphql(ctx).Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("failed to unresolve review thread %s: %w", threadID, err)
	}
	return nil
}
