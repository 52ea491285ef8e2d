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

package applier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/offsync/github-mirror/pkg/store"
)

// Viewed-file marks are local review state, not mirrored from GitHub. They
// live on the pull request entity so they survive re-syncs of the file list.

const viewedFilesField = "viewedFiles"

// ViewedFiles returns the viewed-file map of a pull request. Never nil.
func (a *Applier) ViewedFiles(ctx context.Context, prEntityID string) (map[string]bool, error) {
	pr, err := a.db.Get(ctx, prEntityID)
	if err != nil {
		return nil, err //nolint:wrapcheck // lookup already annotates
	}
	if pr == nil {
		return nil, fmt.Errorf("pull request %s not found", prEntityID)
	}
	return parseViewedFiles(pr.Data), nil
}

// SetFileViewed marks or unmarks a file as viewed. Unmarking removes the
// entry rather than storing false, so the map only carries positive marks.
func (a *Applier) SetFileViewed(ctx context.Context, prEntityID, filename string, viewed bool, now time.Time) (map[string]bool, error) {
	pr, err := a.db.Get(ctx, prEntityID)
	if err != nil {
		return nil, err //nolint:wrapcheck // lookup already annotates
	}
	if pr == nil {
		return nil, fmt.Errorf("pull request %s not found", prEntityID)
	}

	m := parseViewedFiles(pr.Data)
	if viewed {
		m[filename] = true
	} else {
		delete(m, filename)
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize viewed files: %w", err)
	}
	pr.Data[viewedFilesField] = string(b)
	pr.UpdatedAt = now
	if err := a.db.Transact(ctx, []store.Op{store.UpsertOp{Entity: pr}}); err != nil {
		return nil, fmt.Errorf("failed to save viewed files: %w", err)
	}
	return m, nil
}

func parseViewedFiles(data map[string]any) map[string]bool {
	m := make(map[string]bool)
	raw, ok := data[viewedFilesField].(string)
	if !ok || raw == "" {
		return m
	}
	// Corrupt state degrades to an empty map instead of blocking the PR.
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}
