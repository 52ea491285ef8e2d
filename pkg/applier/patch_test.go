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

import "testing"

func TestPatchStats(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		patch         string
		wantAdditions int
		wantDeletions int
	}{
		{
			name: "empty",
		},
		{
			name:          "mixed_hunk",
			patch:         "@@ -1,3 +1,4 @@\n context\n+new line\n-old line\n+another",
			wantAdditions: 2,
			wantDeletions: 1,
		},
		{
			name:          "file_headers_not_counted",
			patch:         "--- a/main.go\n+++ b/main.go\n@@ -1 +1 @@\n-x\n+y",
			wantAdditions: 1,
			wantDeletions: 1,
		},
		{
			name:          "additions_only",
			patch:         "+a\n+b\n+c",
			wantAdditions: 3,
		},
		{
			name:          "deletions_only",
			patch:         "-a\n-b",
			wantDeletions: 2,
		},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			additions, deletions := PatchStats(tc.patch)
			if additions != tc.wantAdditions || deletions != tc.wantDeletions {
				t.Errorf("PatchStats() = %d/%d, want %d/%d",
					additions, deletions, tc.wantAdditions, tc.wantDeletions)
			}
		})
	}
}
