// Copyright 2024 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webhook

import "strings"

const basePriority = 50

// ComputePriority derives a job's dispatch priority from its labels and
// repository path. Higher dispatches first; the result is clamped to
// [0, 100].
func ComputePriority(labels []string, repository string) int {
	p := basePriority

	has := make(map[string]bool, len(labels))
	for _, l := range labels {
		has[strings.ToLower(l)] = true
	}

	if has["production"] || has["deploy"] {
		p += 30
	}
	if has["critical"] {
		p += 20
	}
	if has["hotfix"] {
		p += 10
	}
	if has["large"] || has["xlarge"] {
		p -= 20
	}

	repo := strings.ToLower(repository)
	if strings.Contains(repo, "staging") || strings.Contains(repo, "dev") {
		p -= 10
	}

	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}
