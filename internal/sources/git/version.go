// Copyright (C) 2024 modhost contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package git

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/getoutreach/modhost/internal/resolver"
)

// tagVersionPrefix strips anything before the version digits,
// including a leading "v".
var tagVersionPrefix = regexp.MustCompile(`^[^v\d]*v?`)

// parseTag parses a git tag name into a ModuleVersion. Only tags that
// are valid semantic versions are recognized as releases; anything
// else is silently skipped by the caller.
func parseTag(tag string) (resolver.ModuleVersion, bool) {
	cleaned := tagVersionPrefix.ReplaceAllString(tag, "")
	sv, err := semver.NewVersion(cleaned)
	if err != nil {
		return resolver.ModuleVersion{}, false
	}
	return resolver.ModuleVersion{
		Major:        int(sv.Major()),
		Minor:        int(sv.Minor()),
		Revision:     int(sv.Patch()),
		IsPreRelease: sv.Prerelease() != "",
	}, true
}

// parseConstraint translates a manifest dependency's constraint string
// into a ModuleVersionRange. The heavy lifting lives in
// resolver.ParseConstraint; this wrapper only rejects the disjunctive
// ("||") constraint forms a manifest may legally contain under
// Masterminds/semver/v3 syntax but that have no single contiguous
// range to map onto.
func parseConstraint(raw string) (resolver.ModuleVersionRange, error) {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "||") {
		return resolver.ModuleVersionRange{}, fmt.Errorf("sources/git: complex (||) constraints are not supported: %q", raw)
	}

	// Validate the whole string is at least a constraint
	// Masterminds/semver/v3 understands before deriving the resolver's
	// range -- this catches typos the manifest author made early, with a
	// clear error.
	if _, err := semver.NewConstraint(raw); err != nil {
		return resolver.ModuleVersionRange{}, fmt.Errorf("sources/git: invalid constraint %q: %w", raw, err)
	}

	return resolver.ParseConstraint(raw)
}
