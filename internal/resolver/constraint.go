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

package resolver

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// constraintTerm matches a single "<op><version>" term of a manifest
// dependency constraint, e.g. ">=1.2.0" or "^2.0.0".
var constraintTerm = regexp.MustCompile(`^(\^|~|>=|<=|>|<|=)?\s*(.+)$`)

// ParseConstraint converts a manifest-authored constraint string into a
// ModuleVersionRange. Supported forms, combined with a space:
//
//	"1.2.3"          exact version
//	"^1.2.3"         same major, >= given version
//	">=1.2.3"        at least the given version
//	">=1.2.3 <2.0.0" a bounded range
//
// This mirrors the small constraint language manifests use to declare
// module dependencies, parsed term-by-term with Masterminds/semver/v3
// rather than relying on its general Constraints type, so the result
// can be intersected via Combine.
func ParseConstraint(s string) (ModuleVersionRange, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModuleVersionRange{}, fmt.Errorf("resolver: empty constraint")
	}

	terms := strings.Fields(s)
	var result ModuleVersionRange
	first := true
	for _, term := range terms {
		r, err := parseTerm(term)
		if err != nil {
			return ModuleVersionRange{}, err
		}
		if first {
			result = r
			first = false
			continue
		}
		combined, err := Combine(result, r)
		if err != nil {
			return ModuleVersionRange{}, fmt.Errorf("resolver: constraint %q has no satisfiable range: %w", s, err)
		}
		result = combined
	}

	return result, nil
}

func parseTerm(term string) (ModuleVersionRange, error) {
	m := constraintTerm.FindStringSubmatch(term)
	if m == nil {
		return ModuleVersionRange{}, fmt.Errorf("resolver: malformed constraint term %q", term)
	}
	op, rest := m[1], m[2]

	sv, err := semver.NewVersion(rest)
	if err != nil {
		return ModuleVersionRange{}, fmt.Errorf("resolver: invalid version in constraint %q: %w", term, err)
	}
	v := fromSemver(sv)

	switch op {
	case "", "=":
		return Exact(v), nil
	case ">=":
		return AtLeast(v), nil
	case ">":
		return AtLeast(bumpPatch(v)), nil
	case "<":
		return Range(ModuleVersion{}, v, false), nil
	case "<=":
		return Range(ModuleVersion{}, v, true), nil
	case "~":
		max := ModuleVersion{Major: v.Major, Minor: v.Minor + 1}
		return Range(v, max, false), nil
	case "^":
		var max ModuleVersion
		switch {
		case v.Major > 0:
			max = ModuleVersion{Major: v.Major + 1}
		case v.Minor > 0:
			max = ModuleVersion{Minor: v.Minor + 1}
		default:
			max = ModuleVersion{Revision: v.Revision + 1}
		}
		return Range(v, max, false), nil
	default:
		return ModuleVersionRange{}, fmt.Errorf("resolver: unsupported constraint operator %q", op)
	}
}

func fromSemver(sv *semver.Version) ModuleVersion {
	return ModuleVersion{
		Major:        int(sv.Major()),
		Minor:        int(sv.Minor()),
		Revision:     int(sv.Patch()),
		IsPreRelease: sv.Prerelease() != "",
	}
}

func bumpPatch(v ModuleVersion) ModuleVersion {
	v.Revision++
	return v
}
