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

// Package resolver implements installation-set planning: given a set
// of installed modules and an oracle that knows what releases and
// dependencies exist, compute a consistent, ranked ResolvedInstallationSet.
//
// The version-range logic below builds Masterminds/semver/v3-backed
// constraint checking into a combine() operation so that
// constraints accumulated along independent branches of the search
// can be intersected rather than just matched one at a time.
package resolver

import "fmt"

// ModuleIdentifier is a case-sensitive, process-wide unique module
// name.
type ModuleIdentifier string

// ModuleVersion is (major, minor, revision, isPreRelease), totally
// ordered lexicographically on (major, minor, revision) with release
// versions ranking strictly above a pre-release of the same
// (major, minor, revision).
type ModuleVersion struct {
	Major, Minor, Revision int
	IsPreRelease           bool
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other.
func (v ModuleVersion) Compare(other ModuleVersion) int {
	if c := compareInt(v.Major, other.Major); c != 0 {
		return c
	}
	if c := compareInt(v.Minor, other.Minor); c != 0 {
		return c
	}
	if c := compareInt(v.Revision, other.Revision); c != 0 {
		return c
	}
	// Same (major,minor,revision): a release ranks above a pre-release.
	switch {
	case v.IsPreRelease == other.IsPreRelease:
		return 0
	case v.IsPreRelease:
		return -1
	default:
		return 1
	}
}

// Less reports whether v sorts before other.
func (v ModuleVersion) Less(other ModuleVersion) bool {
	return v.Compare(other) < 0
}

// Equal reports whether v and other are the same version.
func (v ModuleVersion) Equal(other ModuleVersion) bool {
	return v.Compare(other) == 0
}

// String renders the version in dotted-triple form, with a "-pre"
// suffix for pre-releases.
func (v ModuleVersion) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Revision)
	if v.IsPreRelease {
		s += "-pre"
	}
	return s
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ModuleReleaseIdentifier uniquely identifies a release: the pair
// (ModuleIdentifier, ModuleVersion).
type ModuleReleaseIdentifier struct {
	ID      ModuleIdentifier
	Version ModuleVersion
}

func (r ModuleReleaseIdentifier) String() string {
	return fmt.Sprintf("%s@%s", r.ID, r.Version)
}

// ModuleDependency is a dependency edge: a module identifier paired
// with the version range the dependent requires.
type ModuleDependency struct {
	ID    ModuleIdentifier
	Range ModuleVersionRange
}
