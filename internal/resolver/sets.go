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
	"sort"

	"github.com/getoutreach/modhost/internal/slicesext"
	"github.com/mitchellh/hashstructure/v2"
)

// UnresolvedInstallationSet is the backtracking algorithm's working
// state: modules already committed to a version (resolved) and
// modules still needing one, along with the constraint they must
// satisfy (unresolved). The two domains are always disjoint.
type UnresolvedInstallationSet struct {
	Resolved   map[ModuleIdentifier]ModuleVersion
	Unresolved map[ModuleIdentifier]ModuleVersionRange
}

func newUnresolvedInstallationSet() *UnresolvedInstallationSet {
	return &UnresolvedInstallationSet{
		Resolved:   map[ModuleIdentifier]ModuleVersion{},
		Unresolved: map[ModuleIdentifier]ModuleVersionRange{},
	}
}

func (s *UnresolvedInstallationSet) clone() *UnresolvedInstallationSet {
	out := &UnresolvedInstallationSet{
		Resolved:   make(map[ModuleIdentifier]ModuleVersion, len(s.Resolved)),
		Unresolved: make(map[ModuleIdentifier]ModuleVersionRange, len(s.Unresolved)),
	}
	for k, v := range s.Resolved {
		out.Resolved[k] = v
	}
	for k, v := range s.Unresolved {
		out.Unresolved[k] = v
	}
	return out
}

// nextModule picks the next module to resolve from Unresolved. The
// choice must only be deterministic for a given state, not stable
// across unrelated states; we pick the lexicographically smallest
// ModuleIdentifier, which is simple to seed in tests.
func (s *UnresolvedInstallationSet) nextModule() (ModuleIdentifier, bool) {
	if len(s.Unresolved) == 0 {
		return "", false
	}
	return slicesext.SortedKeys(s.Unresolved)[0], true
}

// fingerprint returns a cheap hash of the full state, used to memoize
// visited (resolved, unresolved) pairs and short-circuit cycles.
func (s *UnresolvedInstallationSet) fingerprint() uint64 {
	h1, _ := hashstructure.Hash(s.Resolved, hashstructure.FormatV2, nil)
	h2, _ := hashstructure.Hash(s.Unresolved, hashstructure.FormatV2, nil)
	return h1*31 + h2
}

// ResolvedInstallationSet is an immutable ModuleIdentifier -> ModuleVersion
// mapping: a leaf of the backtracking search, and the public result of
// dependency resolution.
type ResolvedInstallationSet struct {
	modules map[ModuleIdentifier]ModuleVersion
}

// NewResolvedInstallationSet builds a ResolvedInstallationSet from a
// plain map, copying it so the result is safe to treat as immutable.
func NewResolvedInstallationSet(modules map[ModuleIdentifier]ModuleVersion) *ResolvedInstallationSet {
	cp := make(map[ModuleIdentifier]ModuleVersion, len(modules))
	for k, v := range modules {
		cp[k] = v
	}
	return &ResolvedInstallationSet{modules: cp}
}

// Version returns the version chosen for id, and whether id is part of
// this set at all.
func (s *ResolvedInstallationSet) Version(id ModuleIdentifier) (ModuleVersion, bool) {
	v, ok := s.modules[id]
	return v, ok
}

// Modules returns the set of module identifiers in this installation
// set.
func (s *ResolvedInstallationSet) Modules() []ModuleIdentifier {
	return slicesext.SortedKeys(s.modules)
}

// Len returns the number of modules in this set.
func (s *ResolvedInstallationSet) Len() int {
	return len(s.modules)
}

// ToMap returns a copy of the set's module -> version mapping, for
// callers that need a serializable form (e.g. to carry the set inside
// a broadcast domain event).
func (s *ResolvedInstallationSet) ToMap() map[ModuleIdentifier]ModuleVersion {
	out := make(map[ModuleIdentifier]ModuleVersion, len(s.modules))
	for k, v := range s.modules {
		out[k] = v
	}
	return out
}

// Equal reports whether s and other map every module to the exact same
// version. This is the dedup criterion used to collapse duplicate
// leaves: leaves are deduplicated by exact equality.
func (s *ResolvedInstallationSet) Equal(other *ResolvedInstallationSet) bool {
	if len(s.modules) != len(other.modules) {
		return false
	}
	for id, v := range s.modules {
		ov, ok := other.modules[id]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// fingerprint is used to dedupe ResolvedInstallationSet leaves cheaply
// before falling back to Equal for confirmation.
func (s *ResolvedInstallationSet) fingerprint() uint64 {
	h, _ := hashstructure.Hash(s.modules, hashstructure.FormatV2, nil)
	return h
}

func (s *ResolvedInstallationSet) String() string {
	out := "{"
	for i, id := range s.Modules() {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s=%s", id, s.modules[id])
	}
	return out + "}"
}

// rankLess orders two candidate installation sets: for every module
// shared between a and b, sum sign(cmp(a[m], b[m])). A negative sum --
// meaning a's shared choices skew newer than b's -- ranks a ahead of
// b; ties fall back to preferring the smaller set (fewer transitive
// modules).
func rankLess(a, b *ResolvedInstallationSet) bool {
	sum := 0
	for m, va := range a.modules {
		vb, ok := b.modules[m]
		if !ok {
			continue
		}
		sum -= va.Compare(vb)
	}
	if sum != 0 {
		return sum < 0
	}
	return len(a.modules) < len(b.modules)
}

// rankAndSelect sorts leaves most-preferred-first and returns the
// minimum (most preferred) one.
func rankAndSelect(leaves []*ResolvedInstallationSet) *ResolvedInstallationSet {
	sort.SliceStable(leaves, func(i, j int) bool { return rankLess(leaves[i], leaves[j]) })
	return leaves[0]
}
