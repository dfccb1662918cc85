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
	"context"

	"github.com/pkg/errors"
)

// Resolve computes the preferred ResolvedInstallationSet for a given
// set of installed modules. It performs a full backtracking search
// over UnresolvedInstallationSet states, collects every viable leaf,
// deduplicates them by exact equality, and returns the most-preferred
// one by the ranking order in sets.go.
func Resolve(ctx context.Context, installed map[ModuleIdentifier]ModuleVersion, oracle Oracle) (*ResolvedInstallationSet, error) {
	start := newUnresolvedInstallationSet()
	for id, v := range installed {
		start.Unresolved[id] = Exact(v)
	}

	s := &search{oracle: oracle, visited: map[uint64]bool{}}
	if err := s.walk(ctx, start); err != nil {
		return nil, err
	}

	leaves := dedupe(s.leaves)
	if len(leaves) == 0 {
		return nil, errors.WithStack(ErrNoViableSet)
	}
	return rankAndSelect(leaves), nil
}

// search carries the accumulated leaves and visited-state memo table
// for a single Resolve call.
type search struct {
	oracle  Oracle
	visited map[uint64]bool
	leaves  []*ResolvedInstallationSet
}

// walk performs one step of the backtracking search: pick an
// unresolved module, ask the oracle for matching releases, and recurse
// into each candidate. Oracle errors propagate; an empty Unresolved set
// yields one leaf; branches that can't be satisfied simply produce no
// leaf, which is not itself an error.
func (s *search) walk(ctx context.Context, state *UnresolvedInstallationSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fp := state.fingerprint()
	if s.visited[fp] {
		// Already explored this exact (resolved, unresolved) pair --
		// memoizing here is what makes dependency cycles terminate
		// instead of recursing forever.
		return nil
	}
	s.visited[fp] = true

	// A state with empty Unresolved produces a leaf.
	m, ok := state.nextModule()
	if !ok {
		s.leaves = append(s.leaves, NewResolvedInstallationSet(state.Resolved))
		return nil
	}

	// If m is already committed in Resolved with a version outside its
	// current constraint, this branch is dead.
	wantRange := state.Unresolved[m]
	if committed, ok := state.Resolved[m]; ok {
		if !wantRange.Matches(committed) {
			return nil
		}
		// Already satisfied by a committed choice: drop it from
		// Unresolved and keep walking without consulting the oracle.
		next := state.clone()
		delete(next.Unresolved, m)
		return s.walk(ctx, next)
	}

	// Ask the oracle for every release matching the constraint.
	candidates, err := s.oracle.MatchingReleases(ctx, ModuleDependency{ID: m, Range: wantRange})
	if err != nil {
		return errors.Wrapf(err, "resolver: matching releases for %s", m)
	}

	for _, release := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}

		next, ok, err := s.tryCandidate(ctx, state, m, release)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.walk(ctx, next); err != nil {
			return err
		}
	}

	return nil
}

// tryCandidate evaluates a single candidate release for module m:
// combine the release's dependencies into the working unresolved set,
// rejecting the branch on any empty intersection or conflict with a
// committed choice.
func (s *search) tryCandidate(
	ctx context.Context, state *UnresolvedInstallationSet, m ModuleIdentifier, release ModuleReleaseIdentifier,
) (*UnresolvedInstallationSet, bool, error) {
	deps, err := s.oracle.DependenciesOf(ctx, release)
	if err != nil {
		return nil, false, errors.Wrapf(err, "resolver: dependencies of %s", release)
	}

	next := state.clone()
	delete(next.Unresolved, m)
	next.Resolved[m] = release.Version

	for _, dep := range deps {
		// A self-dependency whose range contains the release's own
		// version is consumed: nothing further to satisfy.
		if dep.ID == m {
			if !dep.Range.Matches(release.Version) {
				return nil, false, nil
			}
			continue
		}

		if committed, ok := next.Resolved[dep.ID]; ok {
			if !dep.Range.Matches(committed) {
				return nil, false, nil
			}
			continue
		}

		if existing, ok := next.Unresolved[dep.ID]; ok {
			combined, err := Combine(existing, dep.Range)
			if err != nil {
				return nil, false, nil
			}
			next.Unresolved[dep.ID] = combined
			continue
		}

		next.Unresolved[dep.ID] = dep.Range
	}

	return next, true, nil
}

// dedupe removes ResolvedInstallationSet leaves that are exactly equal
// to one another.
func dedupe(leaves []*ResolvedInstallationSet) []*ResolvedInstallationSet {
	out := make([]*ResolvedInstallationSet, 0, len(leaves))
	seen := map[uint64][]*ResolvedInstallationSet{}
	for _, l := range leaves {
		fp := l.fingerprint()
		dup := false
		for _, o := range seen[fp] {
			if l.Equal(o) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen[fp] = append(seen[fp], l)
		out = append(out, l)
	}
	return out
}
