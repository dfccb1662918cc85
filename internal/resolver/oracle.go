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

import "context"

// Oracle is the external collaborator the resolver consults: something
// that knows what releases exist for a module and what each release
// depends on. Concrete adapters (e.g. internal/sources/git.Source)
// implement this against a real module source; tests implement it
// in-memory.
type Oracle interface {
	// MatchingReleases returns every release of dep.ID whose version
	// satisfies dep.Range.
	MatchingReleases(ctx context.Context, dep ModuleDependency) ([]ModuleReleaseIdentifier, error)

	// DependenciesOf returns the dependencies declared by a specific
	// release.
	DependenciesOf(ctx context.Context, release ModuleReleaseIdentifier) ([]ModuleDependency, error)
}

// Metadata is the consumed shape of a release's descriptive
// information. Only the fields the resolver and its adapters need are
// modeled here; richer descriptive fields are carried by whatever
// concrete adapter loads the metadata (see internal/sources/git.Metadata).
type Metadata struct {
	ID           ModuleIdentifier
	Version      ModuleVersion
	Dependencies []ModuleDependency
	Author       string
	Description  string
}
