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

// Package git implements a resolver.Oracle backed by a git remote: each
// module's releases are its remote's semantically-versioned tags, and
// each release's dependencies are read from a manifest.yaml at that
// tag, fetched with go-git/go-git/v5 rather than a local checkout.
package git

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/getoutreach/modhost/internal/resolver"
	"github.com/go-git/go-billy/v5/memfs"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/pkg/errors"
	giturls "github.com/whilp/git-urls"
)

// Source is a resolver.Oracle over a family of git-hosted modules.
// Remote tag lists are cached for the process lifetime per module.
type Source struct {
	urlPrefix string

	mu   sync.Mutex
	tags map[resolver.ModuleIdentifier][]taggedVersion
}

type taggedVersion struct {
	tag     string
	version resolver.ModuleVersion
}

// New creates a Source. urlPrefix is prepended to a ModuleIdentifier
// that doesn't already look like a URL to build its clone URL
// (defaulting to "https://").
func New(urlPrefix string) *Source {
	if urlPrefix == "" {
		urlPrefix = "https://"
	}
	return &Source{urlPrefix: urlPrefix, tags: map[resolver.ModuleIdentifier][]taggedVersion{}}
}

var _ resolver.Oracle = (*Source)(nil)

// urlFor returns the clone URL for id, handling bare import paths
// vs. explicit URLs (including file:// for local modules), using
// giturls.Parse to detect an already-qualified URL.
func (s *Source) urlFor(id resolver.ModuleIdentifier) string {
	name := string(id)
	if u, err := giturls.Parse(name); err == nil && u.Scheme != "" {
		return name
	}
	return s.urlPrefix + name
}

// listTags lists id's remote's tags, parses each as a semantic
// version, and caches the result.
func (s *Source) listTags(ctx context.Context, id resolver.ModuleIdentifier) ([]taggedVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.tags[id]; ok {
		return cached, nil
	}

	remote := gogit.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{s.urlFor(id)},
	})

	refs, err := remote.List(&gogit.ListOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "sources/git: list tags for %s", id)
	}

	var versions []taggedVersion
	for _, ref := range refs {
		if !ref.Name().IsTag() {
			continue
		}
		tag := ref.Name().Short()
		v, ok := parseTag(tag)
		if !ok {
			// Non-semver tags are not discoverable releases.
			continue
		}
		versions = append(versions, taggedVersion{tag: tag, version: v})
	}

	s.tags[id] = versions
	return versions, nil
}

// MatchingReleases implements resolver.Oracle.
func (s *Source) MatchingReleases(ctx context.Context, dep resolver.ModuleDependency) ([]resolver.ModuleReleaseIdentifier, error) {
	versions, err := s.listTags(ctx, dep.ID)
	if err != nil {
		return nil, err
	}

	var out []resolver.ModuleReleaseIdentifier
	for _, tv := range versions {
		if dep.Range.Matches(tv.version) {
			out = append(out, resolver.ModuleReleaseIdentifier{ID: dep.ID, Version: tv.version})
		}
	}
	return out, nil
}

// DependenciesOf implements resolver.Oracle: it shallow-clones
// release's tag into an in-memory worktree (no on-disk checkout is
// needed just to answer this question) and reads manifest.yaml.
func (s *Source) DependenciesOf(ctx context.Context, release resolver.ModuleReleaseIdentifier) ([]resolver.ModuleDependency, error) {
	tag, err := s.tagFor(ctx, release)
	if err != nil {
		return nil, err
	}

	raw, err := s.readManifest(ctx, release.ID, tag)
	if err != nil {
		return nil, err
	}

	mf, err := decodeManifest(raw)
	if err != nil {
		return nil, err
	}

	deps := make([]resolver.ModuleDependency, 0, len(mf.Dependencies))
	for _, d := range mf.Dependencies {
		rng, err := parseConstraint(d.Constraint)
		if err != nil {
			return nil, errors.Wrapf(err, "sources/git: %s depends on %s", release, d.Name)
		}
		deps = append(deps, resolver.ModuleDependency{ID: resolver.ModuleIdentifier(d.Name), Range: rng})
	}
	return deps, nil
}

func (s *Source) tagFor(ctx context.Context, release resolver.ModuleReleaseIdentifier) (string, error) {
	versions, err := s.listTags(ctx, release.ID)
	if err != nil {
		return "", err
	}
	for _, tv := range versions {
		if tv.version.Equal(release.Version) {
			return tv.tag, nil
		}
	}
	return "", fmt.Errorf("sources/git: no tag found for %s", release)
}

// readManifest clones exactly tag into memory and returns the raw
// bytes of manifest.yaml at its root.
func (s *Source) readManifest(ctx context.Context, id resolver.ModuleIdentifier, tag string) ([]byte, error) {
	fs := memfs.New()
	_, err := gogit.CloneContext(ctx, memory.NewStorage(), fs, &gogit.CloneOptions{
		URL:           s.urlFor(id),
		ReferenceName: plumbing.NewTagReferenceName(tag),
		SingleBranch:  true,
		Depth:         1,
		Tags:          gogit.NoTags,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sources/git: clone %s@%s", id, tag)
	}

	f, err := fs.Open("manifest.yaml")
	if err != nil {
		return nil, errors.Wrapf(err, "sources/git: %s@%s has no manifest.yaml", id, tag)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "sources/git: read manifest.yaml for %s@%s", id, tag)
	}
	return raw, nil
}
