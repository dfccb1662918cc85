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

// Package modules implements the Module lifecycle model: the Module
// and ModuleRelease aggregates and the events raised as modules are
// discovered, installed, updated, and uninstalled. Fetching, rendering,
// and on-disk installation stay external collaborators; this package
// only tracks identity, known releases, and installed state.
package modules

import (
	"fmt"

	"github.com/getoutreach/modhost/internal/domain"
	"github.com/getoutreach/modhost/internal/resolver"
	"github.com/getoutreach/modhost/internal/slicesext"
	"github.com/pkg/errors"
)

// SourceRef is an opaque identifier for a FileSystemModuleSource that
// a release can be obtained from.
type SourceRef string

// ModuleRelease is a single versioned release owned by a Module. A
// release always has at least one source; emptying its source set
// removes it from the owning Module.
type ModuleRelease struct {
	Metadata resolver.Metadata
	sources  map[SourceRef]struct{}
}

// Sources returns the set of sources this release is known to be
// available from.
func (r *ModuleRelease) Sources() []SourceRef {
	return slicesext.Keys(r.sources)
}

// Module is the aggregate root for a single module identity: its
// known releases and, if any, the version currently installed.
//
// Invariants: at least one release while the aggregate is alive;
// InstalledVersion, if set, is a key of Releases.
type Module struct {
	domain.Root

	id        resolver.ModuleIdentifier
	releases  map[resolver.ModuleVersion]domain.Ref
	arena     domain.Arena[ModuleRelease]
	installed *resolver.ModuleVersion
}

// Event types raised by Module's command methods.
type (
	// ReleaseAdded is raised when a new release becomes known.
	ReleaseAdded struct {
		ModuleID resolver.ModuleIdentifier
		Version  resolver.ModuleVersion
		Source   SourceRef
	}

	// ReleaseRemoved is raised when a release's last source is removed.
	ReleaseRemoved struct {
		ModuleID resolver.ModuleIdentifier
		Version  resolver.ModuleVersion
	}

	// ModuleInstalled is raised the first time a module is installed.
	ModuleInstalled struct {
		ModuleID resolver.ModuleIdentifier
		Version  resolver.ModuleVersion
	}

	// ModuleVersionChanged is raised when an already-installed module
	// moves to a different installed version.
	ModuleVersionChanged struct {
		ModuleID        resolver.ModuleIdentifier
		PreviousVersion resolver.ModuleVersion
		Version         resolver.ModuleVersion
	}

	// ModuleUninstalled is raised when a module is uninstalled. It does
	// not imply the Module aggregate itself is gone -- its releases are
	// still known, just not installed.
	ModuleUninstalled struct {
		ModuleID        resolver.ModuleIdentifier
		PreviousVersion resolver.ModuleVersion
	}

	// ModuleRemoved tombstones the Module aggregate entirely, raised
	// when its last release is removed.
	ModuleRemoved struct {
		ModuleID resolver.ModuleIdentifier
	}
)

func (e ReleaseAdded) AggregateID() string         { return string(e.ModuleID) }
func (e ReleaseAdded) EventType() string           { return "module.release_added" }
func (e ReleaseRemoved) AggregateID() string       { return string(e.ModuleID) }
func (e ReleaseRemoved) EventType() string         { return "module.release_removed" }
func (e ModuleInstalled) AggregateID() string      { return string(e.ModuleID) }
func (e ModuleInstalled) EventType() string        { return "module.installed" }
func (e ModuleVersionChanged) AggregateID() string { return string(e.ModuleID) }
func (e ModuleVersionChanged) EventType() string   { return "module.version_changed" }
func (e ModuleUninstalled) AggregateID() string    { return string(e.ModuleID) }
func (e ModuleUninstalled) EventType() string      { return "module.uninstalled" }
func (e ModuleRemoved) AggregateID() string        { return string(e.ModuleID) }
func (e ModuleRemoved) EventType() string          { return "module.removed" }

// NewModule creates a Module aggregate for id with one initial
// release. A Module cannot exist with zero releases, so construction
// always takes the first one.
func NewModule(id resolver.ModuleIdentifier, meta resolver.Metadata, source SourceRef) *Module {
	m := &Module{
		Root:     domain.NewRoot(string(id)),
		id:       id,
		releases: map[resolver.ModuleVersion]domain.Ref{},
	}
	m.addRelease(meta, source)
	return m
}

// ID returns the module's identifier.
func (m *Module) ID() resolver.ModuleIdentifier { return m.id }

// moduleSnapshot is the serializable form of a Module's current state,
// used by Snapshot/Restore (domain.Snapshotter) to avoid replaying a
// long event history for a Module that has accumulated many releases
// over its lifetime.
type moduleSnapshot struct {
	ID        resolver.ModuleIdentifier
	Releases  []releaseSnapshot
	Installed *resolver.ModuleVersion
	Version   int
}

type releaseSnapshot struct {
	Metadata resolver.Metadata
	Sources  []SourceRef
}

var _ domain.Snapshotter = (*Module)(nil)

// Snapshot captures m's current state -- known releases, their
// sources, and the installed version -- without the event history that
// produced it.
func (m *Module) Snapshot() (any, error) {
	snap := moduleSnapshot{
		ID:        m.id,
		Installed: m.installed,
		Version:   m.Version(),
	}
	for _, ref := range m.releases {
		rel := m.arena.Get(ref)
		snap.Releases = append(snap.Releases, releaseSnapshot{
			Metadata: rel.Metadata,
			Sources:  rel.Sources(),
		})
	}
	return snap, nil
}

// Restore replaces m's state with what was captured by a prior
// Snapshot call. It does not record any events: restoring a snapshot is
// not itself a domain occurrence.
func (m *Module) Restore(data any) error {
	snap, ok := data.(moduleSnapshot)
	if !ok {
		return errors.Errorf("modules: Restore given %T, want moduleSnapshot", data)
	}

	m.id = snap.ID
	m.installed = snap.Installed
	m.releases = make(map[resolver.ModuleVersion]domain.Ref, len(snap.Releases))
	m.arena = domain.Arena[ModuleRelease]{}

	for _, rs := range snap.Releases {
		sources := make(map[SourceRef]struct{}, len(rs.Sources))
		for _, s := range rs.Sources {
			sources[s] = struct{}{}
		}
		ref := m.arena.Add(ModuleRelease{Metadata: rs.Metadata, sources: sources})
		m.releases[rs.Metadata.Version] = ref
	}

	m.Root = domain.NewRootAt(string(snap.ID), snap.Version)
	return nil
}

// InstalledVersion returns the currently installed version, if any.
func (m *Module) InstalledVersion() (resolver.ModuleVersion, bool) {
	if m.installed == nil {
		return resolver.ModuleVersion{}, false
	}
	return *m.installed, true
}

// Release returns the release at version, if known.
func (m *Module) Release(version resolver.ModuleVersion) (*ModuleRelease, bool) {
	ref, ok := m.releases[version]
	if !ok {
		return nil, false
	}
	return m.arena.Get(ref), true
}

// Releases returns every known version of this module.
func (m *Module) Releases() []resolver.ModuleVersion {
	return slicesext.Keys(m.releases)
}

// AddRelease registers a new source for version, creating the release
// if this is the first time it's been seen.
func (m *Module) AddRelease(meta resolver.Metadata, source SourceRef) {
	if ref, ok := m.releases[meta.Version]; ok {
		rel := m.arena.Get(ref)
		rel.sources[source] = struct{}{}
		m.Record(ReleaseAdded{ModuleID: m.id, Version: meta.Version, Source: source})
		return
	}
	m.addRelease(meta, source)
}

func (m *Module) addRelease(meta resolver.Metadata, source SourceRef) {
	ref := m.arena.Add(ModuleRelease{Metadata: meta, sources: map[SourceRef]struct{}{source: {}}})
	m.releases[meta.Version] = ref
	m.Record(ReleaseAdded{ModuleID: m.id, Version: meta.Version, Source: source})
}

// RemoveSource removes source from version's release. If that empties
// the release's source set, the release is removed from the module,
// uninstalling it first if it is the installed version. If that was
// the module's last release, the Module aggregate itself is
// tombstoned.
func (m *Module) RemoveSource(version resolver.ModuleVersion, source SourceRef) error {
	ref, ok := m.releases[version]
	if !ok {
		return errors.Errorf("modules: module %s has no release %s", m.id, version)
	}

	rel := m.arena.Get(ref)
	delete(rel.sources, source)
	if len(rel.sources) > 0 {
		return nil
	}

	if m.installed != nil && m.installed.Equal(version) {
		prev := *m.installed
		m.installed = nil
		m.Record(ModuleUninstalled{ModuleID: m.id, PreviousVersion: prev})
	}

	delete(m.releases, version)
	m.arena.Remove(ref)
	m.Record(ReleaseRemoved{ModuleID: m.id, Version: version})

	if len(m.releases) == 0 {
		m.Tombstone(ModuleRemoved{ModuleID: m.id})
	}
	return nil
}

// Install marks version as installed. version must already be a known
// release: InstalledVersion, if present, is always a key in Releases.
func (m *Module) Install(version resolver.ModuleVersion) error {
	if _, ok := m.releases[version]; !ok {
		return errors.Errorf("modules: cannot install unknown release %s@%s", m.id, version)
	}

	switch {
	case m.installed == nil:
		m.installed = &version
		m.Record(ModuleInstalled{ModuleID: m.id, Version: version})
	case m.installed.Equal(version):
		// no-op, already installed at this version
	default:
		prev := *m.installed
		m.installed = &version
		m.Record(ModuleVersionChanged{ModuleID: m.id, PreviousVersion: prev, Version: version})
	}
	return nil
}

// Uninstall clears the installed version, if any.
func (m *Module) Uninstall() error {
	if m.installed == nil {
		return fmt.Errorf("modules: %s is not installed", m.id)
	}
	prev := *m.installed
	m.installed = nil
	m.Record(ModuleUninstalled{ModuleID: m.id, PreviousVersion: prev})
	return nil
}
