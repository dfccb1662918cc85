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

package modules

import (
	"net/url"

	"github.com/getoutreach/modhost/internal/domain"
	"github.com/pkg/errors"
)

// sourceSchemes are the location URI schemes a FileSystemModuleSource
// may point at.
var sourceSchemes = map[string]bool{"file": true, "http": true, "https": true}

// FileSystemModuleSource is the aggregate root for a single named
// location modules can be discovered from. It does not itself fetch or
// unpack anything -- on-disk installation belongs to a supervisor
// process -- it only tracks the location's identity and raises the
// events a supervisor reacts to.
type FileSystemModuleSource struct {
	domain.Root

	name     string
	location string
}

// Event types raised by FileSystemModuleSource's command methods.
type (
	// SourceAdded is raised when a source first becomes known.
	SourceAdded struct {
		SourceID string
		Name     string
		Location string
	}

	// SourceLocationChanged is raised when an existing source's location
	// is repointed.
	SourceLocationChanged struct {
		SourceID         string
		PreviousLocation string
		Location         string
	}

	// SourceRemoved tombstones a FileSystemModuleSource.
	SourceRemoved struct {
		SourceID string
	}
)

func (e SourceAdded) AggregateID() string           { return e.SourceID }
func (e SourceAdded) EventType() string             { return "source.added" }
func (e SourceLocationChanged) AggregateID() string { return e.SourceID }
func (e SourceLocationChanged) EventType() string   { return "source.location_changed" }
func (e SourceRemoved) AggregateID() string         { return e.SourceID }
func (e SourceRemoved) EventType() string           { return "source.removed" }

// validateLocation checks that location parses as a URI with a scheme
// this source model understands.
func validateLocation(location string) error {
	u, err := url.Parse(location)
	if err != nil {
		return errors.Wrapf(err, "modules: invalid source location %q", location)
	}
	if !sourceSchemes[u.Scheme] {
		return errors.Errorf("modules: unsupported source location scheme %q in %q", u.Scheme, location)
	}
	return nil
}

// NewFileSystemModuleSource creates a source aggregate, recording its
// SourceAdded event. id must already be a process-wide unique opaque
// identifier; allocating one is the caller's responsibility.
func NewFileSystemModuleSource(id, name, location string) (*FileSystemModuleSource, error) {
	if err := validateLocation(location); err != nil {
		return nil, err
	}

	s := &FileSystemModuleSource{
		Root:     domain.NewRoot(id),
		name:     name,
		location: location,
	}
	s.Record(SourceAdded{SourceID: id, Name: name, Location: location})
	return s, nil
}

// Name returns the source's display name.
func (s *FileSystemModuleSource) Name() string { return s.name }

// Location returns the source's current location URI.
func (s *FileSystemModuleSource) Location() string { return s.location }

// Relocate repoints the source at a new location, recording
// SourceLocationChanged. A no-op relocation to the same location
// records nothing.
func (s *FileSystemModuleSource) Relocate(location string) error {
	if location == s.location {
		return nil
	}
	if err := validateLocation(location); err != nil {
		return err
	}

	prev := s.location
	s.location = location
	s.Record(SourceLocationChanged{SourceID: s.ID(), PreviousLocation: prev, Location: location})
	return nil
}

// Remove tombstones the source.
func (s *FileSystemModuleSource) Remove() {
	if s.Tombstoned() {
		return
	}
	s.Tombstone(SourceRemoved{SourceID: s.ID()})
}
