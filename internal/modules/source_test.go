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

package modules_test

import (
	"testing"

	"github.com/getoutreach/modhost/internal/modules"
	"gotest.tools/v3/assert"
)

func TestNewFileSystemModuleSourceRecordsAdded(t *testing.T) {
	s, err := modules.NewFileSystemModuleSource("src-1", "widgets-remote", "https://example.com/widgets")
	assert.NilError(t, err)

	changes := s.Changes()
	assert.Equal(t, len(changes), 1)
	added, ok := changes[0].(modules.SourceAdded)
	assert.Assert(t, ok)
	assert.Equal(t, added.Location, "https://example.com/widgets")
}

func TestNewFileSystemModuleSourceRejectsUnsupportedScheme(t *testing.T) {
	_, err := modules.NewFileSystemModuleSource("src-1", "widgets-remote", "ftp://example.com/widgets")
	assert.Assert(t, err != nil)
}

func TestRelocateRecordsLocationChanged(t *testing.T) {
	s, err := modules.NewFileSystemModuleSource("src-1", "widgets-remote", "file:///tmp/widgets")
	assert.NilError(t, err)
	s.Commit()

	assert.NilError(t, s.Relocate("https://example.com/widgets"))

	assert.Equal(t, s.Location(), "https://example.com/widgets")
	changes := s.Changes()
	assert.Equal(t, len(changes), 1)
	changed, ok := changes[0].(modules.SourceLocationChanged)
	assert.Assert(t, ok)
	assert.Equal(t, changed.PreviousLocation, "file:///tmp/widgets")
}

func TestRelocateToSameLocationIsANoOp(t *testing.T) {
	s, err := modules.NewFileSystemModuleSource("src-1", "widgets-remote", "file:///tmp/widgets")
	assert.NilError(t, err)
	s.Commit()

	assert.NilError(t, s.Relocate("file:///tmp/widgets"))
	assert.Equal(t, len(s.Changes()), 0)
}

func TestRemoveTombstonesSource(t *testing.T) {
	s, err := modules.NewFileSystemModuleSource("src-1", "widgets-remote", "file:///tmp/widgets")
	assert.NilError(t, err)
	s.Commit()

	s.Remove()

	assert.Assert(t, s.Tombstoned())
	changes := s.Changes()
	assert.Equal(t, len(changes), 1)
	_, ok := changes[0].(modules.SourceRemoved)
	assert.Assert(t, ok)
}
