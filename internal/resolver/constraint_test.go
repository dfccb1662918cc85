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

package resolver_test

import (
	"testing"

	"github.com/getoutreach/modhost/internal/resolver"
	"gotest.tools/v3/assert"
)

func TestParseConstraintExactVersion(t *testing.T) {
	r, err := resolver.ParseConstraint("1.2.3")
	assert.NilError(t, err)
	assert.Assert(t, r.Single)
	assert.Assert(t, r.Matches(v(1, 2, 3)))
	assert.Assert(t, !r.Matches(v(1, 2, 4)))
}

func TestParseConstraintAtLeast(t *testing.T) {
	r, err := resolver.ParseConstraint(">=1.2.0")
	assert.NilError(t, err)
	assert.Assert(t, r.Matches(v(1, 2, 0)))
	assert.Assert(t, r.Matches(v(9, 0, 0)))
	assert.Assert(t, !r.Matches(v(1, 1, 9)))
}

func TestParseConstraintCaret(t *testing.T) {
	r, err := resolver.ParseConstraint("^1.2.0")
	assert.NilError(t, err)
	assert.Assert(t, r.Matches(v(1, 2, 0)))
	assert.Assert(t, r.Matches(v(1, 9, 0)))
	assert.Assert(t, !r.Matches(v(2, 0, 0)))
}

func TestParseConstraintTilde(t *testing.T) {
	r, err := resolver.ParseConstraint("~1.2.0")
	assert.NilError(t, err)
	assert.Assert(t, r.Matches(v(1, 2, 5)))
	assert.Assert(t, !r.Matches(v(1, 3, 0)))
}

func TestParseConstraintBoundedRange(t *testing.T) {
	r, err := resolver.ParseConstraint(">=1.0.0 <2.0.0")
	assert.NilError(t, err)
	assert.Assert(t, r.Matches(v(1, 5, 0)))
	assert.Assert(t, !r.Matches(v(2, 0, 0)))
	assert.Assert(t, !r.Matches(v(0, 9, 0)))
}

func TestParseConstraintUnsatisfiableCombination(t *testing.T) {
	_, err := resolver.ParseConstraint(">=2.0.0 <1.0.0")
	assert.Assert(t, err != nil)
}

func TestParseConstraintRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not-a-version", ">=banana"} {
		_, err := resolver.ParseConstraint(bad)
		assert.Assert(t, err != nil, "constraint %q should not parse", bad)
	}
}
