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

import "fmt"

// ModuleVersionRange is an inclusive lower bound, an inclusive or open
// upper bound, a pre-release flag, and a single-version mode
// (equivalent to Min == Max, MaxInclusive, with no pre-release
// widening).
type ModuleVersionRange struct {
	Min ModuleVersion

	// HasMax reports whether Max bounds the range at all. A range with
	// HasMax == false is open-ended above Min.
	HasMax       bool
	Max          ModuleVersion
	MaxInclusive bool

	// AllowPreRelease reports whether pre-release versions can satisfy
	// the range at all. When false, every pre-release is rejected; when
	// true, any pre-release within the bounds matches.
	AllowPreRelease bool

	// Single marks this as a "must be exactly this version" constraint,
	// the form used for seed constraints of already-installed modules.
	Single bool
}

// Exact returns a single-version range that matches only v. This is
// the seed-constraint form required for every installed module.
func Exact(v ModuleVersion) ModuleVersionRange {
	return ModuleVersionRange{
		Min: v, HasMax: true, Max: v, MaxInclusive: true,
		AllowPreRelease: v.IsPreRelease,
		Single:          true,
	}
}

// AtLeast returns an unbounded-above range starting at min (inclusive).
func AtLeast(min ModuleVersion) ModuleVersionRange {
	return ModuleVersionRange{Min: min}
}

// Range returns a range from min (inclusive) to max, inclusive or
// exclusive per maxInclusive.
func Range(min, max ModuleVersion, maxInclusive bool) ModuleVersionRange {
	return ModuleVersionRange{Min: min, HasMax: true, Max: max, MaxInclusive: maxInclusive}
}

// Matches reports whether v satisfies the range.
func (r ModuleVersionRange) Matches(v ModuleVersion) bool {
	if v.IsPreRelease && !r.AllowPreRelease {
		return false
	}
	if v.Compare(r.Min) < 0 {
		return false
	}
	if r.HasMax {
		c := v.Compare(r.Max)
		if r.MaxInclusive {
			if c > 0 {
				return false
			}
		} else if c >= 0 {
			return false
		}
	}
	return true
}

// errIncompatible is returned by Combine when two ranges have an empty
// intersection.
type errIncompatible struct {
	a, b ModuleVersionRange
}

func (e *errIncompatible) Error() string {
	return fmt.Sprintf("incompatible version ranges: %s and %s", e.a, e.b)
}

// IsIncompatible reports whether err was returned because two ranges
// could not be combined.
func IsIncompatible(err error) bool {
	_, ok := err.(*errIncompatible) //nolint:errorlint // sentinel created only by Combine
	return ok
}

// Combine returns the intersection of a and b, or an error if the
// intersection is empty. Combine is commutative and associative where
// defined, and matches(v, Combine(a,b)) iff matches(v,a) && matches(v,b).
func Combine(a, b ModuleVersionRange) (ModuleVersionRange, error) {
	out := ModuleVersionRange{
		AllowPreRelease: a.AllowPreRelease && b.AllowPreRelease,
	}

	// Lower bound: the higher of the two mins wins.
	if a.Min.Compare(b.Min) >= 0 {
		out.Min = a.Min
	} else {
		out.Min = b.Min
	}

	// Upper bound: the lower of the two maxes wins; an unbounded range
	// never constrains tighter than a bounded one.
	switch {
	case a.HasMax && b.HasMax:
		c := a.Max.Compare(b.Max)
		switch {
		case c < 0:
			out.HasMax, out.Max, out.MaxInclusive = true, a.Max, a.MaxInclusive
		case c > 0:
			out.HasMax, out.Max, out.MaxInclusive = true, b.Max, b.MaxInclusive
		default:
			out.HasMax, out.Max = true, a.Max
			out.MaxInclusive = a.MaxInclusive && b.MaxInclusive
		}
	case a.HasMax:
		out.HasMax, out.Max, out.MaxInclusive = true, a.Max, a.MaxInclusive
	case b.HasMax:
		out.HasMax, out.Max, out.MaxInclusive = true, b.Max, b.MaxInclusive
	}

	out.Single = a.Single || b.Single
	if a.Single && b.Single && !a.Min.Equal(b.Min) {
		return ModuleVersionRange{}, &errIncompatible{a, b}
	}

	if out.HasMax {
		c := out.Min.Compare(out.Max)
		if c > 0 || (c == 0 && !out.MaxInclusive) {
			return ModuleVersionRange{}, &errIncompatible{a, b}
		}
	}

	return out, nil
}

// String renders the range in interval notation for diagnostics.
func (r ModuleVersionRange) String() string {
	upper := "*"
	if r.HasMax {
		bracket := ")"
		if r.MaxInclusive {
			bracket = "]"
		}
		upper = r.Max.String() + bracket
	}
	return fmt.Sprintf("[%s,%s", r.Min, upper)
}
