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

package slicesext

import (
	"reflect"
	"slices"
	"testing"
)

func TestKeys(t *testing.T) {
	got := Keys(map[string]int{"a": 1, "b": 2, "c": 3})
	slices.Sort(got)
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
}

func TestKeysOfEmptyMap(t *testing.T) {
	got := Keys(map[string]int{})
	if len(got) != 0 {
		t.Errorf("Keys() = %v, want empty", got)
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[int]string{3: "3", 1: "1", 2: "2"})
	if want := []int{1, 2, 3}; !reflect.DeepEqual(got, want) {
		t.Errorf("SortedKeys() = %v, want %v", got, want)
	}
}

func TestFromMap(t *testing.T) {
	got := FromMap(map[int]string{1: "1", 2: "2", 3: "3"})

	// Special case for tests. We can't sort within [FromMap] because
	// we're not guaranteed to be [cmp.Ordered].
	slices.Sort(got)

	if want := []string{"1", "2", "3"}; !reflect.DeepEqual(got, want) {
		t.Errorf("FromMap() = %v, want %v", got, want)
	}
}
