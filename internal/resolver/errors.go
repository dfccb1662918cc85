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

import "github.com/pkg/errors"

// ErrNoViableSet is returned by Resolve when no installation set
// satisfies every constraint. This is a version-conflict error and
// should drive an InstallationSetConflict notification upstream; the
// resolver itself only ever returns this sentinel (wrapped with
// context), never a partial/garbage result.
var ErrNoViableSet = errors.New("resolver: no installation set satisfies every constraint")
