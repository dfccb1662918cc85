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

package fabric

import (
	"github.com/getoutreach/modhost/pkg/endpoint"
	"github.com/puzpuzpuz/xsync/v4"
)

// addressCache holds resolved logical-endpoint -> physical-address
// mappings so a Fabric doesn't round-trip to the coordination service
// on every send. Entries are invalidated on a failed send and
// re-resolved.
type addressCache struct {
	m *xsync.Map[string, string]
}

func newAddressCache() *addressCache {
	return &addressCache{m: xsync.NewMap[string, string]()}
}

func (c *addressCache) get(a endpoint.Address) (string, bool) {
	return c.m.Load(a.Key())
}

func (c *addressCache) set(a endpoint.Address, physical string) {
	c.m.Store(a.Key(), physical)
}

func (c *addressCache) invalidate(a endpoint.Address) {
	c.m.Delete(a.Key())
}
