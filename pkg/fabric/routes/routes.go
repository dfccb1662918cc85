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

// Package routes implements the route manager: the persistent mapping
// from a message route to the set of endpoint addresses registered to
// handle it. It is backed by puzpuzpuz/xsync maps, so readers never
// block readers and writers only contend per key bucket rather than on
// a single coarse mutex.
package routes

import (
	"github.com/getoutreach/modhost/internal/coordination"
	"github.com/getoutreach/modhost/pkg/endpoint"
	"github.com/puzpuzpuz/xsync/v4"
)

// Options are the registration flags a route can carry. The zero value
// is a persistent registration that accepts point-to-point dispatch.
type Options uint8

const (
	// Transient registrations are removed automatically when their
	// owning session ends.
	Transient Options = 1 << iota
	// PublishOnly registrations are only selected by publish dispatch,
	// never by point-to-point route lookup (unless explicitly targeted
	// by endpoint address).
	PublishOnly
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool { return o&flag != 0 }

// Registration is one entry in the route table: an endpoint registered
// for a route, with its options.
type Registration struct {
	Endpoint endpoint.Address
	Options  Options
}

// Route is an opaque route key, typically a stringified message type.
type Route string

// Manager is the route manager: a concurrent Route -> set<Registration>
// table.
type Manager struct {
	table *xsync.Map[Route, *xsync.Map[string, Registration]]
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{table: xsync.NewMap[Route, *xsync.Map[string, Registration]]()}
}

func (m *Manager) bucket(route Route) *xsync.Map[string, Registration] {
	b, _ := m.table.LoadOrStore(route, xsync.NewMap[string, Registration]())
	return b
}

// AddRoute registers endpoint for route with the given options. Adding
// the same (endpoint, route) pair twice overwrites the options
// idempotently. If opts includes Transient and session is non-nil, the
// registration is removed automatically when the session ends.
func (m *Manager) AddRoute(route Route, ep endpoint.Address, opts Options, session coordination.Session) {
	m.bucket(route).Store(ep.Key(), Registration{Endpoint: ep, Options: opts})

	if opts.Has(Transient) && session != nil {
		go func() {
			<-session.Done()
			m.RemoveRoute(route, ep)
		}()
	}
}

// RemoveRoute removes endpoint's registration for route, if any.
func (m *Manager) RemoveRoute(route Route, ep endpoint.Address) {
	if b, ok := m.table.Load(route); ok {
		b.Delete(ep.Key())
	}
}

// RemoveAllRoutes removes every registration endpoint holds. When
// removePersistent is false, only Transient registrations are dropped;
// when true, every registration for endpoint is dropped regardless of
// options.
func (m *Manager) RemoveAllRoutes(ep endpoint.Address, removePersistent bool) {
	m.table.Range(func(_ Route, b *xsync.Map[string, Registration]) bool {
		if reg, ok := b.Load(ep.Key()); ok {
			if removePersistent || reg.Options.Has(Transient) {
				b.Delete(ep.Key())
			}
		}
		return true
	})
}

// GetRoutes returns an immutable snapshot of every registration for
// route.
func (m *Manager) GetRoutes(route Route) []Registration {
	b, ok := m.table.Load(route)
	if !ok {
		return nil
	}
	var out []Registration
	b.Range(func(_ string, reg Registration) bool {
		out = append(out, reg)
		return true
	})
	return out
}
