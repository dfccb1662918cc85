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

// Package handler implements the handler registry and invoker.
// Handlers go through an explicit registration phase: each is built by
// the generic For[T] constructor into a typed closure, not discovered
// by scanning for methods whose name ends in "Handler", so the
// dispatch path is a plain closure call with no per-invocation
// reflection. Ambient values a handler needs travel in the explicit
// Context struct threaded as the first parameter to every handler
// function.
package handler

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"

	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/wire"
	"github.com/puzpuzpuz/xsync/v4"
)

// Route identifies the message route a Registration answers, matching
// pkg/fabric/routes.Route (kept as a distinct string type here so this
// package doesn't need to import routes, which itself has no reason to
// know about handlers).
type Route string

// Dispatcher is the minimal dispatcher contract a handler may ask to
// be injected with, satisfied by pkg/fabric/dispatch.Dispatcher.
// Modeled as an interface here, rather than importing the dispatch
// package directly, to avoid a cycle (dispatch depends on handler).
type Dispatcher interface {
	Dispatch(ctx context.Context, route string, msg *wire.Message, publish bool) (*wire.Message, error)
}

// Context is passed as the first argument to every handler invocation.
// It carries the ambient values of the dispatch: the current route,
// whether this is a publish dispatch, and a back-reference to the
// dispatcher for handlers that need to issue further dispatches.
type Context struct {
	Route      Route
	Publish    bool
	Dispatcher Dispatcher
}

// Options mirror pkg/fabric/routes.Options for the handler's own
// registration-time preferences, kept as a distinct type for the same
// reason Route is.
type Options uint8

const (
	// LocalOnly handlers take precedence over every other registration
	// for their route: the dispatcher invokes them in-process, ahead of
	// any other handler, and their outcome is returned without a
	// network hop.
	LocalOnly Options = 1 << iota
	// PublishOnly handlers are skipped by point-to-point dispatch
	// addressed by route.
	PublishOnly
)

// Has reports whether flag is set.
func (o Options) Has(flag Options) bool { return o&flag != 0 }

// Invoke is the type-erased closure a Registration wraps its typed
// handler function in: decode the wire payload, call the handler, and
// return whatever it returns as is.
type Invoke func(ctx context.Context, hctx Context, msg *wire.Message) (any, error)

// Registration is one handler registered against a Route.
type Registration struct {
	Route   Route
	Options Options
	// TypeName is used purely for diagnostics/logging, so a
	// registration can say what it is without reflecting on every
	// invocation -- resolved once at registration time via
	// reflect.TypeOf, never consulted on the dispatch path.
	TypeName string
	invoke   Invoke
}

// For builds a Registration for route from a typed handler function.
// T is decoded from the inbound message's payload frame with
// encoding/json before fn is called; fn's return value is returned
// as is, without encoding. This keeps per-invocation
// dispatch a closure call with no reflection, while still letting
// registrations report a meaningful type name for diagnostics.
func For[T any](route Route, fn func(ctx context.Context, hctx Context, msg T) (any, error), opts ...Options) Registration {
	var zero T
	var merged Options
	for _, o := range opts {
		merged |= o
	}

	return Registration{
		Route:    route,
		Options:  merged,
		TypeName: reflect.TypeOf(zero).String(),
		invoke: func(ctx context.Context, hctx Context, msg *wire.Message) (any, error) {
			var payload T
			if f, ok := msg.Peek(); ok && len(f) > 0 {
				if err := json.Unmarshal(f, &payload); err != nil {
					return nil, resultkind.New(resultkind.HandlerFailure, "handler: decode payload for "+string(route), err)
				}
			}
			return fn(ctx, hctx, payload)
		},
	}
}

// Invoke runs r's handler against msg.
func (r Registration) Invoke(ctx context.Context, hctx Context, msg *wire.Message) (any, error) {
	return r.invoke(ctx, hctx, msg)
}

// Deregister removes a Registration; calling it more than once is a
// no-op.
type Deregister func()

// Registry is the handler registry: a copy-on-write list of
// registrations per route. Writers (Register/deregister) serialize on
// writeMu and then publish a whole new slice; readers (Resolve) only
// ever Load from the underlying xsync.Map, so readers never block
// readers or each other.
type Registry struct {
	byRoute *xsync.Map[Route, []Registration]
	writeMu sync.Mutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byRoute: xsync.NewMap[Route, []Registration]()}
}

// Register adds reg to the registry, returning a handle that removes
// it again. In-flight invocations of reg are unaffected by a later
// deregistration, since Resolve hands out copies of the slice.
func (r *Registry) Register(reg Registration) Deregister {
	r.writeMu.Lock()
	old, _ := r.byRoute.Load(reg.Route)
	next := make([]Registration, len(old), len(old)+1)
	copy(next, old)
	next = append(next, reg)
	r.byRoute.Store(reg.Route, next)
	r.writeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.deregister(reg.Route, reg) })
	}
}

// deregister removes the first registration in route's list that is
// identical (by field value) to reg.
func (r *Registry) deregister(route Route, reg Registration) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old, ok := r.byRoute.Load(route)
	if !ok {
		return
	}
	next := make([]Registration, 0, len(old))
	removed := false
	for _, existing := range old {
		if !removed && existing.TypeName == reg.TypeName && existing.Route == reg.Route && existing.Options == reg.Options {
			removed = true
			continue
		}
		next = append(next, existing)
	}
	r.byRoute.Store(route, next)
}

// Resolve returns the registrations for exactly route, in registration
// order. Hierarchy descent across routes is the router's job, not
// this registry's.
func (r *Registry) Resolve(route Route) []Registration {
	regs, ok := r.byRoute.Load(route)
	if !ok {
		return nil
	}
	out := make([]Registration, len(regs))
	copy(out, regs)
	return out
}
