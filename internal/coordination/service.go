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

// Package coordination defines the external coordination-service
// contract the logical endpoint and route manager depend on:
// address/route registration, lookup, and change notification, plus
// session-scoped entries that disappear automatically when their
// owning session ends. internal/coordination/memkv is the only
// concrete adapter shipped here; a real deployment points at etcd,
// consul, or similar instead.
package coordination

import "context"

// Session is a lease with a finite lifetime, obtained from a Service.
// Entries Put with WithSession(session) are removed when the session
// ends, either explicitly via Close or because the underlying
// connection to the coordination service was lost.
type Session interface {
	// ID uniquely identifies this session for as long as it is alive.
	ID() string

	// Done is closed when the session ends, for any reason.
	Done() <-chan struct{}

	// Close ends the session, releasing every entry owned by it.
	Close() error
}

// Event is delivered by Watch when key's value changes.
type Event struct {
	Key     string
	Value   []byte
	Deleted bool
}

// putOptions collects the optional behavior of Put.
type putOptions struct {
	session Session
}

// PutOption configures a single Put call.
type PutOption func(*putOptions)

// WithSession ties the entry's lifetime to session: it is removed when
// the session ends. Without this option, an entry lives until
// explicitly deleted.
func WithSession(session Session) PutOption {
	return func(o *putOptions) { o.session = session }
}

// ApplyOptions folds opts and returns the session they select, or nil
// if none. Adapters call this from their own Put implementation rather
// than reaching into the unexported fields directly.
func ApplyOptions(opts ...PutOption) (session Session) {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.session
}

// Service is the coordination-service contract: a key/value store with
// change notification and session-scoped entries, used by the route
// manager for route registrations and by the logical endpoint for
// address resolution.
type Service interface {
	// NewSession starts a new session. The session ends when ctx is
	// canceled, Close is called, or the connection to the service is
	// lost.
	NewSession(ctx context.Context) (Session, error)

	// Put stores value at key. If WithSession is given, the entry is
	// removed automatically when that session ends.
	Put(ctx context.Context, key string, value []byte, opts ...PutOption) error

	// Delete removes key, if present. It is not an error to delete a
	// key that doesn't exist.
	Delete(ctx context.Context, key string) error

	// Get returns key's current value, and whether it was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Watch streams every subsequent change to key until ctx is
	// canceled, at which point the returned channel is closed.
	Watch(ctx context.Context, key string) (<-chan Event, error)
}
