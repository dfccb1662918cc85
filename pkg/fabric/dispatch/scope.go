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

package dispatch

import (
	"context"
	"sync"
)

// scope collects per-dispatch cleanup callbacks, released exactly once
// when the dispatch that created it returns by any path -- success,
// handler error, or recovered panic.
type scope struct {
	mu       sync.Mutex
	released bool
	cleanups []func()
}

func newScope() *scope {
	return &scope{}
}

// onRelease registers fn to run when the scope is released, in
// last-registered-first-run order. A cleanup registered after release
// has already happened runs immediately.
func (s *scope) onRelease(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		fn()
		return
	}
	s.cleanups = append(s.cleanups, fn)
	s.mu.Unlock()
}

// release runs every registered cleanup, most-recently-registered
// first, and marks the scope released. Safe to call more than once;
// only the first call has any effect.
func (s *scope) release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i]()
	}
}

type scopeKey struct{}

func withScope(ctx context.Context, s *scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// OnRelease registers fn to run when the current dispatch's scope is
// released. Intended for handlers and processors that acquire a
// resource (a lock, a transaction) they must release regardless of how
// the dispatch concludes. It is a no-op if ctx carries no scope, which
// only happens when called outside of Dispatcher.Run.
func OnRelease(ctx context.Context, fn func()) {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		s.onRelease(fn)
	}
}
