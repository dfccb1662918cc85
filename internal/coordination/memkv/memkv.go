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

// Package memkv is an in-memory coordination.Service, used by tests and
// as the reference adapter for the route manager and logical endpoint.
// It is not a distributed coordination service: sessions and watches
// only survive as long as the owning process does.
package memkv

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/getoutreach/modhost/internal/coordination"
	"github.com/puzpuzpuz/xsync/v4"
)

// entry is one stored key's value and, if any, the session that owns
// it.
type entry struct {
	value     []byte
	sessionID string
}

// Store is an in-memory coordination.Service.
type Store struct {
	data *xsync.Map[string, entry]

	mu       sync.Mutex
	watchers map[string][]chan coordination.Event
	sessions map[string]map[string]struct{} // session id -> owned keys

	nextSessionID atomic.Uint64
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		data:     xsync.NewMap[string, entry](),
		watchers: map[string][]chan coordination.Event{},
		sessions: map[string]map[string]struct{}{},
	}
}

var _ coordination.Service = (*Store)(nil)

// session is Store's coordination.Session implementation.
type session struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *session) ID() string            { return s.id }
func (s *session) Done() <-chan struct{} { return s.done }
func (s *session) Close() error {
	s.cancel()
	return nil
}

// NewSession implements coordination.Service.
func (st *Store) NewSession(ctx context.Context) (coordination.Session, error) {
	id := fmt.Sprintf("session-%d", st.nextSessionID.Add(1))

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{id: id, cancel: cancel, done: make(chan struct{})}

	st.mu.Lock()
	st.sessions[id] = map[string]struct{}{}
	st.mu.Unlock()

	go func() {
		<-sessCtx.Done()
		st.expireSession(id)
		close(sess.done)
	}()

	return sess, nil
}

// expireSession removes every key owned by sessionID, notifying
// watchers of each deletion.
func (st *Store) expireSession(sessionID string) {
	st.mu.Lock()
	keys := st.sessions[sessionID]
	delete(st.sessions, sessionID)
	st.mu.Unlock()

	for key := range keys {
		st.data.Delete(key)
		st.notify(key, coordination.Event{Key: key, Deleted: true})
	}
}

// Put implements coordination.Service.
func (st *Store) Put(_ context.Context, key string, value []byte, opts ...coordination.PutOption) error {
	sess := coordination.ApplyOptions(opts...)

	var sessionID string
	if sess != nil {
		sessionID = sess.ID()
		st.mu.Lock()
		if owned, ok := st.sessions[sessionID]; ok {
			owned[key] = struct{}{}
		} else {
			// Session already expired between NewSession and Put.
			st.mu.Unlock()
			return fmt.Errorf("memkv: session %s is no longer active", sessionID)
		}
		st.mu.Unlock()
	}

	st.data.Store(key, entry{value: value, sessionID: sessionID})
	st.notify(key, coordination.Event{Key: key, Value: value})
	return nil
}

// Delete implements coordination.Service.
func (st *Store) Delete(_ context.Context, key string) error {
	if e, ok := st.data.Load(key); ok && e.sessionID != "" {
		st.mu.Lock()
		if owned, ok := st.sessions[e.sessionID]; ok {
			delete(owned, key)
		}
		st.mu.Unlock()
	}

	st.data.Delete(key)
	st.notify(key, coordination.Event{Key: key, Deleted: true})
	return nil
}

// Get implements coordination.Service.
func (st *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := st.data.Load(key)
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Watch implements coordination.Service.
func (st *Store) Watch(ctx context.Context, key string) (<-chan coordination.Event, error) {
	ch := make(chan coordination.Event, 8)

	st.mu.Lock()
	st.watchers[key] = append(st.watchers[key], ch)
	st.mu.Unlock()

	go func() {
		<-ctx.Done()
		st.mu.Lock()
		peers := st.watchers[key]
		for i, c := range peers {
			if c == ch {
				st.watchers[key] = append(peers[:i], peers[i+1:]...)
				break
			}
		}
		st.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// notify delivers ev to every live watcher of key. Slow watchers are
// dropped from delivery for this event rather than blocking the
// writer, since ch is buffered and a full buffer means the watcher has
// fallen behind.
func (st *Store) notify(key string, ev coordination.Event) {
	st.mu.Lock()
	peers := append([]chan coordination.Event(nil), st.watchers[key]...)
	st.mu.Unlock()

	for _, ch := range peers {
		select {
		case ch <- ev:
		default:
		}
	}
}
