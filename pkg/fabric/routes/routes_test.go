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

package routes_test

import (
	"testing"
	"time"

	"github.com/getoutreach/modhost/pkg/endpoint"
	"github.com/getoutreach/modhost/pkg/fabric/routes"
	"gotest.tools/v3/assert"
)

// fakeSession is a coordination.Session that ends when closed, used to
// exercise Transient route removal without a real coordination service.
type fakeSession struct {
	done chan struct{}
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan struct{})} }

func (s *fakeSession) ID() string            { return "fake-session" }
func (s *fakeSession) Done() <-chan struct{} { return s.done }
func (s *fakeSession) Close() error          { close(s.done); return nil }

func TestAddRouteAndGetRoutes(t *testing.T) {
	m := routes.New()
	ep := endpoint.New("worker-1")

	m.AddRoute("greet", ep, 0, nil)

	regs := m.GetRoutes("greet")
	assert.Equal(t, len(regs), 1)
	assert.Assert(t, regs[0].Endpoint.Equal(ep))
}

func TestAddRouteTwiceOverwritesOptionsIdempotently(t *testing.T) {
	m := routes.New()
	ep := endpoint.New("worker-1")

	m.AddRoute("greet", ep, 0, nil)
	m.AddRoute("greet", ep, routes.PublishOnly, nil)

	regs := m.GetRoutes("greet")
	assert.Equal(t, len(regs), 1)
	assert.Assert(t, regs[0].Options.Has(routes.PublishOnly))
}

func TestRemoveRoute(t *testing.T) {
	m := routes.New()
	ep := endpoint.New("worker-1")
	m.AddRoute("greet", ep, 0, nil)

	m.RemoveRoute("greet", ep)

	assert.Equal(t, len(m.GetRoutes("greet")), 0)
}

func TestRemoveAllRoutesPersistentOnlyWhenRequested(t *testing.T) {
	m := routes.New()
	ep := endpoint.New("worker-1")
	m.AddRoute("greet", ep, 0, nil)
	m.AddRoute("farewell", ep, routes.Transient, nil)

	m.RemoveAllRoutes(ep, false)
	assert.Equal(t, len(m.GetRoutes("greet")), 1, "persistent registration should survive a non-forced RemoveAllRoutes")
	assert.Equal(t, len(m.GetRoutes("farewell")), 0, "transient registration should always be removed")

	m.RemoveAllRoutes(ep, true)
	assert.Equal(t, len(m.GetRoutes("greet")), 0, "forced RemoveAllRoutes removes persistent registrations too")
}

func TestTransientRouteRemovedWhenSessionEnds(t *testing.T) {
	m := routes.New()
	ep := endpoint.New("worker-1")
	session := newFakeSession()

	m.AddRoute("greet", ep, routes.Transient, session)
	assert.Equal(t, len(m.GetRoutes("greet")), 1)

	session.Close()

	assert.Assert(t, pollUntil(t, func() bool { return len(m.GetRoutes("greet")) == 0 }))
}

// pollUntil waits up to a second for cond, since the Transient cleanup
// goroutine in AddRoute races the test.
func pollUntil(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
