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

package reqrep

import (
	"context"
	"testing"
	"time"

	"github.com/getoutreach/modhost/pkg/resultkind"
	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/wire"
	"gotest.tools/v3/assert"
)

// loopback is an in-process Transport pair; white-box cousin of the
// pipeTransport in reqrep_test.go so this test can also assert on the
// endpoint's correlation-table state.
type loopback struct {
	inbox chan *transport.Inbound
	peer  *loopback
}

func newLoopbackPair() (a, b *loopback) {
	a = &loopback{inbox: make(chan *transport.Inbound, 16)}
	b = &loopback{inbox: make(chan *transport.Inbound, 16)}
	a.peer, b.peer = b, a
	return a, b
}

func (l *loopback) Send(_ context.Context, _ string, msg *wire.Message) error {
	l.peer.inbox <- &transport.Inbound{Message: msg.Clone(), From: "peer"}
	return nil
}

func (l *loopback) Receive(ctx context.Context) (*transport.Inbound, error) {
	select {
	case in := <-l.inbox:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Caller cancels mid-flight; the peer observes the cancel frame,
// acknowledges it, the caller observes Cancelled, and both correlation
// tables end up empty.
func TestCancellationMidFlight(t *testing.T) {
	clientT, serverT := newLoopbackPair()
	client := New(clientT)
	server := New(serverT)
	defer client.Close()
	defer server.Close()

	serverSawCancel := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, err := server.Receive(ctx)
		if err != nil {
			return
		}
		// Deliberately don't answer: wait for the peer's cancel frame,
		// then acknowledge it.
		select {
		case <-req.Canceled():
			close(serverSawCancel)
			req.SendCancellationAck(ctx)
		case <-ctx.Done():
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := client.Send(ctx, "server", wire.New())
	assert.Assert(t, resultkind.IsKind(err, resultkind.Cancelled), "got %v", err)

	select {
	case <-serverSawCancel:
	case <-time.After(2 * time.Second):
		t.Fatal("peer never observed the cancel frame")
	}

	assert.Assert(t, pollUntilEmpty(t, client, server), "correlation tables should be empty after cancellation")
}

func TestDeadlineMapsToTimeoutNotCancelled(t *testing.T) {
	old := CancelGracePeriod
	CancelGracePeriod = 50 * time.Millisecond
	defer func() { CancelGracePeriod = old }()

	clientT, _ := newLoopbackPair()
	client := New(clientT)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// No server is pumping the peer side, so the deadline always wins.
	_, err := client.Send(ctx, "server", wire.New())
	assert.Assert(t, resultkind.IsKind(err, resultkind.Timeout), "got %v", err)
}

func pollUntilEmpty(t *testing.T, client, server *Endpoint) bool {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	empty := func() bool {
		return client.outgoingTable.Size() == 0 && client.incomingTable.Size() == 0 &&
			server.outgoingTable.Size() == 0 && server.incomingTable.Size() == 0
	}
	for time.Now().Before(deadline) {
		if empty() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return empty()
}
