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

package reqrep_test

import (
	"context"
	"testing"
	"time"

	"github.com/getoutreach/modhost/pkg/transport"
	"github.com/getoutreach/modhost/pkg/transport/reqrep"
	"github.com/getoutreach/modhost/pkg/wire"
	"gotest.tools/v3/assert"
)

// pipeTransport is a transport.Endpoint-compatible loopback: everything
// sent on it is delivered to its paired peer's inbox, letting two
// reqrep.Endpoint values exchange frames without a real socket.
type pipeTransport struct {
	inbox chan *transport.Inbound
	peer  *pipeTransport
}

func newPipePair() (a, b *pipeTransport) {
	a = &pipeTransport{inbox: make(chan *transport.Inbound, 16)}
	b = &pipeTransport{inbox: make(chan *transport.Inbound, 16)}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Send(_ context.Context, _ string, msg *wire.Message) error {
	p.peer.inbox <- &transport.Inbound{Message: msg.Clone(), From: "peer"}
	return nil
}

func (p *pipeTransport) Receive(ctx context.Context) (*transport.Inbound, error) {
	select {
	case in := <-p.inbox:
		return in, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	clientT, serverT := newPipePair()
	client := reqrep.New(clientT)
	server := reqrep.New(serverT)
	defer client.Close()
	defer server.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := server.Receive(ctx)
		if err != nil {
			return
		}
		reply := wire.New()
		reply.Push([]byte("pong"))
		req.SendResponse(ctx, reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := wire.New()
	req.Push([]byte("ping"))

	resp, err := client.Send(ctx, "server", req)
	assert.NilError(t, err)
	assert.Assert(t, resp != nil)
	frame, ok := resp.Peek()
	assert.Assert(t, ok)
	assert.Equal(t, string(frame), "pong")
}

func TestRequestAckHasNoPayload(t *testing.T) {
	clientT, serverT := newPipePair()
	client := reqrep.New(clientT)
	server := reqrep.New(serverT)
	defer client.Close()
	defer server.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := server.Receive(ctx)
		if err != nil {
			return
		}
		req.SendAck(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Send(ctx, "server", wire.New())
	assert.NilError(t, err)
	assert.Assert(t, resp == nil)
}

func TestRequestCloseIsEquivalentToAck(t *testing.T) {
	clientT, serverT := newPipePair()
	client := reqrep.New(clientT)
	server := reqrep.New(serverT)
	defer client.Close()
	defer server.Close()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := server.Receive(ctx)
		if err != nil {
			return
		}
		req.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Send(ctx, "server", wire.New())
	assert.NilError(t, err)
	assert.Assert(t, resp == nil)
}
