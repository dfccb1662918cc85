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

package mux_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/getoutreach/modhost/pkg/transport/mux"
	"github.com/getoutreach/modhost/pkg/wire"
	"gotest.tools/v3/assert"
)

// netConnPipe builds a real TCP loopback pair (yamux writes directly to
// the net.Conn buffers and net.Pipe's synchronous, unbuffered semantics
// don't play well with yamux's keepalive pings).
func netConnPipe(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptedCh <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	server = <-acceptedCh
	return client, server
}

func TestSubEndpointSendReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := netConnPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := mux.NewClient(clientConn, nil)
	assert.NilError(t, err)
	defer client.Close()

	server, err := mux.NewServer(serverConn, nil)
	assert.NilError(t, err)
	defer server.Close()

	serverSide := server.Endpoint("control")

	msg := wire.New()
	msg.Push([]byte("hello"))

	clientSide := client.Endpoint("control")
	assert.NilError(t, clientSide.Send(context.Background(), serverSide.LocalAddress(), msg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := serverSide.Receive(ctx)
	assert.NilError(t, err)

	frame, ok := got.Message.Peek()
	assert.Assert(t, ok)
	assert.Equal(t, string(frame), "hello")
}

func TestDistinctSubEndpointsDontCrossTalk(t *testing.T) {
	clientConn, serverConn := netConnPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := mux.NewClient(clientConn, nil)
	assert.NilError(t, err)
	defer client.Close()

	server, err := mux.NewServer(serverConn, nil)
	assert.NilError(t, err)
	defer server.Close()

	aServer := server.Endpoint("a")
	bServer := server.Endpoint("b")

	aMsg, bMsg := wire.New(), wire.New()
	aMsg.Push([]byte("for-a"))
	bMsg.Push([]byte("for-b"))

	assert.NilError(t, client.Endpoint("a").Send(context.Background(), "", aMsg))
	assert.NilError(t, client.Endpoint("b").Send(context.Background(), "", bMsg))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	gotB, err := bServer.Receive(ctx)
	assert.NilError(t, err)
	frame, _ := gotB.Message.Peek()
	assert.Equal(t, string(frame), "for-b")

	gotA, err := aServer.Receive(ctx)
	assert.NilError(t, err)
	frame, _ = gotA.Message.Peek()
	assert.Equal(t, string(frame), "for-a")
}

func TestAcceptingSideCannotOriginateAStream(t *testing.T) {
	clientConn, serverConn := netConnPipe(t)
	defer clientConn.Close()
	defer serverConn.Close()

	client, err := mux.NewClient(clientConn, nil)
	assert.NilError(t, err)
	defer client.Close()

	server, err := mux.NewServer(serverConn, nil)
	assert.NilError(t, err)
	defer server.Close()

	err = server.Endpoint("control").Send(context.Background(), "", wire.New())
	assert.Assert(t, err != nil)
}
